// ABOUTME: Media endpoints: streaming upload and cached download on chi, plus
// ABOUTME: asset metadata and derivative requests on huma.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/maefbyyas/maef-backend/internal/media"
	"github.com/maefbyyas/maef-backend/internal/store"
)

// immutableCache is sent with every payload: a URL names one content hash
// for its whole lifetime.
const immutableCache = "public, max-age=31536000, immutable"

// multipartOverhead is the slack allowed above the blob size limit for the
// multipart envelope.
const multipartOverhead = 64 << 10

// maxBatchFiles caps the file parts of one batch upload.
const maxBatchFiles = 10

func registerMediaRoutes(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "list-media",
		Method:      http.MethodGet,
		Path:        "/media",
		Summary:     "List assets",
		Description: "Lists asset metadata newest first, optionally filtered by MIME type prefix.",
		Tags:        []string{"Media"},
	}, srv.listMediaHandler)

	huma.Register(api, huma.Operation{
		OperationID: "get-media-info",
		Method:      http.MethodGet,
		Path:        "/media/{id}/info",
		Summary:     "Get asset metadata",
		Description: "Returns asset metadata and the derivatives rendered so far.",
		Tags:        []string{"Media"},
	}, srv.getMediaInfoHandler)

	huma.Register(api, huma.Operation{
		OperationID:   "request-derivative",
		Method:        http.MethodPost,
		Path:          "/media/{id}/derivatives/{kind}",
		Summary:       "Request a derivative",
		Description:   "Queues rendering of a derivative such as thumbnail-256. Repeated requests share one job.",
		Tags:          []string{"Media"},
		DefaultStatus: http.StatusAccepted,
	}, srv.requestDerivativeHandler)
}

// ── Response types ────────────────────────────────────────────────────────────

// AssetResponse is the API representation of a media asset.
type AssetResponse struct {
	ID              uuid.UUID            `json:"id"`
	SHA256          string               `json:"sha256"`
	Filename        string               `json:"filename"`
	MimeType        string               `json:"mime_type"`
	SizeBytes       int64                `json:"size_bytes"`
	SizeHuman       string               `json:"size_human"`
	Width           *int                 `json:"width,omitempty"`
	Height          *int                 `json:"height,omitempty"`
	DurationSeconds *float64             `json:"duration_seconds,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	Derivatives     []DerivativeResponse `json:"derivatives,omitempty"`
}

// DerivativeResponse is the API representation of a media derivative.
type DerivativeResponse struct {
	ID        uuid.UUID `json:"id"`
	Kind      string    `json:"kind"`
	MimeType  string    `json:"mime_type"`
	SizeBytes int64     `json:"size_bytes"`
	SizeHuman string    `json:"size_human"`
	Width     *int      `json:"width,omitempty"`
	Height    *int      `json:"height,omitempty"`
	URL       string    `json:"url"`
}

func assetToResponse(a *store.MediaAsset) AssetResponse {
	return AssetResponse{
		ID:              a.ID,
		SHA256:          a.SHA256,
		Filename:        a.Filename,
		MimeType:        a.MimeType,
		SizeBytes:       a.SizeBytes,
		SizeHuman:       humanize.IBytes(uint64(a.SizeBytes)), //nolint:gosec // G115: sizes are non-negative
		Width:           a.Width,
		Height:          a.Height,
		DurationSeconds: a.DurationSeconds,
		CreatedAt:       a.CreatedAt.UTC(),
	}
}

func derivativeToResponse(d store.MediaDerivative) DerivativeResponse {
	return DerivativeResponse{
		ID:        d.ID,
		Kind:      d.Kind,
		MimeType:  d.MimeType,
		SizeBytes: d.SizeBytes,
		SizeHuman: humanize.IBytes(uint64(d.SizeBytes)), //nolint:gosec // G115: sizes are non-negative
		Width:     d.Width,
		Height:    d.Height,
		URL:       "/api/v1/media/" + d.AssetID.String() + "/derivatives/" + d.Kind,
	}
}

// ── POST /media ───────────────────────────────────────────────────────────────

// uploadMediaHandler stores the request payload, either the raw body or the
// "file" part of a multipart form. Identical content resolves to the
// existing asset with 200; a new asset is 201.
func (srv *Server) uploadMediaHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	maxSize := srv.store.Limits().MaxSize
	if r.ContentLength > maxSize+multipartOverhead {
		writeError(w, r, http.StatusRequestEntityTooLarge,
			"payload exceeds "+humanize.IBytes(uint64(maxSize))) //nolint:gosec // G115: limit is positive
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+multipartOverhead)

	body, params, mr, err := uploadPayload(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := srv.store.PutAsset(ctx, body, params)
	if err != nil {
		status, detail := putErrorStatus(err, maxSize)
		if status == http.StatusInternalServerError {
			slog.ErrorContext(ctx, "store upload failed", "error", err)
		}
		writeError(w, r, status, detail)
		return
	}
	if mr != nil {
		// The first file is stored either way; content addressing makes a
		// resend through /media/batch return the same asset.
		extra, err := hasFilePart(mr)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if extra {
			writeError(w, r, http.StatusBadRequest,
				`only one "file" part is accepted; use POST /api/v1/media/batch for several`)
			return
		}
	}

	asset, err := srv.store.GetAsset(ctx, res.ID)
	if err != nil || asset == nil {
		slog.ErrorContext(ctx, "reload uploaded asset", "asset_id", res.ID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "")
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
		slog.InfoContext(ctx, "media uploaded", "asset_id", asset.ID,
			"mime_type", asset.MimeType, "size", humanize.IBytes(uint64(asset.SizeBytes))) //nolint:gosec // G115: sizes are non-negative
	}
	w.Header().Set("Location", "/api/v1/media/"+asset.ID.String())
	writeJSON(w, r, status, assetToResponse(asset))
}

// uploadPayload returns the payload reader and declared metadata of an
// upload request. For multipart bodies the reader positioned after the
// "file" part is returned too.
func uploadPayload(r *http.Request) (io.Reader, store.PutAssetParams, *multipart.Reader, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		if mediaType == "application/x-www-form-urlencoded" {
			// curl's default for --data-binary; carries no information.
			mediaType = ""
		}
		return r.Body, store.PutAssetParams{
			Filename: uploadFilename(r.URL.Query().Get("filename"), r.Header.Get("Content-Disposition")),
			MimeType: mediaType,
		}, nil, nil
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, store.PutAssetParams{}, nil, fmt.Errorf("read multipart body: %w", err)
	}
	part, err := nextFilePart(mr)
	if errors.Is(err, io.EOF) {
		return nil, store.PutAssetParams{}, nil, errors.New(`multipart body has no "file" part`)
	}
	if err != nil {
		return nil, store.PutAssetParams{}, nil, err
	}
	return part, partParams(part), mr, nil
}

// nextFilePart skips to the next "file" part, returning io.EOF when the
// body has none left.
func nextFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("read multipart body: %w", err)
		}
		if part.FormName() == "file" {
			return part, nil
		}
	}
}

func hasFilePart(mr *multipart.Reader) (bool, error) {
	_, err := nextFilePart(mr)
	if errors.Is(err, io.EOF) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// putErrorStatus maps a PutAsset failure to a response status and detail.
func putErrorStatus(err error, maxSize int64) (int, string) {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.Is(err, store.ErrTooLarge), errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge,
			"payload exceeds " + humanize.IBytes(uint64(maxSize)) //nolint:gosec // G115: limit is positive
	case errors.Is(err, store.ErrEmptyBlob):
		return http.StatusBadRequest, "payload is empty"
	case errors.Is(err, store.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType, err.Error()
	default:
		return http.StatusInternalServerError, ""
	}
}

// ── POST /media/batch ─────────────────────────────────────────────────────────

// BatchFileResult reports one file part of a batch upload.
type BatchFileResult struct {
	Filename string         `json:"filename"`
	Status   string         `json:"status"` // created, existing or rejected
	Error    string         `json:"error,omitempty"`
	Asset    *AssetResponse `json:"asset,omitempty"`
}

// BatchUploadResponse is the body of POST /media/batch.
type BatchUploadResponse struct {
	UploadedCount int               `json:"uploaded_count"`
	TotalFiles    int               `json:"total_files"`
	Files         []BatchFileResult `json:"files"`
}

// batchUploadHandler stores every "file" part of a multipart body, up to
// maxBatchFiles. A file that is empty, too large or of a disallowed type is
// reported as rejected and the rest of the batch continues.
func (srv *Server) batchUploadHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	maxSize := srv.store.Limits().MaxSize
	bodyLimit := maxBatchFiles*maxSize + multipartOverhead
	if r.ContentLength > bodyLimit {
		writeError(w, r, http.StatusRequestEntityTooLarge, "batch body too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "batch upload needs a multipart/form-data body")
		return
	}

	resp := BatchUploadResponse{Files: []BatchFileResult{}}
	for {
		part, err := nextFilePart(mr)
		if errors.Is(err, io.EOF) {
			break
		}
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "batch body too large")
			return
		}
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if resp.TotalFiles == maxBatchFiles {
			writeError(w, r, http.StatusBadRequest, fmt.Sprintf("at most %d files per batch", maxBatchFiles))
			return
		}
		resp.TotalFiles++

		params := partParams(part)
		result := BatchFileResult{Filename: params.Filename}
		res, err := srv.store.PutAsset(ctx, part, params)
		if err != nil {
			status, detail := putErrorStatus(err, maxSize)
			switch {
			case errors.As(err, &maxBytesErr):
				writeError(w, r, http.StatusRequestEntityTooLarge, "batch body too large")
				return
			case status == http.StatusInternalServerError:
				slog.ErrorContext(ctx, "store batch upload failed", "filename", params.Filename, "error", err)
				writeError(w, r, status, "")
				return
			}
			result.Status, result.Error = "rejected", detail
			resp.Files = append(resp.Files, result)
			continue
		}

		asset, err := srv.store.GetAsset(ctx, res.ID)
		if err != nil || asset == nil {
			slog.ErrorContext(ctx, "reload uploaded asset", "asset_id", res.ID, "error", err)
			writeError(w, r, http.StatusInternalServerError, "")
			return
		}
		view := assetToResponse(asset)
		result.Asset = &view
		result.Status = "existing"
		if res.Created {
			result.Status = "created"
		}
		resp.UploadedCount++
		resp.Files = append(resp.Files, result)
	}
	if resp.TotalFiles == 0 {
		writeError(w, r, http.StatusBadRequest, `multipart body has no "file" part`)
		return
	}
	slog.InfoContext(ctx, "media batch uploaded", "files", resp.TotalFiles, "stored", resp.UploadedCount)
	writeJSON(w, r, http.StatusOK, resp)
}

func partParams(part *multipart.Part) store.PutAssetParams {
	declared, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
	return store.PutAssetParams{Filename: uploadFilename(part.FileName(), ""), MimeType: declared}
}

// uploadFilename picks the client-supplied name, reduced to its base name.
func uploadFilename(name, disposition string) string {
	if name == "" && disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			name = params["filename"]
		}
	}
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" || name == "" {
		return "upload"
	}
	return name
}

// ── GET /media/{id} and /media/{id}/derivatives/{kind} ────────────────────────

// downloadAssetHandler streams an asset's bytes. A matching If-None-Match
// is answered with 304 before any payload is opened.
func (srv *Server) downloadAssetHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, "asset not found")
		return
	}
	meta, err := srv.store.GetAsset(ctx, id)
	if err != nil {
		slog.ErrorContext(ctx, "get asset", "asset_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, "")
		return
	}
	if meta == nil {
		writeError(w, r, http.StatusNotFound, "asset not found")
		return
	}
	if notModified(w, r, meta.ETag()) {
		return
	}

	rc, asset, err := srv.store.OpenAsset(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "asset not found")
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "open asset", "asset_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, "")
		return
	}
	defer rc.Close() //nolint:errcheck
	servePayload(w, r, rc, payloadHeaders{
		etag: asset.ETag(), mimeType: asset.MimeType, size: asset.SizeBytes, filename: asset.Filename,
	})
}

func (srv *Server) downloadDerivativeHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, "derivative not found")
		return
	}
	kind := chi.URLParam(r, "kind")
	meta, err := srv.store.GetDerivative(ctx, id, kind)
	if err != nil {
		slog.ErrorContext(ctx, "get derivative", "asset_id", id, "kind", kind, "error", err)
		writeError(w, r, http.StatusInternalServerError, "")
		return
	}
	if meta == nil {
		writeError(w, r, http.StatusNotFound, "derivative not found")
		return
	}
	if notModified(w, r, meta.ETag()) {
		return
	}

	rc, d, err := srv.store.OpenDerivative(ctx, id, kind)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "derivative not found")
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "open derivative", "asset_id", id, "kind", kind, "error", err)
		writeError(w, r, http.StatusInternalServerError, "")
		return
	}
	defer rc.Close() //nolint:errcheck
	servePayload(w, r, rc, payloadHeaders{etag: d.ETag(), mimeType: d.MimeType, size: d.SizeBytes})
}

type payloadHeaders struct {
	etag     string
	mimeType string
	size     int64
	filename string
}

func servePayload(w http.ResponseWriter, r *http.Request, rc io.Reader, h payloadHeaders) {
	hdr := w.Header()
	hdr.Set("ETag", h.etag)
	hdr.Set("Cache-Control", immutableCache)
	hdr.Set("Content-Type", h.mimeType)
	hdr.Set("Content-Length", strconv.FormatInt(h.size, 10))
	if h.filename != "" {
		hdr.Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": h.filename}))
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		// Headers are gone; the client sees a short body.
		slog.WarnContext(r.Context(), "payload stream interrupted", "etag", h.etag, "error", err)
	}
}

// notModified answers a conditional GET whose If-None-Match names etag.
func notModified(w http.ResponseWriter, r *http.Request, etag string) bool {
	inm := r.Header.Get("If-None-Match")
	if inm == "" || !etagListMatches(inm, etag) {
		return false
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", immutableCache)
	w.WriteHeader(http.StatusNotModified)
	return true
}

// etagListMatches applies the weak comparison of If-None-Match.
func etagListMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}

// ── GET /media ────────────────────────────────────────────────────────────────

// ListMediaInput defines query parameters for the asset list.
type ListMediaInput struct {
	Type   string `query:"type" maxLength:"100" doc:"MIME type or prefix, e.g. image, video or image/png"`
	Cursor string `query:"cursor" doc:"next_cursor of the previous page"`
	Limit  int    `query:"limit" minimum:"1" maximum:"100" default:"50" doc:"Page size (max 100)"`
}

// ListMediaOutput is the response for GET /media.
type ListMediaOutput struct {
	Body struct {
		Items      []AssetResponse `json:"items"`
		NextCursor string          `json:"next_cursor,omitempty"`
	}
}

func (srv *Server) listMediaHandler(ctx context.Context, input *ListMediaInput) (*ListMediaOutput, error) {
	f := store.AssetFilter{MimePrefix: mimePrefix(input.Type), Limit: input.Limit + 1}
	if input.Cursor != "" {
		at, id, err := decodeAssetCursor(input.Cursor)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid cursor")
		}
		f.BeforeCreatedAt, f.BeforeID = at, id
	}
	assets, err := srv.store.ListAssets(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	hasMore := len(assets) > input.Limit
	if hasMore {
		assets = assets[:input.Limit]
	}

	out := &ListMediaOutput{}
	out.Body.Items = make([]AssetResponse, len(assets))
	for i := range assets {
		out.Body.Items[i] = assetToResponse(&assets[i])
	}
	if hasMore && len(assets) > 0 {
		last := assets[len(assets)-1]
		out.Body.NextCursor = encodeAssetCursor(last.CreatedAt, last.ID)
	}
	return out, nil
}

// mimePrefix turns a bare top-level type such as "image" into "image/".
func mimePrefix(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if t != "" && !strings.Contains(t, "/") {
		t += "/"
	}
	return t
}

// assetCursor is the keyset position after the last asset of a page.
type assetCursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        uuid.UUID `json:"id"`
}

// encodeAssetCursor base64-encodes the cursor JSON (opaque to API clients).
func encodeAssetCursor(at time.Time, id uuid.UUID) string {
	b, _ := json.Marshal(assetCursor{CreatedAt: at, ID: id})
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeAssetCursor(s string) (time.Time, uuid.UUID, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("invalid cursor (base64): %w", err)
	}
	var c assetCursor
	if err := json.Unmarshal(b, &c); err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("invalid cursor (json): %w", err)
	}
	if c.CreatedAt.IsZero() || c.ID == uuid.Nil {
		return time.Time{}, uuid.Nil, errors.New("invalid cursor: missing fields")
	}
	return c.CreatedAt, c.ID, nil
}

// ── GET /media/{id}/info ─────────────────────────────────────────────────────

// MediaIDInput is the path of the asset metadata endpoint.
type MediaIDInput struct {
	ID string `path:"id" format:"uuid"`
}

// parseAssetID treats a malformed id like an unknown one.
func parseAssetID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, huma.Error404NotFound("asset not found")
	}
	return id, nil
}

// MediaInfoOutput is the response for GET /media/{id}/info.
type MediaInfoOutput struct {
	Body AssetResponse
}

func (srv *Server) getMediaInfoHandler(ctx context.Context, input *MediaIDInput) (*MediaInfoOutput, error) {
	id, err := parseAssetID(input.ID)
	if err != nil {
		return nil, err
	}
	asset, err := srv.store.GetAsset(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get asset: %w", err)
	}
	if asset == nil {
		return nil, huma.Error404NotFound("asset not found")
	}
	derivatives, err := srv.store.ListDerivatives(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list derivatives: %w", err)
	}
	resp := assetToResponse(asset)
	for _, d := range derivatives {
		resp.Derivatives = append(resp.Derivatives, derivativeToResponse(d))
	}
	return &MediaInfoOutput{Body: resp}, nil
}

// ── POST /media/{id}/derivatives/{kind} ──────────────────────────────────────

// RequestDerivativeInput is the path of a derivative request.
type RequestDerivativeInput struct {
	ID   string `path:"id" format:"uuid"`
	Kind string `path:"kind" doc:"Derivative kind, e.g. thumbnail-256"`
}

// RequestDerivativeOutput is the response of a derivative request.
type RequestDerivativeOutput struct {
	Body struct {
		JobID    int64  `json:"job_id"`
		Existing bool   `json:"existing"`
		URL      string `json:"url" doc:"Where the derivative is served once rendered"`
	}
}

func (srv *Server) requestDerivativeHandler(ctx context.Context, input *RequestDerivativeInput) (*RequestDerivativeOutput, error) {
	if _, err := media.ParseDerivativeKind(input.Kind); err != nil {
		return nil, huma.Error422UnprocessableEntity(err.Error())
	}
	id, err := parseAssetID(input.ID)
	if err != nil {
		return nil, err
	}
	asset, err := srv.store.GetAsset(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get asset: %w", err)
	}
	if asset == nil {
		return nil, huma.Error404NotFound("asset not found")
	}
	res, err := media.EnqueueDerive(ctx, srv.store, id, input.Kind)
	if err != nil {
		return nil, fmt.Errorf("enqueue derivative: %w", err)
	}
	out := &RequestDerivativeOutput{}
	out.Body.JobID = res.ID
	out.Body.Existing = res.Existing
	out.Body.URL = "/api/v1/media/" + id.String() + "/derivatives/" + input.Kind
	return out, nil
}
