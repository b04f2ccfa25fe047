package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/maefbyyas/maef-backend/internal/imaging"
)

// MediaAsset is the metadata of a stored blob. The payload is read through
// OpenAsset.
type MediaAsset struct {
	ID              uuid.UUID
	SHA256          string
	Filename        string
	MimeType        string
	SizeBytes       int64
	Storage         Storage
	Width           *int
	Height          *int
	DurationSeconds *float64
	CreatedAt       time.Time
}

// ETag returns the strong cache validator derived from the content hash.
func (a *MediaAsset) ETag() string { return `"` + a.SHA256 + `"` }

// MediaDerivative is the metadata of a generated variant of an asset.
type MediaDerivative struct {
	ID        uuid.UUID
	AssetID   uuid.UUID
	Kind      string
	SHA256    string
	MimeType  string
	SizeBytes int64
	Storage   Storage
	Width     *int
	Height    *int
	CreatedAt time.Time
}

// ETag returns the strong cache validator derived from the content hash.
func (d *MediaDerivative) ETag() string { return `"` + d.SHA256 + `"` }

// PutAssetParams carries the caller-supplied metadata for an upload.
type PutAssetParams struct {
	Filename string
	// MimeType is the declared type; when empty or application/octet-stream
	// the type is sniffed from the payload.
	MimeType        string
	DurationSeconds *float64
}

// PutResult identifies the row that now holds a payload.
type PutResult struct {
	ID uuid.UUID
	// Created is false when identical content (or, for derivatives, the same
	// asset and kind) was already stored and its row is returned instead.
	Created bool
}

// errAlreadyStored aborts a put transaction that lost the uniqueness race.
var errAlreadyStored = errors.New("already stored")

const assetColumns = `id, sha256, filename, mime_type, size_bytes, storage,
	width, height, duration_seconds, created_at`

func scanAsset(row pgx.Row, extra ...any) (*MediaAsset, error) {
	var (
		a       MediaAsset
		storage string
	)
	dest := append([]any{&a.ID, &a.SHA256, &a.Filename, &a.MimeType, &a.SizeBytes,
		&storage, &a.Width, &a.Height, &a.DurationSeconds, &a.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	a.Storage = Storage(storage)
	return &a, nil
}

// PutAsset stores the payload read from r, deduplicated by SHA-256. When
// identical bytes are already stored the existing asset is returned with
// Created=false. Concurrent uploads of the same content are resolved by the
// unique constraint on sha256: the loser rolls back and re-reads the
// winner's row. Payloads over the size limit fail with ErrTooLarge.
func (s *Store) PutAsset(ctx context.Context, r io.Reader, p PutAssetParams) (PutResult, error) {
	var (
		res PutResult
		sum string
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		wb, err := s.writeBlob(ctx, tx, r)
		if err != nil {
			return err
		}
		sum = wb.sha256
		var width, height *int
		if w, h, ok := imaging.Probe(wb.head); ok {
			width, height = &w, &h
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO media_assets
				(sha256, filename, mime_type, size_bytes, storage, data, lo_oid,
				 width, height, duration_seconds)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (sha256) DO NOTHING
			RETURNING id`,
			wb.sha256, p.Filename, resolveMIME(p.MimeType, wb.sniffed), wb.size,
			string(wb.storage), wb.data, wb.oid, width, height, p.DurationSeconds,
		).Scan(&res.ID)
		if noRows(err) {
			return errAlreadyStored
		}
		if err != nil {
			return fmt.Errorf("insert asset: %w", err)
		}
		res.Created = true
		return nil
	})
	if errors.Is(err, errAlreadyStored) {
		existing, err := s.GetAssetBySHA256(ctx, sum)
		if err != nil {
			return PutResult{}, err
		}
		if existing == nil {
			return PutResult{}, fmt.Errorf("put asset: %s vanished after conflict", sum)
		}
		return PutResult{ID: existing.ID}, nil
	}
	if err != nil {
		if errors.Is(err, ErrTooLarge) || errors.Is(err, ErrEmptyBlob) || errors.Is(err, ErrUnsupportedType) {
			return PutResult{}, err
		}
		return PutResult{}, fmt.Errorf("put asset: %w", err)
	}
	return res, nil
}

// GetAsset returns asset metadata, or (nil, nil) if no such asset exists.
func (s *Store) GetAsset(ctx context.Context, id uuid.UUID) (*MediaAsset, error) {
	a, err := scanAsset(s.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM media_assets WHERE id = $1`, id))
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get asset %s: %w", id, err)
	}
	return a, nil
}

// GetAssetBySHA256 looks an asset up by content hash, returning (nil, nil)
// when none matches.
func (s *Store) GetAssetBySHA256(ctx context.Context, sum string) (*MediaAsset, error) {
	a, err := scanAsset(s.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM media_assets WHERE sha256 = $1`, sum))
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get asset by hash: %w", err)
	}
	return a, nil
}

// OpenAsset returns the asset's metadata and a reader over its payload.
// Large payloads are streamed from a read-only transaction that holds a
// pool connection until the reader is closed. Each call starts a fresh
// stream from the first byte. Returns ErrNotFound for unknown IDs.
func (s *Store) OpenAsset(ctx context.Context, id uuid.UUID) (io.ReadCloser, *MediaAsset, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, nil, fmt.Errorf("begin asset read: %w", err)
	}
	var (
		data []byte
		oid  *uint32
	)
	a, err := scanAsset(tx.QueryRow(ctx,
		`SELECT `+assetColumns+`, data, lo_oid FROM media_assets WHERE id = $1`, id), &data, &oid)
	if err != nil {
		_ = tx.Rollback(ctx)
		if noRows(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("open asset %s: %w", id, err)
	}
	rc, err := openPayload(ctx, tx, data, oid, s.blob.ChunkSize)
	if err != nil {
		return nil, nil, fmt.Errorf("open asset %s: %w", id, err)
	}
	return rc, a, nil
}

// AssetFilter narrows ListAssets. The zero value lists the newest assets.
type AssetFilter struct {
	// MimePrefix keeps assets whose type starts with it, e.g. "image/".
	MimePrefix string
	// Before is the keyset cursor: only assets older than this
	// (created_at, id) pair are returned. Both fields must be set to apply.
	BeforeCreatedAt time.Time
	BeforeID        uuid.UUID
	Limit           int
}

const (
	defaultAssetListLimit = 50
	maxAssetListLimit     = 200
)

// ListAssets returns asset metadata newest first. Pass the last row's
// CreatedAt and ID as the cursor to fetch the next page.
func (s *Store) ListAssets(ctx context.Context, f AssetFilter) ([]MediaAsset, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultAssetListLimit
	}
	if limit > maxAssetListLimit {
		limit = maxAssetListLimit
	}

	q := sq.Select(assetColumns).From("media_assets").PlaceholderFormat(sq.Dollar)
	if f.MimePrefix != "" {
		q = q.Where("mime_type LIKE ?", escapeLike(strings.ToLower(f.MimePrefix))+"%")
	}
	if !f.BeforeCreatedAt.IsZero() && f.BeforeID != uuid.Nil {
		q = q.Where("(created_at, id) < (?, ?)", f.BeforeCreatedAt, f.BeforeID)
	}
	q = q.OrderBy("created_at DESC", "id DESC").Limit(uint64(limit)) //nolint:gosec // G115: limit is clamped to [1, maxAssetListLimit]

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list assets query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()
	out := make([]MediaAsset, 0, limit)
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// escapeLike makes s match literally inside a LIKE pattern.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(s)
}

// ── Derivatives ─────────────────────────────────────────────────────────────

const derivativeColumns = `id, asset_id, kind, sha256, mime_type, size_bytes,
	storage, width, height, created_at`

func scanDerivative(row pgx.Row, extra ...any) (*MediaDerivative, error) {
	var (
		d       MediaDerivative
		storage string
	)
	dest := append([]any{&d.ID, &d.AssetID, &d.Kind, &d.SHA256, &d.MimeType,
		&d.SizeBytes, &storage, &d.Width, &d.Height, &d.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	d.Storage = Storage(storage)
	return &d, nil
}

// PutDerivative stores a generated variant of assetID. It is idempotent per
// (assetID, kind): when the derivative already exists r is not read and the
// existing ID is returned with Created=false. Returns ErrNotFound when the
// parent asset does not exist.
func (s *Store) PutDerivative(ctx context.Context, assetID uuid.UUID, kind string, r io.Reader, mimeType string) (PutResult, error) {
	if existing, err := s.GetDerivative(ctx, assetID, kind); err != nil {
		return PutResult{}, err
	} else if existing != nil {
		return PutResult{ID: existing.ID}, nil
	}

	var res PutResult
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		wb, err := s.writeBlob(ctx, tx, r)
		if err != nil {
			return err
		}
		var width, height *int
		if w, h, ok := imaging.Probe(wb.head); ok {
			width, height = &w, &h
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO media_derivatives
				(asset_id, kind, sha256, mime_type, size_bytes, storage, data, lo_oid, width, height)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (asset_id, kind) DO NOTHING
			RETURNING id`,
			assetID, kind, wb.sha256, resolveMIME(mimeType, wb.sniffed), wb.size,
			string(wb.storage), wb.data, wb.oid, width, height,
		).Scan(&res.ID)
		if noRows(err) {
			return errAlreadyStored
		}
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("insert derivative: %w", err)
		}
		res.Created = true
		return nil
	})
	switch {
	case errors.Is(err, errAlreadyStored):
		existing, err := s.GetDerivative(ctx, assetID, kind)
		if err != nil {
			return PutResult{}, err
		}
		if existing == nil {
			return PutResult{}, fmt.Errorf("put derivative: %s/%s vanished after conflict", assetID, kind)
		}
		return PutResult{ID: existing.ID}, nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrTooLarge),
		errors.Is(err, ErrEmptyBlob), errors.Is(err, ErrUnsupportedType):
		return PutResult{}, err
	case err != nil:
		return PutResult{}, fmt.Errorf("put derivative: %w", err)
	}
	return res, nil
}

// GetDerivative returns the (assetID, kind) derivative, or (nil, nil).
func (s *Store) GetDerivative(ctx context.Context, assetID uuid.UUID, kind string) (*MediaDerivative, error) {
	d, err := scanDerivative(s.pool.QueryRow(ctx,
		`SELECT `+derivativeColumns+` FROM media_derivatives WHERE asset_id = $1 AND kind = $2`,
		assetID, kind))
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get derivative %s/%s: %w", assetID, kind, err)
	}
	return d, nil
}

// ListDerivatives returns all derivatives of an asset ordered by kind.
func (s *Store) ListDerivatives(ctx context.Context, assetID uuid.UUID) ([]MediaDerivative, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+derivativeColumns+` FROM media_derivatives WHERE asset_id = $1 ORDER BY kind`, assetID)
	if err != nil {
		return nil, fmt.Errorf("list derivatives of %s: %w", assetID, err)
	}
	defer rows.Close()
	var out []MediaDerivative
	for rows.Next() {
		d, err := scanDerivative(rows)
		if err != nil {
			return nil, fmt.Errorf("scan derivative: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// OpenDerivative is OpenAsset for the (assetID, kind) derivative.
func (s *Store) OpenDerivative(ctx context.Context, assetID uuid.UUID, kind string) (io.ReadCloser, *MediaDerivative, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, nil, fmt.Errorf("begin derivative read: %w", err)
	}
	var (
		data []byte
		oid  *uint32
	)
	d, err := scanDerivative(tx.QueryRow(ctx,
		`SELECT `+derivativeColumns+`, data, lo_oid FROM media_derivatives WHERE asset_id = $1 AND kind = $2`,
		assetID, kind), &data, &oid)
	if err != nil {
		_ = tx.Rollback(ctx)
		if noRows(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("open derivative %s/%s: %w", assetID, kind, err)
	}
	rc, err := openPayload(ctx, tx, data, oid, s.blob.ChunkSize)
	if err != nil {
		return nil, nil, fmt.Errorf("open derivative %s/%s: %w", assetID, kind, err)
	}
	return rc, d, nil
}
