// Package media generates derivatives (thumbnails) of stored assets as
// background jobs.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/maefbyyas/maef-backend/internal/imaging"
	"github.com/maefbyyas/maef-backend/internal/queue"
	"github.com/maefbyyas/maef-backend/internal/store"
	"github.com/maefbyyas/maef-backend/internal/worker"
)

// DeriveKind is the job kind that renders one derivative of one asset.
const DeriveKind = "media.derive"

const (
	thumbnailPrefix  = "thumbnail-"
	minThumbnailSize = 16
	maxThumbnailSize = 2048
	thumbnailQuality = 82
)

// ErrUnknownDerivative is returned for derivative kinds no renderer handles.
var ErrUnknownDerivative = errors.New("unknown derivative kind")

// ParseDerivativeKind returns the box size of a "thumbnail-<N>" kind.
func ParseDerivativeKind(kind string) (int, error) {
	rest, ok := strings.CutPrefix(kind, thumbnailPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownDerivative, kind)
	}
	size, err := strconv.Atoi(rest)
	if err != nil || strconv.Itoa(size) != rest {
		return 0, fmt.Errorf("%w: %q", ErrUnknownDerivative, kind)
	}
	if size < minThumbnailSize || size > maxThumbnailSize {
		return 0, fmt.Errorf("%w: %q: size must be between %d and %d",
			ErrUnknownDerivative, kind, minThumbnailSize, maxThumbnailSize)
	}
	return size, nil
}

// DerivePayload is the payload of a media.derive job.
type DerivePayload struct {
	AssetID uuid.UUID `json:"asset_id"`
	Kind    string    `json:"kind"`
}

// DeriveKey is the idempotency key of the job deriving kind from assetID,
// so repeated requests share one live job.
func DeriveKey(assetID uuid.UUID, kind string) string {
	return DeriveKind + ":" + assetID.String() + ":" + kind
}

// Enqueuer is satisfied by *store.Store.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, p store.EnqueueParams) (store.EnqueueResult, error)
}

// EnqueueDerive requests kind for assetID. The kind is validated up front
// so unsupported requests never reach the queue.
func EnqueueDerive(ctx context.Context, q Enqueuer, assetID uuid.UUID, kind string) (store.EnqueueResult, error) {
	if _, err := ParseDerivativeKind(kind); err != nil {
		return store.EnqueueResult{}, err
	}
	payload, err := json.Marshal(DerivePayload{AssetID: assetID, Kind: kind})
	if err != nil {
		return store.EnqueueResult{}, fmt.Errorf("encode derive payload: %w", err)
	}
	return q.EnqueueJob(ctx, store.EnqueueParams{
		Kind:           DeriveKind,
		Payload:        payload,
		IdempotencyKey: DeriveKey(assetID, kind),
	})
}

// AssetStore is the subset of *store.Store the derive handler uses.
type AssetStore interface {
	OpenAsset(ctx context.Context, id uuid.UUID) (io.ReadCloser, *store.MediaAsset, error)
	GetDerivative(ctx context.Context, assetID uuid.UUID, kind string) (*store.MediaDerivative, error)
	PutDerivative(ctx context.Context, assetID uuid.UUID, kind string, r io.Reader, mimeType string) (store.PutResult, error)
}

// DeriveHandler renders the requested derivative and stores it. An existing
// derivative makes the job a no-op. Malformed payloads, unknown kinds,
// missing assets and undecodable images are permanent failures.
func DeriveHandler(s AssetStore) worker.Handler {
	return func(ctx context.Context, raw json.RawMessage) error {
		var p DerivePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return queue.Permanent(fmt.Errorf("decode derive payload: %w", err))
		}
		size, err := ParseDerivativeKind(p.Kind)
		if err != nil {
			return queue.Permanent(err)
		}

		existing, err := s.GetDerivative(ctx, p.AssetID, p.Kind)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}

		thumb, err := render(ctx, s, p.AssetID, size)
		if err != nil {
			return err
		}

		res, err := s.PutDerivative(ctx, p.AssetID, p.Kind, bytes.NewReader(thumb.Data), thumb.MimeType)
		if errors.Is(err, store.ErrNotFound) {
			return queue.Permanent(fmt.Errorf("asset %s deleted during derive: %w", p.AssetID, err))
		}
		if err != nil {
			return fmt.Errorf("store derivative: %w", err)
		}
		slog.Info("derivative stored", "asset_id", p.AssetID, "kind", p.Kind,
			"derivative_id", res.ID, "created", res.Created, "width", thumb.Width, "height", thumb.Height)
		return nil
	}
}

// render streams the parent asset into the thumbnail renderer. The asset
// reader holds a connection, so it is closed before the derivative is
// written.
func render(ctx context.Context, s AssetStore, assetID uuid.UUID, size int) (*imaging.Thumbnail, error) {
	rc, asset, err := s.OpenAsset(ctx, assetID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, queue.Permanent(fmt.Errorf("asset %s: %w", assetID, err))
	}
	if err != nil {
		return nil, fmt.Errorf("open asset: %w", err)
	}
	defer rc.Close() //nolint:errcheck

	if !strings.HasPrefix(asset.MimeType, "image/") {
		return nil, queue.Permanent(fmt.Errorf("asset %s is %s, not an image", assetID, asset.MimeType))
	}
	thumb, err := imaging.RenderThumbnail(rc, size, thumbnailQuality)
	if errors.Is(err, imaging.ErrUnsupportedImage) {
		return nil, queue.Permanent(err)
	}
	if err != nil {
		return nil, err
	}
	return thumb, nil
}
