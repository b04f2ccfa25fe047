package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maefbyyas/maef-backend/internal/media"
	"github.com/maefbyyas/maef-backend/internal/queue"
	"github.com/maefbyyas/maef-backend/internal/store"
	"github.com/maefbyyas/maef-backend/internal/worker"
)

// Kind is the job kind that runs one ingestion pass.
const Kind = "ingest.stories"

// Platform is the stories.platform value of Instagram stories.
const Platform = "instagram"

// ThumbnailKind is the derivative queued for every ingested image.
const ThumbnailKind = "thumbnail-256"

// storyLifetime is how long a story stays visible after posting.
const storyLifetime = 24 * time.Hour

// Source lists stories and opens their media. *Client implements it.
type Source interface {
	Stories(ctx context.Context) ([]Story, error)
	Download(ctx context.Context, mediaURL string) (io.ReadCloser, error)
}

// Store is the subset of *store.Store the ingest job writes through.
type Store interface {
	PutAsset(ctx context.Context, r io.Reader, p store.PutAssetParams) (store.PutResult, error)
	GetStoryByExternalID(ctx context.Context, platform, externalID string) (*store.Story, error)
	UpsertStory(ctx context.Context, p store.UpsertStoryParams) (*store.Story, bool, error)
	EnqueueJob(ctx context.Context, p store.EnqueueParams) (store.EnqueueResult, error)
}

// Handler returns the ingest.stories job handler. Auth and other
// non-retryable API errors are permanent. A story whose media cannot be
// fetched is skipped when the failure is permanent; transient per-story
// failures fail the job after the remaining stories are processed, so the
// retry picks them up. Stories already linked to an asset are not
// downloaded again.
func Handler(src Source, s Store) worker.Handler {
	return func(ctx context.Context, _ json.RawMessage) error {
		stories, err := src.Stories(ctx)
		if err != nil {
			return classify(fmt.Errorf("list stories: %w", err))
		}

		var (
			created, skipped int
			retry            error
		)
		for _, st := range stories {
			n, err := ingestOne(ctx, src, s, st)
			switch {
			case err == nil:
				created += n
			case queue.IsPermanent(err):
				skipped++
				slog.Warn("story skipped", "external_id", st.ID, "error", err)
			default:
				if retry == nil {
					retry = err
				}
				slog.Error("story ingest failed", "external_id", st.ID, "error", err)
			}
		}
		slog.Info("story ingest finished",
			"seen", len(stories), "new", created, "skipped", skipped, "failed", retry != nil)
		return retry
	}
}

// ingestOne stores st and reports 1 when a new stories row was created.
func ingestOne(ctx context.Context, src Source, s Store, st Story) (int, error) {
	if st.ID == "" {
		return 0, queue.Permanent(errors.New("story without id"))
	}
	posted := ParseTime(st.Timestamp)
	if posted.IsZero() {
		return 0, queue.Permanent(fmt.Errorf("unparseable timestamp %q", st.Timestamp))
	}
	expires := posted.Add(storyLifetime)

	params := store.UpsertStoryParams{
		Platform:   Platform,
		ExternalID: st.ID,
		MediaType:  strings.ToUpper(st.MediaType),
		Caption:    optional(st.Caption),
		Permalink:  optional(st.Permalink),
		PostedAt:   posted,
		ExpiresAt:  &expires,
	}

	existing, err := s.GetStoryByExternalID(ctx, Platform, st.ID)
	if err != nil {
		return 0, err
	}
	if (existing == nil || existing.AssetID == nil) && st.MediaURL != "" {
		assetID, err := download(ctx, src, s, st)
		if err != nil {
			return 0, err
		}
		params.AssetID = &assetID
	}

	story, created, err := s.UpsertStory(ctx, params)
	if err != nil {
		return 0, err
	}
	if story.AssetID != nil && params.MediaType == "IMAGE" {
		if _, err := media.EnqueueDerive(ctx, s, *story.AssetID, ThumbnailKind); err != nil {
			return 0, fmt.Errorf("enqueue thumbnail: %w", err)
		}
	}
	if created {
		return 1, nil
	}
	return 0, nil
}

func download(ctx context.Context, src Source, s Store, st Story) (uuid.UUID, error) {
	body, err := src.Download(ctx, st.MediaURL)
	if err != nil {
		return uuid.Nil, classify(fmt.Errorf("download media: %w", err))
	}
	defer body.Close() //nolint:errcheck

	res, err := s.PutAsset(ctx, body, store.PutAssetParams{Filename: mediaFilename(st)})
	switch {
	case errors.Is(err, store.ErrTooLarge), errors.Is(err, store.ErrEmptyBlob),
		errors.Is(err, store.ErrUnsupportedType):
		return uuid.Nil, queue.Permanent(fmt.Errorf("store media: %w", err))
	case err != nil:
		return uuid.Nil, fmt.Errorf("store media: %w", err)
	}
	return res.ID, nil
}

// mediaFilename names an asset after its story, keeping the URL's extension.
func mediaFilename(st Story) string {
	name := "instagram-story-" + st.ID
	p := st.MediaURL
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if ext := path.Ext(p); ext != "" && len(ext) <= 5 {
		return name + ext
	}
	return name
}

// classify marks non-retryable API errors permanent.
func classify(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && !apiErr.Retryable() {
		return queue.Permanent(err)
	}
	return err
}
