package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Story is an ingested social-media story that links to a media asset.
type Story struct {
	ID         uuid.UUID
	Platform   string
	ExternalID string
	MediaType  string
	Caption    *string
	Permalink  *string
	AssetID    *uuid.UUID
	PostedAt   time.Time
	ExpiresAt  *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// UpsertStoryParams is the ingested view of a story.
type UpsertStoryParams struct {
	Platform   string
	ExternalID string
	MediaType  string
	Caption    *string
	Permalink  *string
	AssetID    *uuid.UUID
	PostedAt   time.Time
	ExpiresAt  *time.Time
}

const storyColumns = `id, platform, external_id, media_type, caption, permalink,
	asset_id, posted_at, expires_at, created_at, updated_at`

func scanStory(row pgx.Row, extra ...any) (*Story, error) {
	var st Story
	dest := append([]any{&st.ID, &st.Platform, &st.ExternalID, &st.MediaType,
		&st.Caption, &st.Permalink, &st.AssetID, &st.PostedAt, &st.ExpiresAt,
		&st.CreatedAt, &st.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &st, nil
}

// UpsertStory inserts a story or refreshes the mutable fields of the
// existing (platform, external_id) row. A nil AssetID never clears an asset
// already linked. created reports whether a new row was inserted.
func (s *Store) UpsertStory(ctx context.Context, p UpsertStoryParams) (story *Story, created bool, err error) {
	story, err = scanStory(s.pool.QueryRow(ctx, `
		INSERT INTO stories
			(platform, external_id, media_type, caption, permalink, asset_id, posted_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (platform, external_id) DO UPDATE
		SET caption    = EXCLUDED.caption,
		    permalink  = EXCLUDED.permalink,
		    asset_id   = COALESCE(EXCLUDED.asset_id, stories.asset_id),
		    expires_at = EXCLUDED.expires_at,
		    updated_at = now()
		RETURNING `+storyColumns+`, (xmax = 0)`,
		p.Platform, p.ExternalID, p.MediaType, p.Caption, p.Permalink,
		p.AssetID, p.PostedAt, p.ExpiresAt,
	), &created)
	if err != nil {
		return nil, false, fmt.Errorf("upsert story %s/%s: %w", p.Platform, p.ExternalID, err)
	}
	return story, created, nil
}

// GetStory returns a story by ID, or (nil, nil).
func (s *Store) GetStory(ctx context.Context, id uuid.UUID) (*Story, error) {
	st, err := scanStory(s.pool.QueryRow(ctx, `SELECT `+storyColumns+` FROM stories WHERE id = $1`, id))
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get story %s: %w", id, err)
	}
	return st, nil
}

// GetStoryByExternalID returns the story with the given platform identity,
// or (nil, nil).
func (s *Store) GetStoryByExternalID(ctx context.Context, platform, externalID string) (*Story, error) {
	st, err := scanStory(s.pool.QueryRow(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE platform = $1 AND external_id = $2`,
		platform, externalID))
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get story %s/%s: %w", platform, externalID, err)
	}
	return st, nil
}

// ListStories returns stories newest first. With activeOnly, stories whose
// expiry has passed are omitted.
func (s *Store) ListStories(ctx context.Context, limit int, activeOnly bool) ([]Story, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+storyColumns+` FROM stories
		WHERE NOT $1 OR expires_at IS NULL OR expires_at > now()
		ORDER BY posted_at DESC, id
		LIMIT $2`, activeOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	defer rows.Close()
	var out []Story
	for rows.Next() {
		st, err := scanStory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan story: %w", err)
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}
