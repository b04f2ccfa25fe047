package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/maefbyyas/maef-backend/internal/ingest"
	"github.com/maefbyyas/maef-backend/internal/store"
	"github.com/maefbyyas/maef-backend/internal/worker"
)

func registerStoryRoutes(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stories",
		Method:      http.MethodGet,
		Path:        "/stories",
		Summary:     "List ingested stories",
		Tags:        []string{"Stories"},
	}, srv.listStoriesHandler)

	huma.Register(api, huma.Operation{
		OperationID: "get-story",
		Method:      http.MethodGet,
		Path:        "/stories/{id}",
		Summary:     "Get an ingested story",
		Tags:        []string{"Stories"},
	}, srv.getStoryHandler)

	huma.Register(api, huma.Operation{
		OperationID:   "ingest-stories",
		Method:        http.MethodPost,
		Path:          "/stories/ingest",
		Summary:       "Trigger story ingestion",
		Description:   "Queues an ingestion pass. Requests within one scheduling window share the scheduler's job.",
		Tags:          []string{"Stories"},
		DefaultStatus: http.StatusAccepted,
	}, srv.ingestStoriesHandler)
}

// ── Response types ────────────────────────────────────────────────────────────

// StoryResponse is the API representation of an ingested story.
type StoryResponse struct {
	ID         uuid.UUID  `json:"id"`
	Platform   string     `json:"platform"`
	ExternalID string     `json:"external_id"`
	MediaType  string     `json:"media_type"`
	Caption    *string    `json:"caption,omitempty"`
	Permalink  *string    `json:"permalink,omitempty"`
	MediaURL   *string    `json:"media_url,omitempty"`
	PostedAt   time.Time  `json:"posted_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

func storyToResponse(st store.Story) StoryResponse {
	resp := StoryResponse{
		ID:         st.ID,
		Platform:   st.Platform,
		ExternalID: st.ExternalID,
		MediaType:  st.MediaType,
		Caption:    st.Caption,
		Permalink:  st.Permalink,
		PostedAt:   st.PostedAt.UTC(),
		ExpiresAt:  st.ExpiresAt,
	}
	if st.AssetID != nil {
		u := "/api/v1/media/" + st.AssetID.String()
		resp.MediaURL = &u
	}
	return resp
}

// ── GET /stories ──────────────────────────────────────────────────────────────

// ListStoriesInput defines query parameters for the story list.
type ListStoriesInput struct {
	Active bool `query:"active" default:"true" doc:"Omit stories whose 24h lifetime has passed"`
	Limit  int  `query:"limit" minimum:"1" maximum:"100" default:"50"`
}

// ListStoriesOutput is the response for GET /stories.
type ListStoriesOutput struct {
	Body struct {
		Items []StoryResponse `json:"items"`
	}
}

func (srv *Server) listStoriesHandler(ctx context.Context, input *ListStoriesInput) (*ListStoriesOutput, error) {
	stories, err := srv.store.ListStories(ctx, input.Limit, input.Active)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	out := &ListStoriesOutput{}
	out.Body.Items = make([]StoryResponse, len(stories))
	for i, st := range stories {
		out.Body.Items[i] = storyToResponse(st)
	}
	return out, nil
}

// ── GET /stories/{id} ─────────────────────────────────────────────────────────

// GetStoryInput is the path of the single-story endpoint.
type GetStoryInput struct {
	ID string `path:"id" format:"uuid"`
}

// GetStoryOutput is the response for GET /stories/{id}.
type GetStoryOutput struct {
	Body StoryResponse
}

func (srv *Server) getStoryHandler(ctx context.Context, input *GetStoryInput) (*GetStoryOutput, error) {
	id, err := uuid.Parse(input.ID)
	if err != nil {
		return nil, huma.Error404NotFound("story not found")
	}
	st, err := srv.store.GetStory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get story: %w", err)
	}
	if st == nil {
		return nil, huma.Error404NotFound("story not found")
	}
	return &GetStoryOutput{Body: storyToResponse(*st)}, nil
}

// ── POST /stories/ingest ─────────────────────────────────────────────────────

func (srv *Server) ingestStoriesHandler(ctx context.Context, _ *struct{}) (*CreateJobOutput, error) {
	maxAttempts := 0
	if srv.registry != nil {
		if _, ok := srv.registry.Lookup(ingest.Kind); !ok {
			return nil, huma.Error503ServiceUnavailable("story ingestion is not configured")
		}
		maxAttempts = srv.registry.MaxAttempts(ingest.Kind)
	}
	res, err := srv.store.EnqueueJob(ctx, store.EnqueueParams{
		Kind:           ingest.Kind,
		IdempotencyKey: worker.WindowKey(ingest.Kind, srv.cfg.StoryIngestInterval, srv.now()),
		MaxAttempts:    maxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue story ingest: %w", err)
	}
	return enqueued(res), nil
}
