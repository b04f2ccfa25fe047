package store_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"image"
	"image/png"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maefbyyas/maef-backend/internal/store"
	"github.com/maefbyyas/maef-backend/internal/testutil"
)

// smallLimits keeps the inline threshold low so large-object paths are
// exercised with small test payloads.
func smallLimits() store.BlobLimits {
	return store.BlobLimits{InlineThreshold: 1024, MaxSize: 1 << 20, ChunkSize: 4096}
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return b
}

func readAsset(t *testing.T, db *testutil.TestDB, id uuid.UUID) ([]byte, *store.MediaAsset) {
	t.Helper()
	rc, a, err := db.OpenAsset(context.Background(), id)
	require.NoError(t, err)
	defer rc.Close() //nolint:errcheck
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return b, a
}

func TestPutAsset_RoundTripInlineAndLargeObject(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t, store.WithBlobLimits(smallLimits()))
	ctx := context.Background()

	cases := []struct {
		name    string
		size    int
		storage store.Storage
	}{
		{"inline", 512, store.StorageInline},
		{"at threshold", 1024, store.StorageInline},
		{"large object", 300_000, store.StorageLargeObject},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := randomBytes(t, tc.size)
			res, err := db.PutAsset(ctx, bytes.NewReader(payload), store.PutAssetParams{
				Filename: tc.name + ".bin", MimeType: "application/octet-stream",
			})
			require.NoError(t, err)
			assert.True(t, res.Created)

			got, a := readAsset(t, db, res.ID)
			assert.Equal(t, payload, got)
			assert.Equal(t, tc.storage, a.Storage)
			assert.Equal(t, int64(tc.size), a.SizeBytes)

			sum := sha256.Sum256(payload)
			assert.Equal(t, hex.EncodeToString(sum[:]), a.SHA256)
			assert.Equal(t, `"`+a.SHA256+`"`, a.ETag())

			// Reopening restarts the stream from the first byte.
			again, _ := readAsset(t, db, res.ID)
			assert.Equal(t, payload, again)
		})
	}
}

func TestPutAsset_DeduplicatesIdenticalBytes(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t, store.WithBlobLimits(smallLimits()))
	ctx := context.Background()

	for _, size := range []int{100, 50_000} {
		payload := randomBytes(t, size)
		first, err := db.PutAsset(ctx, bytes.NewReader(payload), store.PutAssetParams{Filename: "a.bin"})
		require.NoError(t, err)
		second, err := db.PutAsset(ctx, bytes.NewReader(payload), store.PutAssetParams{Filename: "b.bin"})
		require.NoError(t, err)

		assert.True(t, first.Created)
		assert.False(t, second.Created)
		assert.Equal(t, first.ID, second.ID)
	}
	assert.Equal(t, 2, countRows(t, db, `SELECT count(*) FROM media_assets`))
	// The losing large-object write was rolled back with its transaction.
	assert.Equal(t, 1, countRows(t, db, `SELECT count(*) FROM pg_largeobject_metadata`))
}

func TestPutAsset_ConcurrentIdenticalUploads(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t, store.WithBlobLimits(smallLimits()))
	ctx := context.Background()

	for _, size := range []int{200, 20_000} {
		payload := randomBytes(t, size)
		const uploaders = 10
		ids := make([]uuid.UUID, uploaders)
		var wg sync.WaitGroup
		for i := range uploaders {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := db.PutAsset(ctx, bytes.NewReader(payload), store.PutAssetParams{Filename: "race.bin"})
				if err != nil {
					t.Errorf("uploader %d: %v", i, err)
					return
				}
				ids[i] = res.ID
			}(i)
		}
		wg.Wait()
		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
		sum := sha256.Sum256(payload)
		assert.Equal(t, 1, countRows(t, db, `SELECT count(*) FROM media_assets WHERE sha256 = $1`, hex.EncodeToString(sum[:])))
	}
}

func TestPutAsset_RejectsOversizedWithoutStoring(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t, store.WithBlobLimits(store.BlobLimits{
		InlineThreshold: 1024, MaxSize: 4096, ChunkSize: 512,
	}))
	ctx := context.Background()

	_, err := db.PutAsset(ctx, bytes.NewReader(randomBytes(t, 4097)), store.PutAssetParams{Filename: "big.bin"})
	require.ErrorIs(t, err, store.ErrTooLarge)

	// Exactly at the limit is accepted.
	_, err = db.PutAsset(ctx, bytes.NewReader(randomBytes(t, 4096)), store.PutAssetParams{Filename: "ok.bin"})
	require.NoError(t, err)

	assert.Equal(t, 1, countRows(t, db, `SELECT count(*) FROM media_assets`))
	assert.Equal(t, 1, countRows(t, db, `SELECT count(*) FROM pg_largeobject_metadata`))

	_, err = db.PutAsset(ctx, bytes.NewReader(nil), store.PutAssetParams{Filename: "empty"})
	require.ErrorIs(t, err, store.ErrEmptyBlob)
}

func pngPayload(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func TestPutAsset_SniffsTypeAndProbesDimensions(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	res, err := db.PutAsset(ctx, bytes.NewReader(pngPayload(t, 64, 48)), store.PutAssetParams{Filename: "pic"})
	require.NoError(t, err)
	a, err := db.GetAsset(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "image/png", a.MimeType)
	require.NotNil(t, a.Width)
	require.NotNil(t, a.Height)
	assert.Equal(t, 64, *a.Width)
	assert.Equal(t, 48, *a.Height)

	// A declared type wins over sniffing.
	res, err = db.PutAsset(ctx, bytes.NewReader([]byte("hello")), store.PutAssetParams{
		Filename: "note.md", MimeType: "Text/Markdown; charset=utf-8",
	})
	require.NoError(t, err)
	a, err = db.GetAsset(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "text/markdown", a.MimeType)
	assert.Nil(t, a.Width)
}

func TestPutAsset_AllowedTypes(t *testing.T) {
	t.Parallel()
	lim := smallLimits()
	lim.AllowedTypes = []string{"image/png", "image/jpeg"}
	db := testutil.NewTestDB(t, store.WithBlobLimits(lim))
	ctx := context.Background()

	_, err := db.PutAsset(ctx, bytes.NewReader([]byte("#!/bin/sh\necho hi\n")), store.PutAssetParams{
		Filename: "evil.png", MimeType: "image/png",
	})
	require.ErrorIs(t, err, store.ErrUnsupportedType)

	_, err = db.PutAsset(ctx, bytes.NewReader(pngPayload(t, 2, 2)), store.PutAssetParams{Filename: "ok.png"})
	require.NoError(t, err)
}

func TestGetAsset_Missing(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	a, err := db.GetAsset(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, a)

	_, _, err = db.OpenAsset(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestMediaAssetsAreImmutable(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	res, err := db.PutAsset(ctx, bytes.NewReader([]byte("bytes")), store.PutAssetParams{Filename: "x"})
	require.NoError(t, err)
	_, err = db.Pool().Exec(ctx, `UPDATE media_assets SET filename = 'y' WHERE id = $1`, res.ID)
	require.Error(t, err)
}

func TestPutDerivative_IdempotentPerAssetAndKind(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t, store.WithBlobLimits(smallLimits()))
	ctx := context.Background()

	asset, err := db.PutAsset(ctx, bytes.NewReader(randomBytes(t, 5000)), store.PutAssetParams{Filename: "src.bin"})
	require.NoError(t, err)

	thumb := pngPayload(t, 16, 16)
	first, err := db.PutDerivative(ctx, asset.ID, "thumbnail-256", bytes.NewReader(thumb), "image/png")
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := db.PutDerivative(ctx, asset.ID, "thumbnail-256", bytes.NewReader(randomBytes(t, 10)), "image/png")
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, countRows(t, db, `SELECT count(*) FROM media_derivatives WHERE asset_id = $1`, asset.ID))

	rc, d, err := db.OpenDerivative(ctx, asset.ID, "thumbnail-256")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, thumb, got)
	assert.Equal(t, "image/png", d.MimeType)
	require.NotNil(t, d.Width)
	assert.Equal(t, 16, *d.Width)

	list, err := db.ListDerivatives(ctx, asset.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, first.ID, list[0].ID)

	_, err = db.PutDerivative(ctx, uuid.New(), "thumbnail-256", bytes.NewReader(thumb), "image/png")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPutDerivative_ConcurrentRequests(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t, store.WithBlobLimits(smallLimits()))
	ctx := context.Background()

	asset, err := db.PutAsset(ctx, bytes.NewReader(randomBytes(t, 100)), store.PutAssetParams{Filename: "src"})
	require.NoError(t, err)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[uuid.UUID]bool)
	)
	for i := range 6 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := db.PutDerivative(ctx, asset.ID, "webp", bytes.NewReader(randomBytes(t, 3000+i)), "image/webp")
			if err != nil {
				t.Errorf("derivative %d: %v", i, err)
				return
			}
			mu.Lock()
			ids[res.ID] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	assert.Len(t, ids, 1)
}

func TestOpenAsset_StreamsLargeObjectInSmallReads(t *testing.T) {
	t.Parallel()
	lim := smallLimits()
	db := testutil.NewTestDB(t, store.WithBlobLimits(lim))
	ctx := context.Background()

	payload := randomBytes(t, int(lim.InlineThreshold)*40+17)
	res, err := db.PutAsset(ctx, bytes.NewReader(payload), store.PutAssetParams{Filename: "clip.bin"})
	require.NoError(t, err)

	rc, a, err := db.OpenAsset(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, store.StorageLargeObject, a.Storage)

	// Reads larger than the chunk size are capped; odd sizes still
	// reassemble the exact payload.
	var got bytes.Buffer
	buf := make([]byte, lim.ChunkSize*3+5)
	for {
		n, err := rc.Read(buf)
		assert.LessOrEqual(t, n, lim.ChunkSize)
		got.Write(buf[:n])
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	require.NoError(t, rc.Close())
	require.NoError(t, rc.Close(), "second close is a no-op")
	assert.Equal(t, payload, got.Bytes())
}

func TestListAssets_FilterAndKeyset(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t, store.WithBlobLimits(smallLimits()))
	ctx := context.Background()

	var images []uuid.UUID
	for i := range 3 {
		res, err := db.PutAsset(ctx, bytes.NewReader(pngPayload(t, 10+i, 10)), store.PutAssetParams{Filename: "p.png"})
		require.NoError(t, err)
		images = append(images, res.ID)
	}
	_, err := db.PutAsset(ctx, bytes.NewReader(randomBytes(t, 64)), store.PutAssetParams{
		Filename: "odd.bin", MimeType: "application/x_literal",
	})
	require.NoError(t, err)

	all, err := db.ListAssets(ctx, store.AssetFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].CreatedAt.After(all[i-1].CreatedAt), "newest first")
	}

	page1, err := db.ListAssets(ctx, store.AssetFilter{MimePrefix: "IMAGE/", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, []uuid.UUID{images[2], images[1]}, []uuid.UUID{page1[0].ID, page1[1].ID})

	last := page1[len(page1)-1]
	page2, err := db.ListAssets(ctx, store.AssetFilter{
		MimePrefix: "image/", BeforeCreatedAt: last.CreatedAt, BeforeID: last.ID, Limit: 2,
	})
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, images[0], page2[0].ID)

	// LIKE wildcards in the prefix match literally.
	odd, err := db.ListAssets(ctx, store.AssetFilter{MimePrefix: "application/x_"})
	require.NoError(t, err)
	require.Len(t, odd, 1)
	none, err := db.ListAssets(ctx, store.AssetFilter{MimePrefix: "application/x%"})
	require.NoError(t, err)
	assert.Empty(t, none)
}
