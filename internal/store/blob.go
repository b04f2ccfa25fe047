// ABOUTME: Shared blob payload handling: inline BYTEA vs streamed large objects.
// ABOUTME: Hashes while writing, enforces the size limit, and streams reads in chunks.
package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/jackc/pgx/v5"
)

var (
	// ErrTooLarge is returned when a payload exceeds BlobLimits.MaxSize. The
	// upload is rejected as a whole; nothing is stored.
	ErrTooLarge = errors.New("blob exceeds maximum size")

	// ErrEmptyBlob is returned for zero-length payloads.
	ErrEmptyBlob = errors.New("blob is empty")

	// ErrUnsupportedType is returned when the sniffed content type is not in
	// BlobLimits.AllowedTypes.
	ErrUnsupportedType = errors.New("unsupported content type")
)

// Storage is how a payload is persisted.
type Storage string

const (
	StorageInline      Storage = "inline"
	StorageLargeObject Storage = "large_object"
)

// BlobLimits controls where payloads are stored and how large they may be.
type BlobLimits struct {
	// InlineThreshold is the largest payload stored inline as BYTEA.
	InlineThreshold int64
	MaxSize         int64
	// ChunkSize is the copy buffer size for large-object reads and writes.
	ChunkSize int
	// AllowedTypes restricts uploads by sniffed MIME type. Empty allows all.
	AllowedTypes []string
}

// DefaultBlobLimits returns the limits used when none are configured.
func DefaultBlobLimits() BlobLimits {
	return BlobLimits{
		InlineThreshold: 1 << 20,
		MaxSize:         50 << 20,
		ChunkSize:       256 << 10,
	}
}

// sniffLen is how much of the payload head is kept for type detection and
// dimension probing.
const sniffLen = 64 << 10

// writtenBlob describes a payload written inside a transaction.
type writtenBlob struct {
	sha256  string
	size    int64
	storage Storage
	data    []byte  // inline payload
	oid     *uint32 // large-object payload
	head    []byte
	sniffed string
}

// writeBlob consumes r and persists it inside tx, inline when it fits under
// the threshold and as a large object otherwise. Large objects are
// transactional, so rolling tx back discards a partially written payload.
func (s *Store) writeBlob(ctx context.Context, tx pgx.Tx, r io.Reader) (*writtenBlob, error) {
	lim := s.blob
	h := sha256.New()

	buf, err := io.ReadAll(io.LimitReader(r, lim.InlineThreshold+1))
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if len(buf) == 0 {
		return nil, ErrEmptyBlob
	}
	if int64(len(buf)) > lim.MaxSize {
		return nil, ErrTooLarge
	}

	wb := &writtenBlob{head: buf[:min(len(buf), sniffLen)]}
	detected := mimetype.Detect(wb.head)
	wb.sniffed = detected.String()
	if err := checkAllowed(lim.AllowedTypes, detected); err != nil {
		return nil, err
	}

	if int64(len(buf)) <= lim.InlineThreshold {
		h.Write(buf)
		wb.storage = StorageInline
		wb.data = buf
		wb.size = int64(len(buf))
		wb.sha256 = hex.EncodeToString(h.Sum(nil))
		return wb, nil
	}

	oid, size, err := writeLargeObject(ctx, tx, h, buf, r, lim)
	if err != nil {
		return nil, err
	}
	wb.storage = StorageLargeObject
	wb.oid = &oid
	wb.size = size
	wb.sha256 = hex.EncodeToString(h.Sum(nil))
	return wb, nil
}

func writeLargeObject(ctx context.Context, tx pgx.Tx, h hash.Hash, prefix []byte, rest io.Reader, lim BlobLimits) (uint32, int64, error) {
	los := tx.LargeObjects()
	oid, err := los.Create(ctx, 0)
	if err != nil {
		return 0, 0, fmt.Errorf("create large object: %w", err)
	}
	lo, err := los.Open(ctx, oid, pgx.LargeObjectModeWrite)
	if err != nil {
		return 0, 0, fmt.Errorf("open large object: %w", err)
	}
	// On error paths the caller rolls tx back, which also drops the
	// descriptor; closing twice would abort the transaction.
	w := io.MultiWriter(lo, h)
	if _, err := w.Write(prefix); err != nil {
		return 0, 0, fmt.Errorf("write large object: %w", err)
	}
	// Read one byte past the limit so an oversized stream is detected
	// rather than silently truncated.
	remaining := lim.MaxSize - int64(len(prefix))
	n, err := io.CopyBuffer(w, io.LimitReader(rest, remaining+1), make([]byte, chunkSize(lim)))
	if err != nil {
		return 0, 0, fmt.Errorf("write large object: %w", err)
	}
	if n > remaining {
		return 0, 0, ErrTooLarge
	}
	if err := lo.Close(); err != nil {
		return 0, 0, fmt.Errorf("close large object: %w", err)
	}
	return oid, int64(len(prefix)) + n, nil
}

func chunkSize(lim BlobLimits) int {
	if lim.ChunkSize <= 0 {
		return 256 << 10
	}
	return lim.ChunkSize
}

func checkAllowed(allowed []string, detected *mimetype.MIME) error {
	if len(allowed) == 0 {
		return nil
	}
	for _, t := range allowed {
		if detected.Is(t) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedType, detected.String())
}

// resolveMIME keeps a caller-declared type unless it is missing or the
// generic octet-stream, in which case the sniffed type is used.
func resolveMIME(declared, sniffed string) string {
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil {
			mt = strings.ToLower(mt)
			if mt != "application/octet-stream" {
				return mt
			}
		}
	}
	if mt, _, err := mime.ParseMediaType(sniffed); err == nil {
		return mt
	}
	return "application/octet-stream"
}

// openPayload returns a reader over a stored payload. For inline payloads tx
// is rolled back immediately; for large objects the reader owns tx and ends
// it on Close.
func openPayload(ctx context.Context, tx pgx.Tx, data []byte, oid *uint32, chunk int) (io.ReadCloser, error) {
	if oid == nil {
		_ = tx.Rollback(ctx)
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	los := tx.LargeObjects()
	lo, err := los.Open(ctx, *oid, pgx.LargeObjectModeRead)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("open large object %d: %w", *oid, err)
	}
	return &largeObjectReader{ctx: ctx, tx: tx, lo: lo, chunk: chunk}, nil
}

// largeObjectReader streams a large object in bounded reads. The enclosing
// read-only transaction stays open until Close.
type largeObjectReader struct {
	ctx    context.Context
	tx     pgx.Tx
	lo     *pgx.LargeObject
	chunk  int
	closed bool
}

func (r *largeObjectReader) Read(p []byte) (int, error) {
	if r.chunk > 0 && len(p) > r.chunk {
		p = p[:r.chunk]
	}
	return r.lo.Read(p)
}

func (r *largeObjectReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	closeErr := r.lo.Close()
	// Read-only: rollback releases the connection without side effects.
	if err := r.tx.Rollback(r.ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("end blob read: %w", err)
	}
	return closeErr
}
