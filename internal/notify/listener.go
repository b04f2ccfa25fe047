// Package notify is the wake-up channel layered over the job table, built on
// PostgreSQL LISTEN/NOTIFY, plus outbound webhook delivery for partner
// endpoints.
//
// Notifications are hints, never the source of truth: a subscriber that
// misses one (for example during a reconnect) must still discover work by
// polling. Subscribe therefore emits a synthetic wake-up after every
// (re)connect.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"
)

// JobsChannel carries the job kind as payload whenever the job store makes a
// job claimable.
const JobsChannel = "jobs_ready"

// Notification is one message received on a channel. Payload is empty for
// the synthetic wake-up sent after a (re)connect.
type Notification struct {
	Channel string
	Payload string
}

// Execer is satisfied by *pgxpool.Pool, pgx.Tx and *pgx.Conn.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Publish sends message on channel. Inside a transaction the notification
// is delivered only if the transaction commits.
func Publish(ctx context.Context, db Execer, channel, message string) error {
	if _, err := db.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, message); err != nil {
		return fmt.Errorf("publish on %s: %w", channel, err)
	}
	return nil
}

// Listener subscribes to channels over dedicated connections taken out of
// a pool.
type Listener struct {
	pool       *pgxpool.Pool
	log        *slog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewListener returns a Listener that reconnects with exponential backoff
// between 100ms and 10s.
func NewListener(pool *pgxpool.Pool, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{
		pool:       pool,
		log:        log.With("component", "notify"),
		minBackoff: 100 * time.Millisecond,
		maxBackoff: 10 * time.Second,
	}
}

// Subscribe listens on channel until ctx is done and returns the stream of
// notifications. The stream never ends on connection loss: the listener
// reconnects in the background and the returned channel is closed only when
// ctx is done. The buffer holds one notification and further sends are
// dropped while it is full, whatever their payload. A reader that filters
// by payload can therefore miss a relevant message behind an irrelevant
// one; it must keep polling, and the miss costs at most one poll interval.
func (l *Listener) Subscribe(ctx context.Context, channel string) <-chan Notification {
	out := make(chan Notification, 1)
	go l.run(ctx, channel, out)
	return out
}

func (l *Listener) run(ctx context.Context, channel string, out chan Notification) {
	defer close(out)
	for {
		conn, err := l.connect(ctx, channel)
		if err != nil {
			return // ctx done
		}
		offer(out, Notification{Channel: channel})

		err = l.wait(ctx, conn, out)
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = conn.Close(closeCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		l.log.Warn("notification connection lost, reconnecting", "channel", channel, "error", err)
	}
}

// connect retries until a LISTEN connection is established or ctx is done.
func (l *Listener) connect(ctx context.Context, channel string) (*pgx.Conn, error) {
	b := retry.NewExponential(l.minBackoff)
	b = retry.WithCappedDuration(l.maxBackoff, b)
	b = retry.WithJitterPercent(20, b)

	var conn *pgx.Conn
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		c, err := l.listen(ctx, channel)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Warn("listen failed", "channel", channel, "error", err)
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.Debug("listening", "channel", channel)
	return conn, nil
}

func (l *Listener) listen(ctx context.Context, channel string) (*pgx.Conn, error) {
	pc, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire: %w", err)
	}
	// The session keeps LISTEN state, so it must not go back to the pool.
	conn := pc.Hijack()
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}
	return conn, nil
}

func (l *Listener) wait(ctx context.Context, conn *pgx.Conn, out chan Notification) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			return err
		}
		offer(out, Notification{Channel: n.Channel, Payload: n.Payload})
	}
}

// offer performs a non-blocking send; when the buffer is full a wake-up is
// already pending and n is dropped.
func offer(out chan Notification, n Notification) {
	select {
	case out <- n:
	default:
	}
}
