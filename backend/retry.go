package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryOptions configures the Retrying driver wrapper.
type RetryOptions struct {
	// MaxElapsedTime bounds the total time spent retrying a single
	// operation before giving up and surfacing the last error.
	MaxElapsedTime time.Duration
	// Logger receives one message per retry attempt; nil disables logging.
	Logger *slog.Logger
}

// DefaultRetryOptions mirrors the teacher's reconnect.go defaults
// (DefaultRetryDelay=100ms, DefaultMaxRetryDelay=30s) translated into
// backoff/v4's ExponentialBackOff fields.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{MaxElapsedTime: 2 * time.Minute}
}

// Retrying wraps a Driver so that operations failing with a TransientError
// are retried with exponential backoff (spec.md §4.3: "The driver is
// responsible for retry with exponential backoff on transient errors...;
// permanent errors surface immediately"). Permanent errors and context
// cancellation are never retried.
type Retrying struct {
	next Driver
	opts RetryOptions
}

// NewRetrying wraps next with retry behavior.
func NewRetrying(next Driver, opts RetryOptions) *Retrying {
	return &Retrying{next: next, opts: opts}
}

func (r *Retrying) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	if r.opts.MaxElapsedTime > 0 {
		b.MaxElapsedTime = r.opts.MaxElapsedTime
	}
	return backoff.WithContext(b, ctx)
}

func (r *Retrying) run(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			// Permanent error: stop retrying immediately by wrapping in
			// backoff.Permanent so backoff.Retry returns it unmodified.
			return backoff.Permanent(err)
		}
		if r.opts.Logger != nil {
			r.opts.Logger.Warn("backend: retrying transient error",
				"op", op, "attempt", attempt, "error", err)
		}
		return err
	}, r.backoff(ctx))

	if err != nil {
		return fmt.Errorf("backend: %s failed after %d attempt(s): %w", op, attempt, err)
	}
	return nil
}

func (r *Retrying) List(ctx context.Context, kind Kind) ([]Entry, error) {
	var out []Entry
	err := r.run(ctx, "list", func() error {
		entries, err := r.next.List(ctx, kind)
		if err != nil {
			return err
		}
		out = entries
		return nil
	})
	return out, err
}

func (r *Retrying) ReadFull(ctx context.Context, kind Kind, name string) ([]byte, error) {
	var out []byte
	err := r.run(ctx, "read_full", func() error {
		data, err := r.next.ReadFull(ctx, kind, name)
		if err != nil {
			return err
		}
		out = data
		return nil
	})
	return out, err
}

func (r *Retrying) ReadRange(ctx context.Context, kind Kind, name string, offset, length int64) ([]byte, error) {
	var out []byte
	err := r.run(ctx, "read_range", func() error {
		data, err := r.next.ReadRange(ctx, kind, name, offset, length)
		if err != nil {
			return err
		}
		out = data
		return nil
	})
	return out, err
}

func (r *Retrying) WriteFull(ctx context.Context, kind Kind, name string, data []byte, cacheable bool) error {
	return r.run(ctx, "write_full", func() error {
		return r.next.WriteFull(ctx, kind, name, data, cacheable)
	})
}

func (r *Retrying) Remove(ctx context.Context, kind Kind, name string) error {
	return r.run(ctx, "remove", func() error {
		return r.next.Remove(ctx, kind, name)
	})
}

var _ Driver = (*Retrying)(nil)
