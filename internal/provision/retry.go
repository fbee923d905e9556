package provision

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log/slog"
	"time"

	"github.com/craftnest/control-plane/internal/metrics"
)

type RetryOptions struct {
	Provider    string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      *slog.Logger
}

// Retrying wraps a Provisioner, retrying ErrTransient failures with capped exponential
// backoff and recording every attempt.
type Retrying struct {
	next Provisioner
	opts RetryOptions
}

func WithRetry(next Provisioner, opts RetryOptions) *Retrying {
	if opts.Provider == "" {
		opts.Provider = "simulated"
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 250 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Retrying{next: next, opts: opts}
}

func (r *Retrying) Provision(ctx context.Context, req Request) (Result, error) {
	var out Result
	err := r.retry(ctx, "provision", req, func(c context.Context) error {
		res, err := r.next.Provision(c, req)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

func (r *Retrying) Deprovision(ctx context.Context, req Request) error {
	return r.retry(ctx, "deprovision", req, func(c context.Context) error {
		return r.next.Deprovision(c, req)
	})
}

func (r *Retrying) retry(ctx context.Context, op string, req Request, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			r.record(op, "ok")
			return nil
		}
		lastErr = err
		if !errors.Is(err, ErrTransient) {
			r.record(op, "error")
			return err
		}
		if attempt == r.opts.MaxAttempts {
			r.record(op, "exhausted")
			return err
		}
		delay := r.opts.BaseDelay * time.Duration(1<<(attempt-1))
		if delay > r.opts.MaxDelay {
			delay = r.opts.MaxDelay
		}
		delay = withJitter(delay)
		r.opts.Logger.Warn("event=provision_retry",
			"op", op, "server_id", req.ServerID, "attempt", attempt, "delay_ms", delay.Milliseconds(), "err", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func (r *Retrying) record(op, status string) {
	metrics.Default().IncCounter(metrics.ProvisionTotal, map[string]string{
		"provider": r.opts.Provider,
		"op":       op,
		"status":   status,
	})
}

func withJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	floor := delay / 10
	span := delay - floor
	if span <= 0 {
		return floor
	}
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return floor + (span / 2)
	}
	n := binary.LittleEndian.Uint64(raw[:]) % uint64(span)
	// Jittered delay in [10% of base, 100% of base).
	return floor + time.Duration(n)
}
