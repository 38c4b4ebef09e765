// Package pacing spaces out completion calls so a run stays under the
// provider's tokens-per-minute quota.
package pacing

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/nijaru/vid-feedback/config"
)

// Pacer blocks between consecutive map calls. It is never invoked before
// the first call or around the reduce call.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Fixed waits a constant delay, sized so that one full-budget request per
// window stays under the quota.
type Fixed struct {
	delay time.Duration
	after func(time.Duration) <-chan time.Time
}

func NewFixed(delay time.Duration) *Fixed {
	return &Fixed{delay: delay, after: time.After}
}

func (f *Fixed) Wait(ctx context.Context) error {
	if f.delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-f.after(f.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fixed) Delay() time.Duration { return f.delay }

// Limiter is a token bucket refilled at requestsPerMinute.
type Limiter struct {
	lim *rate.Limiter
}

func NewLimiter(requestsPerMinute, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), burst)
	// The first map call is issued without waiting; charge it up front.
	lim.Allow()
	return &Limiter{lim: lim}
}

func (l *Limiter) Wait(ctx context.Context) error {
	return l.lim.Wait(ctx)
}

type none struct{}

// None never blocks.
func None() Pacer { return none{} }

func (none) Wait(ctx context.Context) error { return ctx.Err() }

// New builds the pacer selected by cfg.Mode.
func New(cfg config.PacingConfig) (Pacer, error) {
	switch cfg.Mode {
	case config.PacingFixed, "":
		return NewFixed(cfg.Delay), nil
	case config.PacingLimiter:
		if cfg.RequestsPerMinute <= 0 {
			return nil, fmt.Errorf("pacing: requests per minute must be positive, got %d", cfg.RequestsPerMinute)
		}
		return NewLimiter(cfg.RequestsPerMinute, cfg.Burst), nil
	case config.PacingNone:
		return None(), nil
	default:
		return nil, fmt.Errorf("pacing: unknown mode %q", cfg.Mode)
	}
}
