package services

import (
	"context"
	"sort"
	"time"
)

// Clock returns the current time; injected by tests.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }

// Option customises a service at construction time.
type Option func(*serviceOptions)

type serviceOptions struct {
	now Clock
}

// WithClock overrides the wall clock.
func WithClock(now Clock) Option {
	return func(o *serviceOptions) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) serviceOptions {
	cfg := serviceOptions{now: systemClock}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

// normaliseIDs drops zeros and duplicates and sorts ascending, so multi-row
// updates always touch rows in the same order.
func normaliseIDs(values []uint) []uint {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[uint]struct{}, len(values))
	out := make([]uint, 0, len(values))
	for _, value := range values {
		if value == 0 {
			continue
		}
		if _, exists := seen[value]; exists {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func uintPtr(v uint) *uint { return &v }

func timePtr(t time.Time) *time.Time { return &t }
