// Package ratelimit throttles ingress per session key. Limits are fixed
// windows over request counts or token usage, backed by a pluggable store.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/kadirpekel/switchboard/pkg/relayerror"
)

// TimeWindow is a fixed rate-limiting window.
type TimeWindow string

const (
	WindowMinute TimeWindow = "minute"
	WindowHour   TimeWindow = "hour"
	WindowDay    TimeWindow = "day"
)

// Duration returns the window length.
func (w TimeWindow) Duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// LimitType selects what a limit counts.
type LimitType string

const (
	LimitRequests LimitType = "requests"
	LimitTokens   LimitType = "tokens"
)

// Config configures the ingress limiter.
type Config struct {
	Enabled bool          `yaml:"enabled,omitempty"`
	Limits  []LimitConfig `yaml:"limits,omitempty"`
}

// LimitConfig is one limit entry.
type LimitConfig struct {
	Type   LimitType  `yaml:"type"`
	Window TimeWindow `yaml:"window"`
	Max    int64      `yaml:"max"`
}

func (c *Config) SetDefaults() {
	for i := range c.Limits {
		if c.Limits[i].Type == "" {
			c.Limits[i].Type = LimitRequests
		}
		if c.Limits[i].Window == "" {
			c.Limits[i].Window = WindowMinute
		}
	}
}

func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Limits) == 0 {
		return fmt.Errorf("at least one limit is required when rate limiting is enabled")
	}
	for _, limit := range c.Limits {
		switch limit.Type {
		case LimitRequests, LimitTokens:
		default:
			return fmt.Errorf("invalid limit type %q (valid: requests, tokens)", limit.Type)
		}
		switch limit.Window {
		case WindowMinute, WindowHour, WindowDay:
		default:
			return fmt.Errorf("invalid window %q (valid: minute, hour, day)", limit.Window)
		}
		if limit.Max <= 0 {
			return fmt.Errorf("limit max must be positive")
		}
	}
	return nil
}

// Store persists usage counters per (identifier, type, window).
type Store interface {
	Usage(ctx context.Context, identifier string, limitType LimitType, window TimeWindow) (int64, time.Time, error)
	Increment(ctx context.Context, identifier string, limitType LimitType, window TimeWindow, amount int64) error
}

// Limiter enforces the configured limits.
type Limiter struct {
	cfg   Config
	store Store
}

func NewLimiter(cfg Config, store Store) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limit config: %w", err)
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Limiter{cfg: cfg, store: store}, nil
}

// Allow checks the request-count limits for the identifier and records
// one request on success. A denied request is not counted.
func (l *Limiter) Allow(ctx context.Context, identifier string) error {
	if !l.cfg.Enabled {
		return nil
	}

	for _, limit := range l.cfg.Limits {
		if limit.Type != LimitRequests {
			continue
		}
		current, windowEnd, err := l.store.Usage(ctx, identifier, limit.Type, limit.Window)
		if err != nil {
			return relayerror.Wrap(relayerror.TypeAPI, "rate limit store failed", err)
		}
		if current >= limit.Max {
			return l.denied(limit, windowEnd)
		}
	}

	for _, limit := range l.cfg.Limits {
		if limit.Type != LimitTokens {
			continue
		}
		current, windowEnd, err := l.store.Usage(ctx, identifier, limit.Type, limit.Window)
		if err != nil {
			return relayerror.Wrap(relayerror.TypeAPI, "rate limit store failed", err)
		}
		if current >= limit.Max {
			return l.denied(limit, windowEnd)
		}
	}

	for _, limit := range l.cfg.Limits {
		if limit.Type != LimitRequests {
			continue
		}
		if err := l.store.Increment(ctx, identifier, limit.Type, limit.Window, 1); err != nil {
			return relayerror.Wrap(relayerror.TypeAPI, "rate limit store failed", err)
		}
	}
	return nil
}

// RecordTokens charges token usage against the identifier's token limits.
func (l *Limiter) RecordTokens(ctx context.Context, identifier string, tokens int64) {
	if !l.cfg.Enabled || tokens <= 0 {
		return
	}
	for _, limit := range l.cfg.Limits {
		if limit.Type != LimitTokens {
			continue
		}
		_ = l.store.Increment(ctx, identifier, limit.Type, limit.Window, tokens)
	}
}

func (l *Limiter) denied(limit LimitConfig, windowEnd time.Time) *relayerror.Error {
	retryAfter := time.Until(windowEnd)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return relayerror.Newf(relayerror.TypeRateLimit,
		"%s limit of %d per %s exceeded, retry in %s",
		limit.Type, limit.Max, limit.Window, retryAfter.Round(time.Second))
}
