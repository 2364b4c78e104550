package policy

import (
	"sync"

	"github.com/openmu/mucp/pkg/models"
)

// OverflowMode selects what happens when a rate window is full.
type OverflowMode string

// Overflow modes.
const (
	OverflowDefer OverflowMode = "defer"
	OverflowFail  OverflowMode = "fail"
)

// RateLimitConfig configures the sliding-window limiter.
type RateLimitConfig struct {
	// WindowMS is the sliding window length.
	WindowMS int64 `yaml:"window_ms"`

	// ActorLimit caps admissions per (actor, channel) per window.
	ActorLimit int `yaml:"actor_limit"`

	// ChannelLimit caps admissions per channel per window.
	ChannelLimit int `yaml:"channel_limit"`

	// Overflow selects defer or fail on a full window.
	Overflow OverflowMode `yaml:"overflow"`

	// DeferMS is the retry delay used in defer mode.
	DeferMS int64 `yaml:"defer_ms"`
}

// DefaultRateLimitConfig returns the built-in limiter defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		WindowMS:     60_000,
		ActorLimit:   30,
		ChannelLimit: 120,
		Overflow:     OverflowDefer,
		DeferMS:      250,
	}
}

// RateLimiter is a fixed sliding-window counter per (actor, channel) and per
// channel. Admissions are recorded only when both windows have room.
type RateLimiter struct {
	cfg RateLimitConfig

	mu       sync.Mutex
	actors   map[string][]int64
	channels map[string][]int64
}

// NewRateLimiter creates a limiter with the given configuration.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		cfg:      cfg,
		actors:   make(map[string][]int64),
		channels: make(map[string][]int64),
	}
}

// Admit records one admission for (actor, channel) if both windows have room.
// On overflow it returns a defer or fail decision per configuration.
func (r *RateLimiter) Admit(actorID, channel string, nowMS int64) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	actorKey := actorID + "|" + channel
	cutoff := nowMS - r.cfg.WindowMS

	r.actors[actorKey] = prune(r.actors[actorKey], cutoff)
	r.channels[channel] = prune(r.channels[channel], cutoff)

	if len(r.actors[actorKey]) >= r.cfg.ActorLimit || len(r.channels[channel]) >= r.cfg.ChannelLimit {
		if r.cfg.Overflow == OverflowFail {
			return Decision{Kind: DecisionFail, Reason: models.ErrCodeBackpressureOverflow}
		}
		return Decision{
			Kind:      DecisionDefer,
			Reason:    models.ErrCodeBackpressureDeferred,
			RetryAtMS: nowMS + r.cfg.DeferMS,
		}
	}

	r.actors[actorKey] = append(r.actors[actorKey], nowMS)
	r.channels[channel] = append(r.channels[channel], nowMS)
	return Decision{Kind: DecisionAllow}
}

func prune(stamps []int64, cutoff int64) []int64 {
	i := 0
	for ; i < len(stamps); i++ {
		if stamps[i] > cutoff {
			break
		}
	}
	return stamps[i:]
}
