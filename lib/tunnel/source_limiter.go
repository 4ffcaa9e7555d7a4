package tunnel

import (
	"sync"
	"time"

	"github.com/go-i2p/go-onion/lib/common/binding"
	"github.com/go-i2p/go-onion/lib/config"
	"github.com/go-i2p/logger"
	"golang.org/x/time/rate"
)

const (
	// banThreshold is the number of rejections after which a peer is banned.
	banThreshold = 10
	// staleSourceAge is how long an idle, unbanned peer stays tracked.
	staleSourceAge = 10 * time.Minute
	// sourceCleanupInterval spaces the sweeps for stale peers.
	sourceCleanupInterval = 5 * time.Minute
)

// SourceLimiter admits BUILD cells per sending peer.
// Each peer gets a token bucket refilled at MaxBuildRequestsPerMinute with
// room for BuildRequestBurstSize cells.
//
// Design decisions:
// - A peer rejected more than 10 times is banned for SourceBanDuration
// - Stale entries are swept lazily from AllowRequest, no goroutine is needed
// - Safe for concurrent use so stats can be read outside the engine loop
type SourceLimiter struct {
	mu      sync.Mutex
	sources map[binding.Binding]*sourceState

	limit       rate.Limit
	burstSize   int
	banDuration time.Duration
	lastCleanup time.Time

	totalRequests   uint64
	totalRejections uint64

	now func() time.Time
}

type sourceState struct {
	limiter      *rate.Limiter
	lastSeen     time.Time
	requestCount uint64
	rejectCount  uint64
	bannedUntil  time.Time
}

// NewSourceLimiter returns a limiter with the default tunnel settings.
func NewSourceLimiter() *SourceLimiter {
	return NewSourceLimiterWithConfig(config.Defaults().Tunnel)
}

// NewSourceLimiterWithConfig returns a limiter using the BUILD rate, burst
// and ban duration of cfg.
func NewSourceLimiterWithConfig(cfg config.TunnelDefaults) *SourceLimiter {
	sl := &SourceLimiter{
		sources:     make(map[binding.Binding]*sourceState),
		limit:       rate.Limit(float64(cfg.MaxBuildRequestsPerMinute) / 60),
		burstSize:   cfg.BuildRequestBurstSize,
		banDuration: cfg.SourceBanDuration,
		now:         time.Now,
	}
	sl.lastCleanup = sl.now()

	log.WithFields(logger.Fields{
		"at":                   "NewSourceLimiterWithConfig",
		"phase":                "circuit_build",
		"max_requests_per_min": cfg.MaxBuildRequestsPerMinute,
		"burst_size":           sl.burstSize,
		"ban_duration":         sl.banDuration,
	}).Debug("source limiter initialized")
	return sl
}

// AllowRequest reports whether a BUILD from source is admitted, with a
// reason for rejections.
func (sl *SourceLimiter) AllowRequest(source binding.Binding) (bool, string) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	now := sl.now()
	sl.totalRequests++
	if now.Sub(sl.lastCleanup) >= sourceCleanupInterval {
		sl.cleanup(now)
	}

	state, exists := sl.sources[source]
	if !exists {
		state = &sourceState{limiter: rate.NewLimiter(sl.limit, sl.burstSize)}
		sl.sources[source] = state
	}
	state.lastSeen = now
	state.requestCount++

	if now.Before(state.bannedUntil) {
		state.rejectCount++
		sl.totalRejections++
		log.WithFields(logger.Fields{
			"at":           "SourceLimiter.AllowRequest",
			"phase":        "circuit_build",
			"reason":       "source_banned",
			"source":       source.String(),
			"banned_until": state.bannedUntil.Format(time.RFC3339),
		}).Debug("rejecting BUILD from banned peer")
		return false, "source_banned"
	}

	if state.limiter.AllowN(now, 1) {
		return true, ""
	}

	state.rejectCount++
	sl.totalRejections++
	if state.rejectCount > banThreshold {
		state.bannedUntil = now.Add(sl.banDuration)
		log.WithFields(logger.Fields{
			"at":           "SourceLimiter.AllowRequest",
			"phase":        "circuit_build",
			"reason":       "source_auto_banned",
			"source":       source.String(),
			"reject_count": state.rejectCount,
			"ban_duration": sl.banDuration,
		}).Warn("banning peer for flooding BUILD cells")
		return false, "source_auto_banned"
	}

	log.WithFields(logger.Fields{
		"at":           "SourceLimiter.AllowRequest",
		"phase":        "circuit_build",
		"reason":       "rate_limit_exceeded",
		"source":       source.String(),
		"reject_count": state.rejectCount,
	}).Debug("rejecting BUILD over rate limit")
	return false, "rate_limit_exceeded"
}

// IsBanned reports whether source is currently banned.
func (sl *SourceLimiter) IsBanned(source binding.Binding) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	state, exists := sl.sources[source]
	return exists && sl.now().Before(state.bannedUntil)
}

func (sl *SourceLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-staleSourceAge)
	removed := 0
	for src, state := range sl.sources {
		if state.lastSeen.Before(cutoff) && !now.Before(state.bannedUntil) {
			delete(sl.sources, src)
			removed++
		}
	}
	sl.lastCleanup = now
	if removed > 0 {
		log.WithFields(logger.Fields{
			"at":        "SourceLimiter.cleanup",
			"phase":     "circuit_build",
			"removed":   removed,
			"remaining": len(sl.sources),
		}).Debug("dropped stale source limiter entries")
	}
}

// SourceLimiterStats summarizes the limiter.
type SourceLimiterStats struct {
	TrackedSources  int
	BannedSources   int
	TotalRequests   uint64
	TotalRejections uint64
}

// GetStats returns totals across all peers.
func (sl *SourceLimiter) GetStats() SourceLimiterStats {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	stats := SourceLimiterStats{
		TrackedSources:  len(sl.sources),
		TotalRequests:   sl.totalRequests,
		TotalRejections: sl.totalRejections,
	}
	now := sl.now()
	for _, state := range sl.sources {
		if now.Before(state.bannedUntil) {
			stats.BannedSources++
		}
	}
	return stats
}

// SourceStats describes one peer.
type SourceStats struct {
	RequestCount uint64
	RejectCount  uint64
	Tokens       float64
	IsBanned     bool
	BannedUntil  time.Time
	LastSeen     time.Time
}

// GetSourceStats returns the state of source, or nil if it is not tracked.
func (sl *SourceLimiter) GetSourceStats(source binding.Binding) *SourceStats {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	state, exists := sl.sources[source]
	if !exists {
		return nil
	}
	now := sl.now()
	return &SourceStats{
		RequestCount: state.requestCount,
		RejectCount:  state.rejectCount,
		Tokens:       state.limiter.TokensAt(now),
		IsBanned:     now.Before(state.bannedUntil),
		BannedUntil:  state.bannedUntil,
		LastSeen:     state.lastSeen,
	}
}
