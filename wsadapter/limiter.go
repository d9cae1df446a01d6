package wsadapter

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AcceptLimiter rate limits connection attempts at two levels: per-IP, so a
// single address cannot flood the listener, and global, so a distributed
// flood cannot overwhelm the instance. Message-level rate limiting is a
// separate concern handled by the ratelimit package.
type AcceptLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	log zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// AcceptLimiterConfig holds the two-level limits. Zero values fall back to
// per-IP 10 burst / 1 conn/s with a 5 minute TTL, global 300 burst /
// 50 conn/s.
type AcceptLimiterConfig struct {
	IPBurst int
	IPRate  float64
	IPTTL   time.Duration

	GlobalBurst int
	GlobalRate  float64

	Logger zerolog.Logger
}

// NewAcceptLimiter creates the limiter and starts its stale-IP cleanup
// loop. Call Stop during shutdown.
func NewAcceptLimiter(config AcceptLimiterConfig) *AcceptLimiter {
	if config.IPBurst == 0 {
		config.IPBurst = 10
	}
	if config.IPRate == 0 {
		config.IPRate = 1.0
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50.0
	}

	l := &AcceptLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		log:           config.Logger.With().Str("component", "accept_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	l.cleanupTicker = time.NewTicker(time.Minute)
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection attempt from ip may proceed. The
// global limiter is consulted first so the per-IP map is not touched during
// a system-wide flood.
func (l *AcceptLimiter) Allow(ip string) bool {
	if !l.globalLimiter.Allow() {
		l.log.Debug().Str("ip", ip).Msg("Connection rejected: global rate limit")
		return false
	}
	if !l.ipLimiter(ip).Allow() {
		l.log.Debug().Str("ip", ip).Msg("Connection rejected: per-IP rate limit")
		return false
	}
	return true
}

func (l *AcceptLimiter) ipLimiter(ip string) *rate.Limiter {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	entry, ok := l.ipLimiters[ip]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst)}
		l.ipLimiters[ip] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter
}

func (l *AcceptLimiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.cleanup()
		case <-l.stopCleanup:
			l.cleanupTicker.Stop()
			return
		}
	}
}

func (l *AcceptLimiter) cleanup() {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	cutoff := time.Now().Add(-l.ipTTL)
	removed := 0
	for ip, entry := range l.ipLimiters {
		if entry.lastAccess.Before(cutoff) {
			delete(l.ipLimiters, ip)
			removed++
		}
	}
	if removed > 0 {
		l.log.Debug().
			Int("removed", removed).
			Int("remaining", len(l.ipLimiters)).
			Msg("Cleaned up stale IP limiters")
	}
}

// Stop halts the cleanup loop. Idempotent.
func (l *AcceptLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}
