// Package ratelimit enforces the per-user, per-MUD and global message
// budgets, escalating repeat offenders into temporary blocks.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultPerUserPerMinute = 60
	defaultMudMultiplier    = 10
	defaultExpectedPeers    = 10

	// violationThreshold denials inside violationWindow trip a block.
	defaultViolationThreshold = 10
	violationWindow           = 10 * time.Minute

	entryTTL        = 10 * time.Minute
	cleanupInterval = time.Minute
)

// blockTiers are the escalating block durations for repeat offenders.
var blockTiers = []time.Duration{5 * time.Minute, 30 * time.Minute, 24 * time.Hour}

// Options configures the limiter.
type Options struct {
	// PerUserPerMinute is the sustained budget for one (mud, user) pair.
	PerUserPerMinute int `json:"per_user_per_minute"`

	// MudMultiplier scales the per-user budget up to the whole MUD.
	MudMultiplier int `json:"mud_multiplier"`

	// ExpectedPeers sizes the global budget: peers times the MUD budget.
	ExpectedPeers int `json:"expected_peers"`

	// ViolationThreshold is how many denials in ten minutes trip a block.
	ViolationThreshold int `json:"violation_threshold"`
}

func (o *Options) normalize() {
	if o.PerUserPerMinute <= 0 {
		o.PerUserPerMinute = defaultPerUserPerMinute
	}
	if o.MudMultiplier <= 0 {
		o.MudMultiplier = defaultMudMultiplier
	}
	if o.ExpectedPeers <= 0 {
		o.ExpectedPeers = defaultExpectedPeers
	}
	if o.ViolationThreshold <= 0 {
		o.ViolationThreshold = defaultViolationThreshold
	}
}

// Decision is the outcome of one rate check.
type Decision struct {
	OK bool

	// RetryAfter hints when the next message could pass. Zero when OK.
	RetryAfter time.Duration

	// Blocked marks decisions denied by an escalation block rather than
	// an exhausted bucket.
	Blocked bool

	// Scope names the limit that denied: "user", "mud", "global", "block".
	Scope string
}

// entry pairs a token bucket with its last use for cleanup.
type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// violation tracks denials for one MUD inside the rolling window.
type violation struct {
	count        int
	windowStart  time.Time
	tier         int
	blockedUntil time.Time
}

// Limiter composes the three scopes. All methods are safe for concurrent
// use.
type Limiter struct {
	opts Options
	log  zerolog.Logger

	mu         sync.Mutex
	users      map[string]*entry
	muds       map[string]*entry
	violations map[string]*violation

	global *rate.Limiter

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

// NewLimiter builds a limiter and starts its cleanup loop.
func NewLimiter(opts Options, logger zerolog.Logger) *Limiter {
	opts.normalize()

	globalPerMinute := opts.PerUserPerMinute * opts.MudMultiplier * opts.ExpectedPeers

	l := &Limiter{
		opts:          opts,
		log:           logger.With().Str("component", "ratelimit").Logger(),
		users:         make(map[string]*entry),
		muds:          make(map[string]*entry),
		violations:    make(map[string]*violation),
		global:        newBucket(globalPerMinute),
		cleanupTicker: time.NewTicker(cleanupInterval),
		stopCleanup:   make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// newBucket builds a token bucket allowing perMinute sustained with a full
// minute of burst.
func newBucket(perMinute int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
}

// Allow runs the composed check for one inbound message. The user may be
// empty for MUD-level traffic; it still draws from the MUD and global
// budgets plus a shared per-MUD system bucket.
func (l *Limiter) Allow(mud, user string) Decision {
	now := time.Now()

	if until, blocked := l.blockedUntil(mud, now); blocked {
		return Decision{RetryAfter: until.Sub(now), Blocked: true, Scope: "block"}
	}

	if d, ok := l.take(l.global, now); !ok {
		return l.denied(mud, Decision{RetryAfter: d, Scope: "global"})
	}

	mudBucket := l.bucket(l.muds, mud, l.opts.PerUserPerMinute*l.opts.MudMultiplier, now)
	if d, ok := l.take(mudBucket, now); !ok {
		return l.denied(mud, Decision{RetryAfter: d, Scope: "mud"})
	}

	userKey := fmt.Sprintf("%s:%s", mud, user)
	userBucket := l.bucket(l.users, userKey, l.opts.PerUserPerMinute, now)
	if d, ok := l.take(userBucket, now); !ok {
		return l.denied(mud, Decision{RetryAfter: d, Scope: "user"})
	}

	return Decision{OK: true}
}

// take reserves one token, reporting the wait when the bucket is empty.
func (l *Limiter) take(bucket *rate.Limiter, now time.Time) (time.Duration, bool) {
	r := bucket.ReserveN(now, 1)
	if !r.OK() {
		return time.Minute, false
	}
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
		return delay, false
	}
	return 0, true
}

// bucket fetches or creates the keyed limiter.
func (l *Limiter) bucket(m map[string]*entry, key string, perMinute int, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := m[key]
	if !ok {
		e = &entry{limiter: newBucket(perMinute)}
		m[key] = e
	}
	e.lastAccess = now
	return e.limiter
}

// denied records the violation and escalates the MUD into a block when it
// keeps hammering the limit.
func (l *Limiter) denied(mud string, d Decision) Decision {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.violations[mud]
	if !ok || now.Sub(v.windowStart) > violationWindow {
		tier := 0
		if ok {
			tier = v.tier
		}
		v = &violation{windowStart: now, tier: tier}
		l.violations[mud] = v
	}

	v.count++
	if v.count > l.opts.ViolationThreshold {
		block := blockTiers[min(v.tier, len(blockTiers)-1)]
		v.blockedUntil = now.Add(block)
		v.tier++
		v.count = 0
		v.windowStart = now

		l.log.Warn().Str("mud", mud).Dur("block", block).Msg("Rate limit violations escalated to block")
		return Decision{RetryAfter: block, Blocked: true, Scope: "block"}
	}

	return d
}

// blockedUntil reports an active escalation block for the MUD.
func (l *Limiter) blockedUntil(mud string, now time.Time) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.violations[mud]
	if !ok || now.After(v.blockedUntil) {
		return time.Time{}, false
	}
	return v.blockedUntil, true
}

// Reset clears buckets, violations and blocks for a MUD. Admin hook.
func (l *Limiter) Reset(mud string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.muds, mud)
	delete(l.violations, mud)

	prefix := mud + ":"
	for key := range l.users {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(l.users, key)
		}
	}

	l.log.Info().Str("mud", mud).Msg("Rate limit state reset")
}

// cleanupLoop drops idle buckets so the maps do not grow with every peer
// the gateway ever saw.
func (l *Limiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.cleanup(time.Now())
		case <-l.stopCleanup:
			l.cleanupTicker.Stop()
			return
		}
	}
}

func (l *Limiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, e := range l.users {
		if now.Sub(e.lastAccess) > entryTTL {
			delete(l.users, key)
		}
	}
	for key, e := range l.muds {
		if now.Sub(e.lastAccess) > entryTTL {
			delete(l.muds, key)
		}
	}
	for key, v := range l.violations {
		if now.After(v.blockedUntil) && now.Sub(v.windowStart) > violationWindow {
			delete(l.violations, key)
		}
	}
}

// Stop halts the cleanup loop.
func (l *Limiter) Stop() {
	close(l.stopCleanup)
}
