package ratelimit

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dm-service/internal/observability"
)

const anonymousPrefix = "anonymous:"

// UserSubject is the bucket subject of a signed-in user.
func UserSubject(userID uuid.UUID) string {
	return userID.String()
}

// AnonymousSubject is the bucket subject of a caller without a user, scoped to its client
// address.
func AnonymousSubject(client string) string {
	if client == "" {
		client = "unknown"
	}
	return anonymousPrefix + client
}

// Decision is the outcome of one attempt.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Message    string        `json:"message,omitempty"`
	RetryAfter time.Duration `json:"-"`
	Remaining  int           `json:"remaining"`
}

// RetryAfterSeconds rounds the retry delay up to whole seconds.
func (d Decision) RetryAfterSeconds() int {
	return int((d.RetryAfter + time.Second - 1) / time.Second)
}

// RemoteDecision is the verdict of the authoritative limiter.
type RemoteDecision struct {
	Allowed    bool
	RetryAfter time.Duration
	Message    string
}

// RemoteChecker confirms attempts of authoritative rules.
type RemoteChecker interface {
	Check(ctx context.Context, subject, action string) (RemoteDecision, error)
}

// Options configures a Limiter.
type Options struct {
	Rules  map[string]Rule
	Now    func() time.Time
	Remote RemoteChecker
}

type trackedBucket struct {
	action string
	rule   Rule
}

// Limiter enforces sliding-window rules per (action, subject).
type Limiter struct {
	store  BucketStore
	rules  map[string]Rule
	now    func() time.Time
	remote RemoteChecker
	logger zerolog.Logger

	stripes [lockStripes]sync.Mutex

	mu      sync.Mutex
	touched map[string]trackedBucket
}

const lockStripes = 64

// bucketLock serializes read-modify-write of one bucket within this process.
func (l *Limiter) bucketLock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.stripes[h.Sum32()%lockStripes]
}

// New constructs a Limiter. Missing options fall back to DefaultRules and the wall clock.
func New(store BucketStore, logger zerolog.Logger, opts Options) *Limiter {
	if opts.Rules == nil {
		opts.Rules = DefaultRules()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Limiter{
		store:   store,
		rules:   opts.Rules,
		now:     opts.Now,
		remote:  opts.Remote,
		logger:  logger.With().Str("component", "ratelimit").Logger(),
		touched: make(map[string]trackedBucket),
	}
}

// Rule returns the rule configured for action.
func (l *Limiter) Rule(action string) (Rule, bool) {
	rule, ok := l.rules[action]
	return rule, ok
}

// Attempt records an attempt of action by subject and reports whether it may proceed.
// Unknown actions are always allowed. Store failures allow the attempt.
func (l *Limiter) Attempt(ctx context.Context, subject, action string) Decision {
	rule, ok := l.rules[action]
	if !ok {
		return Decision{Allowed: true, Remaining: -1}
	}

	decision := l.attemptLocal(ctx, BucketKey(action, subject), action, rule)
	if decision.Allowed && rule.Authoritative && l.remote != nil {
		decision = l.confirmRemote(ctx, subject, action, decision)
	}
	observability.IncRateLimitDecision(action, decision.Allowed)
	return decision
}

func (l *Limiter) attemptLocal(ctx context.Context, key, action string, rule Rule) Decision {
	l.mu.Lock()
	l.touched[key] = trackedBucket{action: action, rule: rule}
	l.mu.Unlock()

	lock := l.bucketLock(key)
	lock.Lock()
	defer lock.Unlock()
	nowMs := l.now().UnixMilli()

	bucket, err := l.store.Load(ctx, key)
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("rate limit state unavailable, allowing")
		return Decision{Allowed: true, Remaining: rule.Max - 1}
	}

	if bucket.BlockedUntil != nil {
		if nowMs < *bucket.BlockedUntil {
			return deny(time.Duration(*bucket.BlockedUntil-nowMs) * time.Millisecond)
		}
		bucket.BlockedUntil = nil
	}
	bucket.Requests = prune(bucket.Requests, nowMs, rule.Window)

	if len(bucket.Requests) >= rule.Max {
		var retry time.Duration
		if rule.Lockout > 0 {
			until := nowMs + rule.Lockout.Milliseconds()
			bucket.BlockedUntil = &until
			retry = rule.Lockout
		} else {
			retry = time.Duration(bucket.Requests[0]+rule.Window.Milliseconds()-nowMs) * time.Millisecond
		}
		l.save(ctx, key, bucket, rule)
		return deny(retry)
	}

	bucket.Requests = append(bucket.Requests, nowMs)
	l.save(ctx, key, bucket, rule)
	return Decision{Allowed: true, Remaining: rule.Max - len(bucket.Requests)}
}

func (l *Limiter) confirmRemote(ctx context.Context, subject, action string, local Decision) Decision {
	verdict, err := l.remote.Check(ctx, subject, action)
	if err != nil {
		l.logger.Warn().Err(err).Str("action", action).Msg("remote rate limiter unavailable, keeping local decision")
		return local
	}
	if verdict.Allowed {
		return local
	}
	d := deny(verdict.RetryAfter)
	if verdict.Message != "" {
		d.Message = verdict.Message
	}
	return d
}

// Remaining reports how many attempts of action subject has left in the current window.
func (l *Limiter) Remaining(ctx context.Context, subject, action string) (int, error) {
	rule, ok := l.rules[action]
	if !ok {
		return -1, nil
	}
	bucket, err := l.store.Load(ctx, BucketKey(action, subject))
	if err != nil {
		return 0, err
	}
	nowMs := l.now().UnixMilli()
	if bucket.BlockedUntil != nil && nowMs < *bucket.BlockedUntil {
		return 0, nil
	}
	left := rule.Max - len(prune(bucket.Requests, nowMs, rule.Window))
	if left < 0 {
		left = 0
	}
	return left, nil
}

// Sweep prunes expired requests and passed lockouts of every bucket this limiter touched.
// Each bucket is locked only for its own round-trip, so attempts on other buckets proceed.
func (l *Limiter) Sweep(ctx context.Context) {
	l.mu.Lock()
	pending := make(map[string]trackedBucket, len(l.touched))
	for key, tb := range l.touched {
		pending[key] = tb
	}
	l.mu.Unlock()

	nowMs := l.now().UnixMilli()
	var clean []string
	for key, tb := range pending {
		if l.sweepBucket(ctx, key, tb.rule, nowMs) {
			clean = append(clean, key)
		}
	}

	l.mu.Lock()
	for _, key := range clean {
		delete(l.touched, key)
	}
	l.mu.Unlock()
}

// sweepBucket prunes one bucket and reports whether it is now empty and unblocked.
func (l *Limiter) sweepBucket(ctx context.Context, key string, rule Rule, nowMs int64) bool {
	lock := l.bucketLock(key)
	lock.Lock()
	defer lock.Unlock()

	bucket, err := l.store.Load(ctx, key)
	if err != nil {
		l.logger.Debug().Err(err).Str("key", key).Msg("sweep load failed")
		return false
	}
	blocked := bucket.BlockedUntil != nil && nowMs < *bucket.BlockedUntil
	if !blocked {
		bucket.BlockedUntil = nil
	}
	bucket.Requests = prune(bucket.Requests, nowMs, rule.Window)
	l.save(ctx, key, bucket, rule)
	return !blocked && len(bucket.Requests) == 0
}

func (l *Limiter) save(ctx context.Context, key string, bucket Bucket, rule Rule) {
	if err := l.store.Save(ctx, key, bucket, rule.retention()); err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("rate limit state not persisted")
	}
}

// prune keeps requests inside (now-window, now].
func prune(requests []int64, nowMs int64, window time.Duration) []int64 {
	cutoff := nowMs - window.Milliseconds()
	kept := make([]int64, 0, len(requests))
	for _, ts := range requests {
		if ts > cutoff && ts <= nowMs {
			kept = append(kept, ts)
		}
	}
	return kept
}

func deny(retry time.Duration) Decision {
	if retry < 0 {
		retry = 0
	}
	return Decision{Allowed: false, RetryAfter: retry, Message: humanize(retry)}
}

func humanize(retry time.Duration) string {
	seconds := int((retry + time.Second - 1) / time.Second)
	switch {
	case seconds <= 1:
		return "Too many requests. Try again in 1 second."
	case seconds < 120:
		return fmt.Sprintf("Too many requests. Try again in %d seconds.", seconds)
	default:
		return fmt.Sprintf("Too many requests. Try again in %d minutes.", (seconds+59)/60)
	}
}
