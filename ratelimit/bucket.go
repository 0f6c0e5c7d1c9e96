package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-automation/core"
	goerrors "github.com/goliatone/go-errors"
)

const defaultMaxRetries = 16

var ErrContention = errors.New("ratelimit: bucket update contention")

// BucketState is one token bucket snapshot. Version grows by one on every
// successful write and is what CompareAndSwap compares against.
type BucketState struct {
	Tokens    float64
	UpdatedAt time.Time
	Version   int64
}

// BucketStore persists bucket snapshots. CompareAndSwap writes next only when
// the stored version still equals expected.Version, or when no state exists
// and found is false.
type BucketStore interface {
	Load(ctx context.Context, key string) (state BucketState, found bool, err error)
	CompareAndSwap(ctx context.Context, key string, expected BucketState, found bool, next BucketState) (bool, error)
}

type TierResolver interface {
	TierFor(ctx context.Context, accountID string) (string, error)
}

// StaticTiers maps account ids to tier names. Unknown accounts use the
// default tier.
type StaticTiers map[string]string

func (t StaticTiers) TierFor(_ context.Context, accountID string) (string, error) {
	if tier, ok := t[strings.TrimSpace(accountID)]; ok {
		return tier, nil
	}
	return core.DefaultTier, nil
}

// Limiter is a per-account token bucket. Buckets start full and refill
// continuously; a denied acquire leaves the bucket untouched.
type Limiter struct {
	Store      BucketStore
	Tiers      TierResolver
	Config     core.RateLimitConfig
	Now        func() time.Time
	MaxRetries int
}

func NewLimiter(store BucketStore, config core.RateLimitConfig) *Limiter {
	if store == nil {
		store = NewMemoryBucketStore()
	}
	return &Limiter{
		Store:      store,
		Tiers:      StaticTiers{},
		Config:     config,
		Now:        func() time.Time { return time.Now().UTC() },
		MaxRetries: defaultMaxRetries,
	}
}

func (l *Limiter) TryAcquire(ctx context.Context, accountID string) (bool, error) {
	if l == nil || l.Store == nil {
		return false, fmt.Errorf("ratelimit: limiter is not configured")
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return false, fmt.Errorf("ratelimit: account id is required")
	}
	bucket, err := l.bucketFor(ctx, accountID)
	if err != nil {
		return false, err
	}

	retries := l.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}
	for range retries {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		current, found, err := l.Store.Load(ctx, accountID)
		if err != nil {
			return false, err
		}
		now := l.now()
		tokens := Refill(current, found, bucket, now)
		if tokens < 1 {
			return false, nil
		}
		next := BucketState{Tokens: tokens - 1, UpdatedAt: now, Version: current.Version + 1}
		swapped, err := l.Store.CompareAndSwap(ctx, accountID, current, found, next)
		if err != nil {
			return false, err
		}
		if swapped {
			return true, nil
		}
	}
	return false, contentionError(accountID, retries)
}

// Remaining reports the tokens currently available to an account.
func (l *Limiter) Remaining(ctx context.Context, accountID string) (float64, error) {
	if l == nil || l.Store == nil {
		return 0, fmt.Errorf("ratelimit: limiter is not configured")
	}
	bucket, err := l.bucketFor(ctx, accountID)
	if err != nil {
		return 0, err
	}
	current, found, err := l.Store.Load(ctx, strings.TrimSpace(accountID))
	if err != nil {
		return 0, err
	}
	return Refill(current, found, bucket, l.now()), nil
}

func (l *Limiter) bucketFor(ctx context.Context, accountID string) (core.BucketConfig, error) {
	tier := core.DefaultTier
	if l.Tiers != nil {
		resolved, err := l.Tiers.TierFor(ctx, accountID)
		if err != nil {
			return core.BucketConfig{}, fmt.Errorf("ratelimit: resolve tier for %q: %w", accountID, err)
		}
		tier = resolved
	}
	bucket := l.Config.Bucket(tier)
	if bucket.Capacity < 1 || bucket.RefillPerSecond <= 0 {
		return core.BucketConfig{}, fmt.Errorf("ratelimit: tier %q has no usable bucket", tier)
	}
	return bucket, nil
}

func (l *Limiter) now() time.Time {
	if l != nil && l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

// Refill returns the tokens available at now. A missing state is a full bucket.
func Refill(state BucketState, found bool, bucket core.BucketConfig, now time.Time) float64 {
	capacity := float64(bucket.Capacity)
	if !found {
		return capacity
	}
	elapsed := now.Sub(state.UpdatedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return math.Min(capacity, state.Tokens+elapsed*bucket.RefillPerSecond)
}

func contentionError(accountID string, attempts int) *goerrors.Error {
	return goerrors.Wrap(ErrContention, goerrors.CategoryRateLimit,
		fmt.Sprintf("ratelimit: bucket for account %q still contended after %d attempts", accountID, attempts)).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(core.ErrorRateLimited).
		WithMetadata(map[string]any{
			"account_id": accountID,
			"attempts":   attempts,
		})
}

var _ core.RateLimiter = (*Limiter)(nil)
