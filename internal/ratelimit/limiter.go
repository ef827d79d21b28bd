package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/neuralcloud/deployd/internal/adapter"
	"github.com/neuralcloud/deployd/internal/logger"
)

const (
	DEFAULT_KEY_PREFIX            = "deployd:limiter:"
	DEFAULT_HEALTH_CHECK_INTERVAL = 10 * time.Second
	DEFAULT_IDLE_TTL              = 5 * time.Minute
)

// ErrLimiterUnavailable is returned when Redis fails and local fallback is disabled
var ErrLimiterUnavailable = errors.New("rate limiter unavailable")

// Config holds the rate limiter configuration
type Config struct {
	RequestsPerSecond   int
	Burst               int
	KeyPrefix           string
	EnableLocalFallback bool
	HealthCheckInterval time.Duration
	IdleTTL             time.Duration // local limiters unused for this long are dropped
}

// Decision is the outcome of a rate limit check
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits requests per key
type Limiter interface {
	// Allow consumes one token for key if one is available
	Allow(ctx context.Context, key string) (Decision, error)

	// Close stops the health monitor and releases the Redis connection
	Close() error
}

// limiter shares limits across replicas through Redis (GCRA) and falls back to
// in-process token buckets while Redis is unreachable
type limiter struct {
	config         Config
	redis          adapter.RedisClient
	distributed    adapter.RedisRateLimiter
	clock          adapter.Clock
	redisAvailable atomic.Bool

	mu    sync.Mutex
	local map[string]*localLimiter

	stopCh    chan struct{}
	closeOnce sync.Once
}

type localLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a rate limiter. A nil Redis client limits per process only.
func New(cfg Config, rc adapter.RedisClient, clock adapter.Clock) (Limiter, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	l := &limiter{
		config: cfg,
		redis:  rc,
		clock:  clock,
		local:  make(map[string]*localLimiter),
		stopCh: make(chan struct{}),
	}

	if rc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := rc.Ping(ctx).Err(); err != nil {
			if !cfg.EnableLocalFallback {
				return nil, fmt.Errorf("redis unavailable and fallback disabled: %w", err)
			}
			logger.Warn("Redis unavailable, will use local rate limiting", zap.Error(err))
		} else {
			l.redisAvailable.Store(true)
		}
		l.distributed = rc.NewRateLimiter()
	}

	go l.monitor()

	logger.Info("Rate limiter initialized",
		zap.Int("requests_per_second", cfg.RequestsPerSecond),
		zap.Int("burst", cfg.Burst),
		zap.Bool("distributed", rc != nil),
		zap.Bool("local_fallback", cfg.EnableLocalFallback),
	)

	return l, nil
}

// Allow consumes one token for key
func (l *limiter) Allow(ctx context.Context, key string) (Decision, error) {
	if l.distributed != nil && l.redisAvailable.Load() {
		res, err := l.distributed.Allow(ctx, l.config.KeyPrefix+key, redis_rate.Limit{
			Rate:   l.config.RequestsPerSecond,
			Burst:  l.config.Burst,
			Period: time.Second,
		})
		if err == nil {
			return Decision{
				Allowed:    res.Allowed > 0,
				Remaining:  res.Remaining,
				RetryAfter: max(res.RetryAfter, 0),
			}, nil
		}
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}

		// The health monitor restores Redis once it answers again
		l.redisAvailable.Store(false)
		logger.Warn("Redis rate limiter error, falling back to local", zap.Error(err))
	}

	if l.distributed != nil && !l.config.EnableLocalFallback {
		return Decision{}, ErrLimiterUnavailable
	}
	return l.allowLocal(key), nil
}

func (l *limiter) allowLocal(key string) Decision {
	now := l.clock.Now()

	l.mu.Lock()
	entry, ok := l.local[key]
	if !ok {
		entry = &localLimiter{limiter: rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond), l.config.Burst)}
		l.local[key] = entry
	}
	entry.lastSeen = now
	l.mu.Unlock()

	r := entry.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}
	}
	return Decision{Allowed: true, Remaining: int(entry.limiter.TokensAt(now))}
}

// monitor re-checks Redis health and drops idle local limiters
func (l *limiter) monitor() {
	ticker := l.clock.NewTicker(l.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
		}

		l.pruneIdle()

		if l.redis == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := l.redis.Ping(ctx).Err()
		cancel()

		available := err == nil
		if was := l.redisAvailable.Swap(available); !was && available {
			logger.Info("Redis connection restored, distributed rate limiting resumed")
		}
	}
}

func (l *limiter) pruneIdle() {
	cutoff := l.clock.Now().Add(-l.config.IdleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, entry := range l.local {
		if entry.lastSeen.Before(cutoff) {
			delete(l.local, key)
		}
	}
}

// Close stops the health monitor and closes the Redis connection
func (l *limiter) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stopCh)
		if l.redis != nil {
			if closeErr := l.redis.Close(); closeErr != nil {
				logger.Warn("Error closing Redis connection", zap.Error(closeErr))
				err = closeErr
			}
		}
	})
	return err
}

// validateConfig validates and sets defaults for the configuration
func validateConfig(cfg *Config) error {
	if cfg.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests_per_second must be positive")
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RequestsPerSecond
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DEFAULT_KEY_PREFIX
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = DEFAULT_HEALTH_CHECK_INTERVAL
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DEFAULT_IDLE_TTL
	}
	return nil
}
