package server

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const defaultLimiterCleanupInterval = 5 * time.Minute

// RateLimitRecorder counts rejected attempts.
type RateLimitRecorder interface {
	RecordRateLimited()
}

// SignInLimiterConfig configures per-client throttling of handshake starts.
type SignInLimiterConfig struct {
	RatePerMinute   int
	Burst           int
	CleanupInterval time.Duration
	Recorder        RateLimitRecorder
	Logger          *zap.Logger
}

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// SignInLimiter throttles sign-in starts per client address. Each start costs
// a discovery fetch and possibly an association request to a third party.
type SignInLimiter struct {
	limit           rate.Limit
	burst           int
	cleanupInterval time.Duration
	recorder        RateLimitRecorder
	logger          *zap.Logger

	mu       sync.Mutex
	limiters map[string]*clientLimiter

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewSignInLimiter creates the limiter and starts its cleanup goroutine.
func NewSignInLimiter(cfg SignInLimiterConfig) *SignInLimiter {
	ratePerMinute := cfg.RatePerMinute
	if ratePerMinute <= 0 {
		ratePerMinute = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = defaultLimiterCleanupInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := &SignInLimiter{
		limit:           rate.Limit(float64(ratePerMinute) / 60.0),
		burst:           burst,
		cleanupInterval: cleanupInterval,
		recorder:        cfg.Recorder,
		logger:          logger,
		limiters:        make(map[string]*clientLimiter),
		stopCh:          make(chan struct{}),
	}
	go limiter.cleanupLoop()
	return limiter
}

// Stop ends the cleanup goroutine.
func (l *SignInLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Middleware rejects clients over their budget with 429.
func (l *SignInLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		client := c.ClientIP()
		if l.allow(client) {
			c.Next()
			return
		}
		if l.recorder != nil {
			l.recorder.RecordRateLimited()
		}
		l.logger.Warn("sign-in rate limit exceeded", zap.String("client_ip", client))
		retryAfter := int(math.Ceil(1.0 / float64(l.limit)))
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limit_exceeded"})
	}
}

// ClientCount reports how many clients are tracked.
func (l *SignInLimiter) ClientCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *SignInLimiter) allow(client string) bool {
	l.mu.Lock()
	entry, ok := l.limiters[client]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[client] = entry
	}
	entry.lastAccess = time.Now()
	l.mu.Unlock()
	return entry.limiter.Allow()
}

func (l *SignInLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

// cleanup drops clients idle for more than two cleanup intervals.
func (l *SignInLimiter) cleanup(now time.Time) {
	ttl := l.cleanupInterval * 2
	l.mu.Lock()
	defer l.mu.Unlock()
	for client, entry := range l.limiters {
		if now.Sub(entry.lastAccess) > ttl {
			delete(l.limiters, client)
		}
	}
}
