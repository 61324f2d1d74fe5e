package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultCleanupInterval = 5 * time.Minute
	defaultIdleTTL         = 10 * time.Minute
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Per-client token buckets for the content write path
type ClientLimiters struct {
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
	mu       sync.Mutex

	cleanupInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

// Creates limiters allowing perSecond writes per client with the given burst.
// A non-positive perSecond disables limiting.
func NewClientLimiters(perSecond float64, burst int) *ClientLimiters {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}

	cl := &ClientLimiters{
		limiters:        make(map[string]*entry),
		rate:            limit,
		burst:           burst,
		idleTTL:         defaultIdleTTL,
		now:             time.Now,
		cleanupInterval: defaultCleanupInterval,
		stop:            make(chan struct{}),
	}
	go cl.cleanup()
	return cl
}

func (cl *ClientLimiters) Get(clientID string) *rate.Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	e, ok := cl.limiters[clientID]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(cl.rate, cl.burst)}
		cl.limiters[clientID] = e
	}
	e.lastSeen = cl.now()
	return e.limiter
}

// Reports whether clientID may perform one more write now
func (cl *ClientLimiters) Allow(clientID string) bool {
	return cl.Get(clientID).Allow()
}

func (cl *ClientLimiters) Remove(clientID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.limiters, clientID)
}

func (cl *ClientLimiters) Len() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.limiters)
}

func (cl *ClientLimiters) Stop() {
	cl.stopOnce.Do(func() { close(cl.stop) })
}

// Drops limiters that have not been used for a while
func (cl *ClientLimiters) evictIdle() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cutoff := cl.now().Add(-cl.idleTTL)
	evicted := 0
	for id, e := range cl.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(cl.limiters, id)
			evicted++
		}
	}
	return evicted
}

func (cl *ClientLimiters) cleanup() {
	ticker := time.NewTicker(cl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cl.stop:
			return
		case <-ticker.C:
			cl.evictIdle()
		}
	}
}

// Identifies a client by the remote host of the request
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the client's budget with 429
func (cl *ClientLimiters) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cl.Allow(ClientIP(r)) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
