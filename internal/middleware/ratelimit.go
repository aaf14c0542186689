package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultAuthFailuresPerMinute is the failed-attempt budget per client IP
	// when the AUTH_RATE_LIMIT config is unset.
	DefaultAuthFailuresPerMinute = 10

	// DefaultMaxTrackedClients caps how many client IPs the limiter tracks
	// at once.
	DefaultMaxTrackedClients = 10000

	sweepInterval = time.Minute
	idleEviction  = 5 * time.Minute
)

type failedClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// AuthLimiter throttles repeated authentication failures per client IP, so a
// caller cycling through guessed API keys runs out of budget quickly.
// Successful authentications never count against the budget.
type AuthLimiter struct {
	mu         sync.Mutex
	clients    map[string]*failedClient
	perMinute  int
	maxClients int
	cancel     context.CancelFunc
}

// NewAuthLimiter returns a limiter permitting perMinute failed attempts per
// IP, with an equal burst. Zero or negative perMinute selects
// DefaultAuthFailuresPerMinute. A background goroutine drops idle entries
// until ctx is done or Stop is called.
func NewAuthLimiter(ctx context.Context, perMinute int) *AuthLimiter {
	if perMinute <= 0 {
		perMinute = DefaultAuthFailuresPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	al := &AuthLimiter{
		clients:    make(map[string]*failedClient),
		perMinute:  perMinute,
		maxClients: DefaultMaxTrackedClients,
		cancel:     cancel,
	}
	go al.sweepLoop(ctx)
	return al
}

// Allow reports whether ip may attempt authentication. IPs with no recorded
// failures are always allowed.
func (al *AuthLimiter) Allow(ip string) bool {
	al.mu.Lock()
	defer al.mu.Unlock()

	c, ok := al.clients[ip]
	if !ok {
		return true
	}
	c.lastSeen = time.Now()
	return c.limiter.Allow()
}

// RecordFailure charges one failed attempt against ip.
func (al *AuthLimiter) RecordFailure(ip string) {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.clientLocked(ip, time.Now()).limiter.Allow()
}

// RecordFailureAndAllow charges one failed attempt against ip and reports
// whether ip is still within its budget.
func (al *AuthLimiter) RecordFailureAndAllow(ip string) bool {
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.clientLocked(ip, time.Now()).limiter.Allow()
}

func (al *AuthLimiter) clientLocked(ip string, now time.Time) *failedClient {
	c, ok := al.clients[ip]
	if !ok {
		if len(al.clients) >= al.maxClients {
			al.evictIdlestLocked()
		}
		c = &failedClient{
			limiter: rate.NewLimiter(rate.Limit(float64(al.perMinute)/60.0), al.perMinute),
		}
		al.clients[ip] = c
	}
	c.lastSeen = now
	return c
}

// Stop ends the background sweep goroutine.
func (al *AuthLimiter) Stop() {
	al.cancel()
}

func (al *AuthLimiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			al.sweepIdle()
		}
	}
}

func (al *AuthLimiter) sweepIdle() {
	al.mu.Lock()
	defer al.mu.Unlock()
	for ip, c := range al.clients {
		if time.Since(c.lastSeen) > idleEviction {
			delete(al.clients, ip)
		}
	}
}

func (al *AuthLimiter) evictIdlestLocked() {
	var victim string
	var seen time.Time
	for ip, c := range al.clients {
		if victim == "" || c.lastSeen.Before(seen) {
			victim = ip
			seen = c.lastSeen
		}
	}
	if victim != "" {
		delete(al.clients, victim)
	}
}

// ClientIP strips the port from an http.Request RemoteAddr. Addresses
// without a port come back unchanged.
func ClientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
