package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// UpgradeLimiter caps how often one client may open (or re-open) a socket.
// Steady-state traffic rides the established connection, so only handshake
// churn is counted: every upgrade request consumes one attempt from a fixed
// window, and a client that burns its budget waits for the window to elapse.
type UpgradeLimiter struct {
	mu       sync.Mutex
	attempts map[string]*attemptWindow
	limit    int
	window   time.Duration
}

type attemptWindow struct {
	used    int
	resetAt time.Time
}

func NewUpgradeLimiter(limit int, window time.Duration) *UpgradeLimiter {
	return &UpgradeLimiter{
		attempts: make(map[string]*attemptWindow),
		limit:    limit,
		window:   window,
	}
}

// Allow consumes one attempt for the client and reports whether it still has
// budget left in its current window.
func (l *UpgradeLimiter) Allow(clientKey string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.attempts[clientKey]
	if !ok || !now.Before(w.resetAt) {
		l.pruneLocked(now)
		l.attempts[clientKey] = &attemptWindow{used: 1, resetAt: now.Add(l.window)}
		return true
	}
	w.used++
	return w.used <= l.limit
}

// pruneLocked drops elapsed windows so clients that stopped reconnecting do
// not accumulate. Piggybacks on window rollover; no background goroutine.
func (l *UpgradeLimiter) pruneLocked(now time.Time) {
	for key, w := range l.attempts {
		if !now.Before(w.resetAt) {
			delete(l.attempts, key)
		}
	}
}

func (l *UpgradeLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientKey(r), time.Now()) {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many connection attempts. Please try again later.", r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey is the remote host with the ephemeral port stripped, so
// reconnects from one machine share a budget regardless of source port.
// RealIP middleware has already folded forwarding headers into RemoteAddr.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
