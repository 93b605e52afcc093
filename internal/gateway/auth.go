package gateway

import (
	"crypto/subtle"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ibbo/rowan/internal/config"
)

// AuthResult is the outcome of an authentication attempt.
type AuthResult struct {
	OK     bool   `json:"ok"`
	Method string `json:"method,omitempty"` // "token" | "password" | "none"
	Reason string `json:"reason,omitempty"`
}

// ResolvedAuth is the gateway auth configuration after env lookup.
type ResolvedAuth struct {
	Mode     string
	Token    string
	Password string
}

// ResolveAuth fills credentials from config, then ROWAN_GATEWAY_TOKEN and
// ROWAN_GATEWAY_PASSWORD. Without an explicit mode, a password selects
// password mode and anything else token mode.
func ResolveAuth(cfg config.GatewayAuth) ResolvedAuth {
	auth := ResolvedAuth{Mode: cfg.Mode, Token: cfg.Token, Password: cfg.Password}
	if auth.Token == "" {
		auth.Token = os.Getenv("ROWAN_GATEWAY_TOKEN")
	}
	if auth.Password == "" {
		auth.Password = os.Getenv("ROWAN_GATEWAY_PASSWORD")
	}
	if auth.Mode == "" {
		if auth.Password != "" {
			auth.Mode = "password"
		} else {
			auth.Mode = "token"
		}
	}
	return auth
}

// Authorize checks client credentials against the server's.
func Authorize(server ResolvedAuth, client *ConnectAuth) AuthResult {
	if server.Mode == "none" {
		return AuthResult{OK: true, Method: "none"}
	}
	if client == nil {
		return AuthResult{Reason: "no credentials provided"}
	}

	var want, got string
	switch server.Mode {
	case "token":
		want, got = server.Token, client.Token
	case "password":
		want, got = server.Password, client.Password
	default:
		return AuthResult{Reason: "unknown auth mode: " + server.Mode}
	}
	switch {
	case want == "":
		return AuthResult{Reason: "server " + server.Mode + " not configured"}
	case got == "":
		return AuthResult{Reason: server.Mode + " required"}
	case !safeEqual(got, want):
		return AuthResult{Reason: server.Mode + "_mismatch"}
	}
	return AuthResult{OK: true, Method: server.Mode}
}

// authorizeHTTP reads "Authorization: Bearer <secret>" and checks the
// secret as a token or password according to the server mode.
func authorizeHTTP(server ResolvedAuth, r *http.Request) AuthResult {
	secret, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	var ca *ConnectAuth
	if secret != "" {
		ca = &ConnectAuth{Token: secret, Password: secret}
	}
	return Authorize(server, ca)
}

// safeEqual compares in constant time without leaking length.
func safeEqual(a, b string) bool {
	lenMatch := subtle.ConstantTimeEq(int32(len(a)), int32(len(b)))
	cmp := subtle.ConstantTimeCompare([]byte(a), []byte(b))
	return subtle.ConstantTimeSelect(lenMatch, cmp, 0) == 1
}

const (
	authRateWindow   = 5 * time.Minute
	authRateMaxFails = 10
	authRateMaxIPs   = 10000
)

// authRateLimiter counts recent failed logins per client IP.
type authRateLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	now      func() time.Time
}

func newAuthRateLimiter() *authRateLimiter {
	return &authRateLimiter{failures: make(map[string][]time.Time), now: time.Now}
}

func hostOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || host == "" {
		return remoteAddr
	}
	return host
}

// recent drops expired failures for host. Callers hold l.mu.
func (l *authRateLimiter) recent(host string) []time.Time {
	cutoff := l.now().Add(-authRateWindow)
	kept := l.failures[host][:0]
	for _, t := range l.failures[host] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(l.failures, host)
		return nil
	}
	l.failures[host] = kept
	return kept
}

func (l *authRateLimiter) allow(remoteAddr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.recent(hostOf(remoteAddr))) < authRateMaxFails
}

func (l *authRateLimiter) recordFailure(remoteAddr string) {
	host := hostOf(remoteAddr)
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, tracked := l.failures[host]; !tracked && len(l.failures) >= authRateMaxIPs {
		var oldest string
		var oldestAt time.Time
		for ip, times := range l.failures {
			if len(times) > 0 && (oldest == "" || times[0].Before(oldestAt)) {
				oldest, oldestAt = ip, times[0]
			}
		}
		delete(l.failures, oldest)
	}
	l.failures[host] = append(l.failures[host], l.now())
}

// sweep drops every expired entry.
func (l *authRateLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for host := range l.failures {
		l.recent(host)
	}
}
