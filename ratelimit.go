package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const rateLimitCookieName = "iprl"

// rateLimitWindow is the counter carried in the signed cookie; the server
// keeps no per-client state.
type rateLimitWindow struct {
	WindowEnd int64
	Count     int
}

// CookieRateLimiter derives a sliding-window counter from a signed cookie.
// The MAC binds the counter to the requester's IP, so a cookie replayed
// from a different origin fails verification and restarts the window.
type CookieRateLimiter struct {
	secret []byte
	limit  int
	window time.Duration
	clock  Clock
	secure bool
}

func NewCookieRateLimiter(secret []byte, limit int, window time.Duration, clock Clock, secure bool) *CookieRateLimiter {
	return &CookieRateLimiter{secret: secret, limit: limit, window: window, clock: clock, secure: secure}
}

// Check parses and advances the window for this request. It returns whether
// the request may proceed, the state to write back, and a retry hint when
// blocked. The caller writes the cookie on every response regardless of
// outcome.
func (l *CookieRateLimiter) Check(r *http.Request) (bool, rateLimitWindow, time.Duration) {
	now := l.clock.Now()
	ip := getClientIP(r)

	window := l.parseCookie(r, ip)
	if now.UnixMilli() > window.WindowEnd {
		window = rateLimitWindow{WindowEnd: now.Add(l.window).UnixMilli(), Count: 0}
	}
	if window.Count >= l.limit {
		retryAfter := time.Duration(window.WindowEnd-now.UnixMilli()) * time.Millisecond
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, window, retryAfter
	}
	window.Count++
	return true, window, 0
}

func (l *CookieRateLimiter) parseCookie(r *http.Request, ip string) rateLimitWindow {
	cookie, err := r.Cookie(rateLimitCookieName)
	if err != nil {
		return rateLimitWindow{}
	}

	value := cookie.Value
	body, macPart, found := strings.Cut(value, ".")
	if !found {
		return rateLimitWindow{}
	}
	expected := l.mac(ip, body)
	provided, err := hex.DecodeString(macPart)
	if err != nil || subtle.ConstantTimeCompare(expected, provided) != 1 {
		return rateLimitWindow{}
	}

	endPart, countPart, found := strings.Cut(body, ":")
	if !found {
		return rateLimitWindow{}
	}
	windowEnd, err := strconv.ParseInt(endPart, 10, 64)
	if err != nil {
		return rateLimitWindow{}
	}
	count, err := strconv.Atoi(countPart)
	if err != nil || count < 0 {
		return rateLimitWindow{}
	}
	return rateLimitWindow{WindowEnd: windowEnd, Count: count}
}

// WriteCookie re-signs the window and sets it on the response, so
// legitimate traffic always carries a fresh counter.
func (l *CookieRateLimiter) WriteCookie(w http.ResponseWriter, r *http.Request, window rateLimitWindow) {
	body := fmt.Sprintf("%d:%d", window.WindowEnd, window.Count)
	value := body + "." + hex.EncodeToString(l.mac(getClientIP(r), body))
	http.SetCookie(w, &http.Cookie{
		Name:     rateLimitCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(l.window.Seconds()) * 2,
		HttpOnly: true,
		Secure:   l.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (l *CookieRateLimiter) mac(ip string, body string) []byte {
	mac := hmac.New(sha256.New, l.secret)
	mac.Write([]byte(ip + "|" + body))
	return mac.Sum(nil)
}

// withRateLimit gates a handler behind the cookie limiter.
func withRateLimit(limiter *CookieRateLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		allowed, window, retryAfter := limiter.Check(r)
		limiter.WriteCookie(w, r, window)
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"ok":                false,
				"error":             KindRateLimited,
				"retryAfterSeconds": int(retryAfter.Seconds()) + 1,
			})
			return
		}
		next(w, r)
	}
}

func getClientIP(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
