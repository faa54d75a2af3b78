package main

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"
)

const (
	aidCookieName = "aid"
	aidCookieTTL  = 365 * 24 * time.Hour
	aidHexLength  = 32
)

// ensureAnonymousID reads the aid cookie, minting a fresh 128-bit identity
// on the first unauthenticated hit. The value is echoed in the X-Aid
// response header so the issuing request can use it immediately.
func ensureAnonymousID(w http.ResponseWriter, r *http.Request, secure bool) (string, error) {
	if cookie, err := r.Cookie(aidCookieName); err == nil && isValidIdentity(cookie.Value) {
		w.Header().Set("X-Aid", cookie.Value)
		return cookie.Value, nil
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	aid := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     aidCookieName,
		Value:    aid,
		Path:     "/",
		MaxAge:   int(aidCookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	w.Header().Set("X-Aid", aid)
	return aid, nil
}

// requireAnonymousID returns the aid cookie without minting one.
func requireAnonymousID(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(aidCookieName)
	if err != nil || !isValidIdentity(cookie.Value) {
		return "", false
	}
	return cookie.Value, true
}

func isValidIdentity(aid string) bool {
	if len(aid) != aidHexLength {
		return false
	}
	for _, r := range aid {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') {
			continue
		}
		return false
	}
	return true
}
