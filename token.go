package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	errTokenInvalid = errors.New("TOKEN_INVALID")
	errTokenExpired = errors.New("TOKEN_EXPIRED")
)

// TokenPayload binds an anonymous identity to an action window.
type TokenPayload struct {
	Identity      string `json:"identity"`
	ActionContext string `json:"actionContext"`
	IssuedAt      int64  `json:"issuedAt"`
	ExpiresAt     int64  `json:"expiresAt"`
}

// TokenCodec signs and verifies action tokens. Wire format is
// base64url(JSON payload) + "." + base64url(HMAC-SHA256 over the encoded
// payload). Stateless; validity is MAC match plus expiry.
type TokenCodec struct {
	secret []byte
	clock  Clock
}

func NewTokenCodec(secret []byte, clock Clock) *TokenCodec {
	return &TokenCodec{secret: secret, clock: clock}
}

func (c *TokenCodec) Issue(identity string, actionContext string, ttl time.Duration) (string, error) {
	now := c.clock.Now()
	payload := TokenPayload{
		Identity:      identity,
		ActionContext: actionContext,
		IssuedAt:      now.UnixMilli(),
		ExpiresAt:     now.Add(ttl).UnixMilli(),
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	body := base64.RawURLEncoding.EncodeToString(encoded)
	return body + "." + base64.RawURLEncoding.EncodeToString(c.mac(body)), nil
}

// Verify recomputes the MAC in constant time and checks expiry. Malformed
// input never panics; it reports errTokenInvalid.
func (c *TokenCodec) Verify(token string) (*TokenPayload, error) {
	body, macPart, found := strings.Cut(token, ".")
	if !found || body == "" || macPart == "" {
		return nil, errTokenInvalid
	}
	providedMAC, err := base64.RawURLEncoding.DecodeString(macPart)
	if err != nil {
		return nil, errTokenInvalid
	}
	if subtle.ConstantTimeCompare(c.mac(body), providedMAC) != 1 {
		return nil, errTokenInvalid
	}

	decoded, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, errTokenInvalid
	}
	var payload TokenPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, errTokenInvalid
	}
	if payload.Identity == "" || payload.ExpiresAt <= 0 {
		return nil, errTokenInvalid
	}
	if c.clock.Now().UnixMilli() > payload.ExpiresAt {
		return nil, errTokenExpired
	}
	return &payload, nil
}

func (c *TokenCodec) mac(body string) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(body))
	return mac.Sum(nil)
}
