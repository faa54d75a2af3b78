package main

import (
	"context"
	"net/http"
)

const (
	NonceStatusIssued   = "issued"
	NonceStatusRedeemed = "redeemed"
)

// ActionNonce is the one-time-use redemption record keyed by the token
// string. Context fields are captured at issuance and only ever compared,
// never rewritten.
type ActionNonce struct {
	Status        string `json:"status"`
	Identity      string `json:"identity"`
	ActionContext string `json:"actionContext"`
	IssuedAt      int64  `json:"issuedAt"`
	ExpiresAt     int64  `json:"expiresAt"`
	RequestIP     string `json:"requestIp,omitempty"`
	UserAgent     string `json:"userAgent,omitempty"`
	Origin        string `json:"origin,omitempty"`
	Referer       string `json:"referer,omitempty"`
}

// RequestContext is the network/browser fingerprint observed on a request.
type RequestContext struct {
	IP        string
	UserAgent string
	Origin    string
	Referer   string
}

func captureRequestContext(r *http.Request) RequestContext {
	return RequestContext{
		IP:        getClientIP(r),
		UserAgent: r.Header.Get("User-Agent"),
		Origin:    r.Header.Get("Origin"),
		Referer:   r.Header.Get("Referer"),
	}
}

// createActionNonce writes the issued record. The upsert is idempotent:
// a retried issuance call for an outstanding token keeps the original
// record, and a redeemed nonce is never flipped back to issued.
func createActionNonce(ctx context.Context, store Store, token string, payload *TokenPayload, reqCtx RequestContext) error {
	return store.RunTransaction(ctx, func(tx Tx) error {
		var existing ActionNonce
		err := tx.Get(collectionNonces, token, &existing)
		if err == nil {
			return nil
		}
		if err != errDocMissing {
			return err
		}
		return tx.Set(collectionNonces, token, ActionNonce{
			Status:        NonceStatusIssued,
			Identity:      payload.Identity,
			ActionContext: payload.ActionContext,
			IssuedAt:      payload.IssuedAt,
			ExpiresAt:     payload.ExpiresAt,
			RequestIP:     reqCtx.IP,
			UserAgent:     reqCtx.UserAgent,
			Origin:        reqCtx.Origin,
			Referer:       reqCtx.Referer,
		})
	})
}

// nonceContextMismatch is the soft anti-theft check: only a positive
// disagreement counts. A field absent on either side is skipped so clients
// behind proxies are not over-blocked.
func nonceContextMismatch(nonce *ActionNonce, reqCtx RequestContext) bool {
	pairs := [][2]string{
		{nonce.RequestIP, reqCtx.IP},
		{nonce.UserAgent, reqCtx.UserAgent},
		{nonce.Origin, reqCtx.Origin},
		{nonce.Referer, reqCtx.Referer},
	}
	for _, pair := range pairs {
		if pair[0] != "" && pair[1] != "" && pair[0] != pair[1] {
			return true
		}
	}
	return false
}

func contextFullyAbsent(reqCtx RequestContext) bool {
	return reqCtx.IP == "" && reqCtx.UserAgent == "" && reqCtx.Origin == "" && reqCtx.Referer == ""
}
