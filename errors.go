package main

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds surfaced on the wire. Conflict kinds deliberately do not say
// which context field disagreed.
const (
	KindBadRequest       = "bad_request"
	KindAidCookieMissing = "aid_cookie_missing"
	KindAidMismatch      = "aid_mismatch"
	KindNonceNotFound    = "nonce_not_found"
	KindNonceConsumed    = "nonce_consumed"
	KindContextMismatch  = "context_mismatch"
	KindDailyCap         = "daily_cap"
	KindCooldown         = "cooldown"
	KindRateLimited      = "rate_limited"
	KindServerError      = "server_error"
)

type LedgerError struct {
	Kind     string
	MsToNext int64
}

func (e *LedgerError) Error() string {
	if e.MsToNext > 0 {
		return fmt.Sprintf("%s (msToNext=%d)", e.Kind, e.MsToNext)
	}
	return e.Kind
}

func ledgerErr(kind string) *LedgerError {
	return &LedgerError{Kind: kind}
}

func cooldownErr(msToNext int64) *LedgerError {
	return &LedgerError{Kind: KindCooldown, MsToNext: msToNext}
}

// errorStatus maps an error kind to its HTTP status. Throttle kinds are 429
// so clients know the token is still good; conflict kinds are 409 so clients
// know to request a fresh token.
func errorStatus(kind string) int {
	switch kind {
	case KindBadRequest, KindAidCookieMissing, KindAidMismatch:
		return http.StatusBadRequest
	case KindNonceNotFound, KindNonceConsumed, KindContextMismatch:
		return http.StatusConflict
	case KindDailyCap, KindCooldown, KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func asLedgerError(err error) *LedgerError {
	var le *LedgerError
	if errors.As(err, &le) {
		return le
	}
	return nil
}
