package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"
)

type App struct {
	cfg           *Config
	clock         Clock
	store         Store
	codec         *TokenCodec
	ledger        *CreditLedger
	limiter       *CookieRateLimiter
	exportLimiter *SharedCounterLimiter
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, kind string, msToNext int64) {
	status := errorStatus(kind)
	resp := ErrorResponse{OK: false, Error: kind}
	if msToNext > 0 {
		resp.MsToNext = msToNext
		w.Header().Set("Retry-After", strconv.FormatInt(msToNext/1000+1, 10))
	}
	writeJSON(w, status, resp)
}

func healthHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := app.store.Ping(r.Context()); err != nil {
			log.Println("health check store ping failed:", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

// actionStartHandler issues a signed token bound to the caller's anonymous
// identity and records the issued nonce with the request fingerprint.
func actionStartHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req ActionStartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, KindBadRequest, 0)
			return
		}
		if !isValidActionID(req.ClientActionID) {
			writeError(w, KindBadRequest, 0)
			return
		}

		aid, err := ensureAnonymousID(w, r, app.cfg.SecureMode)
		if err != nil {
			log.Println("failed to mint anonymous id:", err)
			writeError(w, KindServerError, 0)
			return
		}

		token, err := app.codec.Issue(aid, req.ClientActionID, app.cfg.TokenTTL)
		if err != nil {
			log.Println("token issue failed:", err)
			writeError(w, KindServerError, 0)
			return
		}

		payload, err := app.codec.Verify(token)
		if err != nil {
			log.Println("freshly issued token failed verification:", err)
			writeError(w, KindServerError, 0)
			return
		}

		reqCtx := captureRequestContext(r)
		if err := createActionNonce(r.Context(), app.store, token, payload, reqCtx); err != nil {
			log.Println("nonce create failed:", err)
			writeError(w, KindServerError, 0)
			return
		}

		writeJSON(w, http.StatusOK, ActionStartResponse{OK: true, Token: token})
	}
}

// actionCompleteHandler redeems a token for credit. Identity binding is
// checked before the ledger runs so a stolen token presented from another
// browser fails fast without touching the nonce.
func actionCompleteHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req ActionCompleteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, KindBadRequest, 0)
			return
		}
		if req.Token == "" {
			writeError(w, KindBadRequest, 0)
			return
		}

		aid, ok := requireAnonymousID(r)
		if !ok {
			writeError(w, KindAidCookieMissing, 0)
			return
		}

		payload, err := app.codec.Verify(req.Token)
		if err != nil {
			// Bad MAC or expired: hostile or stale input, logged either way.
			recordTelemetryWithCooldown(r.Context(), app.store, app.clock, aid, "redeem_token_rejected", map[string]interface{}{
				"reason": err.Error(),
			}, 2*time.Minute)
			writeError(w, KindBadRequest, 0)
			return
		}
		if payload.Identity != aid {
			recordTelemetry(r.Context(), app.store, app.clock, aid, "redeem_aid_mismatch", map[string]interface{}{
				"tokenIdentity": payload.Identity,
			})
			writeError(w, KindAidMismatch, 0)
			return
		}

		granted, err := app.ledger.Redeem(r.Context(), req.Token, captureRequestContext(r))
		if err != nil {
			if le := asLedgerError(err); le != nil {
				if le.Kind == KindNonceConsumed || le.Kind == KindContextMismatch {
					recordTelemetry(r.Context(), app.store, app.clock, aid, "redeem_denied", map[string]interface{}{
						"kind": le.Kind,
					})
				}
				writeError(w, le.Kind, le.MsToNext)
				return
			}
			log.Println("redeem failed:", err)
			writeError(w, KindServerError, 0)
			return
		}

		writeJSON(w, http.StatusOK, ActionCompleteResponse{OK: true, GrantedAmount: granted})
	}
}

// creditsMeHandler returns the authoritative balance, applying lazy reset
// and refill on the way out.
func creditsMeHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		aid, ok := requireAnonymousID(r)
		if !ok {
			writeError(w, KindAidCookieMissing, 0)
			return
		}

		snapshot, err := app.ledger.Read(r.Context(), aid)
		if err != nil {
			log.Println("credit read failed:", err)
			writeError(w, KindServerError, 0)
			return
		}

		writeJSON(w, http.StatusOK, CreditsResponse{
			OK:           true,
			Credits:      snapshot.Credits,
			TodayEarned:  snapshot.TodayEarned,
			LastEarnedAt: snapshot.LastEarnedAt,
			LastResetAt:  snapshot.LastResetAt,
			LastRefillAt: snapshot.LastRefillAt,
			RefillArmed:  snapshot.RefillArmed,
		})
	}
}

// creditsExportHandler dumps the identity's redemption history. Throttling
// goes through the shared Redis counter when configured so the limit holds
// across instances; otherwise the signed-cookie limiter applies.
func creditsExportHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		aid, ok := requireAnonymousID(r)
		if !ok {
			writeError(w, KindAidCookieMissing, 0)
			return
		}

		if app.exportLimiter != nil {
			allowed, retryAfter, err := app.exportLimiter.Allow(r.Context(), aid)
			if err != nil {
				log.Println("export limiter unavailable:", err)
				writeError(w, KindServerError, 0)
				return
			}
			if !allowed {
				writeError(w, KindRateLimited, retryAfter.Milliseconds())
				return
			}
		}

		events, err := app.ledger.ListAuditEvents(r.Context(), aid, 200)
		if err != nil {
			log.Println("audit export failed:", err)
			writeError(w, KindServerError, 0)
			return
		}

		items := make([]AuditEventItem, 0, len(events))
		for _, event := range events {
			items = append(items, AuditEventItem{
				Ts:            event.Ts,
				ActionContext: event.ActionContext,
				Amount:        event.Amount,
			})
		}
		writeJSON(w, http.StatusOK, ExportResponse{OK: true, Events: items})
	}
}
