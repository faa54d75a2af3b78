package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CreditCounter is the server-authoritative balance document, keyed by
// identity. TodayEarned is the quantity bounded by the daily cap; Credits is
// the spendable balance the client mirrors.
type CreditCounter struct {
	Credits      int   `json:"credits"`
	TodayEarned  int   `json:"todayEarned"`
	LastEarnedAt int64 `json:"lastEarnedAt"`
	LastResetAt  int64 `json:"lastResetAt"`
	RefillArmed  bool  `json:"refillArmed"`
	LastRefillAt int64 `json:"lastRefillAt"`
}

// AuditEvent is the immutable record appended in the same transaction as
// every successful redemption.
type AuditEvent struct {
	EventID       string `json:"eventId"`
	Ts            int64  `json:"ts"`
	Identity      string `json:"identity"`
	ActionContext string `json:"actionContext"`
	Token         string `json:"token"`
	Amount        int    `json:"amount"`
}

type CreditSnapshot struct {
	Credits      int   `json:"credits"`
	TodayEarned  int   `json:"todayEarned"`
	LastEarnedAt int64 `json:"lastEarnedAt"`
	LastResetAt  int64 `json:"lastResetAt"`
	RefillArmed  bool  `json:"refillArmed"`
	LastRefillAt int64 `json:"lastRefillAt"`
}

type CreditLedger struct {
	store Store
	codec *TokenCodec
	cfg   *Config
	clock Clock
}

func NewCreditLedger(store Store, codec *TokenCodec, cfg *Config, clock Clock) *CreditLedger {
	return &CreditLedger{store: store, codec: codec, cfg: cfg, clock: clock}
}

// dayKeyMs buckets a timestamp to start-of-day in the service timezone.
func dayKeyMs(t time.Time, loc *time.Location) int64 {
	local := t.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return midnight.UnixMilli()
}

// Redeem consumes a token exactly once and grants credit inside a single
// transaction. The granted amount is truncated at the daily cap rather than
// rejected outright, so the final grant of the day may be partial.
func (l *CreditLedger) Redeem(ctx context.Context, token string, reqCtx RequestContext) (int, error) {
	payload, err := l.codec.Verify(token)
	if err != nil {
		return 0, ledgerErr(KindBadRequest)
	}

	if contextFullyAbsent(reqCtx) {
		// Soft check stays soft: an all-empty context is worth watching
		// but not worth blocking a client behind an aggressive proxy.
		recordTelemetryWithCooldown(ctx, l.store, l.clock, payload.Identity, "redeem_context_absent", map[string]interface{}{
			"actionContext": payload.ActionContext,
		}, 2*time.Minute)
	}

	now := l.clock.Now()
	granted := 0
	err = l.store.RunTransaction(ctx, func(tx Tx) error {
		var nonce ActionNonce
		if err := tx.Get(collectionNonces, token, &nonce); err != nil {
			if err == errDocMissing {
				return ledgerErr(KindNonceNotFound)
			}
			return err
		}
		if nonce.Status != NonceStatusIssued {
			return ledgerErr(KindNonceConsumed)
		}
		if nonceContextMismatch(&nonce, reqCtx) {
			return ledgerErr(KindContextMismatch)
		}

		counter, err := l.loadCounter(tx, payload.Identity, now)
		if err != nil {
			return err
		}

		if counter.TodayEarned >= l.cfg.DailyCap {
			return ledgerErr(KindDailyCap)
		}
		if counter.LastEarnedAt > 0 {
			elapsed := now.UnixMilli() - counter.LastEarnedAt
			if elapsed < l.cfg.Cooldown.Milliseconds() {
				return cooldownErr(l.cfg.Cooldown.Milliseconds() - elapsed)
			}
		}

		willEarn := l.cfg.RewardAmount
		if remaining := l.cfg.DailyCap - counter.TodayEarned; willEarn > remaining {
			willEarn = remaining
		}

		nonce.Status = NonceStatusRedeemed
		if err := tx.Set(collectionNonces, token, nonce); err != nil {
			return err
		}

		counter.TodayEarned += willEarn
		counter.Credits += willEarn
		if counter.Credits >= l.cfg.DailyCap {
			counter.Credits = l.cfg.DailyCap
			counter.RefillArmed = false
		}
		counter.LastEarnedAt = now.UnixMilli()
		if err := tx.Set(collectionCounters, payload.Identity, counter); err != nil {
			return err
		}

		event := AuditEvent{
			EventID:       uuid.NewString(),
			Ts:            now.UnixMilli(),
			Identity:      payload.Identity,
			ActionContext: payload.ActionContext,
			Token:         token,
			Amount:        willEarn,
		}
		if err := tx.Set(collectionAudit, payload.Identity+"."+event.EventID, event); err != nil {
			return err
		}

		granted = willEarn
		return nil
	})
	if err != nil {
		if le := asLedgerError(err); le != nil {
			return 0, le
		}
		return 0, err
	}
	return granted, nil
}

// Read returns the authoritative snapshot, applying the lazy daily reset
// and any refill steps that have elapsed. Running this on every read keeps
// staleness bounded by client poll frequency without a background job.
func (l *CreditLedger) Read(ctx context.Context, identity string) (*CreditSnapshot, error) {
	now := l.clock.Now()
	var snapshot CreditSnapshot
	err := l.store.RunTransaction(ctx, func(tx Tx) error {
		counter, err := l.loadCounter(tx, identity, now)
		if err != nil {
			return err
		}

		if counter.RefillArmed && counter.LastRefillAt > 0 && counter.Credits < l.cfg.DailyCap {
			interval := l.cfg.RefillInterval.Milliseconds()
			if interval > 0 {
				steps := (now.UnixMilli() - counter.LastRefillAt) / interval
				if steps > 0 {
					counter.Credits += int(steps) * l.cfg.RefillAmount
					counter.LastRefillAt += steps * interval
					if counter.Credits >= l.cfg.DailyCap {
						counter.Credits = l.cfg.DailyCap
						counter.RefillArmed = false
					}
				}
			}
		}

		if err := tx.Set(collectionCounters, identity, counter); err != nil {
			return err
		}
		snapshot = CreditSnapshot(*counter)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// ListAuditEvents returns the identity's redemption history, oldest first.
func (l *CreditLedger) ListAuditEvents(ctx context.Context, identity string, limit int) ([]AuditEvent, error) {
	docs, err := l.store.ListPrefix(ctx, collectionAudit, identity+".", limit)
	if err != nil {
		return nil, err
	}
	events := make([]AuditEvent, 0, len(docs))
	for _, raw := range docs {
		var event AuditEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// loadCounter fetches (or initializes) the counter and applies the lazy
// day-key reset: a new day zeroes TodayEarned and restores the baseline
// allotment before any cap math runs.
func (l *CreditLedger) loadCounter(tx Tx, identity string, now time.Time) (*CreditCounter, error) {
	dayKey := dayKeyMs(now, l.cfg.Timezone)

	var counter CreditCounter
	err := tx.Get(collectionCounters, identity, &counter)
	if err == errDocMissing {
		counter = CreditCounter{
			Credits:      l.cfg.DailyBaseline,
			TodayEarned:  0,
			LastResetAt:  dayKey,
			RefillArmed:  l.cfg.DailyBaseline < l.cfg.DailyCap,
			LastRefillAt: now.UnixMilli(),
		}
		return &counter, nil
	}
	if err != nil {
		return nil, err
	}

	if counter.LastResetAt != dayKey {
		counter.TodayEarned = 0
		counter.LastResetAt = dayKey
		if counter.Credits < l.cfg.DailyBaseline {
			counter.Credits = l.cfg.DailyBaseline
		}
		if counter.Credits < l.cfg.DailyCap {
			counter.RefillArmed = true
			counter.LastRefillAt = now.UnixMilli()
		}
	}
	return &counter, nil
}
