package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAid = "0123456789abcdef0123456789abcdef"

type ledgerFixture struct {
	ledger *CreditLedger
	store  *MemoryStore
	codec  *TokenCodec
	clock  *fakeClock
	cfg    *Config
}

func newLedgerFixture(t *testing.T, cfg *Config) *ledgerFixture {
	t.Helper()
	clock := newFakeClock(testStart())
	store := NewMemoryStore()
	codec := NewTokenCodec(cfg.TokenSecret, clock)
	return &ledgerFixture{
		ledger: NewCreditLedger(store, codec, cfg, clock),
		store:  store,
		codec:  codec,
		clock:  clock,
		cfg:    cfg,
	}
}

func (f *ledgerFixture) issueToken(t *testing.T, actionContext string, reqCtx RequestContext) string {
	t.Helper()
	token, err := f.codec.Issue(testAid, actionContext, f.cfg.TokenTTL)
	require.NoError(t, err)
	payload, err := f.codec.Verify(token)
	require.NoError(t, err)
	require.NoError(t, createActionNonce(context.Background(), f.store, token, payload, reqCtx))
	return token
}

func browserContext() RequestContext {
	return RequestContext{
		IP:        "203.0.113.7",
		UserAgent: "Mozilla/5.0",
		Origin:    "https://example.test",
		Referer:   "https://example.test/play",
	}
}

func TestRedeemGrantsReward(t *testing.T) {
	f := newLedgerFixture(t, testConfig())
	token := f.issueToken(t, "dice-roll", browserContext())

	granted, err := f.ledger.Redeem(context.Background(), token, browserContext())
	require.NoError(t, err)
	assert.Equal(t, f.cfg.RewardAmount, granted)

	snapshot, err := f.ledger.Read(context.Background(), testAid)
	require.NoError(t, err)
	assert.Equal(t, f.cfg.DailyBaseline+f.cfg.RewardAmount, snapshot.Credits)
	assert.Equal(t, f.cfg.RewardAmount, snapshot.TodayEarned)
	assert.Equal(t, f.clock.Now().UnixMilli(), snapshot.LastEarnedAt)

	events, err := f.ledger.ListAuditEvents(context.Background(), testAid, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "dice-roll", events[0].ActionContext)
	assert.Equal(t, f.cfg.RewardAmount, events[0].Amount)
	assert.Equal(t, token, events[0].Token)
}

func TestRedeemExactlyOnce(t *testing.T) {
	f := newLedgerFixture(t, testConfig())
	token := f.issueToken(t, "dice-roll", browserContext())

	const attempts = 16
	results := make([]error, attempts)
	grants := make([]int, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			grants[i], results[i] = f.ledger.Redeem(context.Background(), token, browserContext())
		}(i)
	}
	wg.Wait()

	successes := 0
	consumed := 0
	total := 0
	for i := 0; i < attempts; i++ {
		total += grants[i]
		if results[i] == nil {
			successes++
			continue
		}
		le := asLedgerError(results[i])
		require.NotNil(t, le, "unexpected error: %v", results[i])
		assert.Equal(t, KindNonceConsumed, le.Kind)
		consumed++
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, consumed)
	assert.Equal(t, f.cfg.RewardAmount, total, "counter moves by exactly one reward")

	snapshot, err := f.ledger.Read(context.Background(), testAid)
	require.NoError(t, err)
	assert.Equal(t, f.cfg.RewardAmount, snapshot.TodayEarned)
}

func TestDailyCapTruncatesFinalGrant(t *testing.T) {
	cfg := testConfig()
	cfg.RewardAmount = 7
	f := newLedgerFixture(t, cfg)

	earned := 0
	for earned < cfg.DailyCap {
		token := f.issueToken(t, "dice-roll", browserContext())
		granted, err := f.ledger.Redeem(context.Background(), token, browserContext())
		require.NoError(t, err)

		remaining := cfg.DailyCap - earned
		if remaining < cfg.RewardAmount {
			assert.Equal(t, remaining, granted, "crossing grant is truncated, not zeroed")
		} else {
			assert.Equal(t, cfg.RewardAmount, granted)
		}
		earned += granted

		snapshot, err := f.ledger.Read(context.Background(), testAid)
		require.NoError(t, err)
		assert.LessOrEqual(t, snapshot.TodayEarned, cfg.DailyCap)

		f.clock.Advance(cfg.Cooldown)
	}
	assert.Equal(t, cfg.DailyCap, earned)

	token := f.issueToken(t, "dice-roll", browserContext())
	_, err := f.ledger.Redeem(context.Background(), token, browserContext())
	le := asLedgerError(err)
	require.NotNil(t, le)
	assert.Equal(t, KindDailyCap, le.Kind)
}

func TestCooldownEnforcement(t *testing.T) {
	f := newLedgerFixture(t, testConfig())

	token := f.issueToken(t, "dice-roll", browserContext())
	_, err := f.ledger.Redeem(context.Background(), token, browserContext())
	require.NoError(t, err)

	second := f.issueToken(t, "dice-roll", browserContext())
	_, err = f.ledger.Redeem(context.Background(), second, browserContext())
	le := asLedgerError(err)
	require.NotNil(t, le)
	require.Equal(t, KindCooldown, le.Kind)
	require.Greater(t, le.MsToNext, int64(0))
	firstHint := le.MsToNext

	f.clock.Advance(10 * time.Second)
	_, err = f.ledger.Redeem(context.Background(), second, browserContext())
	le = asLedgerError(err)
	require.NotNil(t, le)
	require.Equal(t, KindCooldown, le.Kind)
	assert.Less(t, le.MsToNext, firstHint, "msToNext strictly decreases as time advances")

	f.clock.Advance(f.cfg.Cooldown)
	granted, err := f.ledger.Redeem(context.Background(), second, browserContext())
	require.NoError(t, err)
	assert.Equal(t, f.cfg.RewardAmount, granted)
}

func TestLazyDailyReset(t *testing.T) {
	f := newLedgerFixture(t, testConfig())

	token := f.issueToken(t, "dice-roll", browserContext())
	_, err := f.ledger.Redeem(context.Background(), token, browserContext())
	require.NoError(t, err)

	snapshot, err := f.ledger.Read(context.Background(), testAid)
	require.NoError(t, err)
	require.Equal(t, f.cfg.RewardAmount, snapshot.TodayEarned)
	previousDayKey := snapshot.LastResetAt

	// Cross midnight; no background job runs, the next touch resets.
	f.clock.Advance(13 * time.Hour)
	snapshot, err = f.ledger.Read(context.Background(), testAid)
	require.NoError(t, err)
	assert.Equal(t, 0, snapshot.TodayEarned)
	assert.NotEqual(t, previousDayKey, snapshot.LastResetAt)
	assert.GreaterOrEqual(t, snapshot.Credits, f.cfg.DailyBaseline)
}

func TestContextMismatchSoftCheck(t *testing.T) {
	f := newLedgerFixture(t, testConfig())

	token := f.issueToken(t, "dice-roll", browserContext())
	hijacked := browserContext()
	hijacked.UserAgent = "curl/8.0"
	_, err := f.ledger.Redeem(context.Background(), token, hijacked)
	le := asLedgerError(err)
	require.NotNil(t, le)
	assert.Equal(t, KindContextMismatch, le.Kind)

	// Absent fields never count as disagreement.
	partial := RequestContext{IP: browserContext().IP}
	granted, err := f.ledger.Redeem(context.Background(), token, partial)
	require.NoError(t, err)
	assert.Equal(t, f.cfg.RewardAmount, granted)
}

func TestRedeemUnknownAndInvalidTokens(t *testing.T) {
	f := newLedgerFixture(t, testConfig())

	// Validly signed but never issued: no nonce exists.
	orphan, err := f.codec.Issue(testAid, "dice-roll", f.cfg.TokenTTL)
	require.NoError(t, err)
	_, err = f.ledger.Redeem(context.Background(), orphan, browserContext())
	le := asLedgerError(err)
	require.NotNil(t, le)
	assert.Equal(t, KindNonceNotFound, le.Kind)

	_, err = f.ledger.Redeem(context.Background(), "garbage.token", browserContext())
	le = asLedgerError(err)
	require.NotNil(t, le)
	assert.Equal(t, KindBadRequest, le.Kind)

	expired := f.issueToken(t, "dice-roll", browserContext())
	f.clock.Advance(f.cfg.TokenTTL + time.Millisecond)
	_, err = f.ledger.Redeem(context.Background(), expired, browserContext())
	le = asLedgerError(err)
	require.NotNil(t, le)
	assert.Equal(t, KindBadRequest, le.Kind)
}

func TestRefillArithmetic(t *testing.T) {
	f := newLedgerFixture(t, testConfig())

	snapshot, err := f.ledger.Read(context.Background(), testAid)
	require.NoError(t, err)
	require.Equal(t, f.cfg.DailyBaseline, snapshot.Credits)
	require.True(t, snapshot.RefillArmed)
	armedAt := snapshot.LastRefillAt

	// Elapsed k*X + r applies exactly k steps.
	f.clock.Advance(3*f.cfg.RefillInterval + 4*time.Minute)
	snapshot, err = f.ledger.Read(context.Background(), testAid)
	require.NoError(t, err)
	assert.Equal(t, f.cfg.DailyBaseline+3*f.cfg.RefillAmount, snapshot.Credits)
	assert.Equal(t, armedAt+3*f.cfg.RefillInterval.Milliseconds(), snapshot.LastRefillAt)
	assert.True(t, snapshot.RefillArmed)

	// The residual r carries over into the next step.
	f.clock.Advance(f.cfg.RefillInterval - 4*time.Minute)
	snapshot, err = f.ledger.Read(context.Background(), testAid)
	require.NoError(t, err)
	assert.Equal(t, f.cfg.DailyBaseline+4*f.cfg.RefillAmount, snapshot.Credits)
}

func TestRefillDisarmsAtCap(t *testing.T) {
	cfg := testConfig()
	cfg.DailyCap = 8
	cfg.DailyBaseline = 5
	f := newLedgerFixture(t, cfg)

	_, err := f.ledger.Read(context.Background(), testAid)
	require.NoError(t, err)

	f.clock.Advance(10 * cfg.RefillInterval)
	snapshot, err := f.ledger.Read(context.Background(), testAid)
	require.NoError(t, err)
	assert.Equal(t, cfg.DailyCap, snapshot.Credits, "refill is capped at the daily cap")
	assert.False(t, snapshot.RefillArmed, "refill disarms once the cap is reached")

	// Further reads stay put.
	f.clock.Advance(10 * cfg.RefillInterval)
	snapshot, err = f.ledger.Read(context.Background(), testAid)
	require.NoError(t, err)
	assert.Equal(t, cfg.DailyCap, snapshot.Credits)
}

// The end-to-end timeline: issue at t=0 with a 10 minute ttl, redeem late in
// the window, replay, then trip the cooldown with a fresh token.
func TestRedemptionScenario(t *testing.T) {
	f := newLedgerFixture(t, testConfig())

	token := f.issueToken(t, "dice-roll", browserContext())

	f.clock.Advance(500000 * time.Millisecond)
	granted, err := f.ledger.Redeem(context.Background(), token, browserContext())
	require.NoError(t, err)
	assert.Equal(t, f.cfg.RewardAmount, granted)

	f.clock.Advance(time.Millisecond)
	_, err = f.ledger.Redeem(context.Background(), token, browserContext())
	le := asLedgerError(err)
	require.NotNil(t, le)
	assert.Equal(t, KindNonceConsumed, le.Kind)

	fresh := f.issueToken(t, "dice-roll", browserContext())
	f.clock.Advance(f.cfg.Cooldown - 2*time.Millisecond)
	_, err = f.ledger.Redeem(context.Background(), fresh, browserContext())
	le = asLedgerError(err)
	require.NotNil(t, le)
	assert.Equal(t, KindCooldown, le.Kind)
	assert.Greater(t, le.MsToNext, int64(0))
}

func TestNonceCreateIsIdempotent(t *testing.T) {
	f := newLedgerFixture(t, testConfig())
	ctx := context.Background()

	token := f.issueToken(t, "dice-roll", browserContext())
	payload, err := f.codec.Verify(token)
	require.NoError(t, err)

	// A retried issuance call keeps the original record.
	require.NoError(t, createActionNonce(ctx, f.store, token, payload, RequestContext{UserAgent: "other"}))
	var nonce ActionNonce
	require.NoError(t, f.store.Get(ctx, collectionNonces, token, &nonce))
	assert.Equal(t, browserContext().UserAgent, nonce.UserAgent)

	// A redeemed nonce is never flipped back to issued.
	_, err = f.ledger.Redeem(ctx, token, browserContext())
	require.NoError(t, err)
	require.NoError(t, createActionNonce(ctx, f.store, token, payload, browserContext()))
	require.NoError(t, f.store.Get(ctx, collectionNonces, token, &nonce))
	assert.Equal(t, NonceStatusRedeemed, nonce.Status)
}

func TestDayKeyUsesServiceTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 03:30 UTC is the previous day in New York.
	at := time.Date(2024, 5, 15, 3, 30, 0, 0, time.UTC)
	utcKey := dayKeyMs(at, time.UTC)
	nyKey := dayKeyMs(at, loc)
	assert.NotEqual(t, utcKey, nyKey)
	assert.Equal(t, time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC).UnixMilli(), utcKey)
	assert.Equal(t, time.Date(2024, 5, 14, 0, 0, 0, 0, loc).UnixMilli(), nyKey)
}
