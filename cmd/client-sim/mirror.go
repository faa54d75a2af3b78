package main

import (
	"errors"
	"log"
	"time"
)

var (
	errMirrorCooldown = errors.New("COOLDOWN")
	errMirrorDailyCap = errors.New("DAILY_CAP")
)

type MirrorConfig struct {
	DailyCap       int
	DailyBaseline  int
	RewardAmount   int
	RefillAmount   int
	RefillInterval time.Duration
	Cooldown       time.Duration
	Timezone       *time.Location
}

// ClientBalance is the locally persisted optimistic balance. Credits mirrors
// the server ledger; SpentToday is the local-only spend layered on top of
// it and never leaves the client.
type ClientBalance struct {
	Credits      int   `json:"credits"`
	SpentToday   int   `json:"spentToday"`
	TodayEarned  int   `json:"todayEarned"`
	LastEarnedAt int64 `json:"lastEarnedAt"`
	LastResetAt  int64 `json:"lastResetAt"`
	RefillArmed  bool  `json:"refillArmed"`
	LastRefillAt int64 `json:"lastRefillAt"`
}

func (b ClientBalance) Available() int {
	available := b.Credits - b.SpentToday
	if available < 0 {
		available = 0
	}
	return available
}

// ServerSnapshot is the authoritative read the mirror reconciles against.
type ServerSnapshot struct {
	Credits      int
	TodayEarned  int
	LastEarnedAt int64
	LastResetAt  int64
	LastRefillAt int64
	RefillArmed  bool
}

// Mirror predicts steady-state server values between syncs. All mutations
// run on one logical thread (the caller's tick loop); there is no internal
// locking.
type Mirror struct {
	cfg   MirrorConfig
	clock Clock
	store BalanceStore

	state     ClientBalance
	consented bool

	// Sync responses are tagged so a slow read arriving after a newer one
	// cannot roll the state backwards.
	nextSeq        int64
	lastAppliedSeq int64
}

func NewMirror(cfg MirrorConfig, store BalanceStore, clock Clock) *Mirror {
	m := &Mirror{cfg: cfg, clock: clock, store: store, consented: true}

	state, found, err := store.Load()
	if err != nil {
		log.Println("mirror load failed, starting fresh:", err)
		found = false
	}
	if found {
		m.state = state
		m.rolloverIfNeeded()
	} else {
		m.resetToBaseline()
	}
	return m
}

func (m *Mirror) Balance() ClientBalance {
	return m.state
}

func (m *Mirror) CanSpend(amount int) bool {
	return amount > 0 && m.state.Available() >= amount
}

// Spend is local-only; the server ledger never sees spends.
func (m *Mirror) Spend(amount int) bool {
	m.rolloverIfNeeded()
	if !m.CanSpend(amount) {
		return false
	}
	m.state.SpentToday += amount
	m.persist()
	return true
}

// Earn applies the server's cooldown and cap rules locally so the UI can
// answer immediately; the next sync reconciles any drift.
func (m *Mirror) Earn(amount int) (int, error) {
	m.rolloverIfNeeded()
	now := m.clock.Now().UnixMilli()

	if m.state.TodayEarned >= m.cfg.DailyCap {
		return 0, errMirrorDailyCap
	}
	if m.state.LastEarnedAt > 0 && now-m.state.LastEarnedAt < m.cfg.Cooldown.Milliseconds() {
		return 0, errMirrorCooldown
	}

	granted := amount
	if remaining := m.cfg.DailyCap - m.state.TodayEarned; granted > remaining {
		granted = remaining
	}
	m.state.TodayEarned += granted
	m.state.Credits += granted
	if m.state.Credits >= m.cfg.DailyCap {
		m.state.Credits = m.cfg.DailyCap
		m.state.RefillArmed = false
	}
	m.state.LastEarnedAt = now
	m.persist()
	return granted, nil
}

// Tick advances time-driven projections: day rollover and the refill
// estimate. Called from the single periodic timer.
func (m *Mirror) Tick() {
	m.rolloverIfNeeded()
	if !m.consented {
		return
	}
	if !m.state.RefillArmed || m.state.LastRefillAt <= 0 || m.state.Credits >= m.cfg.DailyCap {
		return
	}
	interval := m.cfg.RefillInterval.Milliseconds()
	if interval <= 0 {
		return
	}
	steps := (m.clock.Now().UnixMilli() - m.state.LastRefillAt) / interval
	if steps <= 0 {
		return
	}
	m.state.Credits += int(steps) * m.cfg.RefillAmount
	m.state.LastRefillAt += steps * interval
	if m.state.Credits >= m.cfg.DailyCap {
		m.state.Credits = m.cfg.DailyCap
		m.state.RefillArmed = false
	}
	m.persist()
}

// BeginSync tags an outbound server read.
func (m *Mirror) BeginSync() int64 {
	m.nextSeq++
	return m.nextSeq
}

// ApplySnapshot reconciles a server response. Stale responses (an older
// sync arriving after a newer one was applied) are discarded.
func (m *Mirror) ApplySnapshot(seq int64, snap ServerSnapshot) bool {
	if seq <= m.lastAppliedSeq {
		return false
	}
	m.lastAppliedSeq = seq

	m.state.Credits = snap.Credits
	m.state.TodayEarned = snap.TodayEarned
	m.state.LastEarnedAt = snap.LastEarnedAt
	m.state.LastResetAt = snap.LastResetAt
	m.state.LastRefillAt = snap.LastRefillAt
	if m.consented {
		m.state.RefillArmed = snap.RefillArmed
	}
	m.rolloverIfNeeded()
	m.persist()
	return true
}

func (m *Mirror) Consented() bool {
	return m.consented
}

func (m *Mirror) setConsent(consented bool) {
	m.consented = consented
}

// zeroTodayEarned drops today's earned credit without touching spend.
func (m *Mirror) zeroTodayEarned() {
	if m.state.Credits > m.state.TodayEarned {
		m.state.Credits -= m.state.TodayEarned
	} else {
		m.state.Credits = 0
	}
	m.state.TodayEarned = 0
	m.persist()
}

func (m *Mirror) disarmRefill() {
	m.state.RefillArmed = false
	m.persist()
}

// armRefill starts a fresh refill window from now.
func (m *Mirror) armRefill() {
	if m.state.Credits >= m.cfg.DailyCap {
		return
	}
	m.state.RefillArmed = true
	m.state.LastRefillAt = m.clock.Now().UnixMilli()
	m.persist()
}

// rolloverIfNeeded applies the day-key reset locally, so the UI never shows
// a stale previous-day balance even before a server sync completes.
func (m *Mirror) rolloverIfNeeded() {
	dayKey := dayKeyMs(m.clock.Now(), m.cfg.Timezone)
	if m.state.LastResetAt == dayKey {
		return
	}
	m.state.TodayEarned = 0
	m.state.SpentToday = 0
	m.state.LastResetAt = dayKey
	if m.state.Credits < m.cfg.DailyBaseline {
		m.state.Credits = m.cfg.DailyBaseline
	}
	if m.consented && m.state.Credits < m.cfg.DailyCap {
		m.state.RefillArmed = true
		m.state.LastRefillAt = m.clock.Now().UnixMilli()
	}
	m.persist()
}

func (m *Mirror) resetToBaseline() {
	m.state = ClientBalance{
		Credits:     m.cfg.DailyBaseline,
		LastResetAt: dayKeyMs(m.clock.Now(), m.cfg.Timezone),
	}
	if m.consented && m.state.Credits < m.cfg.DailyCap {
		m.state.RefillArmed = true
		m.state.LastRefillAt = m.clock.Now().UnixMilli()
	}
	m.persist()
}

func (m *Mirror) persist() {
	if err := m.store.Save(m.state); err != nil {
		log.Println("mirror persist failed:", err)
	}
}

func dayKeyMs(t time.Time, loc *time.Location) int64 {
	local := t.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return midnight.UnixMilli()
}
