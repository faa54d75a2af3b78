package main

import (
	"log"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type syncResult struct {
	seq  int64
	snap ServerSnapshot
}

func main() {
	baseURL := strings.TrimSpace(os.Getenv("API_BASE_URL"))
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	cfg := MirrorConfig{
		DailyCap:       parseEnvInt("CREDIT_DAILY_CAP", 30),
		DailyBaseline:  parseEnvInt("CREDIT_DAILY_BASELINE", 5),
		RewardAmount:   parseEnvInt("CREDIT_REWARD_AMOUNT", 5),
		RefillAmount:   parseEnvInt("CREDIT_REFILL_AMOUNT", 1),
		RefillInterval: time.Duration(parseEnvInt("CREDIT_REFILL_INTERVAL_MS", 600000)) * time.Millisecond,
		Cooldown:       time.Duration(parseEnvInt("CREDIT_COOLDOWN_MS", 60000)) * time.Millisecond,
		Timezone:       time.UTC,
	}

	statePath := strings.TrimSpace(os.Getenv("SIM_STATE_PATH"))
	var balanceStore BalanceStore
	if statePath != "" {
		balanceStore = NewFileBalanceStore(statePath)
	} else {
		balanceStore = NewMemoryBalanceStore()
	}

	api, err := newAPIClient(baseURL)
	if err != nil {
		log.Fatalln("client setup failed:", err)
	}

	clock := systemClock{}
	mirror := NewMirror(cfg, balanceStore, clock)

	results := make(chan syncResult, 8)
	requestSync := func() {
		seq := mirror.BeginSync()
		go func() {
			snap, err := api.FetchCredits()
			if err != nil {
				log.Println("credits sync failed:", err)
				return
			}
			results <- syncResult{seq: seq, snap: snap}
		}()
	}

	gate := NewConsentGate(mirror, requestSync)
	if strings.EqualFold(strings.TrimSpace(os.Getenv("SIM_CONSENT")), "declined") {
		gate.Decline()
	}

	actionEvery := time.Duration(parseEnvInt("SIM_ACTION_INTERVAL_MS", 5000)) * time.Millisecond
	syncEvery := time.Duration(parseEnvInt("SIM_SYNC_INTERVAL_MS", 15000)) * time.Millisecond

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var lastAction, lastSync time.Time
	for {
		select {
		case res := <-results:
			if mirror.ApplySnapshot(res.seq, res.snap) {
				log.Printf("synced: credits=%d todayEarned=%d available=%d",
					res.snap.Credits, res.snap.TodayEarned, mirror.Balance().Available())
			}
		case now := <-ticker.C:
			mirror.Tick()
			if now.Sub(lastSync) >= syncEvery {
				lastSync = now
				requestSync()
			}
			if now.Sub(lastAction) >= actionEvery {
				lastAction = now
				runAction(api, mirror, cfg)
			}
		}
	}
}

// runAction drives one start/complete round trip and applies the outcome
// to the mirror. Spends happen opportunistically about half the time.
func runAction(api *apiClient, mirror *Mirror, cfg MirrorConfig) {
	actionID := "sim-" + uuid.NewString()
	token, err := api.StartAction(actionID)
	if err != nil {
		log.Println("action start failed:", err)
		return
	}

	if granted, err := mirror.Earn(cfg.RewardAmount); err != nil {
		log.Println("local earn denied:", err)
	} else {
		log.Printf("local earn: granted=%d available=%d", granted, mirror.Balance().Available())
	}

	resp, err := api.CompleteAction(token)
	if err != nil {
		log.Println("redeem failed:", err)
		return
	}
	if !resp.OK {
		log.Printf("redeem denied: error=%s msToNext=%d", resp.Error, resp.MsToNext)
		return
	}
	log.Printf("redeemed: granted=%d", resp.GrantedAmount)

	if rand.Intn(2) == 0 && mirror.CanSpend(1) {
		mirror.Spend(1)
		log.Printf("spent 1 locally, available=%d", mirror.Balance().Available())
	}
}

func parseEnvInt(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using %d", name, raw, fallback)
		return fallback
	}
	return value
}
