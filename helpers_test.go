package main

import (
	"sync"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() *Config {
	return &Config{
		TokenSecret:       []byte("test-token-secret"),
		CookieSecret:      []byte("test-cookie-secret"),
		TokenTTL:          10 * time.Minute,
		RewardAmount:      5,
		DailyCap:          30,
		DailyBaseline:     5,
		Cooldown:          time.Minute,
		RefillInterval:    10 * time.Minute,
		RefillAmount:      1,
		RateLimit:         3,
		RateLimitWindow:   time.Minute,
		ExportLimit:       5,
		ExportLimitWindow: time.Minute,
		Timezone:          time.UTC,
	}
}

// Mid-day start so day-rollover tests control the boundary themselves.
func testStart() time.Time {
	return time.Date(2024, 5, 14, 12, 0, 0, 0, time.UTC)
}
