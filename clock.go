package main

import "time"

// Clock abstracts wall-clock reads so reset/cooldown/refill math can be
// driven by a fake clock in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}
