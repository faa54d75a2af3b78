package main

// ConsentGate couples the tracking consent switch to the mirror's
// time-driven behavior. Declining stops refill accrual and wipes the
// day's earned credit; accepting re-arms refill and forces a server
// resync so the mirror converges instead of trusting its stale estimate.
type ConsentGate struct {
	mirror *Mirror
	resync func()
}

func NewConsentGate(mirror *Mirror, resync func()) *ConsentGate {
	return &ConsentGate{mirror: mirror, resync: resync}
}

func (g *ConsentGate) Decline() {
	if !g.mirror.Consented() {
		return
	}
	g.mirror.setConsent(false)
	g.mirror.zeroTodayEarned()
	g.mirror.disarmRefill()
}

func (g *ConsentGate) Accept() {
	if g.mirror.Consented() {
		return
	}
	g.mirror.setConsent(true)
	g.mirror.armRefill()
	if g.resync != nil {
		g.resync()
	}
}
