package main

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

// TelemetryEvent records abuse signals and denial reasons for operators.
// Events are advisory; failures to record never affect the request.
type TelemetryEvent struct {
	EventID   string                 `json:"eventId"`
	Identity  string                 `json:"identity,omitempty"`
	EventType string                 `json:"eventType"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt int64                  `json:"createdAt"`
}

func recordTelemetry(ctx context.Context, store Store, clock Clock, identity string, eventType string, payload map[string]interface{}) {
	if store == nil || eventType == "" {
		return
	}
	event := TelemetryEvent{
		EventID:   uuid.NewString(),
		Identity:  identity,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: clock.Now().UnixMilli(),
	}
	err := store.RunTransaction(ctx, func(tx Tx) error {
		return tx.Set(collectionTelemetry, identity+"."+eventType+"."+event.EventID, event)
	})
	if err != nil {
		log.Println("telemetry insert failed:", err)
	}
}

// recordTelemetryWithCooldown drops repeats of the same (identity, event)
// pair inside the cooldown window so hot paths do not flood the store.
func recordTelemetryWithCooldown(ctx context.Context, store Store, clock Clock, identity string, eventType string, payload map[string]interface{}, cooldown time.Duration) {
	if store == nil || eventType == "" {
		return
	}
	markerID := identity + "." + eventType
	now := clock.Now().UnixMilli()

	var skip bool
	err := store.RunTransaction(ctx, func(tx Tx) error {
		var marker struct {
			LastAt int64 `json:"lastAt"`
		}
		if err := tx.Get(collectionTelemetry, "last."+markerID, &marker); err == nil {
			if now-marker.LastAt < cooldown.Milliseconds() {
				skip = true
				return nil
			}
		} else if err != errDocMissing {
			return err
		}
		marker.LastAt = now
		return tx.Set(collectionTelemetry, "last."+markerID, marker)
	})
	if err != nil {
		log.Println("telemetry cooldown check failed:", err)
		return
	}
	if skip {
		return
	}
	recordTelemetry(ctx, store, clock, identity, eventType, payload)
}
