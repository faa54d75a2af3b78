package main

import (
	"context"
	"encoding/json"
	"errors"
)

var errDocMissing = errors.New("DOC_MISSING")

// Store is the transactional document store the ledger runs on. Addressing
// is collection/doc-id; RunTransaction provides serializable read-modify-
// write semantics across every document touched inside fn. All writes
// commit or none do.
type Store interface {
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error
	Get(ctx context.Context, collection string, id string, out interface{}) error
	ListPrefix(ctx context.Context, collection string, prefix string, limit int) ([]json.RawMessage, error)
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the view inside a transaction. Get takes a write lock on the
// document for the remainder of the transaction.
type Tx interface {
	Get(collection string, id string, out interface{}) error
	Set(collection string, id string, doc interface{}) error
}

const (
	collectionNonces    = "action_nonces"
	collectionCounters  = "credit_counters"
	collectionAudit     = "credit_audit"
	collectionTelemetry = "telemetry"
)
