package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// PostgresStore backs the document store with a single JSONB table.
// Transactions run at serializable isolation and retry on serialization
// conflicts, which gives the at-most-once redemption guarantee even when
// the first write to a document races another instance.
type PostgresStore struct {
	db *sql.DB
}

const txRetryLimit = 3

// Serializes schema setup across instances starting at the same time.
const schemaAdvisoryLockID int64 = 731529408

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db}
	if err := store.ensureSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) ensureSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, schemaAdvisoryLockID); err != nil {
		return err
	}
	defer conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, schemaAdvisoryLockID)

	return s.createSchema(ctx, conn)
}

func (s *PostgresStore) createSchema(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			doc_id TEXT NOT NULL,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (collection, doc_id)
		);
	`)
	if err != nil {
		return err
	}

	_, err = conn.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_documents_created_at
		ON documents (collection, created_at);
	`)
	return err
}

type postgresTx struct {
	tx *sql.Tx
}

func (s *PostgresStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < txRetryLimit; attempt++ {
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isRetryablePQError(err) {
			return err
		}
		lastErr = err
		time.Sleep(time.Duration(attempt+1) * 25 * time.Millisecond)
	}
	return lastErr
}

func (s *PostgresStore) runOnce(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// Serialization failures and unique violations both mean another
// transaction got there first; rerunning re-reads current state.
func isRetryablePQError(err error) bool {
	pqErr, ok := err.(*pq.Error)
	if !ok {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01" || pqErr.Code == "23505"
}

func (t *postgresTx) Get(collection string, id string, out interface{}) error {
	var data []byte
	err := t.tx.QueryRow(`
		SELECT data
		FROM documents
		WHERE collection = $1 AND doc_id = $2
		FOR UPDATE
	`, collection, id).Scan(&data)
	if err == sql.ErrNoRows {
		return errDocMissing
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (t *postgresTx) Set(collection string, id string, doc interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(`
		INSERT INTO documents (collection, doc_id, data, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (collection, doc_id)
		DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()
	`, collection, id, data)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, collection string, id string, out interface{}) error {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data
		FROM documents
		WHERE collection = $1 AND doc_id = $2
	`, collection, id).Scan(&data)
	if err == sql.ErrNoRows {
		return errDocMissing
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (s *PostgresStore) ListPrefix(ctx context.Context, collection string, prefix string, limit int) ([]json.RawMessage, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT data
		FROM documents
		WHERE collection = $1 AND doc_id LIKE $2 || '%'
		ORDER BY created_at ASC
		LIMIT $3
	`, collection, prefix, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := []json.RawMessage{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			continue
		}
		docs = append(docs, json.RawMessage(data))
	}
	return docs, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
