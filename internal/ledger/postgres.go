package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to serialise
// appends from every erashd instance sharing the database.
const advisoryLockKey = int64(1_159_876_544)

// PostgresStore persists the chain in the erasure_ledger table.
// See migrations/001_erasure_ledger.up.sql for the schema.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

// Append implements Store.
// The tail check and insert run in one transaction under an advisory lock, so
// a block computed against a stale tail is rejected rather than forked.
func (s *PostgresStore) Append(ctx context.Context, b *Block) error {
	payload, err := json.Marshal(b.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	var tailIdx int
	var tailHash string
	err = tx.QueryRow(ctx,
		"SELECT idx, block_hash FROM erasure_ledger ORDER BY idx DESC LIMIT 1",
	).Scan(&tailIdx, &tailHash)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if b.Index != 0 {
			return fmt.Errorf("append block %d to empty ledger", b.Index)
		}
	case err != nil:
		return fmt.Errorf("read ledger tail: %w", err)
	default:
		if b.Index != tailIdx+1 || b.PreviousHash != tailHash {
			return fmt.Errorf("append block %d: stale tail (stored tail is %d)", b.Index, tailIdx)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO erasure_ledger (idx, timestamp, transaction_id, payload, previous_hash, block_hash)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		b.Index, b.Timestamp, b.TransactionID, payload, b.PreviousHash, b.BlockHash,
	); err != nil {
		return fmt.Errorf("insert ledger block: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

// Blocks implements Store. It streams all rows ordered by idx.
func (s *PostgresStore) Blocks(ctx context.Context) ([]*Block, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT idx, timestamp, transaction_id, payload, previous_hash, block_hash
		 FROM erasure_ledger ORDER BY idx ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []*Block
	for rows.Next() {
		b := &Block{}
		var payload []byte
		if err := rows.Scan(
			&b.Index, &b.Timestamp, &b.TransactionID,
			&payload, &b.PreviousHash, &b.BlockHash,
		); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		if err := json.Unmarshal(payload, &b.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of block %d: %w", b.Index, err)
		}
		b.Timestamp = b.Timestamp.UTC()
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Kind implements Store.
func (s *PostgresStore) Kind() string { return "postgres" }

// Close implements Store. The pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }
