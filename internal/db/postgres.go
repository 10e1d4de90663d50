// Package db implements the three-table persistence contract from spec §6
// (addresses, reputation, trs) on top of PostgreSQL, grounded on the
// connection/transaction patterns of the rawblock/coinjoin-engine teacher's
// internal/db/postgres.go.
package db

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/witnet/explorer-trs/pkg/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	log.Println("connected to PostgreSQL for TRS engine")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema creates the three contract tables, plus the
// reconciliation_results table used by internal/reconcile, if they do not
// already exist. Unlike the teacher's file-based migration, the schema here
// is small and fixed enough to inline.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS addresses (
	id      BIGSERIAL PRIMARY KEY,
	address TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS reputation (
	id         BIGSERIAL PRIMARY KEY,
	batch_id   UUID NOT NULL,
	epoch      BIGINT NOT NULL,
	address_id BIGINT NOT NULL REFERENCES addresses(id),
	amount     BIGINT NOT NULL,
	kind       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS reputation_epoch_idx ON reputation(epoch);
CREATE INDEX IF NOT EXISTS reputation_address_idx ON reputation(address_id);

CREATE TABLE IF NOT EXISTS trs (
	epoch       BIGINT PRIMARY KEY,
	address_ids BIGINT[] NOT NULL,
	reputations BIGINT[] NOT NULL
);

CREATE TABLE IF NOT EXISTS reconciliation_results (
	id         BIGSERIAL PRIMARY KEY,
	epoch      BIGINT NOT NULL,
	violation  TEXT,
	checked_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS reconciliation_epoch_idx ON reconciliation_results(epoch);
`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("initializing trs schema: %w", err)
	}
	log.Println("TRS schema initialized")
	return nil
}

// GetPool exposes the connection pool to subsystems that need raw access
// (the reconcile package's result inserts and drift report query).
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}

// ListAddresses satisfies idmap.AddressStore.
func (s *PostgresStore) ListAddresses(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, address FROM addresses`)
	if err != nil {
		return nil, fmt.Errorf("listing addresses: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var id int64
		var addr string
		if err := rows.Scan(&id, &addr); err != nil {
			return nil, fmt.Errorf("scanning address row: %w", err)
		}
		out[addr] = id
	}
	return out, rows.Err()
}

// InsertAddresses satisfies idmap.AddressStore. Unknown addresses are
// inserted idempotently; a concurrent insert of the same address is not an
// error (TRS.insert_addresses tolerates re-insertion).
func (s *PostgresStore) InsertAddresses(ctx context.Context, addresses []string) error {
	if len(addresses) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, addr := range addresses {
		batch.Queue(`INSERT INTO addresses (address) VALUES ($1) ON CONFLICT (address) DO NOTHING`, addr)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range addresses {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("inserting address: %w", err)
		}
	}
	return nil
}

// InsertReputationDeltas satisfies deltajournal.ReputationSink: one batch
// insert per flush, tagged with the batch correlation id.
func (s *PostgresStore) InsertReputationDeltas(ctx context.Context, batchID uuid.UUID, deltas []models.Delta) error {
	if len(deltas) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning reputation delta transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	addrIDs, err := s.resolveAddressIDs(ctx, tx, deltas)
	if err != nil {
		return err
	}

	const insertSQL = `
		INSERT INTO reputation (batch_id, epoch, address_id, amount, kind)
		VALUES ($1, $2, $3, $4, $5)
	`
	batch := &pgx.Batch{}
	for _, d := range deltas {
		batch.Queue(insertSQL, batchID, d.Epoch, addrIDs[d.Identity], d.Amount, string(d.Kind))
	}
	br := tx.SendBatch(ctx, batch)
	for range deltas {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("inserting reputation delta: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("closing reputation delta batch: %w", err)
	}

	return tx.Commit(ctx)
}

// resolveAddressIDs maps the identities referenced by deltas to their
// address_id, inserting any addresses not yet known.
func (s *PostgresStore) resolveAddressIDs(ctx context.Context, tx pgx.Tx, deltas []models.Delta) (map[string]int64, error) {
	seen := make(map[string]struct{}, len(deltas))
	var identities []string
	for _, d := range deltas {
		if _, ok := seen[d.Identity]; ok {
			continue
		}
		seen[d.Identity] = struct{}{}
		identities = append(identities, d.Identity)
	}

	out := make(map[string]int64, len(identities))
	for _, addr := range identities {
		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO addresses (address) VALUES ($1)
			ON CONFLICT (address) DO UPDATE SET address = EXCLUDED.address
			RETURNING id
		`, addr).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("resolving address id for %s: %w", addr, err)
		}
		out[addr] = id
	}
	return out, nil
}

// PersistTRSRow upserts the per-epoch snapshot row (spec §6's `trs` table),
// keyed by epoch so a re-run of the same epoch overwrites cleanly.
func (s *PostgresStore) PersistTRSRow(ctx context.Context, row models.TRSRow) error {
	const sql = `
		INSERT INTO trs (epoch, address_ids, reputations)
		VALUES ($1, $2, $3)
		ON CONFLICT (epoch) DO UPDATE
		SET address_ids = EXCLUDED.address_ids, reputations = EXCLUDED.reputations
	`
	_, err := s.pool.Exec(ctx, sql, row.Epoch, row.AddressIDs, row.Reputations)
	if err != nil {
		return fmt.Errorf("persisting trs row for epoch %d: %w", row.Epoch, err)
	}
	return nil
}

// GetTRS implements the epoch-walk-back read path (spec §4, supplemented
// from TRS.get_trs): if no row exists for the requested epoch, it walks
// backwards to the latest epoch at or before it, since rows are only
// recorded for epochs the engine processed (plus one phantom epoch per gap).
func (s *PostgresStore) GetTRS(ctx context.Context, epoch uint32) (models.TRSRow, bool, error) {
	const sql = `
		SELECT epoch, address_ids, reputations
		FROM trs
		WHERE epoch <= $1
		ORDER BY epoch DESC
		LIMIT 1
	`
	var row models.TRSRow
	err := s.pool.QueryRow(ctx, sql, epoch).Scan(&row.Epoch, &row.AddressIDs, &row.Reputations)
	if err != nil {
		if err == pgx.ErrNoRows {
			return models.TRSRow{}, false, nil
		}
		return models.TRSRow{}, false, fmt.Errorf("reading trs row at or before epoch %d: %w", epoch, err)
	}
	return row, true, nil
}
