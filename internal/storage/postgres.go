// Package storage implements durable backends for the pool ledger.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ccoin/shieldpool/internal/pool"
	"github.com/ccoin/shieldpool/pkg/types"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDBConnection = errors.New("database connection error")
)

// Schema creates the ledger tables. Nullifiers and commitments are
// indexed copies of the changesets for queries; the changesets alone are
// replayed on restore.
const Schema = `
CREATE TABLE IF NOT EXISTS changesets (
	seq        BIGINT PRIMARY KEY,
	tx_hash    BYTEA NOT NULL UNIQUE,
	kind       SMALLINT NOT NULL,
	root       BYTEA NOT NULL,
	leaf_index BIGINT NOT NULL,
	supply     BYTEA NOT NULL,
	tx         BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS nullifiers (
	nullifier BYTEA PRIMARY KEY,
	seq       BIGINT NOT NULL REFERENCES changesets (seq)
);

CREATE TABLE IF NOT EXISTS commitments (
	leaf_index BIGINT PRIMARY KEY,
	commitment BYTEA NOT NULL,
	seq        BIGINT NOT NULL REFERENCES changesets (seq)
);
`

// PostgresStore implements the pool ledger using PostgreSQL
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
}

// DefaultConfig returns default database configuration
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     5432,
		User:     "shieldpool",
		Password: "",
		Database: "shieldpool",
		SSLMode:  "disable",
		MaxConns: 20,
	}
}

// ConnString returns the pgx connection string for cfg
func (c *Config) ConnString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode, c.MaxConns,
	)
}

// NewPostgresStore connects using cfg
func NewPostgresStore(ctx context.Context, cfg *Config) (*PostgresStore, error) {
	return ConnectPostgres(ctx, cfg.ConnString())
}

// ConnectPostgres connects using a connection string or URL
func ConnectPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	conns, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDBConnection, err)
	}

	// Test connection
	if err := conns.Ping(ctx); err != nil {
		conns.Close()
		return nil, fmt.Errorf("%w: %v", ErrDBConnection, err)
	}

	return &PostgresStore{pool: conns}, nil
}

// Close closes the database connection pool
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates missing tables
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// Commit writes cs and its nullifiers and commitments in one database
// transaction.
func (s *PostgresStore) Commit(ctx context.Context, cs *pool.Changeset) error {
	if cs.Tx == nil {
		return fmt.Errorf("%w: no transaction", pool.ErrMalformedRecord)
	}
	txBytes, err := cs.Tx.MarshalBinary()
	if err != nil {
		return err
	}
	supply, err := cs.Supply.MarshalBinary()
	if err != nil {
		return err
	}

	dbtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer dbtx.Rollback(ctx)

	var last uint64
	if err := dbtx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM changesets`).Scan(&last); err != nil {
		return err
	}
	if cs.Seq != last+1 {
		return fmt.Errorf("%w: got %d, want %d", pool.ErrSequenceGap, cs.Seq, last+1)
	}

	_, err = dbtx.Exec(ctx, `
		INSERT INTO changesets (seq, tx_hash, kind, root, leaf_index, supply, tx)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, cs.Seq, cs.TxHash[:], int16(cs.Tx.Kind), cs.Root[:], cs.LeafIndex, supply, txBytes)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, n := range cs.Tx.Nullifiers {
		batch.Queue(`INSERT INTO nullifiers (nullifier, seq) VALUES ($1, $2)`, n[:], cs.Seq)
	}
	for i, o := range cs.Tx.Outputs {
		batch.Queue(`INSERT INTO commitments (leaf_index, commitment, seq) VALUES ($1, $2, $3)`,
			cs.LeafIndex+uint64(i), o.Commitment[:], cs.Seq)
	}
	if batch.Len() > 0 {
		if err := dbtx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
	}

	return dbtx.Commit(ctx)
}

// Load replays the stored changesets in sequence order
func (s *PostgresStore) Load(ctx context.Context, fn func(*pool.Changeset) error) error {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, tx_hash, root, leaf_index, supply, tx
		FROM changesets ORDER BY seq ASC
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var want uint64 = 1
	for rows.Next() {
		var (
			cs              pool.Changeset
			txHash, root    []byte
			supply, txBytes []byte
		)
		if err := rows.Scan(&cs.Seq, &txHash, &root, &cs.LeafIndex, &supply, &txBytes); err != nil {
			return err
		}
		if cs.Seq != want {
			return fmt.Errorf("%w: got %d, want %d", pool.ErrSequenceGap, cs.Seq, want)
		}
		want++

		copy(cs.TxHash[:], txHash)
		copy(cs.Root[:], root)
		if err := cs.Supply.UnmarshalBinary(supply); err != nil {
			return err
		}
		cs.Tx = new(types.Transaction)
		if err := cs.Tx.UnmarshalBinary(txBytes); err != nil {
			return fmt.Errorf("%w: seq %d: %v", pool.ErrMalformedRecord, cs.Seq, err)
		}
		if err := fn(&cs); err != nil {
			return err
		}
	}
	return rows.Err()
}

// SpentIn returns the sequence number of the transaction that spent n
func (s *PostgresStore) SpentIn(ctx context.Context, n types.Hash) (uint64, error) {
	var seq uint64
	err := s.pool.QueryRow(ctx, `SELECT seq FROM nullifiers WHERE nullifier = $1`, n[:]).Scan(&seq)
	if err == pgx.ErrNoRows {
		return 0, ErrNotFound
	}
	return seq, err
}

// CommitmentAt returns the commitment stored at leaf index i
func (s *PostgresStore) CommitmentAt(ctx context.Context, i uint64) (types.Hash, error) {
	var (
		h  types.Hash
		cm []byte
	)
	err := s.pool.QueryRow(ctx, `SELECT commitment FROM commitments WHERE leaf_index = $1`, i).Scan(&cm)
	if err == pgx.ErrNoRows {
		return h, ErrNotFound
	}
	if err != nil {
		return h, err
	}
	copy(h[:], cm)
	return h, nil
}

// Seq returns the sequence number of the last stored changeset
func (s *PostgresStore) Seq(ctx context.Context) (uint64, error) {
	var seq uint64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM changesets`).Scan(&seq)
	return seq, err
}
