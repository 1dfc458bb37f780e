// postgres.go implements the relational ports on PostgreSQL via pgx. The
// full operation payload is kept as JSONB next to the indexed columns so
// admitted operations survive restarts byte-for-byte.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aabundler/aabundler/userop"
)

const schema = `
CREATE TABLE IF NOT EXISTS user_operations (
	id               BIGSERIAL PRIMARY KEY,
	hash             TEXT        NOT NULL,
	sender           TEXT        NOT NULL,
	nonce            NUMERIC(78) NOT NULL,
	op               JSONB       NOT NULL,
	status           TEXT        NOT NULL,
	bundle_id        TEXT,
	transaction_hash TEXT,
	block_number     BIGINT,
	submitted_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS user_operations_hash_idx ON user_operations (hash);
CREATE UNIQUE INDEX IF NOT EXISTS user_operations_sender_nonce_pending_idx
	ON user_operations (sender, nonce) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS user_operations_sender_idx ON user_operations (sender);
CREATE INDEX IF NOT EXISTS user_operations_status_submitted_idx ON user_operations (status, submitted_at);

CREATE TABLE IF NOT EXISTS bundles (
	id               TEXT        PRIMARY KEY,
	status           TEXT        NOT NULL,
	transaction_hash TEXT,
	block_number     BIGINT,
	error            TEXT,
	submitted_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS bundles_status_submitted_idx ON bundles (status, submitted_at);
CREATE INDEX IF NOT EXISTS bundles_transaction_hash_idx ON bundles (transaction_hash);
`

// PostgresStore owns the pgx connection pool and hands out the repository
// views backed by it.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database addressed by url.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate applies the schema. Idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// UserOps returns the user_operations repository view.
func (s *PostgresStore) UserOps() UserOpRepository {
	return &pgUserOps{pool: s.pool}
}

// Bundles returns the bundles repository view.
func (s *PostgresStore) Bundles() BundleRepository {
	return &pgBundles{pool: s.pool}
}

type pgUserOps struct {
	pool *pgxpool.Pool
}

var _ UserOpRepository = (*pgUserOps)(nil)

func (r *pgUserOps) Insert(ctx context.Context, rec *UserOpRecord) error {
	opJSON, err := json.Marshal(rec.Op)
	if err != nil {
		return fmt.Errorf("store: encode userop: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO user_operations (hash, sender, nonce, op, status, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.Hash.Hex(), rec.Op.Sender.Hex(), rec.Op.Nonce.String(),
		opJSON, string(rec.Status), rec.SubmittedAt,
	)
	// The partial (sender, nonce) index serializes concurrent admissions for
	// the same slot; its violation sends the caller back through the
	// replacement path rather than reporting a resubmit.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if pgErr.ConstraintName == "user_operations_sender_nonce_pending_idx" {
			return ErrPendingConflict
		}
		return ErrDuplicate
	}
	return err
}

func (r *pgUserOps) GetByHash(ctx context.Context, hash common.Hash) (*UserOpRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT hash, op, status, bundle_id, transaction_hash, block_number, submitted_at
		FROM user_operations WHERE hash = $1`,
		hash.Hex(),
	)
	return scanUserOp(row)
}

func (r *pgUserOps) PendingBySenderNonce(ctx context.Context, sender common.Address, nonce *big.Int) (*UserOpRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT hash, op, status, bundle_id, transaction_hash, block_number, submitted_at
		FROM user_operations
		WHERE sender = $1 AND nonce = $2 AND status = $3
		ORDER BY submitted_at DESC
		LIMIT 1`,
		sender.Hex(), nonce.String(), string(StatusPending),
	)
	return scanUserOp(row)
}

func (r *pgUserOps) PendingOldestFirst(ctx context.Context, limit int) ([]*UserOpRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT hash, op, status, bundle_id, transaction_hash, block_number, submitted_at
		FROM user_operations
		WHERE status = $1
		ORDER BY submitted_at ASC, id ASC
		LIMIT $2`,
		string(StatusPending), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*UserOpRecord
	for rows.Next() {
		rec, err := scanUserOp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *pgUserOps) UpdateStatusByHash(ctx context.Context, hash common.Hash, status Status) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE user_operations SET status = $1 WHERE hash = $2`,
		string(status), hash.Hex(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgUserOps) AssignBundle(ctx context.Context, hashes []common.Hash, bundleID string) error {
	hexes := make([]string, len(hashes))
	for i, h := range hashes {
		hexes[i] = h.Hex()
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE user_operations SET bundle_id = $1 WHERE hash = ANY($2)`,
		bundleID, hexes,
	)
	return err
}

func (r *pgUserOps) MarkSubmitted(ctx context.Context, bundleID string, txHash common.Hash) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE user_operations SET status = $1, transaction_hash = $2 WHERE bundle_id = $3`,
		string(StatusSubmitted), txHash.Hex(), bundleID,
	)
	return err
}

func (r *pgUserOps) MarkConfirmed(ctx context.Context, bundleID string, txHash common.Hash, blockNumber uint64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE user_operations SET status = $1, transaction_hash = $2, block_number = $3 WHERE bundle_id = $4`,
		string(StatusConfirmed), txHash.Hex(), int64(blockNumber), bundleID,
	)
	return err
}

func (r *pgUserOps) MarkFailed(ctx context.Context, bundleID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE user_operations SET status = $1 WHERE bundle_id = $2`,
		string(StatusFailed), bundleID,
	)
	return err
}

func (r *pgUserOps) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM user_operations WHERE status = $1`,
		string(StatusPending),
	).Scan(&n)
	return n, err
}

type pgBundles struct {
	pool *pgxpool.Pool
}

var _ BundleRepository = (*pgBundles)(nil)

func (r *pgBundles) Insert(ctx context.Context, rec *BundleRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO bundles (id, status, error, submitted_at)
		VALUES ($1, $2, $3, $4)`,
		rec.ID, string(rec.Status), nullable(rec.Error), rec.SubmittedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *pgBundles) Get(ctx context.Context, id string) (*BundleRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, status, transaction_hash, block_number, error, submitted_at
		FROM bundles WHERE id = $1`,
		id,
	)

	var (
		rec         BundleRecord
		status      string
		txHash      *string
		blockNumber *int64
		errMsg      *string
	)
	err := row.Scan(&rec.ID, &status, &txHash, &blockNumber, &errMsg, &rec.SubmittedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	if txHash != nil {
		rec.TransactionHash = common.HexToHash(*txHash)
	}
	if blockNumber != nil {
		rec.BlockNumber = uint64(*blockNumber)
	}
	if errMsg != nil {
		rec.Error = *errMsg
	}
	return &rec, nil
}

func (r *pgBundles) MarkSubmitted(ctx context.Context, id string, txHash common.Hash) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE bundles SET status = $1, transaction_hash = $2 WHERE id = $3`,
		string(StatusSubmitted), txHash.Hex(), id,
	)
	return err
}

func (r *pgBundles) MarkConfirmed(ctx context.Context, id string, txHash common.Hash, blockNumber uint64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE bundles SET status = $1, transaction_hash = $2, block_number = $3 WHERE id = $4`,
		string(StatusConfirmed), txHash.Hex(), int64(blockNumber), id,
	)
	return err
}

func (r *pgBundles) MarkFailed(ctx context.Context, id string, errMsg string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE bundles SET status = $1, error = $2 WHERE id = $3`,
		string(StatusFailed), errMsg, id,
	)
	return err
}

// scanUserOp reads a user_operations row from either a pgx.Row or pgx.Rows.
func scanUserOp(row pgx.Row) (*UserOpRecord, error) {
	var (
		rec         UserOpRecord
		hashHex     string
		opJSON      []byte
		status      string
		bundleID    *string
		txHash      *string
		blockNumber *int64
		submittedAt time.Time
	)
	err := row.Scan(&hashHex, &opJSON, &status, &bundleID, &txHash, &blockNumber, &submittedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var op userop.UserOperation
	if err := json.Unmarshal(opJSON, &op); err != nil {
		return nil, fmt.Errorf("store: decode userop: %w", err)
	}

	rec.Hash = common.HexToHash(hashHex)
	rec.Op = &op
	rec.Status = Status(status)
	rec.SubmittedAt = submittedAt
	if bundleID != nil {
		rec.BundleID = *bundleID
	}
	if txHash != nil {
		rec.TransactionHash = common.HexToHash(*txHash)
	}
	if blockNumber != nil {
		rec.BlockNumber = uint64(*blockNumber)
	}
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
