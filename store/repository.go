// repository.go defines the durable-store records and repository ports.
// Rows are never deleted: removal and failure are status transitions so the
// operation history stays auditable.
package store

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/aabundler/aabundler/userop"
)

// Status is the lifecycle state of a UserOperation or Bundle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusRemoved   Status = "removed"
)

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusRemoved:
		return true
	}
	return false
}

// UserOpRecord is a durable UserOperation row.
type UserOpRecord struct {
	Hash            common.Hash
	Op              *userop.UserOperation
	Status          Status
	BundleID        string // empty until included in a bundle
	TransactionHash common.Hash
	BlockNumber     uint64
	SubmittedAt     time.Time
}

// BundleRecord is a durable Bundle row. UserOperations reference bundles
// one-way through UserOpRecord.BundleID.
type BundleRecord struct {
	ID              string
	Status          Status
	TransactionHash common.Hash
	BlockNumber     uint64
	Error           string
	SubmittedAt     time.Time
}

// UserOpRepository is the relational port for user_operations.
type UserOpRepository interface {
	// Insert stores a new record. Returns ErrDuplicate if a row with the
	// same hash exists.
	Insert(ctx context.Context, rec *UserOpRecord) error

	// GetByHash returns the record for hash, or ErrNotFound.
	GetByHash(ctx context.Context, hash common.Hash) (*UserOpRecord, error)

	// PendingBySenderNonce returns the pending record for (sender, nonce),
	// or ErrNotFound. This is the authoritative conflict check behind the
	// cache's senderNonce index.
	PendingBySenderNonce(ctx context.Context, sender common.Address, nonce *big.Int) (*UserOpRecord, error)

	// PendingOldestFirst returns up to limit pending records in ascending
	// SubmittedAt order (FIFO across senders).
	PendingOldestFirst(ctx context.Context, limit int) ([]*UserOpRecord, error)

	// UpdateStatusByHash transitions the row identified by hash. Rows are
	// addressed by hash, never by a surrogate id.
	UpdateStatusByHash(ctx context.Context, hash common.Hash, status Status) error

	// AssignBundle attaches the given operations to a bundle.
	AssignBundle(ctx context.Context, hashes []common.Hash, bundleID string) error

	// MarkSubmitted transitions all operations of a bundle to submitted.
	MarkSubmitted(ctx context.Context, bundleID string, txHash common.Hash) error

	// MarkConfirmed transitions all operations of a bundle to confirmed.
	MarkConfirmed(ctx context.Context, bundleID string, txHash common.Hash, blockNumber uint64) error

	// MarkFailed transitions all operations of a bundle to failed.
	MarkFailed(ctx context.Context, bundleID string) error

	// CountPending returns the number of pending rows.
	CountPending(ctx context.Context) (int, error)
}

// BundleRepository is the relational port for bundles.
type BundleRepository interface {
	// Insert stores a new bundle row.
	Insert(ctx context.Context, rec *BundleRecord) error

	// Get returns the bundle with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*BundleRecord, error)

	// MarkSubmitted records the submission transaction hash.
	MarkSubmitted(ctx context.Context, id string, txHash common.Hash) error

	// MarkConfirmed records the inclusion block.
	MarkConfirmed(ctx context.Context, id string, txHash common.Hash, blockNumber uint64) error

	// MarkFailed records the failure reason.
	MarkFailed(ctx context.Context, id string, errMsg string) error
}
