// memory_repo.go implements the repository ports in process memory, mirroring
// the Postgres semantics (unique hash, status transitions, FIFO pending).
// Tests and single-node development runs use these.
package store

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryUserOps is an in-memory UserOpRepository. Safe for concurrent use.
type MemoryUserOps struct {
	mu   sync.Mutex
	rows map[common.Hash]*UserOpRecord
	seq  map[common.Hash]int // insertion order, tiebreak for equal timestamps
	next int
}

var _ UserOpRepository = (*MemoryUserOps)(nil)

// NewMemoryUserOps creates an empty repository.
func NewMemoryUserOps() *MemoryUserOps {
	return &MemoryUserOps{
		rows: make(map[common.Hash]*UserOpRecord),
		seq:  make(map[common.Hash]int),
	}
}

func (r *MemoryUserOps) Insert(_ context.Context, rec *UserOpRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[rec.Hash]; ok {
		return ErrDuplicate
	}
	// Mirror the Postgres partial unique index on pending (sender, nonce).
	if rec.Status == StatusPending {
		for _, row := range r.rows {
			if row.Status != StatusPending || row.Op.Sender != rec.Op.Sender {
				continue
			}
			if row.Op.Nonce != nil && rec.Op.Nonce != nil && row.Op.Nonce.Cmp(rec.Op.Nonce) == 0 {
				return ErrPendingConflict
			}
		}
	}
	cp := *rec
	r.rows[rec.Hash] = &cp
	r.seq[rec.Hash] = r.next
	r.next++
	return nil
}

func (r *MemoryUserOps) GetByHash(_ context.Context, hash common.Hash) (*UserOpRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *MemoryUserOps) PendingBySenderNonce(_ context.Context, sender common.Address, nonce *big.Int) (*UserOpRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *UserOpRecord
	for _, rec := range r.rows {
		if rec.Status != StatusPending || rec.Op.Sender != sender {
			continue
		}
		if rec.Op.Nonce == nil || rec.Op.Nonce.Cmp(nonce) != 0 {
			continue
		}
		if found == nil || rec.SubmittedAt.After(found.SubmittedAt) {
			found = rec
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (r *MemoryUserOps) PendingOldestFirst(_ context.Context, limit int) ([]*UserOpRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pending []*UserOpRecord
	for _, rec := range r.rows {
		if rec.Status == StatusPending {
			pending = append(pending, rec)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].SubmittedAt.Equal(pending[j].SubmittedAt) {
			return pending[i].SubmittedAt.Before(pending[j].SubmittedAt)
		}
		return r.seq[pending[i].Hash] < r.seq[pending[j].Hash]
	})

	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]*UserOpRecord, len(pending))
	for i, rec := range pending {
		cp := *rec
		out[i] = &cp
	}
	return out, nil
}

func (r *MemoryUserOps) UpdateStatusByHash(_ context.Context, hash common.Hash, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[hash]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	return nil
}

func (r *MemoryUserOps) AssignBundle(_ context.Context, hashes []common.Hash, bundleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range hashes {
		if rec, ok := r.rows[h]; ok {
			rec.BundleID = bundleID
		}
	}
	return nil
}

func (r *MemoryUserOps) MarkSubmitted(_ context.Context, bundleID string, txHash common.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.rows {
		if rec.BundleID == bundleID {
			rec.Status = StatusSubmitted
			rec.TransactionHash = txHash
		}
	}
	return nil
}

func (r *MemoryUserOps) MarkConfirmed(_ context.Context, bundleID string, txHash common.Hash, blockNumber uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.rows {
		if rec.BundleID == bundleID {
			rec.Status = StatusConfirmed
			rec.TransactionHash = txHash
			rec.BlockNumber = blockNumber
		}
	}
	return nil
}

func (r *MemoryUserOps) MarkFailed(_ context.Context, bundleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.rows {
		if rec.BundleID == bundleID {
			rec.Status = StatusFailed
		}
	}
	return nil
}

func (r *MemoryUserOps) CountPending(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.rows {
		if rec.Status == StatusPending {
			n++
		}
	}
	return n, nil
}

// MemoryBundles is an in-memory BundleRepository. Safe for concurrent use.
type MemoryBundles struct {
	mu   sync.Mutex
	rows map[string]*BundleRecord
}

var _ BundleRepository = (*MemoryBundles)(nil)

// NewMemoryBundles creates an empty repository.
func NewMemoryBundles() *MemoryBundles {
	return &MemoryBundles{rows: make(map[string]*BundleRecord)}
}

func (r *MemoryBundles) Insert(_ context.Context, rec *BundleRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[rec.ID]; ok {
		return ErrDuplicate
	}
	cp := *rec
	r.rows[rec.ID] = &cp
	return nil
}

func (r *MemoryBundles) Get(_ context.Context, id string) (*BundleRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *MemoryBundles) MarkSubmitted(_ context.Context, id string, txHash common.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = StatusSubmitted
	rec.TransactionHash = txHash
	return nil
}

func (r *MemoryBundles) MarkConfirmed(_ context.Context, id string, txHash common.Hash, blockNumber uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = StatusConfirmed
	rec.TransactionHash = txHash
	rec.BlockNumber = blockNumber
	return nil
}

func (r *MemoryBundles) MarkFailed(_ context.Context, id string, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = StatusFailed
	rec.Error = errMsg
	return nil
}
