package store

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/aabundler/aabundler/userop"
)

func testRecord(hash byte, submittedAt time.Time) *UserOpRecord {
	return &UserOpRecord{
		Hash: common.Hash{hash},
		Op: &userop.UserOperation{
			Sender:               common.Address{0xaa},
			Nonce:                big.NewInt(int64(hash)),
			CallGasLimit:         big.NewInt(100_000),
			VerificationGasLimit: big.NewInt(100_000),
			PreVerificationGas:   big.NewInt(21_000),
			MaxFeePerGas:         big.NewInt(1_000_000_000),
			MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
		},
		Status:      StatusPending,
		SubmittedAt: submittedAt,
	}
}

func TestUserOpsInsertDuplicate(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryUserOps()
	rec := testRecord(1, time.Now())

	require.NoError(t, repo.Insert(ctx, rec))
	require.ErrorIs(t, repo.Insert(ctx, rec), ErrDuplicate)

	got, err := repo.GetByHash(ctx, rec.Hash)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
}

func TestUserOpsInsertPendingConflict(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryUserOps()

	first := testRecord(1, time.Now())
	require.NoError(t, repo.Insert(ctx, first))

	// Same sender and nonce under a different hash: only one pending row
	// per (sender, nonce) may exist.
	second := testRecord(1, time.Now().Add(time.Second))
	second.Hash = common.Hash{2}
	require.ErrorIs(t, repo.Insert(ctx, second), ErrPendingConflict)

	// Once the incumbent leaves pending the slot frees up.
	require.NoError(t, repo.UpdateStatusByHash(ctx, first.Hash, StatusRemoved))
	require.NoError(t, repo.Insert(ctx, second))
}

func TestUserOpsPendingFIFO(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryUserOps()
	base := time.Now()

	// Insert out of submission order to prove ordering is by SubmittedAt.
	require.NoError(t, repo.Insert(ctx, testRecord(2, base.Add(2*time.Second))))
	require.NoError(t, repo.Insert(ctx, testRecord(1, base.Add(time.Second))))
	require.NoError(t, repo.Insert(ctx, testRecord(3, base.Add(3*time.Second))))

	got, err := repo.PendingOldestFirst(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, common.Hash{1}, got[0].Hash)
	require.Equal(t, common.Hash{2}, got[1].Hash)
	require.Equal(t, common.Hash{3}, got[2].Hash)

	got, err = repo.PendingOldestFirst(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, common.Hash{1}, got[0].Hash)
}

func TestUserOpsStatusTransitions(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryUserOps()
	a := testRecord(1, time.Now())
	b := testRecord(2, time.Now().Add(time.Second))
	require.NoError(t, repo.Insert(ctx, a))
	require.NoError(t, repo.Insert(ctx, b))

	require.NoError(t, repo.AssignBundle(ctx, []common.Hash{a.Hash, b.Hash}, "bundle-1"))

	tx := common.Hash{0xcc}
	require.NoError(t, repo.MarkSubmitted(ctx, "bundle-1", tx))
	got, _ := repo.GetByHash(ctx, a.Hash)
	require.Equal(t, StatusSubmitted, got.Status)
	require.Equal(t, tx, got.TransactionHash)

	require.NoError(t, repo.MarkConfirmed(ctx, "bundle-1", tx, 42))
	got, _ = repo.GetByHash(ctx, b.Hash)
	require.Equal(t, StatusConfirmed, got.Status)
	require.Equal(t, uint64(42), got.BlockNumber)

	n, err := repo.CountPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestUserOpsUpdateStatusByHash(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryUserOps()
	rec := testRecord(1, time.Now())
	require.NoError(t, repo.Insert(ctx, rec))

	require.NoError(t, repo.UpdateStatusByHash(ctx, rec.Hash, StatusRemoved))
	got, _ := repo.GetByHash(ctx, rec.Hash)
	require.Equal(t, StatusRemoved, got.Status)

	require.ErrorIs(t, repo.UpdateStatusByHash(ctx, common.Hash{0xff}, StatusRemoved), ErrNotFound)
}

func TestBundlesLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryBundles()

	rec := &BundleRecord{ID: "bundle-1", Status: StatusPending, SubmittedAt: time.Now()}
	require.NoError(t, repo.Insert(ctx, rec))
	require.ErrorIs(t, repo.Insert(ctx, rec), ErrDuplicate)

	tx := common.Hash{0xdd}
	require.NoError(t, repo.MarkSubmitted(ctx, "bundle-1", tx))
	require.NoError(t, repo.MarkConfirmed(ctx, "bundle-1", tx, 7))

	got, err := repo.Get(ctx, "bundle-1")
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, got.Status)
	require.Equal(t, uint64(7), got.BlockNumber)

	require.NoError(t, repo.MarkFailed(ctx, "bundle-1", "boom"))
	got, _ = repo.Get(ctx, "bundle-1")
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, "boom", got.Error)

	_, err = repo.Get(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStatusTerminal(t *testing.T) {
	require.False(t, StatusPending.Terminal())
	require.False(t, StatusSubmitted.Terminal())
	require.True(t, StatusConfirmed.Terminal())
	require.True(t, StatusFailed.Terminal())
	require.True(t, StatusRemoved.Terminal())
}
