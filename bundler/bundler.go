// Package bundler runs the periodic loop that drains pending UserOperations
// into handleOps transactions. A distributed lock in the KV store keeps
// concurrent bundler instances from double-submitting; the lock TTL bounds
// how long a crashed holder can stall the others.
package bundler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/aabundler/aabundler/config"
	"github.com/aabundler/aabundler/entrypoint"
	"github.com/aabundler/aabundler/log"
	"github.com/aabundler/aabundler/mempool"
	"github.com/aabundler/aabundler/metrics"
	"github.com/aabundler/aabundler/store"
	"github.com/aabundler/aabundler/userop"
)

// lockKey is the shared bundle lock.
const lockKey = "bundle:lock"

// sweepEvery is how many ticks pass between cache sweeps.
const sweepEvery = 12

// maxErrorLen caps stored failure messages.
const maxErrorLen = 255

// opOverheadGas is the fixed per-operation overhead counted toward the
// bundle gas cap and the transaction gas limit.
const opOverheadGas = 21_000

// ErrBundleReverted means the bundle transaction was mined but reverted.
var ErrBundleReverted = errors.New("bundler: bundle transaction reverted")

// Submitter is the slice of the EntryPoint adapter the loop drives.
type Submitter interface {
	HandleOps(ctx context.Context, ops []*userop.UserOperation, beneficiary common.Address, ov entrypoint.TxOverrides) (*types.Transaction, error)
	WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SuggestFees(ctx context.Context) (feeCap, tipCap *big.Int, err error)
}

// Status is a point-in-time snapshot for eth_bundler_getStatus and health
// checks.
type Status struct {
	IsRunning      bool
	MempoolSize    int
	LastBundleID   string
	LastBundleTime time.Time
	LastTickTime   time.Time
}

// Bundler owns the bundling loop.
type Bundler struct {
	cfg     config.BundlerConfig
	pool    *mempool.Mempool
	ep      Submitter
	userOps store.UserOpRepository
	bundles store.BundleRepository
	kv      store.KV
	metrics *metrics.Metrics
	lg      *log.Logger

	instanceID string
	now        func() time.Time

	mu             sync.Mutex
	running        bool
	lastBundleID   string
	lastBundleTime time.Time
	lastTickTime   time.Time
}

// New creates a bundler loop. It does not start ticking until Run.
func New(cfg config.BundlerConfig, pool *mempool.Mempool, ep Submitter,
	userOps store.UserOpRepository, bundles store.BundleRepository,
	kv store.KV, m *metrics.Metrics, lg *log.Logger) *Bundler {
	return &Bundler{
		cfg:        cfg,
		pool:       pool,
		ep:         ep,
		userOps:    userOps,
		bundles:    bundles,
		kv:         kv,
		metrics:    m,
		lg:         lg.Module("bundler"),
		instanceID: newInstanceID(),
		now:        time.Now,
	}
}

// InstanceID identifies this bundler in the shared lock.
func (b *Bundler) InstanceID() string { return b.instanceID }

// Run ticks until ctx is cancelled. Tick errors are logged, never fatal.
func (b *Bundler) Run(ctx context.Context) error {
	b.setRunning(true)
	defer b.setRunning(false)

	b.lg.Info("bundler loop started", "instance", b.instanceID, "interval", b.cfg.BundleInterval)
	ticker := time.NewTicker(b.cfg.BundleInterval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			b.lg.Info("bundler loop stopped", "instance", b.instanceID)
			return ctx.Err()
		case <-ticker.C:
			if err := b.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				b.lg.Error("bundle tick failed", "err", err)
			}
			ticks++
			if ticks%sweepEvery == 0 {
				if _, err := b.pool.Sweep(ctx); err != nil {
					b.lg.Warn("cache sweep failed", "err", err)
				}
			}
		}
	}
}

// Tick attempts one bundling pass: acquire the lock, select operations,
// submit, and wait for the receipt. Holding no work or losing the lock is
// not an error.
func (b *Bundler) Tick(ctx context.Context) error {
	b.mu.Lock()
	b.lastTickTime = b.now()
	b.mu.Unlock()

	acquired, err := b.kv.SetNX(ctx, lockKey, b.instanceID, b.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("bundler: acquire lock: %w", err)
	}
	if !acquired {
		b.lg.Debug("bundle lock held elsewhere")
		return nil
	}
	defer b.releaseLock()

	selected, totalGas, err := b.selectOps(ctx)
	if err != nil {
		return err
	}
	if len(selected) == 0 {
		return nil
	}
	// An in-flight bundle survives process shutdown: the submission context
	// only expires on TxTimeout, so a confirming transaction is awaited and
	// recorded instead of being marked failed by the cancellation.
	return b.submitBundle(context.WithoutCancel(ctx), selected, totalGas)
}

// Status reports the loop state and current mempool size.
func (b *Bundler) Status(ctx context.Context) Status {
	size, err := b.pool.Size(ctx)
	if err != nil {
		size = -1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		IsRunning:      b.running,
		MempoolSize:    size,
		LastBundleID:   b.lastBundleID,
		LastBundleTime: b.lastBundleTime,
		LastTickTime:   b.lastTickTime,
	}
}

// selectOps takes pending operations FIFO until the count or gas cap is
// reached. An operation that alone exceeds the gas cap can never be bundled
// and is dropped.
func (b *Bundler) selectOps(ctx context.Context) ([]*store.UserOpRecord, uint64, error) {
	pending, err := b.pool.Pending(ctx, int(b.cfg.MaxOpsPerBundle))
	if err != nil {
		return nil, 0, fmt.Errorf("bundler: load pending: %w", err)
	}

	var (
		selected []*store.UserOpRecord
		total    uint64
	)
	for _, rec := range pending {
		g := opGas(rec.Op)
		if g > b.cfg.MaxBundleGas {
			b.lg.Warn("userop exceeds bundle gas cap, dropping", "hash", rec.Hash, "gas", g)
			if err := b.pool.Remove(ctx, rec.Hash); err != nil {
				b.lg.Warn("drop oversized userop", "hash", rec.Hash, "err", err)
			}
			continue
		}
		if total+g > b.cfg.MaxBundleGas {
			break
		}
		selected = append(selected, rec)
		total += g
	}
	return selected, total, nil
}

func (b *Bundler) submitBundle(ctx context.Context, selected []*store.UserOpRecord, totalGas uint64) error {
	start := b.now()
	bundleID := newBundleID()
	lg := b.lg.With("bundle", bundleID, "ops", len(selected))

	if err := b.bundles.Insert(ctx, &store.BundleRecord{
		ID:          bundleID,
		Status:      store.StatusPending,
		SubmittedAt: start,
	}); err != nil {
		return fmt.Errorf("bundler: insert bundle: %w", err)
	}
	hashes := make([]common.Hash, len(selected))
	ops := make([]*userop.UserOperation, len(selected))
	for i, rec := range selected {
		hashes[i] = rec.Hash
		ops[i] = rec.Op
	}
	if err := b.userOps.AssignBundle(ctx, hashes, bundleID); err != nil {
		return fmt.Errorf("bundler: assign bundle: %w", err)
	}

	txCtx, cancel := context.WithTimeout(ctx, b.cfg.TxTimeout)
	defer cancel()

	feeCap, tipCap, err := b.ep.SuggestFees(txCtx)
	if err != nil {
		b.failBundle(ctx, bundleID, selected, err)
		return err
	}
	ov := entrypoint.TxOverrides{
		MaxFeePerGas:         bump(feeCap, b.cfg.FeeBumpPercent),
		MaxPriorityFeePerGas: bump(tipCap, b.cfg.FeeBumpPercent),
		GasLimit:             txGasLimit(totalGas, b.cfg.GasBufferPercent),
	}

	tx, err := b.ep.HandleOps(txCtx, ops, b.cfg.Beneficiary, ov)
	if err != nil {
		b.failBundle(ctx, bundleID, selected, err)
		return fmt.Errorf("bundler: handleOps: %w", err)
	}
	if err := b.bundles.MarkSubmitted(ctx, bundleID, tx.Hash()); err != nil {
		lg.Error("mark bundle submitted", "err", err)
	}
	if err := b.userOps.MarkSubmitted(ctx, bundleID, tx.Hash()); err != nil {
		lg.Error("mark userops submitted", "err", err)
	}
	b.metrics.BundlesSubmitted.Inc()
	lg.Info("bundle submitted", "tx", tx.Hash(), "gas", ov.GasLimit)

	receipt, err := b.ep.WaitMined(txCtx, tx.Hash())
	if err != nil {
		b.failBundle(ctx, bundleID, selected, err)
		return fmt.Errorf("bundler: wait mined: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		b.failBundle(ctx, bundleID, selected, ErrBundleReverted)
		return ErrBundleReverted
	}

	block := receipt.BlockNumber.Uint64()
	if err := b.bundles.MarkConfirmed(ctx, bundleID, tx.Hash(), block); err != nil {
		lg.Error("mark bundle confirmed", "err", err)
	}
	if err := b.userOps.MarkConfirmed(ctx, bundleID, tx.Hash(), block); err != nil {
		lg.Error("mark userops confirmed", "err", err)
	}
	for _, rec := range selected {
		b.pool.EvictCache(ctx, rec)
	}
	b.metrics.BundlesConfirmed.Inc()
	b.metrics.BundleSeconds.Observe(b.now().Sub(start).Seconds())

	b.mu.Lock()
	b.lastBundleID = bundleID
	b.lastBundleTime = b.now()
	b.mu.Unlock()

	lg.Info("bundle confirmed", "tx", tx.Hash(), "block", block)
	return nil
}

// failBundle records the failure on the bundle and its operations and evicts
// them from the cache. Failed operations do not retry; clients resubmit.
func (b *Bundler) failBundle(ctx context.Context, bundleID string, selected []*store.UserOpRecord, cause error) {
	msg := truncate(cause.Error(), maxErrorLen)
	if err := b.bundles.MarkFailed(ctx, bundleID, msg); err != nil {
		b.lg.Error("mark bundle failed", "bundle", bundleID, "err", err)
	}
	if err := b.userOps.MarkFailed(ctx, bundleID); err != nil {
		b.lg.Error("mark userops failed", "bundle", bundleID, "err", err)
	}
	for _, rec := range selected {
		b.pool.EvictCache(ctx, rec)
	}
	b.metrics.BundlesFailed.Inc()
	b.lg.Error("bundle failed", "bundle", bundleID, "err", cause)
}

// releaseLock deletes the lock only if this instance still holds it, so an
// expired-and-reacquired lock is never stolen back.
func (b *Bundler) releaseLock() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := b.kv.DelIfEqual(ctx, lockKey, b.instanceID); err != nil {
		b.lg.Warn("release bundle lock", "err", err)
	}
}

func (b *Bundler) setRunning(v bool) {
	b.mu.Lock()
	b.running = v
	b.mu.Unlock()
	if v {
		b.metrics.BundlerRunning.Set(1)
	} else {
		b.metrics.BundlerRunning.Set(0)
	}
}

// opGas is the gas an operation contributes to the bundle cap: its
// verification and call limits plus the fixed per-operation overhead.
func opGas(op *userop.UserOperation) uint64 {
	total := uint64(opOverheadGas)
	for _, v := range []*big.Int{op.VerificationGasLimit, op.CallGasLimit} {
		if v != nil {
			total += v.Uint64()
		}
	}
	return total
}

// txGasLimit pads the summed operation gas with the configured buffer.
func txGasLimit(totalGas uint64, bufferPercent int) uint64 {
	return totalGas * (100 + uint64(bufferPercent)) / 100
}

// bump returns v increased by pct percent, integer math, without mutating v.
func bump(v *big.Int, pct int) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(int64(100+pct)))
	return out.Div(out, big.NewInt(100))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func newBundleID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("bundle-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf[:])
}

func newInstanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "bundler"
	}
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return host + "-" + hex.EncodeToString(buf[:])
}
