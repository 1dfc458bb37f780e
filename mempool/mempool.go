// Package mempool holds pending UserOperations between admission and
// bundling. The durable store is authoritative; the KV cache is a TTL'd
// index for hot lookups and sender/nonce conflict detection. On divergence
// the cache entry is treated as stale and repaired on the next write.
package mempool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/aabundler/aabundler/config"
	"github.com/aabundler/aabundler/entrypoint"
	"github.com/aabundler/aabundler/log"
	"github.com/aabundler/aabundler/metrics"
	"github.com/aabundler/aabundler/store"
	"github.com/aabundler/aabundler/userop"
)

var (
	// ErrFull means the mempool is at capacity and the operation does not
	// replace an incumbent.
	ErrFull = errors.New("mempool: mempool full")
	// ErrReplacementUnderpriced means an operation conflicts on (sender,
	// nonce) without paying the required fee bump over the incumbent.
	ErrReplacementUnderpriced = errors.New("mempool: replacement underpriced")
	// ErrValidationFailed means EntryPoint simulation rejected the operation.
	ErrValidationFailed = errors.New("mempool: validation failed")
	// ErrAlreadyIncluded means the operation was seen before and has left the
	// pending state.
	ErrAlreadyIncluded = errors.New("mempool: operation already processed")
)

// indexKey is the sorted set of pending hashes scored by admission time.
const indexKey = "mempool:index"

// Simulator validates an operation against the EntryPoint before admission.
type Simulator interface {
	SimulateValidation(ctx context.Context, op *userop.UserOperation) (*entrypoint.ValidationResult, error)
}

// Mempool admits, replaces, and serves pending UserOperations.
type Mempool struct {
	cfg        config.MempoolConfig
	kv         store.KV
	ops        store.UserOpRepository
	sim        Simulator
	entryPoint common.Address
	chainID    *big.Int
	metrics    *metrics.Metrics
	lg         *log.Logger
	now        func() time.Time
}

// New creates a mempool over the given stores.
func New(cfg config.MempoolConfig, kv store.KV, ops store.UserOpRepository, sim Simulator,
	entryPoint common.Address, chainID *big.Int, m *metrics.Metrics, lg *log.Logger) *Mempool {
	return &Mempool{
		cfg:        cfg,
		kv:         kv,
		ops:        ops,
		sim:        sim,
		entryPoint: entryPoint,
		chainID:    new(big.Int).Set(chainID),
		metrics:    m,
		lg:         lg.Module("mempool"),
		now:        time.Now,
	}
}

// EntryPoint returns the address operations are validated against.
func (m *Mempool) EntryPoint() common.Address { return m.entryPoint }

// Admit validates op, resolves (sender, nonce) conflicts, persists it, and
// caches it. Resubmitting a still-pending operation is idempotent and
// returns the same hash.
func (m *Mempool) Admit(ctx context.Context, op *userop.UserOperation) (common.Hash, error) {
	start := m.now()

	if err := op.Validate(); err != nil {
		m.reject("invalid")
		return common.Hash{}, err
	}
	hash := userop.Hash(op, m.entryPoint, m.chainID)

	if existing, err := m.ops.GetByHash(ctx, hash); err == nil {
		if existing.Status == store.StatusPending {
			return hash, nil
		}
		m.reject("duplicate")
		return common.Hash{}, fmt.Errorf("%w: %s is %s", ErrAlreadyIncluded, hash, existing.Status)
	} else if !errors.Is(err, store.ErrNotFound) {
		return common.Hash{}, err
	}

	replaced, err := m.resolveConflict(ctx, op)
	if err != nil {
		return common.Hash{}, err
	}

	if !replaced {
		size, err := m.Size(ctx)
		if err != nil {
			return common.Hash{}, err
		}
		if size >= m.cfg.MaxSize {
			m.reject("full")
			return common.Hash{}, ErrFull
		}
	}

	if _, err := m.sim.SimulateValidation(ctx, op); err != nil {
		m.reject("validation")
		return common.Hash{}, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	rec := &store.UserOpRecord{
		Hash:        hash,
		Op:          op,
		Status:      store.StatusPending,
		SubmittedAt: m.now(),
	}
	for {
		err := m.ops.Insert(ctx, rec)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrDuplicate) {
			// Lost a race against an identical concurrent admit.
			return hash, nil
		}
		if errors.Is(err, store.ErrPendingConflict) {
			// A concurrent admission took the (sender, nonce) slot between
			// the conflict check and this insert. The winner is the incumbent
			// now; re-run the replacement rule against it.
			won, cErr := m.resolveConflict(ctx, op)
			if cErr != nil {
				return common.Hash{}, cErr
			}
			replaced = replaced || won
			continue
		}
		return common.Hash{}, err
	}
	m.cacheAdmitted(ctx, hash, op)

	if replaced {
		m.metrics.OpsReplaced.Inc()
	}
	m.metrics.OpsAdmitted.Inc()
	m.metrics.AdmissionSeconds.Observe(m.now().Sub(start).Seconds())
	m.refreshSizeGauge(ctx)
	m.lg.Info("userop admitted", "hash", hash, "sender", op.Sender, "nonce", op.Nonce, "replaced", replaced)
	return hash, nil
}

// Get returns the operation by hash, cache-first with durable fallthrough.
func (m *Mempool) Get(ctx context.Context, hash common.Hash) (*userop.UserOperation, error) {
	raw, err := m.kv.Get(ctx, opKey(hash))
	if err == nil {
		var op userop.UserOperation
		if jsonErr := json.Unmarshal([]byte(raw), &op); jsonErr == nil {
			return &op, nil
		}
		m.lg.Warn("corrupt cache entry", "hash", hash)
		_ = m.kv.Del(ctx, opKey(hash))
	}
	rec, err := m.ops.GetByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	return rec.Op, nil
}

// Lookup returns the full durable record for hash, including lifecycle
// status. Reads skip the cache so status is always current.
func (m *Mempool) Lookup(ctx context.Context, hash common.Hash) (*store.UserOpRecord, error) {
	return m.ops.GetByHash(ctx, hash)
}

// Pending returns up to limit pending operations, oldest first.
func (m *Mempool) Pending(ctx context.Context, limit int) ([]*store.UserOpRecord, error) {
	return m.ops.PendingOldestFirst(ctx, limit)
}

// Remove marks the operation removed and evicts its cache entries.
func (m *Mempool) Remove(ctx context.Context, hash common.Hash) error {
	rec, err := m.ops.GetByHash(ctx, hash)
	if err != nil {
		return err
	}
	if rec.Status == store.StatusPending {
		if err := m.ops.UpdateStatusByHash(ctx, hash, store.StatusRemoved); err != nil {
			return err
		}
	}
	m.EvictCache(ctx, rec)
	m.refreshSizeGauge(ctx)
	return nil
}

// Size counts the cached pending operations.
func (m *Mempool) Size(ctx context.Context) (int, error) {
	keys, err := m.kv.Keys(ctx, "mempool:0x*")
	if err != nil {
		// Cache outage. The durable count keeps admission working.
		return m.ops.CountPending(ctx)
	}
	return len(keys), nil
}

// Clear removes every pending operation and purges the cache. Returns the
// number of operations removed.
func (m *Mempool) Clear(ctx context.Context) (int, error) {
	total := 0
	for {
		batch, err := m.ops.PendingOldestFirst(ctx, 256)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			break
		}
		for _, rec := range batch {
			if err := m.ops.UpdateStatusByHash(ctx, rec.Hash, store.StatusRemoved); err != nil {
				return total, err
			}
			m.EvictCache(ctx, rec)
			total++
		}
	}

	// Purge stray cache keys left behind by prior divergence.
	if keys, err := m.kv.Keys(ctx, "mempool:0x*"); err == nil && len(keys) > 0 {
		_ = m.kv.Del(ctx, keys...)
	}
	_ = m.kv.Del(ctx, indexKey)

	m.metrics.MempoolSize.Set(0)
	m.lg.Info("mempool cleared", "removed", total)
	return total, nil
}

// Sweep evicts cache entries whose durable row is missing or terminal, and
// drops index members without a backing cache key. Returns the number of
// entries evicted.
func (m *Mempool) Sweep(ctx context.Context) (int, error) {
	keys, err := m.kv.Keys(ctx, "mempool:0x*")
	if err != nil {
		return 0, err
	}

	evicted := 0
	live := make(map[string]bool, len(keys))
	for _, key := range keys {
		hash := common.HexToHash(strings.TrimPrefix(key, "mempool:"))
		rec, err := m.ops.GetByHash(ctx, hash)
		switch {
		case errors.Is(err, store.ErrNotFound):
			m.evictOrphan(ctx, key, hash)
			evicted++
		case err != nil:
			return evicted, err
		case rec.Status != store.StatusPending:
			m.EvictCache(ctx, rec)
			evicted++
		default:
			live[hash.Hex()] = true
		}
	}

	// The index may hold members whose op key already expired.
	members, err := m.kv.ZRangeByScore(ctx, indexKey, math.Inf(-1), math.Inf(1), -1)
	if err == nil {
		for _, member := range members {
			if !live[common.HexToHash(member).Hex()] {
				_ = m.kv.ZRem(ctx, indexKey, member)
			}
		}
	}

	m.refreshSizeGauge(ctx)
	if evicted > 0 {
		m.lg.Info("cache sweep", "evicted", evicted)
	}
	return evicted, nil
}

// EvictCache drops the record's cache entries. Best effort; the durable
// store stays authoritative either way.
func (m *Mempool) EvictCache(ctx context.Context, rec *store.UserOpRecord) {
	keys := []string{opKey(rec.Hash)}
	if rec.Op != nil && rec.Op.Nonce != nil {
		keys = append(keys, senderNonceKey(rec.Op.Sender, rec.Op.Nonce))
	}
	if err := m.kv.Del(ctx, keys...); err != nil {
		m.lg.Warn("cache eviction failed", "hash", rec.Hash, "err", err)
	}
	if err := m.kv.ZRem(ctx, indexKey, rec.Hash.Hex()); err != nil {
		m.lg.Warn("index eviction failed", "hash", rec.Hash, "err", err)
	}
}

// resolveConflict applies the fee-bump replacement rule when an incumbent
// holds the candidate's (sender, nonce). Reports whether an incumbent was
// removed.
func (m *Mempool) resolveConflict(ctx context.Context, op *userop.UserOperation) (bool, error) {
	incumbent, err := m.lookupIncumbent(ctx, op)
	if err != nil {
		return false, err
	}
	if incumbent == nil {
		return false, nil
	}
	if err := checkReplacement(incumbent.Op, op); err != nil {
		m.reject("underpriced")
		return false, err
	}
	if err := m.Remove(ctx, incumbent.Hash); err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	m.lg.Info("userop replaced", "sender", op.Sender, "nonce", op.Nonce, "old", incumbent.Hash)
	return true, nil
}

// lookupIncumbent finds the pending operation holding (sender, nonce), if
// any. The cache index is consulted first; a stale hit is repaired and the
// durable store decides.
func (m *Mempool) lookupIncumbent(ctx context.Context, op *userop.UserOperation) (*store.UserOpRecord, error) {
	key := senderNonceKey(op.Sender, op.Nonce)
	hashHex, err := m.kv.Get(ctx, key)
	if err == nil {
		hash := common.HexToHash(hashHex)
		rec, err := m.ops.GetByHash(ctx, hash)
		if err == nil && rec.Status == store.StatusPending {
			return rec, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		m.lg.Debug("stale senderNonce entry", "sender", op.Sender, "nonce", op.Nonce)
		_ = m.kv.Del(ctx, key, opKey(hash))
		_ = m.kv.ZRem(ctx, indexKey, hash.Hex())
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	rec, err := m.ops.PendingBySenderNonce(ctx, op.Sender, op.Nonce)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// cacheAdmitted writes the op key, the senderNonce index, and the admission
// index entry. Failures are logged and tolerated.
func (m *Mempool) cacheAdmitted(ctx context.Context, hash common.Hash, op *userop.UserOperation) {
	payload, err := json.Marshal(op)
	if err != nil {
		m.lg.Warn("cache encode failed", "hash", hash, "err", err)
		return
	}
	if err := m.kv.Set(ctx, opKey(hash), string(payload), m.cfg.TTL); err != nil {
		m.lg.Warn("cache write failed", "hash", hash, "err", err)
	}
	if err := m.kv.Set(ctx, senderNonceKey(op.Sender, op.Nonce), hash.Hex(), m.cfg.TTL); err != nil {
		m.lg.Warn("senderNonce write failed", "hash", hash, "err", err)
	}
	if err := m.kv.ZAdd(ctx, indexKey, float64(m.now().Unix()), hash.Hex()); err != nil {
		m.lg.Warn("index write failed", "hash", hash, "err", err)
	}
}

func (m *Mempool) evictOrphan(ctx context.Context, key string, hash common.Hash) {
	// Without a durable row the sender/nonce index can only be recovered
	// from the cached payload itself.
	if raw, err := m.kv.Get(ctx, key); err == nil {
		var op userop.UserOperation
		if json.Unmarshal([]byte(raw), &op) == nil && op.Nonce != nil {
			_ = m.kv.Del(ctx, senderNonceKey(op.Sender, op.Nonce))
		}
	}
	_ = m.kv.Del(ctx, key)
	_ = m.kv.ZRem(ctx, indexKey, hash.Hex())
}

func (m *Mempool) refreshSizeGauge(ctx context.Context) {
	if size, err := m.Size(ctx); err == nil {
		m.metrics.MempoolSize.Set(float64(size))
	}
}

func (m *Mempool) reject(reason string) {
	m.metrics.OpsRejected.WithLabelValues(reason).Inc()
}

// checkReplacement enforces the fee-bump rule: the candidate's priority fee
// must be at least 110% of the incumbent's and its fee cap must not drop.
// All comparisons are integer math.
func checkReplacement(incumbent, candidate *userop.UserOperation) error {
	oldTip, _ := uint256.FromBig(incumbent.MaxPriorityFeePerGas)
	newTip, _ := uint256.FromBig(candidate.MaxPriorityFeePerGas)
	oldCap, _ := uint256.FromBig(incumbent.MaxFeePerGas)
	newCap, _ := uint256.FromBig(candidate.MaxFeePerGas)

	// newTip*10 >= oldTip*11 encodes the 110% threshold without rounding.
	lhs := new(uint256.Int).Mul(newTip, uint256.NewInt(10))
	rhs := new(uint256.Int).Mul(oldTip, uint256.NewInt(11))
	if lhs.Lt(rhs) || newCap.Lt(oldCap) {
		return fmt.Errorf("%w: tip %s cap %s vs incumbent tip %s cap %s",
			ErrReplacementUnderpriced,
			candidate.MaxPriorityFeePerGas, candidate.MaxFeePerGas,
			incumbent.MaxPriorityFeePerGas, incumbent.MaxFeePerGas)
	}
	return nil
}

func opKey(hash common.Hash) string {
	return "mempool:" + hash.Hex()
}

func senderNonceKey(sender common.Address, nonce *big.Int) string {
	return "senderNonce:" + sender.Hex() + ":" + nonce.String()
}

