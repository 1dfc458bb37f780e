// checks.go holds the bundler's concrete subsystem probes.
package health

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/aabundler/aabundler/bundler"
)

// Pinger is anything with a connectivity probe. The Postgres store and the
// KV port both satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseCheck probes the durable store.
func DatabaseCheck(db Pinger) Checker {
	return NewCheck("database", db.Ping)
}

// CacheCheck probes the KV cache.
func CacheCheck(kv Pinger) Checker {
	return NewCheck("cache", kv.Ping)
}

// ChainReader exposes the configured chain and what the node reports.
type ChainReader interface {
	ChainID() *big.Int
	NodeChainID(ctx context.Context) (*big.Int, error)
}

// ChainCheck verifies the execution node serves the configured chain. A
// mismatched node would produce unprocessable bundles, so it is unhealthy.
func ChainCheck(ep ChainReader) Checker {
	return NewCheck("chain", func(ctx context.Context) error {
		nodeID, err := ep.NodeChainID(ctx)
		if err != nil {
			return fmt.Errorf("node unreachable: %w", err)
		}
		if want := ep.ChainID(); nodeID.Cmp(want) != 0 {
			return fmt.Errorf("chain id mismatch: node %s, configured %s", nodeID, want)
		}
		return nil
	})
}

// BalanceReader exposes the signing account's chain balance.
type BalanceReader interface {
	SignerBalance(ctx context.Context) (*big.Int, error)
}

// SignerBalanceCheck degrades the service when the bundler's signing
// account drops below min. Bundles keep flowing until the balance actually
// runs out, so this is a warning, not an outage.
func SignerBalanceCheck(ep BalanceReader, min *big.Int) Checker {
	return NewCheck("signer", func(ctx context.Context) error {
		balance, err := ep.SignerBalance(ctx)
		if err != nil {
			return fmt.Errorf("balance lookup: %w", err)
		}
		if min != nil && min.Sign() > 0 && balance.Cmp(min) < 0 {
			return Degradedf("signer balance %s below minimum %s", balance, min)
		}
		return nil
	})
}

// StatusReporter exposes the bundler loop snapshot.
type StatusReporter interface {
	Status(ctx context.Context) bundler.Status
}

// BundlerCheck reports on the bundling loop. A stopped loop is unhealthy; a
// loop that has not ticked within maxTickAge is degraded.
func BundlerCheck(b StatusReporter, maxTickAge time.Duration) Checker {
	return NewCheck("bundler", func(ctx context.Context) error {
		st := b.Status(ctx)
		if !st.IsRunning {
			return fmt.Errorf("bundler loop not running")
		}
		if !st.LastTickTime.IsZero() && time.Since(st.LastTickTime) > maxTickAge {
			return Degradedf("last tick %s ago", time.Since(st.LastTickTime).Round(time.Second))
		}
		return nil
	})
}
