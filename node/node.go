// Package node wires the bundler's subsystems together and owns their
// lifecycle: connect, migrate, serve, and shut down in order.
package node

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"

	"github.com/aabundler/aabundler/bundler"
	"github.com/aabundler/aabundler/config"
	"github.com/aabundler/aabundler/entrypoint"
	"github.com/aabundler/aabundler/health"
	"github.com/aabundler/aabundler/log"
	"github.com/aabundler/aabundler/mempool"
	"github.com/aabundler/aabundler/metrics"
	"github.com/aabundler/aabundler/rpc"
	"github.com/aabundler/aabundler/store"
)

// shutdownGrace is how long in-flight HTTP requests get to drain.
const shutdownGrace = 10 * time.Second

// Node is the assembled bundler service.
type Node struct {
	cfg *config.Config
	lg  *log.Logger

	pg      *store.PostgresStore
	kv      *store.RedisKV
	eth     *ethclient.Client
	adapter *entrypoint.Adapter
	pool    *mempool.Mempool
	loop    *bundler.Bundler
	server  *rpc.Server
}

// New connects every dependency and assembles the service. Fails fast on an
// unreachable store or a node serving the wrong chain.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lg := log.New(log.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	log.SetDefault(lg)
	m := metrics.New()

	pg, err := store.NewPostgresStore(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, err
	}

	kv, err := store.NewRedisKV(cfg.Redis.URL)
	if err != nil {
		pg.Close()
		return nil, err
	}
	if err := kv.Ping(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("node: redis unreachable: %w", err)
	}

	eth, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		pg.Close()
		_ = kv.Close()
		return nil, fmt.Errorf("node: dial execution node: %w", err)
	}
	chainID := new(big.Int).SetUint64(cfg.Chain.ChainID)
	nodeID, err := eth.ChainID(ctx)
	if err != nil {
		pg.Close()
		_ = kv.Close()
		return nil, fmt.Errorf("node: query chain id: %w", err)
	}
	if nodeID.Cmp(chainID) != 0 {
		pg.Close()
		_ = kv.Close()
		return nil, fmt.Errorf("node: execution node serves chain %s, configured %s", nodeID, chainID)
	}

	adapter, err := entrypoint.NewAdapter(eth, cfg.Chain.EntryPoint, chainID, cfg.Bundler.PrivateKey, lg)
	if err != nil {
		pg.Close()
		_ = kv.Close()
		return nil, err
	}

	pool := mempool.New(cfg.Mempool, kv, pg.UserOps(), adapter, cfg.Chain.EntryPoint, chainID, m, lg)
	loop := bundler.New(cfg.Bundler, pool, adapter, pg.UserOps(), pg.Bundles(), kv, m, lg)

	api := rpc.NewAPI(pool, adapter, loop, m, lg)
	server := rpc.NewServer(cfg.HTTP, api, rpc.NewRateLimiter(cfg.RateLimit), m, lg)

	registry := health.NewRegistry(lg)
	registry.Register(health.DatabaseCheck(pg))
	registry.Register(health.CacheCheck(kv))
	registry.Register(health.ChainCheck(adapter))
	registry.Register(health.SignerBalanceCheck(adapter, cfg.Bundler.MinSignerBalance))
	registry.Register(health.BundlerCheck(loop, 3*cfg.Bundler.BundleInterval))
	server.Mount("/health", registry.HealthHandler())
	server.Mount("/ready", registry.ReadyHandler())
	server.Mount("/live", registry.LiveHandler())

	lg.Info("node assembled",
		"chain", cfg.Chain.ChainID,
		"entrypoint", cfg.Chain.EntryPoint,
		"signer", adapter.SignerAddress(),
		"beneficiary", cfg.Bundler.Beneficiary)

	return &Node{
		cfg:     cfg,
		lg:      lg.Module("node"),
		pg:      pg,
		kv:      kv,
		eth:     eth,
		adapter: adapter,
		pool:    pool,
		loop:    loop,
		server:  server,
	}, nil
}

// Run serves until ctx is cancelled or a SIGINT/SIGTERM arrives, then shuts
// down in reverse dependency order.
func (n *Node) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.server.Start()
	})
	g.Go(func() error {
		if err := n.loop.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		n.lg.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return n.server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	n.close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	n.lg.Info("shutdown complete")
	return nil
}

func (n *Node) close() {
	n.eth.Close()
	if err := n.kv.Close(); err != nil {
		n.lg.Warn("close redis", "err", err)
	}
	n.pg.Close()
}
