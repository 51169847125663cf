package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ccoin/shieldpool/internal/consensus"
	"github.com/ccoin/shieldpool/internal/custody"
	"github.com/ccoin/shieldpool/internal/hashing"
	"github.com/ccoin/shieldpool/internal/logging"
	"github.com/ccoin/shieldpool/internal/mempool"
	"github.com/ccoin/shieldpool/internal/metrics"
	"github.com/ccoin/shieldpool/internal/p2p"
	"github.com/ccoin/shieldpool/internal/pool"
	"github.com/ccoin/shieldpool/internal/storage"
	"github.com/ccoin/shieldpool/internal/telemetry"
	"github.com/ccoin/shieldpool/internal/tree"
	"github.com/ccoin/shieldpool/internal/zkp"
	"github.com/ccoin/shieldpool/pkg/types"
)

func run(ctx context.Context, cfg *Config) error {
	logger, err := logging.New(cfg.LogLevel, cfg.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger.Info("starting shieldpoold", zap.String("version", version))

	shutdownTracing, err := telemetry.Setup(ctx, &telemetry.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    true,
		ServiceName: "shieldpoold",
		SampleRatio: 1,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracing(sctx)
	}()

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	engineCfg, err := engineConfig(cfg)
	if err != nil {
		return err
	}

	store, nodes, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	deps := pool.Deps{
		Store:   store,
		Nodes:   nodes,
		Custody: custody.NewVault(),
		Metrics: m,
		Logger:  logger,
	}
	if !cfg.NoProofs {
		gate, err := loadGate(cfg, logger)
		if err != nil {
			return err
		}
		deps.Verifier = gate
	}

	var node *p2p.Node
	if len(cfg.ListenAddrs) > 0 {
		node, err = p2p.NewNode(ctx, &p2p.Config{
			ListenAddrs:    cfg.ListenAddrs,
			BootstrapPeers: cfg.Bootstrap,
			MaxPeers:       50,
			EnableMDNS:     true,
			Logger:         logger,
		})
		if err != nil {
			return err
		}
		defer node.Close()
		logger.Info("p2p node listening", zap.Strings("addrs", node.FullAddrs()))

		syncer := p2p.NewSyncManager(node, store, nil)
		syncer.Serve()
		if cfg.Sync {
			n, err := syncer.SyncFromAny(ctx, nextSeq(ctx, store))
			if err != nil {
				return fmt.Errorf("ledger sync: %w", err)
			}
			logger.Info("ledger synced", zap.Uint64("changesets", n))
		}
	}

	var agg *consensus.Aggregator
	if len(cfg.Validators) > 0 {
		if node == nil {
			return errors.New("consensus needs a p2p listen address")
		}
		agg, err = newAggregator(cfg, node, m, logger)
		if err != nil {
			return err
		}
		defer agg.Close()
		deps.Approver = agg
		engineCfg.RequireConsensus = true
	}

	engine, err := pool.NewEngine(engineCfg, deps)
	if err != nil {
		return err
	}
	if err := engine.Restore(ctx); err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}

	mp := mempool.New(mempool.DefaultConfig())
	proc := pool.NewProcessor(engine, mp, &pool.ProcessorConfig{
		Workers:   cfg.Workers,
		BatchSize: 16 * cfg.Workers,
		Interval:  200 * time.Millisecond,
	}, m)

	if node != nil {
		node.SetTransactionHandler(func(ctx context.Context, tx *types.Transaction) error {
			hash, err := mp.Add(tx)
			if err != nil {
				return err
			}
			return mp.Validate(ctx, hash, engine)
		})
		node.ServeValidator(consensus.NewValidator(node.ValidatorID(), engine, logger))
		if agg != nil {
			node.ServeVotes(agg)
		}
		node.Start()
	}

	proc.Start(ctx)
	defer proc.Stop()

	logger.Info("node started",
		zap.Uint64("seq", engine.Seq()),
		zap.Stringer("root", engine.Root()),
		zap.Bool("consensus", engineCfg.RequireConsensus),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func engineConfig(cfg *Config) (*pool.Config, error) {
	family, err := hashing.ParseFamily(cfg.Hash)
	if err != nil {
		return nil, err
	}
	ec := pool.DefaultConfig()
	ec.Depth = cfg.Depth
	ec.HistorySize = cfg.HistorySize
	ec.Hash = family
	ec.RequireProofs = !cfg.NoProofs

	if cfg.Treasury != "" {
		if ec.Custody.Treasury, err = types.AddressFromHex(cfg.Treasury); err != nil {
			return nil, fmt.Errorf("treasury: %w", err)
		}
	}
	if cfg.ValidatorPayout != "" {
		if ec.Custody.Validators, err = types.AddressFromHex(cfg.ValidatorPayout); err != nil {
			return nil, fmt.Errorf("validator payout: %w", err)
		}
	}
	return ec, ec.Validate()
}

// openStore returns the ledger and, for leveldb, the tree node store
func openStore(ctx context.Context, cfg *Config) (pool.StateStore, tree.NodeStore, func(), error) {
	switch cfg.Store {
	case "memory":
		return pool.NewMemoryStore(), nil, func() {}, nil
	case "leveldb":
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		s, err := storage.OpenLevel(cfg.DataDir)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s, func() { s.Close() }, nil
	case "postgres":
		s, err := storage.ConnectPostgres(ctx, cfg.PgDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, nil, nil, err
		}
		return s, nil, s.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

func loadGate(cfg *Config, logger *zap.Logger) (*zkp.Gate, error) {
	if cfg.KeysDir == "" {
		return nil, errors.New("proofs are required: pass --keys-dir or --no-proofs")
	}
	cm := zkp.NewCircuitManager(zkp.DefaultShapes(cfg.Depth))
	if err := cm.LoadKeys(cfg.KeysDir); err != nil {
		return nil, fmt.Errorf("load circuit keys: %w", err)
	}
	gcfg := zkp.DefaultGateConfig()
	gcfg.Logger = logger
	return zkp.NewGateFromManager(gcfg, cm)
}

func newAggregator(cfg *Config, node *p2p.Node, m *metrics.Collectors, logger *zap.Logger) (*consensus.Aggregator, error) {
	rep := consensus.NewReputation()
	var policy consensus.SelectionPolicy
	switch cfg.Selection {
	case "round-robin":
		policy = &consensus.RoundRobin{}
	case "reputation":
		policy = &consensus.ReputationWeighted{Reputation: rep}
	default:
		return nil, fmt.Errorf("unknown selection policy %q", cfg.Selection)
	}
	return consensus.NewAggregator(&consensus.Config{
		Committee:  cfg.Committee,
		Quorum:     cfg.Quorum,
		Deadline:   cfg.Deadline,
		Validators: cfg.Validators,
		Retain:     1024,
	}, consensus.Options{
		Policy:      policy,
		Broadcaster: node,
		Reputation:  rep,
		Metrics:     m,
		Logger:      logger,
	})
}

// nextSeq returns the first sequence number missing from store
func nextSeq(ctx context.Context, store pool.StateStore) uint64 {
	var last uint64
	store.Load(ctx, func(cs *pool.Changeset) error {
		last = cs.Seq
		return nil
	})
	return last + 1
}
