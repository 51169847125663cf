// shieldpoold runs a shielded pool node: the engine, its ledger, the
// mempool processor and, when peers are configured, withdrawal consensus.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ccoin/shieldpool/internal/tree"
)

const version = "0.1.0"

// Config holds node configuration
type Config struct {
	// Engine
	Depth       int
	HistorySize int
	Hash        string
	NoProofs    bool
	KeysDir     string

	// Storage
	Store   string
	DataDir string
	PgDSN   string

	// Network
	ListenAddrs []string
	Bootstrap   []string
	Sync        bool

	// Consensus
	Validators []string
	Committee  int
	Quorum     int
	Deadline   time.Duration
	Selection  string

	// Custody
	Treasury        string
	ValidatorPayout string

	// Processing
	Workers int

	// Observability
	MetricsAddr  string
	OTLPEndpoint string
	LogLevel     string
	Development  bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &Config{}

	cmd := &cobra.Command{
		Use:           "shieldpoold",
		Short:         "Shielded pool node",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true

	f := cmd.Flags()

	f.IntVar(&cfg.Depth, "depth", tree.DefaultDepth, "commitment tree depth")
	f.IntVar(&cfg.HistorySize, "history", tree.DefaultHistorySize, "number of recent roots accepted as anchors")
	f.StringVar(&cfg.Hash, "hash", "mimc", "hash family (mimc, poseidon, sha256)")
	f.BoolVar(&cfg.NoProofs, "no-proofs", false, "accept transactions without zero-knowledge proofs (development only)")
	f.StringVar(&cfg.KeysDir, "keys-dir", "", "directory holding circuit keys written by shieldpool-cli setup")

	f.StringVar(&cfg.Store, "store", "leveldb", "ledger backend (memory, leveldb, postgres)")
	f.StringVar(&cfg.DataDir, "data-dir", "./data", "data directory for the leveldb backend")
	f.StringVar(&cfg.PgDSN, "pg-dsn", "", "PostgreSQL connection string for the postgres backend")

	f.StringSliceVar(&cfg.ListenAddrs, "listen", []string{"/ip4/0.0.0.0/tcp/9000"}, "P2P listen addresses; empty runs without networking")
	f.StringSliceVar(&cfg.Bootstrap, "bootstrap", nil, "bootstrap peer multiaddresses")
	f.BoolVar(&cfg.Sync, "sync", false, "copy the ledger from a peer before starting")

	f.StringSliceVar(&cfg.Validators, "validators", nil, "validator peer IDs; withdrawals need consensus when set")
	f.IntVar(&cfg.Committee, "committee", 10, "validators asked per withdrawal")
	f.IntVar(&cfg.Quorum, "quorum", 7, "valid votes that approve a withdrawal")
	f.DurationVar(&cfg.Deadline, "deadline", 30*time.Second, "consensus round deadline")
	f.StringVar(&cfg.Selection, "selection", "reputation", "committee selection (round-robin, reputation)")

	f.StringVar(&cfg.Treasury, "treasury", "", "address receiving the treasury share of fees")
	f.StringVar(&cfg.ValidatorPayout, "validator-payout", "", "address receiving the validator share of fees")

	f.IntVar(&cfg.Workers, "workers", 4, "transactions applied concurrently from the mempool")

	f.StringVar(&cfg.MetricsAddr, "metrics-addr", "127.0.0.1:9101", "Prometheus listen address; empty disables")
	f.StringVar(&cfg.OTLPEndpoint, "otlp-endpoint", "", "OTLP/HTTP trace collector host:port")
	f.StringVar(&cfg.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	f.BoolVar(&cfg.Development, "dev", false, "development logging")

	return cmd
}
