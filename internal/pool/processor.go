package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ccoin/shieldpool/internal/mempool"
	"github.com/ccoin/shieldpool/internal/metrics"
	"github.com/ccoin/shieldpool/pkg/common"
	"github.com/ccoin/shieldpool/pkg/types"
)

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	// Workers is the number of transactions applied concurrently
	Workers int

	// BatchSize is the number of transactions taken from the mempool per round
	BatchSize int

	// Interval is the pause between rounds when the mempool is empty
	Interval time.Duration
}

// DefaultProcessorConfig returns default processor configuration
func DefaultProcessorConfig() *ProcessorConfig {
	return &ProcessorConfig{
		Workers:   4,
		BatchSize: 64,
		Interval:  200 * time.Millisecond,
	}
}

// Processor drains a mempool into an engine with a fixed pool of workers
type Processor struct {
	engine  *Engine
	mempool *mempool.Mempool
	cfg     ProcessorConfig
	metrics *metrics.Collectors
	logger  *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	applied uint64
	dropped uint64
}

// NewProcessor creates a processor; it does nothing until Start
func NewProcessor(engine *Engine, mp *mempool.Mempool, cfg *ProcessorConfig, m *metrics.Collectors) *Processor {
	if cfg == nil {
		cfg = DefaultProcessorConfig()
	}
	c := *cfg
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = c.Workers
	}
	if c.Interval <= 0 {
		c.Interval = DefaultProcessorConfig().Interval
	}
	return &Processor{
		engine:  engine,
		mempool: mp,
		cfg:     c,
		metrics: m,
		logger:  engine.logger.Named("processor"),
	}
}

// Start runs the processing loop until Stop or ctx is done
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
}

// Stop ends the loop and waits for in-flight transactions
func (p *Processor) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Stats returns how many transactions were applied and dropped
func (p *Processor) Stats() (applied, dropped uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applied, p.dropped
}

func (p *Processor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if p.engine.Halted() {
			p.logger.Error("engine halted, processor stopping")
			return
		}
		if n, _ := p.ProcessOnce(ctx); n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce applies one batch from the mempool. Applied transactions
// and the pending ones they conflict with leave the mempool; rejected ones
// are dropped.
func (p *Processor) ProcessOnce(ctx context.Context) (applied, dropped int) {
	if expired := p.mempool.Expire(); expired > 0 {
		p.logger.Debug("expired pending transactions", zap.Int("count", expired))
	}
	batch := p.mempool.Select(p.cfg.BatchSize)
	if len(batch) == 0 {
		return 0, 0
	}

	var (
		mu       sync.Mutex
		accepted []*types.Transaction
		rejected []types.Hash
	)
	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Workers)
	for _, tx := range batch {
		tx := tx
		g.Go(func() error {
			_, err := p.engine.Apply(ctx, tx)
			if err != nil && (ctx.Err() != nil || common.KindOf(err) == common.KindHalted) {
				// not the transaction's fault; leave it pending
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rejected = append(rejected, tx.ComputeHash())
				p.logger.Debug("dropping transaction", zap.String("kind", tx.Kind.String()), zap.Error(err))
				return nil
			}
			accepted = append(accepted, tx)
			return nil
		})
	}
	_ = g.Wait()

	p.mempool.RemoveConfirmed(accepted)
	for _, hash := range rejected {
		p.mempool.Remove(hash)
	}
	p.metrics.SetMempoolPending(p.mempool.Size())

	p.mu.Lock()
	p.applied += uint64(len(accepted))
	p.dropped += uint64(len(rejected))
	p.mu.Unlock()
	return len(accepted), len(rejected)
}
