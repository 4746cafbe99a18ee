package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pool fans a fixed set of worker slots out over the queue.
type Pool struct {
	workers      []*Worker
	recyclePause time.Duration
	logger       *zap.Logger
}

// NewPool creates a Pool over the given workers.
func NewPool(workers []*Worker, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		workers:      workers,
		recyclePause: time.Second,
		logger:       logger,
	}
}

// Run starts all slots and blocks until the context finishes and every
// in-flight job has been handed back. A slot that returns while the
// context is still live was recycled under sustained memory pressure and
// is restarted after a short pause.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(wk *Worker) {
			defer wg.Done()
			for {
				wk.Run(ctx)
				if ctx.Err() != nil {
					return
				}
				p.logger.Info("recycling worker slot", zap.String("worker_id", wk.id))
				select {
				case <-ctx.Done():
					return
				case <-time.After(p.recyclePause):
				}
			}
		}(w)
	}
	wg.Wait()
}
