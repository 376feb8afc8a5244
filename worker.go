package questdb

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

// Handler processes one published operation. The handler owns the context
// for the duration of the call and must hand it back before returning,
// either by re-registering interest or by disconnecting it.
type Handler func(d *Dispatcher, operation int32, ctx *ConnContext)

// WorkerPool fans the dispatcher's event channel out to a fixed set of
// goroutines, the consumer half this dispatcher is always paired with.
type WorkerPool struct {
	workers int
	wg      sync.WaitGroup
	running *atomic.Bool
}

func NewWorkerPool(workers int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{
		workers: workers,
		running: atomic.NewBool(false),
	}
}

func (p *WorkerPool) Start(ctx context.Context, d *Dispatcher, handler Handler) {
	p.running.Store(true)
	log.Info().Msgf("starting %d workers", p.workers)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, d, handler)
	}
}

func (p *WorkerPool) work(ctx context.Context, d *Dispatcher, handler Handler) {
	defer p.wg.Done()
	events := d.Events()
	for p.running.Load() {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			handler(d, ev.Operation, ev.Context)
		}
	}
}

// Stop prevents workers from picking up further events and waits for
// in-flight handlers to finish. Workers blocked on an empty channel return
// once their context is cancelled.
func (p *WorkerPool) Stop() {
	p.running.Store(false)
	p.wg.Wait()
}
