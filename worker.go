package qerrors

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itsneelabh/qerrors/core"
	"github.com/itsneelabh/qerrors/telemetry"
)

// analysisItem is one queued analysis. Its context carries the per-item
// deadline, started at admission so queue wait counts against the budget.
type analysisItem struct {
	record *core.ErrorRecord
	ctx    context.Context
	cancel context.CancelFunc
	// result, when non-nil, receives the advice or closes empty.
	result chan *core.Advice
}

// workerPool owns the analysis queue and its consumers. Admission is
// memory-aware: high heap pressure halves the effective capacity, critical
// pressure rejects outright.
type workerPool struct {
	queue    *core.BoundedQueue[*analysisItem]
	wake     chan struct{}
	pipeline *pipeline
	memory   *core.MemoryMonitor
	bus      *telemetry.Bus
	logger   core.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc
	itemTTL    time.Duration

	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
	active atomic.Int64
}

func newWorkerPool(cfg *core.Config, pl *pipeline, memory *core.MemoryMonitor, bus *telemetry.Bus, logger core.Logger) *workerPool {
	baseCtx, cancelBase := context.WithCancel(context.Background())
	p := &workerPool{
		queue:      core.NewBoundedQueue[*analysisItem](cfg.Queue.Limit, 0, false),
		wake:       make(chan struct{}, cfg.Queue.Limit),
		pipeline:   pl,
		memory:     memory,
		bus:        bus,
		logger:     logger,
		baseCtx:    baseCtx,
		cancelBase: cancelBase,
		itemTTL:    cfg.Queue.ItemTimeout,
		done:       make(chan struct{}),
	}
	workers := cfg.Concurrency
	if workers < 1 {
		workers = 1
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// newItem binds a record to its analysis deadline.
func (p *workerPool) newItem(record *core.ErrorRecord, withResult bool) *analysisItem {
	ctx, cancel := context.WithTimeout(p.baseCtx, p.itemTTL)
	item := &analysisItem{record: record, ctx: ctx, cancel: cancel}
	if withResult {
		item.result = make(chan *core.Advice, 1)
	}
	return item
}

// Enqueue admits an item. Rejections carry ErrQueueFull, ErrMemoryPressure
// or ErrShuttingDown; the error never propagates past the capture path.
func (p *workerPool) Enqueue(item *analysisItem) error {
	if p.closed.Load() {
		item.cancel()
		return core.NewError("queue.enqueue", "queue", core.ErrShuttingDown)
	}

	level := p.memory.Level()
	if level >= core.PressureCritical {
		item.cancel()
		p.bus.Publish(telemetry.QueueRejected{Reason: "memory"})
		return &core.Error{
			Op:      "queue.enqueue",
			Kind:    "queue",
			Message: "heap pressure critical",
			Err:     core.ErrMemoryPressure,
		}
	}
	effective := p.queue.Capacity()
	if level >= core.PressureHigh {
		effective /= 2
		if effective < 1 {
			effective = 1
		}
	}
	if p.queue.Len() >= effective || p.queue.Push(item, 0) != nil {
		item.cancel()
		p.bus.Publish(telemetry.QueueRejected{Reason: "capacity"})
		return &core.Error{
			Op:      "queue.enqueue",
			Kind:    "queue",
			Message: "analysis queue at capacity",
			Err:     core.ErrQueueFull,
		}
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
			item, ok := p.queue.Pop()
			if !ok {
				continue
			}
			p.process(item)
		}
	}
}

// process runs one analysis and delivers to the result channel when the
// caller asked for one. A panic stops here: one bad analysis must never
// take a worker down.
func (p *workerPool) process(item *analysisItem) {
	p.active.Add(1)
	defer p.active.Add(-1)
	defer item.cancel()

	delivered := false
	defer func() {
		if r := recover(); r != nil {
			p.bus.Publish(telemetry.PanicRecovered{Op: "worker"})
			p.logger.Error("Recovered panic in analysis worker", map[string]interface{}{
				"operation":   "worker_panic",
				"panic":       fmt.Sprint(r),
				"fingerprint": item.record.Fingerprint(),
				"stack":       string(debug.Stack()),
			})
		}
		if item.result != nil && !delivered {
			close(item.result)
		}
	}()

	advice := p.pipeline.run(item.ctx, item.record)
	if item.result != nil {
		if advice != nil {
			item.result <- advice
		}
		close(item.result)
		delivered = true
	}
}

// Stop closes intake, waits for the queue to drain within ctx, then cancels
// whatever is left. Returns ErrTimeout when items were abandoned.
func (p *workerPool) Stop(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	drained := p.waitIdle(ctx)
	p.cancelBase()
	close(p.done)
	p.wg.Wait()

	abandoned := 0
	for {
		item, ok := p.queue.Pop()
		if !ok {
			break
		}
		item.cancel()
		if item.result != nil {
			close(item.result)
		}
		abandoned++
	}
	if drained && abandoned == 0 {
		return nil
	}
	p.logger.Warn("Shutdown abandoned queued analyses", map[string]interface{}{
		"operation": "queue_shutdown",
		"abandoned": abandoned,
	})
	return &core.Error{
		Op:      "queue.stop",
		Kind:    "queue",
		Message: fmt.Sprintf("abandoned %d queued analyses", abandoned),
		Err:     core.ErrTimeout,
	}
}

// waitIdle polls until nothing is queued or running, or ctx ends.
func (p *workerPool) waitIdle(ctx context.Context) bool {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.queue.Len() == 0 && p.active.Load() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (p *workerPool) Stats() (length, capacity int) {
	return p.queue.Len(), p.queue.Capacity()
}
