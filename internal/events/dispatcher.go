package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kenneth/segment-key-gateway/internal/apperr"
	"github.com/kenneth/segment-key-gateway/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Dispatcher feeds assets to a fixed pool of workers through a bounded queue.
// Runs are independent; a failed run is logged and not retried.
type Dispatcher struct {
	processor  Processor
	queue      chan Asset
	workers    int
	runTimeout time.Duration
	logger     *logrus.Logger
	metrics    *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher. Call Start before Submit.
func NewDispatcher(p Processor, workers, queueSize int, runTimeout time.Duration, logger *logrus.Logger, m *metrics.Metrics) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Dispatcher{
		processor:  p,
		queue:      make(chan Asset, queueSize),
		workers:    workers,
		runTimeout: runTimeout,
		logger:     logger,
		metrics:    m,
	}
}

// Start launches the workers. They stop when Shutdown is called or ctx ends.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx, i)
	}
}

// Submit validates ev and queues it. A full queue returns an Unavailable error.
func (d *Dispatcher) Submit(ev AssetUploaded) (Asset, error) {
	asset, err := ev.Validate()
	if err != nil {
		return Asset{}, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return Asset{}, apperr.New(apperr.KindUnavailable, "pipeline is shutting down")
	}

	select {
	case d.queue <- asset:
		d.metrics.SetPipelineQueueDepth(len(d.queue))
		d.logger.WithFields(logrus.Fields{
			"content_kind": asset.Content.Kind,
			"content_id":   asset.Content.ID,
			"variant":      asset.Variant,
		}).Info("Queued asset for processing")
		return asset, nil
	default:
		return Asset{}, apperr.New(apperr.KindUnavailable, "pipeline queue is full")
	}
}

// QueueDepth is the number of assets waiting for a worker.
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}

// HealthCheck fails once the queue is full or the dispatcher is shutting down.
func (d *Dispatcher) HealthCheck(context.Context) error {
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return errors.New("pipeline is shutting down")
	}
	if depth := d.QueueDepth(); depth >= cap(d.queue) {
		return fmt.Errorf("pipeline queue full (%d queued)", depth)
	}
	return nil
}

func (d *Dispatcher) work(ctx context.Context, id int) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case asset, ok := <-d.queue:
			if !ok {
				return
			}
			d.metrics.SetPipelineQueueDepth(len(d.queue))
			d.run(ctx, id, asset)
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, worker int, asset Asset) {
	runCtx := ctx
	if d.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.runTimeout)
		defer cancel()
	}

	entry := d.logger.WithFields(logrus.Fields{
		"worker":       worker,
		"content_kind": asset.Content.Kind,
		"content_id":   asset.Content.ID,
		"variant":      asset.Variant,
	})

	defer func() {
		if r := recover(); r != nil {
			entry.WithField("panic", r).Error("Pipeline run panicked")
		}
	}()

	if err := d.processor.Process(runCtx, asset); err != nil {
		entry.WithError(err).Error("Pipeline run failed")
		return
	}
	entry.Info("Pipeline run finished")
}

// Shutdown stops accepting work, lets queued runs drain and waits for the
// workers. If ctx ends first the in-flight runs are cancelled.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		if d.cancel != nil {
			d.cancel()
		}
		<-done
		return ctx.Err()
	}
}
