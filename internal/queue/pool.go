package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/driftwatch/internal/metrics"
)

const (
	maxPollBackoff = 30 * time.Second
	finishTimeout  = 10 * time.Second
)

// Pool runs up to Concurrency handlers at a time against a Consumer.
type Pool struct {
	consumer     Consumer
	handler      Handler
	concurrency  int
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewPool creates a worker pool. concurrency below 1 is treated as 1.
func NewPool(consumer Consumer, handler Handler, concurrency int, pollInterval time.Duration, logger *slog.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Pool{
		consumer:     consumer,
		handler:      handler,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		logger:       logger.With("component", "worker_pool"),
	}
}

// Run claims and processes jobs until ctx is cancelled, then waits for
// in-flight handlers to return.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started", "concurrency", p.concurrency)

	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	backoff := p.pollInterval

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("worker pool stopping, waiting for active jobs")
			wg.Wait()
			return nil
		case sem <- struct{}{}:
		}

		d, err := p.consumer.Dequeue(ctx)
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				continue
			}
			p.logger.Error("dequeue failed", "error", err)
			sleep(ctx, backoff)
			if backoff < maxPollBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = p.pollInterval

		if d == nil {
			<-sem
			sleep(ctx, p.pollInterval)
			continue
		}

		wg.Add(1)
		metrics.ActiveJobs.Inc()
		go func(d *Delivery) {
			defer wg.Done()
			defer metrics.ActiveJobs.Dec()
			defer func() { <-sem }()
			p.process(ctx, d)
		}(d)
	}
}

func (p *Pool) process(ctx context.Context, d *Delivery) {
	logger := p.logger.With("job_id", d.ID, "attempt", d.Attempt)

	start := time.Now()
	err := p.safeHandle(ctx, d)
	metrics.JobDuration.Observe(time.Since(start).Seconds())

	// Bookkeeping must land even when the pool is shutting down.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	if err == nil {
		if cerr := p.consumer.Complete(fctx, d); cerr != nil {
			logger.Error("failed to mark job completed", "error", cerr)
			return
		}
		metrics.JobsProcessed.WithLabelValues("completed").Inc()
		logger.Info("job completed", "duration_ms", time.Since(start).Milliseconds())
		return
	}

	// An attempt cut short by shutdown runs again on the next start.
	if ctx.Err() != nil && !errors.Is(err, ErrPermanent) {
		if rerr := p.consumer.Release(fctx, d); rerr != nil {
			logger.Error("failed to release interrupted job", "error", rerr, "cause", err)
			return
		}
		metrics.JobsProcessed.WithLabelValues("released").Inc()
		logger.Info("job interrupted by shutdown, released")
		return
	}

	final, ferr := p.consumer.Fail(fctx, d, err)
	if ferr != nil {
		logger.Error("failed to record job failure", "error", ferr, "cause", err)
		return
	}
	if final {
		metrics.JobsProcessed.WithLabelValues("failed").Inc()
		logger.Error("job failed", "error", err)
		return
	}
	metrics.JobsProcessed.WithLabelValues("retried").Inc()
}

// safeHandle runs the handler and turns a panic into an error so one bad
// job cannot take down the process.
func (p *Pool) safeHandle(ctx context.Context, d *Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in job handler", "job_id", d.ID, "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler(ctx, d)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
