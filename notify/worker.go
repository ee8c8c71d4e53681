package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/roster/logger"
	"github.com/migadu/roster/pkg/circuitbreaker"
	"github.com/migadu/roster/pkg/metrics"
)

type WorkerOptions struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	MaxAttempts int
	Backoff     []time.Duration
}

// Worker drains the outbox through a Relay.
type Worker struct {
	outbox   *Outbox
	relay    Relay
	opts     WorkerOptions
	notifyCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

func NewWorker(outbox *Outbox, relay Relay, opts WorkerOptions) *Worker {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	return &Worker{
		outbox:   outbox,
		relay:    relay,
		opts:     opts,
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)
	logger.Info("Notify: worker started", "interval", w.opts.Interval, "batch_size", w.opts.BatchSize, "concurrency", w.opts.Concurrency)
}

func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
	logger.Info("Notify: worker stopped")
}

// Notify wakes the worker without waiting for the next tick.
func (w *Worker) Notify() {
	select {
	case w.notifyCh <- struct{}{}:
	default:
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	w.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.drain(ctx)
		case <-w.notifyCh:
			w.drain(ctx)
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	if _, err := w.ProcessOutbox(ctx); err != nil {
		logger.Error("Notify: failed to process outbox", "error", err)
	}
}

// ProcessOutbox delivers one batch of due notices and returns how many were
// attempted.
func (w *Worker) ProcessOutbox(ctx context.Context) (int, error) {
	if cb := w.breaker(); cb != nil && cb.State() == circuitbreaker.StateOpen {
		logger.Debug("Notify: relay circuit breaker open, postponing batch")
		return 0, nil
	}

	notices, err := w.outbox.AcquireNext(ctx, w.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire notices: %w", err)
	}

	sem := make(chan struct{}, w.opts.Concurrency)
	var wg sync.WaitGroup
	for _, n := range notices {
		sem <- struct{}{}
		wg.Add(1)
		go func(n *Notice) {
			defer wg.Done()
			defer func() { <-sem }()
			w.deliver(ctx, n)
		}(n)
	}
	wg.Wait()

	if st, err := w.outbox.Stats(ctx); err == nil {
		metrics.OutboxPending.Set(float64(st.Pending + st.Processing))
		if len(notices) > 0 {
			logger.Info("Notify: processed notices", "count", len(notices), "pending", st.Pending, "failed", st.Failed)
		}
	}
	return len(notices), nil
}

func (w *Worker) breaker() *circuitbreaker.CircuitBreaker {
	if p, ok := w.relay.(interface {
		CircuitBreaker() *circuitbreaker.CircuitBreaker
	}); ok {
		return p.CircuitBreaker()
	}
	return nil
}

func (w *Worker) deliver(ctx context.Context, n *Notice) {
	start := time.Now()
	err := w.relay.Send(ctx, n.From, n.To, n.Message)
	metrics.NotificationRelayDuration.Observe(time.Since(start).Seconds())

	// Bookkeeping outlives a cancelled worker context.
	bg := context.WithoutCancel(ctx)

	if err == nil {
		metrics.NotificationDeliveries.WithLabelValues("success").Inc()
		if err := w.outbox.MarkSuccess(bg, n.ID); err != nil {
			logger.Error("Notify: failed to mark notice delivered", "id", n.ID, "error", err)
		}
		return
	}

	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) || errors.Is(err, context.Canceled) {
		if err := w.outbox.Release(bg, n.ID); err != nil {
			logger.Error("Notify: failed to release notice", "id", n.ID, "error", err)
		}
		return
	}

	if IsPermanentError(err) {
		logger.Warn("Notify: permanent delivery failure", "id", n.ID, "template", n.Template, "to", n.To, "error", err)
		metrics.NotificationDeliveries.WithLabelValues("failed").Inc()
		if err := w.outbox.MarkPermanentFailure(bg, n.ID, err.Error()); err != nil {
			logger.Error("Notify: failed to mark notice failed", "id", n.ID, "error", err)
		}
		return
	}

	gaveUp, markErr := w.outbox.MarkFailure(bg, n.ID, err.Error(), w.opts.MaxAttempts, w.opts.Backoff)
	if markErr != nil {
		logger.Error("Notify: failed to record delivery failure", "id", n.ID, "error", markErr)
		return
	}
	if gaveUp {
		logger.Warn("Notify: giving up on notice", "id", n.ID, "template", n.Template, "to", n.To, "attempts", n.Attempts+1, "error", err)
		metrics.NotificationDeliveries.WithLabelValues("failed").Inc()
		return
	}
	logger.Info("Notify: delivery failed, will retry", "id", n.ID, "attempt", n.Attempts+1, "error", err)
	metrics.NotificationDeliveries.WithLabelValues("retry").Inc()
}
