package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/migadu/roster/config"
	"github.com/migadu/roster/logger"
	"github.com/migadu/roster/pkg/metrics"
)

// Dispatcher turns workflow notices into queued messages.
type Dispatcher struct {
	renderer *Renderer
	outbox   *Outbox
	from     *mail.Address
	now      func() time.Time
	wake     func()
}

// NewDispatcher queues into outbox as from. wake, when set, is called after
// every enqueued notice.
func NewDispatcher(outbox *Outbox, from string, wake func(), now func() time.Time) (*Dispatcher, error) {
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("invalid notify.from %q: %w", from, err)
	}
	r, err := NewRenderer()
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{renderer: r, outbox: outbox, from: addr, now: now, wake: wake}, nil
}

// Send renders and queues a notice. A notice identical to one already in
// the outbox is dropped.
func (d *Dispatcher) Send(ctx context.Context, template, recipient string, subs map[string]string) error {
	rendered, err := d.renderer.Render(template, subs)
	if err != nil {
		metrics.NotificationsQueued.WithLabelValues(template, "failure").Inc()
		return err
	}
	msg, err := Compose(d.from, recipient, rendered, d.now())
	if err != nil {
		metrics.NotificationsQueued.WithLabelValues(template, "failure").Inc()
		return err
	}

	id, queued, err := d.outbox.Enqueue(ctx, DedupKey(template, recipient, subs), template, d.from.Address, recipient, msg)
	if err != nil {
		metrics.NotificationsQueued.WithLabelValues(template, "failure").Inc()
		return err
	}
	if !queued {
		metrics.NotificationsQueued.WithLabelValues(template, "duplicate").Inc()
		logger.Debug("Notify: duplicate notice dropped", "template", template, "to", recipient)
		return nil
	}

	metrics.NotificationsQueued.WithLabelValues(template, "queued").Inc()
	logger.Debug("Notify: notice queued", "id", id, "template", template, "to", recipient)
	if d.wake != nil {
		d.wake()
	}
	return nil
}

// Service bundles the outbox, dispatcher and delivery worker configured
// from [notify].
type Service struct {
	Outbox     *Outbox
	Dispatcher *Dispatcher
	Worker     *Worker
	// Relay is nil when notices are only logged.
	Relay *SMTPRelay
}

func NewService(cfg config.NotifyConfig) (*Service, error) {
	interval, err := cfg.GetWorkerInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid worker_interval: %w", err)
	}
	backoff, err := cfg.GetRetryBackoff()
	if err != nil {
		return nil, fmt.Errorf("invalid retry_backoff: %w", err)
	}

	var relay Relay = LogRelay{}
	var smtpRelay *SMTPRelay
	if cfg.IsRelayConfigured() {
		smtpRelay, err = NewSMTPRelay(cfg)
		if err != nil {
			return nil, err
		}
		relay = smtpRelay
	} else {
		logger.Warn("Notify: no relay_host configured, notices will only be logged")
	}

	outbox, err := OpenOutbox(cfg.OutboxPath, nil)
	if err != nil {
		return nil, err
	}
	worker := NewWorker(outbox, relay, WorkerOptions{
		Interval:    interval,
		BatchSize:   cfg.GetBatchSize(),
		MaxAttempts: cfg.GetMaxAttempts(),
		Backoff:     backoff,
	})
	dispatcher, err := NewDispatcher(outbox, cfg.From, worker.Notify, nil)
	if err != nil {
		outbox.Close()
		return nil, err
	}
	return &Service{Outbox: outbox, Dispatcher: dispatcher, Worker: worker, Relay: smtpRelay}, nil
}

func (s *Service) Start(ctx context.Context) {
	s.Worker.Start(ctx)
}

func (s *Service) Close() error {
	s.Worker.Stop()
	return s.Outbox.Close()
}
