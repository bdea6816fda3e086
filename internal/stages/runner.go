package stages

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/lockflow/internal/channel"
	"github.com/rendis/lockflow/internal/collaborators"
	"github.com/rendis/lockflow/internal/engine"
	"github.com/rendis/lockflow/internal/logging"
	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/internal/validation"
	"github.com/rendis/lockflow/pkg/schema"
)

// RunnerConfig tunes channel consumption.
type RunnerConfig struct {
	// Workers bounds concurrent deliveries per subscription.
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	Policy       engine.RetryPolicy
}

// DefaultRunnerConfig returns the configuration used when none is given.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Workers:      4,
		BatchSize:    16,
		PollInterval: 500 * time.Millisecond,
		Policy:       engine.DefaultRetryPolicy(),
	}
}

// Runner consumes the channel and feeds deliveries to the dispatcher. A
// delivery ends in exactly one of: ack after its outcome is published and
// notified, nack with backoff, or an exception event and ack.
type Runner struct {
	ch        channel.Channel
	disp      *Dispatcher
	validator validation.Validator
	notifier  collaborators.Notifier
	store     store.Store
	cfg       RunnerConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewRunner creates a Runner. A nil validator skips contract checks.
func NewRunner(ch channel.Channel, disp *Dispatcher, v validation.Validator, n collaborators.Notifier,
	s store.Store, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultRunnerConfig().PollInterval
	}
	return &Runner{
		ch:        ch,
		disp:      disp,
		validator: v,
		notifier:  n,
		store:     s,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the runner's time source.
func (r *Runner) SetClock(now func() time.Time) { r.now = now }

// Run consumes every dispatched subscription until ctx is cancelled. Each
// subscription gets its own worker pool.
func (r *Runner) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, sub := range r.disp.Subscriptions() {
		wg.Add(1)
		go func(sub string) {
			defer wg.Done()
			r.consume(ctx, sub)
		}(sub)
	}
	r.logger.Info("runner started", slog.Int("subscriptions", len(r.disp.Subscriptions())))
	wg.Wait()
	return nil
}

func (r *Runner) consume(ctx context.Context, sub string) {
	pool := engine.NewWorkerPool(r.cfg.Workers, func(err error) {
		r.logger.Error("delivery processing failed", slog.String("subscription", sub), slog.String("error", err.Error()))
	})
	defer pool.Shutdown()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		max := pool.Available()
		if max > r.cfg.BatchSize {
			max = r.cfg.BatchSize
		}
		if max > 0 {
			deliveries, err := r.ch.Receive(ctx, sub, max)
			if err != nil && ctx.Err() == nil {
				r.logger.Error("receive failed", slog.String("subscription", sub), slog.String("error", err.Error()))
			}
			for _, d := range deliveries {
				d := d
				if err := pool.Submit(ctx, func(ctx context.Context) error { return r.Process(ctx, d) }); err != nil {
					return
				}
			}
			if len(deliveries) == max {
				continue
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Drain processes every visible delivery on every subscription, one at a
// time, until a full pass finds nothing. It returns how many deliveries it
// processed. Deliveries nacked with a delay are left for later.
func (r *Runner) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		round := 0
		for _, sub := range r.disp.Subscriptions() {
			deliveries, err := r.ch.Receive(ctx, sub, r.cfg.BatchSize)
			if err != nil {
				return total, err
			}
			for _, d := range deliveries {
				if err := r.Process(ctx, d); err != nil {
					return total, err
				}
				round++
			}
		}
		total += round
		if round == 0 {
			return total, nil
		}
	}
}

// Process handles one delivery to completion.
func (r *Runner) Process(ctx context.Context, d *channel.Delivery) error {
	msg := d.Message
	ctx = logging.WithMessageID(logging.WithIDs(ctx, msg.LoanLockID, msg.CorrelationID, d.Subscription), msg.ID)

	h, err := r.disp.Handler(d.Subscription, msg.Type)
	if err == nil && r.validator != nil {
		err = r.validator.ValidateMessage(msg)
	}
	var out *Outcome
	if err == nil {
		ctx = logging.WithStage(ctx, h.Name())
		out, err = h.Handle(ctx, msg)
	}
	if err != nil {
		return r.fail(ctx, d, h, err)
	}
	return r.complete(ctx, d, out)
}

func (r *Runner) fail(ctx context.Context, d *channel.Delivery, h Handler, cause error) error {
	if ctx.Err() != nil {
		// Shutting down; the lease runs out and the message comes back.
		return ctx.Err()
	}
	_, isSink := h.(sink)
	if h == nil || isSink || engine.IsRetryableError(cause) {
		return r.retry(ctx, d, cause)
	}

	msg := d.Message
	rec := r.recordFor(ctx, msg)
	msgs, err := failureMessages(msg, rec, h.Name(), cause, r.now())
	if err != nil {
		return r.retry(ctx, d, err)
	}
	logging.LogWith(ctx, r.logger).Warn("stage failed, raising exception",
		slog.String("code", schema.CodeOf(cause)),
		slog.String("class", string(schema.ClassOf(cause))),
		slog.String("error", cause.Error()))
	return r.complete(ctx, d, &Outcome{Publish: msgs})
}

func (r *Runner) retry(ctx context.Context, d *channel.Delivery, cause error) error {
	log := logging.LogWith(ctx, r.logger)
	delay := engine.ComputeBackoff(r.cfg.Policy, d.DeliveryCount)
	err := r.ch.Nack(ctx, d, delay, cause.Error())
	switch {
	case errors.Is(err, channel.ErrDeadLettered):
		log.Error("delivery dead-lettered",
			slog.Int("deliveries", d.DeliveryCount),
			slog.String("error", cause.Error()))
		return nil
	case errors.Is(err, channel.ErrLeaseLost):
		log.Warn("lease lost before nack", slog.Int("deliveries", d.DeliveryCount))
		return nil
	case err != nil:
		return err
	}
	log.Warn("delivery will be retried",
		slog.Int("deliveries", d.DeliveryCount),
		slog.Bool("budget_exhausted", r.cfg.Policy.Exhausted(d.DeliveryCount)),
		slog.Duration("delay", delay),
		slog.String("error", cause.Error()))
	return nil
}

// complete publishes the outcome, sends its notifications and acks. Any
// failure before the ack nacks instead, and the redelivery replays the
// same outcome.
func (r *Runner) complete(ctx context.Context, d *channel.Delivery, out *Outcome) error {
	for _, m := range out.Publish {
		if err := r.ch.Publish(ctx, m); err != nil {
			return r.retry(ctx, d, err)
		}
	}
	for _, n := range out.Notify {
		if r.notifier == nil {
			break
		}
		if err := r.notifier.Send(ctx, n); err != nil {
			return r.retry(ctx, d, err)
		}
	}
	if err := r.ch.Ack(ctx, d); err != nil {
		if errors.Is(err, channel.ErrLeaseLost) {
			logging.LogWith(ctx, r.logger).Warn("lease lost before ack")
			return nil
		}
		return err
	}
	if out.Decision != "" {
		logging.LogWith(ctx, r.logger).Debug("delivery handled",
			slog.String("decision", string(out.Decision)),
			slog.Int("published", len(out.Publish)))
	}
	return nil
}

func (r *Runner) recordFor(ctx context.Context, msg *schema.Message) *store.RateLockRecord {
	if msg.LoanLockID == "" || r.store == nil {
		return nil
	}
	rec, err := r.store.GetRecord(ctx, msg.LoanLockID)
	if err != nil {
		return nil
	}
	return rec
}
