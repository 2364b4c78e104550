package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openmu/mucp/pkg/models"
	"github.com/openmu/mucp/pkg/telemetry"
)

// DispatcherConfig configures the outbox dispatcher.
type DispatcherConfig struct {
	// WakeupInterval bounds how long a pending record can wait without a
	// producer signal.
	WakeupInterval time.Duration

	// MaxConcurrentDeliveries caps parallel driver calls per drain pass.
	MaxConcurrentDeliveries int

	// DeliveryTimeout bounds a single driver call.
	DeliveryTimeout time.Duration
}

// DefaultDispatcherConfig returns the built-in dispatcher defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		WakeupInterval:          1 * time.Second,
		MaxConcurrentDeliveries: 4,
		DeliveryTimeout:         5 * time.Second,
	}
}

// Dispatcher drains the outbox: due pending records are flipped to in_flight,
// handed to the channel driver, and resolved per the driver result. Draining
// is event-coalesced — a draining flag prevents reentry and a requested flag
// queues at most one extra pass — with a periodic wakeup for liveness.
type Dispatcher struct {
	store   *Store
	drivers map[string]Driver
	backoff Backoff
	cfg     DispatcherConfig
	metrics *telemetry.Metrics
	logger  *slog.Logger

	notifyCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu        sync.Mutex
	draining  bool
	requested bool

	now func() int64
}

// NewDispatcher creates a dispatcher over the store and channel drivers.
// metrics may be nil.
func NewDispatcher(store *Store, drivers []Driver, cfg DispatcherConfig, metrics *telemetry.Metrics) *Dispatcher {
	byChannel := make(map[string]Driver, len(drivers))
	for _, d := range drivers {
		byChannel[d.Channel()] = d
	}
	return &Dispatcher{
		store:    store,
		drivers:  byChannel,
		backoff:  DefaultBackoff(),
		cfg:      cfg,
		metrics:  metrics,
		logger:   slog.Default().With("component", "outbox-dispatcher"),
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock overrides the millisecond clock. Test hook.
func (d *Dispatcher) SetClock(now func() int64) {
	d.now = now
}

// SetBackoff overrides the retry backoff. Call before Start.
func (d *Dispatcher) SetBackoff(b Backoff) {
	d.backoff = b
}

// Start begins the drain loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
}

// Stop signals the loop to exit and waits for it.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

// Signal requests a drain. Non-blocking; signals coalesce.
func (d *Dispatcher) Signal() {
	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.WakeupInterval)
	defer ticker.Stop()

	d.logger.Info("Dispatcher started", "wakeup_interval", d.cfg.WakeupInterval)
	for {
		select {
		case <-d.stopCh:
			d.logger.Info("Dispatcher shutting down")
			return
		case <-ctx.Done():
			d.logger.Info("Context cancelled, dispatcher shutting down")
			return
		case <-d.notifyCh:
			d.Drain(ctx)
		case <-ticker.C:
			d.Drain(ctx)
		}
	}
}

// Drain runs delivery passes until no more are requested. A concurrent call
// while draining queues at most one extra pass and returns immediately.
func (d *Dispatcher) Drain(ctx context.Context) {
	d.mu.Lock()
	if d.draining {
		d.requested = true
		d.mu.Unlock()
		return
	}
	d.draining = true
	d.mu.Unlock()

	for {
		d.drainPass(ctx)

		d.mu.Lock()
		if !d.requested {
			d.draining = false
			d.mu.Unlock()
			return
		}
		d.requested = false
		d.mu.Unlock()
	}
}

// drainPass delivers every currently due record once.
func (d *Dispatcher) drainPass(ctx context.Context) {
	due := d.store.Due(d.now())
	if len(due) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxConcurrentDeliveries)
	for _, rec := range due {
		rec := rec
		if _, err := d.store.MarkInFlight(rec.OutboxID, d.now()); err != nil {
			d.logger.Error("Failed to mark record in flight", "outbox_id", rec.OutboxID, "error", err)
			continue
		}
		g.Go(func() error {
			d.deliver(gctx, rec)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, rec *models.OutboxRecord) {
	log := d.logger.With("outbox_id", rec.OutboxID, "channel", rec.Envelope.Channel)

	driver, ok := d.drivers[rec.Envelope.Channel]
	if !ok {
		log.Warn("No driver for channel, dead-lettering")
		if _, err := d.store.MarkDeadLetter(rec.OutboxID, DeadLetterReasonUnsupported, d.now()); err != nil {
			log.Error("Failed to dead-letter record", "error", err)
		}
		if d.metrics != nil {
			d.metrics.OutboxDeadLetterTotal.Inc()
		}
		return
	}

	deliverCtx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	defer cancel()
	result := driver.Deliver(deliverCtx, rec)

	switch result.Status {
	case StatusDelivered:
		if _, err := d.store.MarkDelivered(rec.OutboxID, d.now()); err != nil {
			log.Error("Failed to mark record delivered", "error", err)
			return
		}
		if d.metrics != nil {
			d.metrics.OutboxDeliveredTotal.Inc()
		}
		log.Info("Delivered", "attempt", rec.AttemptCount+1)

	case StatusRetry:
		delayMS := result.RetryDelayMS
		if delayMS <= 0 {
			delayMS = d.backoff.DelayMS(rec.AttemptCount + 1)
		}
		updated, err := d.store.MarkRetry(rec.OutboxID, result.Error, d.now()+delayMS, d.now())
		if err != nil {
			log.Error("Failed to mark record for retry", "error", err)
			return
		}
		if updated.State == models.OutboxStateDeadLetter {
			if d.metrics != nil {
				d.metrics.OutboxDeadLetterTotal.Inc()
			}
			log.Warn("Attempts exhausted, dead-lettered",
				"attempt_count", updated.AttemptCount,
				"last_error", result.Error)
			return
		}
		if d.metrics != nil {
			d.metrics.OutboxRetriesTotal.Inc()
		}
		log.Info("Retry scheduled",
			"attempt_count", updated.AttemptCount,
			"next_attempt_at_ms", updated.NextAttemptAtMS,
			"error", result.Error)
	}
}
