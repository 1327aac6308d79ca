package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/p2p-autotrader/internal/metrics"
	"github.com/Checker-Finance/p2p-autotrader/internal/publisher"
	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
)

// TrustedSource loads the full trusted counterparty set.
type TrustedSource interface {
	ListTrustedCounterparties(ctx context.Context) ([]model.TrustedCounterparty, error)
}

// RegistryTarget receives the refreshed set and reports what it kept.
type RegistryTarget interface {
	Replace(list []model.TrustedCounterparty)
	Len() int
	Active() int
}

// EventPublisher is the subset of the NATS publisher the job uses.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// RegistryRefresher periodically reloads the trusted counterparty registry
// from Postgres and emits a NATS event when it has been swapped in.
type RegistryRefresher struct {
	logger    *zap.Logger
	source    TrustedSource
	registry  RegistryTarget
	publisher EventPublisher
	interval  time.Duration
	timeout   time.Duration
	stopCh    chan struct{}
}

// NewRegistryRefresher constructs a background job that runs periodically.
// pub may be nil.
func NewRegistryRefresher(logger *zap.Logger, source TrustedSource, registry RegistryTarget, pub EventPublisher, interval time.Duration) *RegistryRefresher {
	return &RegistryRefresher{
		logger:    logger,
		source:    source,
		registry:  registry,
		publisher: pub,
		interval:  interval,
		timeout:   10 * time.Second,
		stopCh:    make(chan struct{}),
	}
}

// Start loads the registry once, then refreshes it every interval.
func (r *RegistryRefresher) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("registry_refresher.started", zap.Duration("interval", r.interval))
	r.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			r.RunOnce(ctx)
		case <-r.stopCh:
			r.logger.Info("registry_refresher.stopped (manual stop)")
			return
		case <-ctx.Done():
			r.logger.Info("registry_refresher.stopped (context canceled)")
			return
		}
	}
}

// Stop gracefully halts the refresher.
func (r *RegistryRefresher) Stop() {
	close(r.stopCh)
}

// RunOnce executes one refresh cycle. On failure the previous set stays live.
func (r *RegistryRefresher) RunOnce(ctx context.Context) {
	start := time.Now()

	qctx, cancel := context.WithTimeout(ctx, r.timeout)
	list, err := r.source.ListTrustedCounterparties(qctx)
	cancel()
	if err != nil {
		metrics.IncError("registry_refresher", "load_failed")
		r.logger.Error("registry_refresher.load_failed", zap.Error(err))
		return
	}

	r.registry.Replace(list)
	metrics.SetLastPoll("registry_refresher", time.Now())

	entries, active := r.registry.Len(), r.registry.Active()
	metrics.SetTrustedCounterparties(active)

	if r.publisher != nil {
		event := map[string]any{
			"timestamp":   time.Now().UTC(),
			"entries":     entries,
			"active":      active,
			"duration_ms": time.Since(start).Milliseconds(),
		}
		if err := r.publisher.Publish(ctx, publisher.TopicRegistryRefreshed, event); err != nil {
			r.logger.Warn("registry_refresher.nats_publish_failed", zap.Error(err))
		}
	}

	r.logger.Info("registry_refresher.success",
		zap.Int("entries", entries),
		zap.Int("active", active),
		zap.Duration("duration", time.Since(start)))
}
