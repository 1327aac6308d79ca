package orders

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/p2p-autotrader/internal/metrics"
	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
)

// OrderSource is the subset of the marketplace client the poller reads.
type OrderSource interface {
	ListOrders(ctx context.Context, statuses []model.OrderStatus, page, rows int) ([]model.Order, error)
	GetOrder(ctx context.Context, orderNumber string) (model.Order, error)
}

// OrderSink receives every order view; it is the release orchestrator.
type OrderSink interface {
	HandleOrder(ctx context.Context, order model.Order)
	Attempt(orderNumber string) (model.ReleaseAttempt, bool)
}

// ReceiptWatcher is the chat fallback for paid orders without a bank payment.
type ReceiptWatcher interface {
	Watch(orderNumber string)
	Unwatch(orderNumber string)
}

type Config struct {
	Interval             time.Duration
	PageRows             int
	MaxPages             int
	CallTimeout          time.Duration
	ReceiptFallbackAfter time.Duration // 0 disables the chat fallback
}

var openStatuses = []model.OrderStatus{model.OrderPending, model.OrderPaid}

// Poller lists open orders on an interval and feeds them to the orchestrator.
// Orders that drop off the open list get one detail fetch so their final
// status is seen too.
type Poller struct {
	logger *zap.Logger
	cfg    Config
	source OrderSource
	sink   OrderSink
	chat   ReceiptWatcher

	mu        sync.Mutex
	known     map[string]struct{}
	paidSince map[string]time.Time
	handed    map[string]struct{}

	now    func() time.Time
	stopCh chan struct{}
	once   sync.Once
}

// NewPoller wires a poller. chat may be nil.
func NewPoller(logger *zap.Logger, cfg Config, source OrderSource, sink OrderSink, chat ReceiptWatcher) *Poller {
	if cfg.PageRows <= 0 {
		cfg.PageRows = 50
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 5
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Poller{
		logger:    logger,
		cfg:       cfg,
		source:    source,
		sink:      sink,
		chat:      chat,
		known:     make(map[string]struct{}),
		paidSince: make(map[string]time.Time),
		handed:    make(map[string]struct{}),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start polls immediately and then every interval until ctx is cancelled or
// Stop is called.
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info("order_poller.started", zap.Duration("interval", p.cfg.Interval))
	p.RunOnce(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.RunOnce(ctx)
		case <-p.stopCh:
			p.logger.Info("order_poller.stopped (manual stop)")
			return
		case <-ctx.Done():
			p.logger.Info("order_poller.stopped (context canceled)")
			return
		}
	}
}

func (p *Poller) Stop() {
	p.once.Do(func() { close(p.stopCh) })
}

// RunOnce executes one poll. A failed listing leaves the known set untouched
// so no order is mistaken for finished.
func (p *Poller) RunOnce(ctx context.Context) {
	open, err := p.listOpen(ctx)
	if err != nil {
		metrics.IncError("order_poller", "list_failed")
		p.logger.Warn("order_poller.list_failed", zap.Error(err))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	seen := make(map[string]struct{}, len(open))
	for _, o := range open {
		seen[o.OrderNumber] = struct{}{}
		p.sink.HandleOrder(ctx, o)
		p.checkFallback(o, now)
	}

	vanished := make([]string, 0)
	for num := range p.known {
		if _, ok := seen[num]; !ok {
			vanished = append(vanished, num)
		}
	}
	sort.Strings(vanished)

	for _, num := range vanished {
		if ctx.Err() != nil {
			seen[num] = struct{}{}
			continue
		}
		if !p.settle(ctx, num) {
			// retry the detail fetch next poll
			seen[num] = struct{}{}
		}
	}

	p.known = seen
	metrics.SetLastPoll("order_poller", now)
	p.logger.Debug("order_poller.cycle_done",
		zap.Int("open", len(open)),
		zap.Int("vanished", len(vanished)))
}

func (p *Poller) listOpen(ctx context.Context) ([]model.Order, error) {
	var out []model.Order
	for page := 1; page <= p.cfg.MaxPages; page++ {
		lctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
		batch, err := p.source.ListOrders(lctx, openStatuses, page, p.cfg.PageRows)
		cancel()
		if err != nil {
			return nil, err
		}
		for _, o := range batch {
			// buy-side orders have nothing to release
			if o.Side == model.SideSell {
				out = append(out, o)
			}
		}
		if len(batch) < p.cfg.PageRows {
			break
		}
	}
	return out, nil
}

// settle fetches an order that left the open list and reports whether it is done with.
func (p *Poller) settle(ctx context.Context, num string) bool {
	gctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	o, err := p.source.GetOrder(gctx, num)
	cancel()
	if err != nil {
		p.logger.Warn("order_poller.detail_failed",
			zap.String("order", num),
			zap.Error(err))
		return false
	}
	p.sink.HandleOrder(ctx, o)
	if o.Status.Open() {
		return false
	}
	p.forget(num)
	p.logger.Info("order_poller.order_closed",
		zap.String("order", num),
		zap.String("status", string(o.Status)))
	return true
}

// checkFallback hands a paid order to the chat watcher once it has waited
// long enough without a matching payment.
func (p *Poller) checkFallback(o model.Order, now time.Time) {
	if p.chat == nil || p.cfg.ReceiptFallbackAfter <= 0 || o.Status != model.OrderPaid {
		return
	}
	since, ok := p.paidSince[o.OrderNumber]
	if !ok {
		p.paidSince[o.OrderNumber] = now
		return
	}
	if _, done := p.handed[o.OrderNumber]; done {
		return
	}
	if now.Sub(since) < p.cfg.ReceiptFallbackAfter {
		return
	}
	if att, ok := p.sink.Attempt(o.OrderNumber); ok && att.Stage != model.StageAwaitingPayment {
		return
	}
	p.handed[o.OrderNumber] = struct{}{}
	p.chat.Watch(o.OrderNumber)
	p.logger.Info("order_poller.receipt_fallback",
		zap.String("order", o.OrderNumber),
		zap.Duration("waited", now.Sub(since)))
}

func (p *Poller) forget(num string) {
	delete(p.paidSince, num)
	if _, ok := p.handed[num]; ok {
		delete(p.handed, num)
		if p.chat != nil {
			p.chat.Unwatch(num)
		}
	}
}
