package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/p2p-autotrader/internal/metrics"
	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
)

// MessageSource reads an order's chat.
type MessageSource interface {
	ChatMessages(ctx context.Context, orderNumber string, page, rows int) ([]model.ChatMessage, error)
}

// StateStore persists the per-order cursor and the receipt evidence.
type StateStore interface {
	ChatCursor(ctx context.Context, orderNumber string) (int64, error)
	SetChatCursor(ctx context.Context, orderNumber string, messageID int64) error
	ClearChatCursor(ctx context.Context, orderNumber string) error
	AddReceipt(ctx context.Context, ev model.ReceiptEvidence) error
}

// ReceiptPublisher hands evidence to the OCR consumer.
type ReceiptPublisher interface {
	PublishReceipt(ctx context.Context, ev model.ReceiptEvidence) error
}

type Config struct {
	Interval    time.Duration
	Rows        int
	CallTimeout time.Duration
	MaxWatch    time.Duration // orders watched longer than this are dropped
}

// Watcher polls the chat of paid orders that have no matching bank payment
// yet and surfaces counterparty images as possible payment receipts.
type Watcher struct {
	logger *zap.Logger
	cfg    Config
	source MessageSource
	store  StateStore
	pub    ReceiptPublisher

	mu     sync.Mutex
	orders map[string]time.Time

	now    func() time.Time
	stopCh chan struct{}
	once   sync.Once
}

// NewWatcher wires a watcher. pub may be nil.
func NewWatcher(logger *zap.Logger, cfg Config, source MessageSource, store StateStore, pub ReceiptPublisher) *Watcher {
	if cfg.Rows <= 0 {
		cfg.Rows = 50
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.MaxWatch <= 0 {
		cfg.MaxWatch = 24 * time.Hour
	}
	return &Watcher{
		logger: logger,
		cfg:    cfg,
		source: source,
		store:  store,
		pub:    pub,
		orders: make(map[string]time.Time),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

func (w *Watcher) Watch(orderNumber string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.orders[orderNumber]; !ok {
		w.orders[orderNumber] = w.now()
		w.logger.Info("chat.watch_started", zap.String("order", orderNumber))
	}
}

func (w *Watcher) Unwatch(orderNumber string) {
	w.mu.Lock()
	_, ok := w.orders[orderNumber]
	delete(w.orders, orderNumber)
	w.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.CallTimeout)
	defer cancel()
	if err := w.store.ClearChatCursor(ctx, orderNumber); err != nil {
		w.logger.Warn("chat.cursor_clear_failed", zap.String("order", orderNumber), zap.Error(err))
	}
	w.logger.Info("chat.watch_stopped", zap.String("order", orderNumber))
}

// Watching lists the watched orders, sorted.
func (w *Watcher) Watching() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.orders))
	for num := range w.orders {
		out = append(out, num)
	}
	sort.Strings(out)
	return out
}

// Follow stops watching orders as soon as their release reaches a final stage.
func (w *Watcher) Follow(ch <-chan model.ReleaseEvent) {
	for ev := range ch {
		if ev.Final {
			w.Unwatch(ev.OrderNumber)
		}
	}
}

func (w *Watcher) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Info("chat.watcher_started", zap.Duration("interval", w.cfg.Interval))
	for {
		select {
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-w.stopCh:
			w.logger.Info("chat.watcher_stopped (manual stop)")
			return
		case <-ctx.Done():
			w.logger.Info("chat.watcher_stopped (context canceled)")
			return
		}
	}
}

func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.stopCh) })
}

// RunOnce polls every watched order once.
func (w *Watcher) RunOnce(ctx context.Context) {
	now := w.now()
	for _, num := range w.Watching() {
		if ctx.Err() != nil {
			return
		}
		w.mu.Lock()
		since, ok := w.orders[num]
		w.mu.Unlock()
		if ok && now.Sub(since) > w.cfg.MaxWatch {
			w.logger.Warn("chat.watch_expired", zap.String("order", num))
			w.Unwatch(num)
			continue
		}
		if err := w.poll(ctx, num); err != nil {
			metrics.IncError("chat", "poll_failed")
			w.logger.Warn("chat.poll_failed", zap.String("order", num), zap.Error(err))
		}
	}
	metrics.SetLastPoll("chat_watcher", now)
}

// poll handles messages newer than the stored cursor, oldest first, and
// advances the cursor past them.
func (w *Watcher) poll(ctx context.Context, num string) error {
	cursor, err := w.store.ChatCursor(ctx, num)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	msgs, err := w.source.ChatMessages(cctx, num, 1, w.cfg.Rows)
	cancel()
	if err != nil {
		return err
	}

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	last := cursor
	for _, m := range msgs {
		if m.ID <= cursor {
			continue
		}
		if isReceipt(m) {
			ev := model.ReceiptEvidence{
				OrderNumber: num,
				MessageID:   m.ID,
				ImageURL:    m.ImageURL,
				ReceivedAt:  m.CreatedAt,
			}
			if err := w.store.AddReceipt(ctx, ev); err != nil {
				// stop before this message so it is seen again next poll
				if last > cursor {
					_ = w.store.SetChatCursor(ctx, num, last)
				}
				return err
			}
			if w.pub != nil {
				if err := w.pub.PublishReceipt(ctx, ev); err != nil {
					w.logger.Warn("chat.receipt_publish_failed", zap.String("order", num), zap.Error(err))
				}
			}
			w.logger.Info("chat.receipt_found",
				zap.String("order", num),
				zap.Int64("message_id", m.ID))
		}
		last = m.ID
	}

	if last > cursor {
		return w.store.SetChatCursor(ctx, num, last)
	}
	return nil
}

func isReceipt(m model.ChatMessage) bool {
	return !m.Self && strings.EqualFold(m.Type, "image") && m.ImageURL != ""
}
