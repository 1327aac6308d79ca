package positioning

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/p2p-autotrader/internal/metrics"
	"github.com/Checker-Finance/p2p-autotrader/internal/rate"
	"github.com/Checker-Finance/p2p-autotrader/pkg/eventbus"
	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
)

// AdMarket is the subset of the marketplace client an AdManager needs.
type AdMarket interface {
	Nickname(ctx context.Context) (string, error)
	ListAds(ctx context.Context) ([]model.Ad, error)
	UpdatePrice(ctx context.Context, adID string, price decimal.Decimal) error
}

// ManagerConfig holds the timing knobs of one AdManager.
type ManagerConfig struct {
	Side          model.Side
	DefaultFiat   string
	Interval      time.Duration
	CallDelay     time.Duration
	UpdateTimeout time.Duration
}

// AdManager owns the market-maker's live ads for one side and reprices them
// every cycle. Ads are processed sequentially with a delay between
// marketplace calls.
type AdManager struct {
	logger *zap.Logger
	cfg    ManagerConfig
	market AdMarket
	source Source
	smart  PricingStrategy
	follow PricingStrategy
	bus    *eventbus.Bus[model.PriceUpdateEvent]

	mu  sync.RWMutex
	ads map[string]model.Ad

	lastCfg *Config
	stopCh  chan struct{}
	once    sync.Once
}

// NewAdManager wires an AdManager. follow is used for follow-mode products and
// is expected to fall back to smart on its own (see FollowWithFallback).
func NewAdManager(
	logger *zap.Logger,
	cfg ManagerConfig,
	market AdMarket,
	source Source,
	smart PricingStrategy,
	follow PricingStrategy,
	bus *eventbus.Bus[model.PriceUpdateEvent],
) *AdManager {
	if cfg.UpdateTimeout <= 0 {
		cfg.UpdateTimeout = 10 * time.Second
	}
	return &AdManager{
		logger: logger.With(zap.String("side", string(cfg.Side))),
		cfg:    cfg,
		market: market,
		source: source,
		smart:  smart,
		follow: follow,
		bus:    bus,
		ads:    make(map[string]model.Ad),
		stopCh: make(chan struct{}),
	}
}

// Side returns the trade direction this manager owns.
func (m *AdManager) Side() model.Side { return m.cfg.Side }

// Start runs one cycle immediately and then one per interval until ctx is
// cancelled or Stop is called. A cycle in progress stops between ads.
func (m *AdManager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	m.logger.Info("admanager.started", zap.Duration("interval", m.cfg.Interval))
	m.RunCycle(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if ctx.Err() != nil {
				continue
			}
			m.RunCycle(ctx)
		case <-ctx.Done():
			m.logger.Info("admanager.stopped")
			return
		}
	}
}

// Stop halts the loop.
func (m *AdManager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
}

// Ads returns a snapshot of the managed ads, ordered by ID.
func (m *AdManager) Ads() []model.Ad {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Ad, 0, len(m.ads))
	for _, a := range m.ads {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunCycle refreshes the owned ads and reprices each of them once.
func (m *AdManager) RunCycle(ctx context.Context) {
	start := time.Now()
	side := string(m.cfg.Side)
	defer metrics.SetLastPoll("admanager_"+strings.ToLower(side), time.Now())

	cfg, ok := m.loadConfig()
	if !ok {
		metrics.IncPricingCycle(side, "no_config")
		return
	}

	m.refreshAds(ctx)

	nickname, err := m.market.Nickname(ctx)
	if err != nil {
		m.logger.Warn("admanager.nickname_unavailable", zap.Error(err))
		metrics.IncPricingCycle(side, "failed")
		return
	}

	ads := m.Ads()
	updated := 0
	for i, ad := range ads {
		if ctx.Err() != nil {
			metrics.IncPricingCycle(side, "interrupted")
			return
		}
		if i > 0 {
			if err := rate.Pause(ctx, m.cfg.CallDelay); err != nil {
				metrics.IncPricingCycle(side, "interrupted")
				return
			}
		}
		if m.processAd(ctx, cfg, nickname, ad) {
			updated++
		}
	}

	metrics.IncPricingCycle(side, "ok")
	m.logger.Debug("admanager.cycle_done",
		zap.Int("ads", len(ads)),
		zap.Int("updated", updated),
		zap.Duration("duration", time.Since(start)))
}

func (m *AdManager) loadConfig() (Config, bool) {
	cfg, err := m.source.Load()
	if err != nil {
		if m.lastCfg == nil {
			m.logger.Error("admanager.config_unavailable", zap.Error(err))
			return Config{}, false
		}
		m.logger.Warn("admanager.config_stale", zap.Error(err))
		return *m.lastCfg, true
	}
	m.lastCfg = &cfg
	return cfg, true
}

// refreshAds replaces the managed set with the active ads for this side.
// A failed refresh keeps the previous set.
func (m *AdManager) refreshAds(ctx context.Context) {
	ads, err := m.market.ListAds(ctx)
	if err != nil {
		m.logger.Warn("admanager.refresh_failed", zap.Error(err))
		metrics.IncError("admanager", "list_ads_failed")
		return
	}

	next := make(map[string]model.Ad)
	for _, a := range ads {
		if a.Side != m.cfg.Side || !a.Active {
			continue
		}
		if a.Fiat == "" {
			a.Fiat = m.cfg.DefaultFiat
		}
		next[a.ID] = a
	}

	m.mu.Lock()
	for id := range m.ads {
		if _, ok := next[id]; !ok {
			m.logger.Info("admanager.ad_dropped", zap.String("ad_id", id))
		}
	}
	m.ads = next
	m.mu.Unlock()

	metrics.SetManagedAds(string(m.cfg.Side), len(next))
}

// processAd reprices one ad and reports whether an update was applied.
func (m *AdManager) processAd(ctx context.Context, cfg Config, nickname string, ad model.Ad) bool {
	key := model.ProductKey{Side: ad.Side, Asset: ad.Asset}
	s := Resolve(cfg, key)
	if !s.Enabled {
		return false
	}

	strategy := m.smart
	if s.Mode == ModeFollow && m.follow != nil {
		strategy = m.follow
	}

	d := strategy.Decide(ctx, Request{
		Side:        ad.Side,
		Asset:       ad.Asset,
		Fiat:        ad.Fiat,
		Settings:    s,
		OwnNickname: nickname,
	})
	if d == nil {
		m.logger.Debug("admanager.no_data", zap.String("ad_id", ad.ID), zap.String("product", key.String()))
		return false
	}
	metrics.IncPricingDecision(string(ad.Side), d.Strategy, d.Fallback)

	delta := d.Price.Sub(ad.Price).Abs()
	if delta.IsZero() || delta.LessThan(s.MinPriceDelta) {
		metrics.IncPriceUpdate(string(ad.Side), ad.Asset, "unchanged")
		return false
	}

	if err := rate.Pause(ctx, m.cfg.CallDelay); err != nil {
		return false
	}

	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.UpdateTimeout)
	defer cancel()
	if err := m.market.UpdatePrice(uctx, ad.ID, d.Price); err != nil {
		m.logger.Warn("admanager.update_failed",
			zap.String("ad_id", ad.ID),
			zap.String("price", d.Price.String()),
			zap.Error(err))
		metrics.IncPriceUpdate(string(ad.Side), ad.Asset, "failed")
		return false
	}

	now := time.Now().UTC()
	m.mu.Lock()
	if cur, ok := m.ads[ad.ID]; ok {
		cur.Price = d.Price
		cur.UpdatedAt = now
		m.ads[ad.ID] = cur
	}
	m.mu.Unlock()
	metrics.IncPriceUpdate(string(ad.Side), ad.Asset, "updated")

	m.logger.Info("admanager.price_updated",
		zap.String("ad_id", ad.ID),
		zap.String("asset", ad.Asset),
		zap.String("old_price", ad.Price.String()),
		zap.String("new_price", d.Price.String()),
		zap.String("strategy", d.Strategy),
		zap.String("reference", d.Reference),
		zap.String("reason", d.Reason))

	if m.bus != nil {
		ev := model.PriceUpdateEvent{
			ID:        uuid.New(),
			AdID:      ad.ID,
			Side:      ad.Side,
			Asset:     ad.Asset,
			OldPrice:  ad.Price,
			NewPrice:  d.Price,
			Strategy:  d.Strategy,
			Reference: d.Reference,
			Reason:    d.Reason,
			Timestamp: now,
		}
		if err := m.bus.Publish(uctx, ev); err != nil {
			m.logger.Warn("admanager.event_publish_failed", zap.String("ad_id", ad.ID), zap.Error(err))
		}
	}
	return true
}
