package positioning

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/p2p-autotrader/internal/release"
	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
)

// ReleaseLimits are the auto-release thresholds that live in the same
// settings file as pricing. A nil field keeps the service-wide value.
type ReleaseLimits struct {
	MaxAutoRelease    *decimal.Decimal `yaml:"max_auto_release"`
	LowRiskThreshold  *decimal.Decimal `yaml:"low_risk_threshold"`
	MinTotalOrders    *int             `yaml:"risk_min_total_orders"`
	MinOrders30d      *int             `yaml:"risk_min_orders_30d"`
	MinAccountAgeDays *int             `yaml:"risk_min_account_age_days"`
	MinPositiveRate   *float64         `yaml:"risk_min_positive_rate"`
}

func (l ReleaseLimits) merge(o ReleaseLimits) ReleaseLimits {
	if o.MaxAutoRelease != nil {
		l.MaxAutoRelease = o.MaxAutoRelease
	}
	if o.LowRiskThreshold != nil {
		l.LowRiskThreshold = o.LowRiskThreshold
	}
	if o.MinTotalOrders != nil {
		l.MinTotalOrders = o.MinTotalOrders
	}
	if o.MinOrders30d != nil {
		l.MinOrders30d = o.MinOrders30d
	}
	if o.MinAccountAgeDays != nil {
		l.MinAccountAgeDays = o.MinAccountAgeDays
	}
	if o.MinPositiveRate != nil {
		l.MinPositiveRate = o.MinPositiveRate
	}
	return l
}

func (l ReleaseLimits) validate(level string) error {
	if l.MaxAutoRelease != nil && l.MaxAutoRelease.IsNegative() {
		return fmt.Errorf("positioning config: %s: max_auto_release must not be negative", level)
	}
	if l.LowRiskThreshold != nil && l.LowRiskThreshold.IsNegative() {
		return fmt.Errorf("positioning config: %s: low_risk_threshold must not be negative", level)
	}
	for name, v := range map[string]*int{
		"risk_min_total_orders":     l.MinTotalOrders,
		"risk_min_orders_30d":       l.MinOrders30d,
		"risk_min_account_age_days": l.MinAccountAgeDays,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("positioning config: %s: %s must not be negative", level, name)
		}
	}
	if r := l.MinPositiveRate; r != nil && (*r < 0 || *r > 1) {
		return fmt.Errorf("positioning config: %s: risk_min_positive_rate must be within [0, 1]", level)
	}
	return nil
}

// apply lays the set fields over base.
func (l ReleaseLimits) apply(base release.Limits) release.Limits {
	if l.MaxAutoRelease != nil {
		base.MaxAutoRelease = *l.MaxAutoRelease
	}
	if l.LowRiskThreshold != nil {
		base.LowRiskThreshold = *l.LowRiskThreshold
	}
	if l.MinTotalOrders != nil {
		base.Risk.MinTotalOrders = *l.MinTotalOrders
	}
	if l.MinOrders30d != nil {
		base.Risk.MinOrders30d = *l.MinOrders30d
	}
	if l.MinAccountAgeDays != nil {
		base.Risk.MinAccountAgeDays = *l.MinAccountAgeDays
	}
	if l.MinPositiveRate != nil {
		base.Risk.MinPositiveRate = *l.MinPositiveRate
	}
	return base
}

// LimitSource serves per-product release limits from a positioning Source.
// The orchestrator asks once per pipeline, so file edits apply to the next
// payment without a restart.
type LimitSource struct {
	logger *zap.Logger
	source Source
}

func NewLimitSource(logger *zap.Logger, source Source) *LimitSource {
	return &LimitSource{logger: logger, source: source}
}

// Limits resolves key through the global, direction and product levels. If
// no settings file was ever readable, base is returned unchanged.
func (s *LimitSource) Limits(key model.ProductKey, base release.Limits) release.Limits {
	cfg, err := s.source.Load()
	if err != nil {
		s.logger.Warn("positioning.release_limits_unavailable",
			zap.String("product", key.String()),
			zap.Error(err))
		return base
	}
	return Resolve(cfg, key).Release.apply(base)
}
