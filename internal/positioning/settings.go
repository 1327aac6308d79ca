package positioning

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
)

// Mode selects the pricing strategy for a product.
type Mode string

const (
	ModeSmart  Mode = "smart"
	ModeFollow Mode = "follow"
)

// ParseMode normalizes a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeSmart:
		return ModeSmart, nil
	case ModeFollow:
		return ModeFollow, nil
	}
	return "", fmt.Errorf("invalid positioning mode %q", s)
}

// Settings is the fully resolved positioning configuration for one product.
type Settings struct {
	Enabled            bool
	Mode               Mode
	FollowTarget       string
	Match              bool // true: match the reference price, false: undercut it
	Undercut           decimal.Decimal
	MinTier            int
	MinMonthOrders     int
	MinLiquidity       decimal.Decimal // fiat, price × available
	PriceFloor         decimal.NullDecimal
	MinPriceDelta      decimal.Decimal
	IgnoredAdvertisers []string
	Release            ReleaseLimits
}

// Overrides carries optional values at one level of the fallback chain.
// A nil field inherits from the level below.
type Overrides struct {
	Enabled            *bool            `yaml:"enabled"`
	Mode               *Mode            `yaml:"mode"`
	FollowTarget       *string          `yaml:"follow_target"`
	Match              *bool            `yaml:"match"`
	Undercut           *decimal.Decimal `yaml:"undercut"`
	MinTier            *int             `yaml:"min_tier"`
	MinMonthOrders     *int             `yaml:"min_month_orders"`
	MinLiquidity       *decimal.Decimal `yaml:"min_liquidity"`
	PriceFloor         *decimal.Decimal `yaml:"price_floor"` // zero clears an inherited floor
	MinPriceDelta      *decimal.Decimal `yaml:"min_price_delta"`
	IgnoredAdvertisers []string         `yaml:"ignored_advertisers"`
	ReleaseLimits      `yaml:",inline"`
}

// Config is the three-level positioning configuration.
type Config struct {
	Global     Overrides
	Directions map[model.Side]Overrides
	Products   map[model.ProductKey]Overrides
}

// Defaults is the base level beneath the global overrides.
func Defaults() Settings {
	return Settings{
		Enabled:        false,
		Mode:           ModeSmart,
		Undercut:       decimal.RequireFromString("0.01"),
		MinTier:        0,
		MinMonthOrders: 10,
		MinLiquidity:   decimal.NewFromInt(100),
		MinPriceDelta:  decimal.RequireFromString("0.01"),
	}
}

// Resolve builds the settings for key: product overrides win over
// direction overrides, which win over global overrides and Defaults.
// Price floors only apply to SELL products.
func Resolve(cfg Config, key model.ProductKey) Settings {
	s := Defaults()
	s = apply(s, cfg.Global)
	if o, ok := cfg.Directions[key.Side]; ok {
		s = apply(s, o)
	}
	if o, ok := cfg.Products[key]; ok {
		s = apply(s, o)
	}
	if key.Side != model.SideSell {
		s.PriceFloor = decimal.NullDecimal{}
	}
	return s
}

func apply(s Settings, o Overrides) Settings {
	if o.Enabled != nil {
		s.Enabled = *o.Enabled
	}
	if o.Mode != nil {
		s.Mode = *o.Mode
	}
	if o.FollowTarget != nil {
		s.FollowTarget = strings.TrimSpace(*o.FollowTarget)
	}
	if o.Match != nil {
		s.Match = *o.Match
	}
	if o.Undercut != nil {
		s.Undercut = *o.Undercut
	}
	if o.MinTier != nil {
		s.MinTier = *o.MinTier
	}
	if o.MinMonthOrders != nil {
		s.MinMonthOrders = *o.MinMonthOrders
	}
	if o.MinLiquidity != nil {
		s.MinLiquidity = *o.MinLiquidity
	}
	if o.PriceFloor != nil {
		if o.PriceFloor.IsPositive() {
			s.PriceFloor = decimal.NullDecimal{Decimal: *o.PriceFloor, Valid: true}
		} else {
			s.PriceFloor = decimal.NullDecimal{}
		}
	}
	if o.MinPriceDelta != nil {
		s.MinPriceDelta = *o.MinPriceDelta
	}
	if o.IgnoredAdvertisers != nil {
		s.IgnoredAdvertisers = append([]string(nil), o.IgnoredAdvertisers...)
	}
	s.Release = s.Release.merge(o.ReleaseLimits)
	return s
}
