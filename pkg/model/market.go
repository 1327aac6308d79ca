package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the trade direction from the market-maker's own perspective.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("invalid side %q", s)
}

// Inverse returns the marketplace search direction that lists our competitors.
// Our SELL ads compete with ads shown to buyers, i.e. the BUY-perspective search.
func (s Side) Inverse() Side {
	if s == SideSell {
		return SideBuy
	}
	return SideSell
}

// ProductKey identifies per-product positioning settings.
type ProductKey struct {
	Side  Side
	Asset string
}

func (k ProductKey) String() string {
	return string(k.Side) + ":" + k.Asset
}

// Ad is one of the market-maker's own listings.
type Ad struct {
	ID        string          `json:"id"`
	Asset     string          `json:"asset"`
	Fiat      string          `json:"fiat"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Available decimal.Decimal `json:"available"`
	Active    bool            `json:"active"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CompetitorAd is a listing returned by a marketplace search. It lives for one pricing cycle.
type CompetitorAd struct {
	AdID            string          `json:"ad_id"`
	AdvertiserID    string          `json:"advertiser_id"`
	Nickname        string          `json:"nickname"`
	Price           decimal.Decimal `json:"price"`
	Available       decimal.Decimal `json:"available"`
	Tier            int             `json:"tier"`
	MonthOrderCount int             `json:"month_order_count"`
	MonthFinishRate float64         `json:"month_finish_rate"`
	Online          bool            `json:"online"`
}

// FiatLiquidity is price × available quantity, comparable across assets.
func (c CompetitorAd) FiatLiquidity() decimal.Decimal {
	return c.Price.Mul(c.Available)
}

// SearchQuery parameters for the competitor search endpoint.
type SearchQuery struct {
	Asset string
	Fiat  string
	Side  Side // marketplace perspective, already inverted
	Page  int
	Rows  int
}
