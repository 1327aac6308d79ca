package positioning

import (
	"context"

	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
)

// SmartStrategy prices against the best competitor that passes the
// reputation and liquidity filters.
type SmartStrategy struct {
	fetcher *Fetcher
	rows    int
}

func NewSmartStrategy(fetcher *Fetcher, rows int) *SmartStrategy {
	if rows <= 0 {
		rows = 20
	}
	return &SmartStrategy{fetcher: fetcher, rows: rows}
}

func (s *SmartStrategy) Name() string { return string(ModeSmart) }

func (s *SmartStrategy) Decide(ctx context.Context, req Request) *Decision {
	ads := s.fetcher.Fetch(ctx, req.Asset, req.Fiat, req.Side, 1, s.rows)
	if len(ads) == 0 {
		return nil
	}
	candidates := without(ads, excluded(req))
	if len(candidates) == 0 {
		return nil
	}

	pool := qualify(candidates, req.Settings)
	fallback := false
	if len(pool) == 0 {
		pool = append([]model.CompetitorAd(nil), candidates...)
		fallback = true
	}
	sortByCompetitiveness(req.Side, pool)

	ref := pool[0]
	price, reason := targetPrice(req.Side, ref.Price, req.Settings)
	d := &Decision{
		Price:     price,
		Strategy:  s.Name(),
		Reference: ref.Nickname,
		Reason:    reason,
		Fallback:  fallback,
	}
	if req.Side == model.SideSell && req.Settings.PriceFloor.Valid {
		defendFloor(d, req.Settings.PriceFloor.Decimal, candidates, "")
	}
	return d
}

// qualify keeps listings meeting the tier, monthly-orders and fiat-liquidity minimums.
func qualify(ads []model.CompetitorAd, s Settings) []model.CompetitorAd {
	out := make([]model.CompetitorAd, 0, len(ads))
	for _, a := range ads {
		if a.Tier < s.MinTier {
			continue
		}
		if a.MonthOrderCount < s.MinMonthOrders {
			continue
		}
		if a.FiatLiquidity().LessThan(s.MinLiquidity) {
			continue
		}
		out = append(out, a)
	}
	return out
}
