package positioning

import (
	"context"
	"strings"
	"time"

	"github.com/Checker-Finance/p2p-autotrader/internal/rate"
	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
)

// FollowStrategy tracks one named competitor across the first pages of the
// search. A target may post several listings; all of them are considered.
type FollowStrategy struct {
	fetcher  *Fetcher
	maxPages int
	rows     int
	delay    time.Duration // between page fetches
	pause    func(ctx context.Context, d time.Duration) error
}

func NewFollowStrategy(fetcher *Fetcher, maxPages, rows int, delay time.Duration) *FollowStrategy {
	if maxPages <= 0 {
		maxPages = 3
	}
	if rows <= 0 {
		rows = 20
	}
	return &FollowStrategy{fetcher: fetcher, maxPages: maxPages, rows: rows, delay: delay, pause: rate.Pause}
}

func (f *FollowStrategy) Name() string { return string(ModeFollow) }

func (f *FollowStrategy) Decide(ctx context.Context, req Request) *Decision {
	target := strings.TrimSpace(req.Settings.FollowTarget)
	if target == "" {
		return nil
	}

	var all, targets []model.CompetitorAd
	for page := 1; page <= f.maxPages; page++ {
		if page > 1 {
			if err := f.pause(ctx, f.delay); err != nil {
				break
			}
		}
		ads := f.fetcher.Fetch(ctx, req.Asset, req.Fiat, req.Side, page, f.rows)
		if len(ads) == 0 {
			break
		}
		for _, a := range ads {
			all = append(all, a)
			if strings.EqualFold(strings.TrimSpace(a.Nickname), target) {
				targets = append(targets, a)
			}
		}
		if len(ads) < f.rows {
			break
		}
	}
	if len(targets) == 0 {
		return nil
	}
	sortByCompetitiveness(req.Side, targets)

	floor := req.Settings.PriceFloor
	floorApplies := req.Side == model.SideSell && floor.Valid

	chosen := targets[0]
	if floorApplies && len(targets) > 1 {
		// First listing, most competitive first, whose own-price clears the floor.
		// If none does, targets[0] is the globally cheapest and the floor
		// handler below takes over.
		for _, t := range targets {
			if p, _ := targetPrice(req.Side, t.Price, req.Settings); !p.LessThan(floor.Decimal) {
				chosen = t
				break
			}
		}
	}

	price, reason := targetPrice(req.Side, chosen.Price, req.Settings)
	d := &Decision{
		Price:     price,
		Strategy:  f.Name(),
		Reference: chosen.Nickname,
		Reason:    reason,
	}
	if floorApplies {
		defendFloor(d, floor.Decimal, without(all, excluded(req)), target)
	}
	return d
}
