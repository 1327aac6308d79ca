package positioning

import (
	"github.com/shopspring/decimal"

	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
)

// defendFloor keeps a SELL price from going below floor. Listings priced
// under the floor are ignored so that a trap listing cannot drag the price
// down: the cheapest listing at or above the floor is matched exactly, and
// without one the price is pinned to the floor.
//
// pool must already exclude self and ignored advertisers; target (if any)
// is excluded here.
func defendFloor(d *Decision, floor decimal.Decimal, pool []model.CompetitorAd, target string) {
	if !d.Price.LessThan(floor) {
		return
	}
	skip := newNameSet(target)

	var best *model.CompetitorAd
	for i := range pool {
		c := &pool[i]
		if skip.has(c.Nickname) || c.Price.LessThan(floor) {
			continue
		}
		if best == nil || c.Price.LessThan(best.Price) {
			best = c
		}
	}

	if best != nil {
		d.Price = best.Price
		d.Reference = best.Nickname
		d.Reason = ReasonFloorMatch
		return
	}
	d.Price = floor
	d.Reference = ""
	d.Reason = ReasonFloorPinned
}
