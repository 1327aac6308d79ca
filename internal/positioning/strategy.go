package positioning

import (
	"context"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
)

// pricePrecision is the number of decimal places ad prices are quoted with.
const pricePrecision = 2

// Request is the input of one pricing decision.
type Request struct {
	Side        model.Side
	Asset       string
	Fiat        string
	Settings    Settings
	OwnNickname string
}

// Decision is a strategy's target price for one ad.
type Decision struct {
	Price     decimal.Decimal
	Strategy  string
	Reference string // nickname of the listing the price was derived from
	Reason    string
	Fallback  bool // no listing passed the filters; the best unfiltered one was used
}

// Decision reasons.
const (
	ReasonUndercut     = "undercut"
	ReasonMatch        = "match"
	ReasonFloorMatch   = "floor_match"
	ReasonFloorPinned  = "floor_pinned"
	ReasonTargetAbsent = "follow_target_absent"
)

// PricingStrategy derives a target price. A nil Decision means there was
// no data this cycle and the ad must be left untouched.
type PricingStrategy interface {
	Name() string
	Decide(ctx context.Context, req Request) *Decision
}

// FollowWithFallback runs Follow and delegates to Smart when the target is not found.
type FollowWithFallback struct {
	Follow PricingStrategy
	Smart  PricingStrategy
}

func (f FollowWithFallback) Name() string { return string(ModeFollow) }

func (f FollowWithFallback) Decide(ctx context.Context, req Request) *Decision {
	if d := f.Follow.Decide(ctx, req); d != nil {
		return d
	}
	d := f.Smart.Decide(ctx, req)
	if d != nil && d.Reason != ReasonFloorMatch && d.Reason != ReasonFloorPinned {
		d.Reason = ReasonTargetAbsent
	}
	return d
}

// moreCompetitive reports whether price a beats price b for an own ad on side.
// Sellers compete downwards, buyers upwards.
func moreCompetitive(side model.Side, a, b decimal.Decimal) bool {
	if side == model.SideSell {
		return a.LessThan(b)
	}
	return a.GreaterThan(b)
}

// sortByCompetitiveness orders ads from the most to the least competitive
// price. Equal prices keep their input order.
func sortByCompetitiveness(side model.Side, ads []model.CompetitorAd) {
	sort.SliceStable(ads, func(i, j int) bool {
		return moreCompetitive(side, ads[i].Price, ads[j].Price)
	})
}

// targetPrice applies the match/undercut rule to a reference price.
func targetPrice(side model.Side, ref decimal.Decimal, s Settings) (decimal.Decimal, string) {
	if s.Match {
		return ref.Round(pricePrecision), ReasonMatch
	}
	if side == model.SideSell {
		return ref.Sub(s.Undercut).Round(pricePrecision), ReasonUndercut
	}
	return ref.Add(s.Undercut).Round(pricePrecision), ReasonUndercut
}

// nameSet is a case-insensitive set of advertiser nicknames.
type nameSet map[string]struct{}

func newNameSet(names ...string) nameSet {
	set := make(nameSet, len(names))
	for _, n := range names {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

func (s nameSet) has(name string) bool {
	_, ok := s[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// excluded returns the own nickname plus the configured ignore list.
func excluded(req Request) nameSet {
	return newNameSet(append([]string{req.OwnNickname}, req.Settings.IgnoredAdvertisers...)...)
}

func without(ads []model.CompetitorAd, skip nameSet) []model.CompetitorAd {
	out := make([]model.CompetitorAd, 0, len(ads))
	for _, a := range ads {
		if !skip.has(a.Nickname) {
			out = append(out, a)
		}
	}
	return out
}
