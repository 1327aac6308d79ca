package release

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
)

// Match is a payment/order pairing that passed both the amount and the name rule.
type Match struct {
	Order       model.Order
	NameScore   float64
	AmountDelta decimal.Decimal // |payment − order|
}

// Matcher reconciles bank payments with orders awaiting settlement.
type Matcher struct {
	tolerance decimal.Decimal // relative, 0.01 = 1%
	threshold float64         // name score must be strictly above
}

func NewMatcher(tolerance decimal.Decimal, threshold float64) *Matcher {
	return &Matcher{tolerance: tolerance, threshold: threshold}
}

// AmountMatches reports whether |paid − expected| / expected ≤ tolerance.
func (m *Matcher) AmountMatches(paid, expected decimal.Decimal) bool {
	if !expected.IsPositive() {
		return false
	}
	return paid.Sub(expected).Abs().Div(expected).LessThanOrEqual(m.tolerance)
}

// NameMatches reports whether the sender name is close enough to the counterparty name.
func (m *Matcher) NameMatches(sender, counterparty string) (float64, bool) {
	score := NameScore(sender, counterparty)
	return score, score > m.threshold
}

// Best returns the strongest match for p among orders. Both rules must hold
// for every order regardless of who the counterparty is. Ties prefer the
// higher name score, then the smaller amount delta, then the older order.
func (m *Matcher) Best(p model.BankPayment, orders []model.Order) (Match, bool) {
	if !p.Settled() {
		return Match{}, false
	}

	var best Match
	found := false
	for _, o := range orders {
		if p.Currency != "" && o.Fiat != "" && !strings.EqualFold(p.Currency, o.Fiat) {
			continue
		}
		if !m.AmountMatches(p.Amount, o.Amount) {
			continue
		}
		score, ok := m.NameMatches(p.SenderName, o.CounterpartyName)
		if !ok {
			continue
		}
		c := Match{Order: o, NameScore: score, AmountDelta: p.Amount.Sub(o.Amount).Abs()}
		if !found || better(c, best) {
			best = c
			found = true
		}
	}
	return best, found
}

func better(a, b Match) bool {
	if a.NameScore != b.NameScore {
		return a.NameScore > b.NameScore
	}
	if !a.AmountDelta.Equal(b.AmountDelta) {
		return a.AmountDelta.LessThan(b.AmountDelta)
	}
	if !a.Order.CreatedAt.Equal(b.Order.CreatedAt) {
		return a.Order.CreatedAt.Before(b.Order.CreatedAt)
	}
	return a.Order.OrderNumber < b.Order.OrderNumber
}
