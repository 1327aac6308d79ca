package release

import (
	"fmt"

	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
)

// RiskThresholds are the minimums a counterparty must meet for unattended release.
type RiskThresholds struct {
	MinTotalOrders    int
	MinOrders30d      int
	MinAccountAgeDays int
	MinPositiveRate   float64 // 0..1
}

// RiskAssessment lists every failed check; Pass is true when there are none.
type RiskAssessment struct {
	Pass    bool
	Reasons []string
}

// RiskAssessor scores counterparty history against fixed thresholds.
type RiskAssessor struct {
	th RiskThresholds
}

func NewRiskAssessor(th RiskThresholds) RiskAssessor {
	return RiskAssessor{th: th}
}

func (a RiskAssessor) Assess(s model.CounterpartyStats) RiskAssessment {
	var reasons []string
	if s.TotalOrders < a.th.MinTotalOrders {
		reasons = append(reasons, fmt.Sprintf("total orders %d < %d", s.TotalOrders, a.th.MinTotalOrders))
	}
	if s.Orders30d < a.th.MinOrders30d {
		reasons = append(reasons, fmt.Sprintf("30d orders %d < %d", s.Orders30d, a.th.MinOrders30d))
	}
	if s.AccountAgeDays < a.th.MinAccountAgeDays {
		reasons = append(reasons, fmt.Sprintf("account age %dd < %dd", s.AccountAgeDays, a.th.MinAccountAgeDays))
	}
	if s.PositiveRate < a.th.MinPositiveRate {
		reasons = append(reasons, fmt.Sprintf("positive rate %.2f < %.2f", s.PositiveRate, a.th.MinPositiveRate))
	}
	return RiskAssessment{Pass: len(reasons) == 0, Reasons: reasons}
}
