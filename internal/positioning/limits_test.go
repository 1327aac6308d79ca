package positioning

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/p2p-autotrader/internal/release"
	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
)

const limitsYAML = `
global:
  low_risk_threshold: 400
directions:
  sell:
    max_auto_release: 40000
    risk_min_total_orders: 30
products:
  - side: SELL
    asset: BTC
    max_auto_release: "2500.50"
    risk_min_positive_rate: 0.97
    risk_min_account_age_days: 90
`

func baseLimits() release.Limits {
	return release.Limits{
		MaxAutoRelease:   dec("50000"),
		LowRiskThreshold: dec("500"),
		Risk:             release.RiskThresholds{MinTotalOrders: 20, MinOrders30d: 2, MinAccountAgeDays: 30, MinPositiveRate: 0.9},
	}
}

func TestLimitSource_ProductOverDirectionOverGlobal(t *testing.T) {
	cfg, err := ParseConfig([]byte(limitsYAML))
	require.NoError(t, err)
	src := NewLimitSource(zap.NewNop(), StaticSource{Config: cfg})

	btc := src.Limits(sellBTC, baseLimits())
	assert.True(t, btc.MaxAutoRelease.Equal(dec("2500.50")))
	assert.True(t, btc.LowRiskThreshold.Equal(dec("400")))
	assert.Equal(t, 30, btc.Risk.MinTotalOrders)
	assert.Equal(t, 2, btc.Risk.MinOrders30d, "unset fields keep the service value")
	assert.Equal(t, 90, btc.Risk.MinAccountAgeDays)
	assert.InDelta(t, 0.97, btc.Risk.MinPositiveRate, 1e-9)

	usdt := src.Limits(sellUSDT, baseLimits())
	assert.True(t, usdt.MaxAutoRelease.Equal(dec("40000")))
	assert.Equal(t, 30, usdt.Risk.MinTotalOrders)
	assert.InDelta(t, 0.9, usdt.Risk.MinPositiveRate, 1e-9)
}

func TestLimitSource_NoOverridesKeepsBase(t *testing.T) {
	src := NewLimitSource(zap.NewNop(), StaticSource{})
	assert.Equal(t, baseLimits(), src.Limits(sellUSDT, baseLimits()))
}

type failingSource struct{}

func (failingSource) Load() (Config, error) { return Config{}, errors.New("no settings file") }

func TestLimitSource_UnreadableSourceKeepsBase(t *testing.T) {
	src := NewLimitSource(zap.NewNop(), failingSource{})
	assert.Equal(t, baseLimits(), src.Limits(model.ProductKey{Side: model.SideSell, Asset: "USDT"}, baseLimits()))
}

func TestResolve_ReleaseLimitsInherit(t *testing.T) {
	cfg := Config{
		Global:   Overrides{ReleaseLimits: ReleaseLimits{LowRiskThreshold: ptr(dec("300"))}},
		Products: map[model.ProductKey]Overrides{sellUSDT: {ReleaseLimits: ReleaseLimits{MaxAutoRelease: ptr(dec("1000"))}}},
	}
	s := Resolve(cfg, sellUSDT)
	require.NotNil(t, s.Release.LowRiskThreshold)
	assert.True(t, s.Release.LowRiskThreshold.Equal(dec("300")))
	require.NotNil(t, s.Release.MaxAutoRelease)
	assert.True(t, s.Release.MaxAutoRelease.Equal(dec("1000")))
	assert.Nil(t, Resolve(cfg, sellBTC).Release.MaxAutoRelease)
}

func TestParseConfig_InvalidReleaseLimits(t *testing.T) {
	cases := map[string]string{
		"negative ceiling":   "global:\n  max_auto_release: \"-1\"\n",
		"negative threshold": "directions:\n  sell:\n    low_risk_threshold: \"-5\"\n",
		"negative orders":    "products:\n  - {side: SELL, asset: USDT, risk_min_total_orders: -1}\n",
		"rate above one":     "global:\n  risk_min_positive_rate: 1.5\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(doc))
			assert.Error(t, err)
		})
	}
}
