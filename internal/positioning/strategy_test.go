package positioning

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
)

// fakeSearcher serves canned pages keyed by page number and records queries.
type fakeSearcher struct {
	mu      sync.Mutex
	pages   map[int][]model.CompetitorAd
	err     error
	queries []model.SearchQuery
}

func (f *fakeSearcher) SearchAds(_ context.Context, q model.SearchQuery) ([]model.CompetitorAd, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	return f.pages[q.Page], nil
}

func listing(nick, price, qty string) model.CompetitorAd {
	return model.CompetitorAd{
		AdID:            "ad-" + nick + "-" + price,
		AdvertiserID:    "u-" + nick,
		Nickname:        nick,
		Price:           dec(price),
		Available:       dec(qty),
		Tier:            1,
		MonthOrderCount: 100,
		Online:          true,
	}
}

func nullDec(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

func newFetcher(s Searcher) *Fetcher {
	return NewFetcher(zap.NewNop(), s, time.Second)
}

func sellRequest(s Settings) Request {
	return Request{Side: model.SideSell, Asset: "USDT", Fiat: "MXN", Settings: s, OwnNickname: "DeskMX"}
}

func baseSettings() Settings {
	s := Defaults()
	s.Enabled = true
	s.MinMonthOrders = 10
	s.MinLiquidity = decimal.NewFromInt(100)
	return s
}

// --- Fetcher ---

func TestFetcher_InvertsSideAndSwallowsErrors(t *testing.T) {
	fs := &fakeSearcher{err: errors.New("timeout")}
	f := newFetcher(fs)

	ads := f.Fetch(context.Background(), "USDT", "MXN", model.SideSell, 1, 20)
	assert.Empty(t, ads)
	require.Len(t, fs.queries, 1)
	assert.Equal(t, model.SideBuy, fs.queries[0].Side)
}

// --- Smart ---

func TestSmart_UndercutsFirstByRanking(t *testing.T) {
	fs := &fakeSearcher{pages: map[int][]model.CompetitorAd{1: {
		listing("X", "20.00", "1000"),
		listing("Y", "20.00", "1000"),
	}}}
	d := NewSmartStrategy(newFetcher(fs), 20).Decide(context.Background(), sellRequest(baseSettings()))

	require.NotNil(t, d)
	assert.Equal(t, "19.99", d.Price.StringFixed(2))
	assert.Equal(t, "X", d.Reference)
	assert.Equal(t, ReasonUndercut, d.Reason)
	assert.False(t, d.Fallback)
}

func TestSmart_SortsLocallyNotByMarketplaceOrder(t *testing.T) {
	fs := &fakeSearcher{pages: map[int][]model.CompetitorAd{1: {
		listing("A", "20.30", "1000"),
		listing("B", "20.10", "1000"),
		listing("C", "20.20", "1000"),
	}}}
	smart := NewSmartStrategy(newFetcher(fs), 20)

	d := smart.Decide(context.Background(), sellRequest(baseSettings()))
	require.NotNil(t, d)
	assert.Equal(t, "B", d.Reference)
	assert.Equal(t, "20.09", d.Price.StringFixed(2))

	req := sellRequest(baseSettings())
	req.Side = model.SideBuy
	d = smart.Decide(context.Background(), req)
	require.NotNil(t, d)
	assert.Equal(t, "A", d.Reference)
	assert.Equal(t, "20.31", d.Price.StringFixed(2))
}

func TestSmart_MatchMode(t *testing.T) {
	fs := &fakeSearcher{pages: map[int][]model.CompetitorAd{1: {listing("X", "20.005", "1000")}}}
	s := baseSettings()
	s.Match = true

	d := NewSmartStrategy(newFetcher(fs), 20).Decide(context.Background(), sellRequest(s))
	require.NotNil(t, d)
	assert.Equal(t, "20.01", d.Price.StringFixed(2))
	assert.Equal(t, ReasonMatch, d.Reason)
}

func TestSmart_LiquidityFilterUsesFiatValue(t *testing.T) {
	// BTC-scale listing: tiny quantity but large fiat value must qualify,
	// while a cheap listing with little fiat behind it must not be the reference.
	fs := &fakeSearcher{pages: map[int][]model.CompetitorAd{1: {
		listing("Dust", "1150000.00", "0.00005"), // 57.5 MXN
		listing("Whale", "1150100.00", "0.01"),   // 11501 MXN
	}}}
	s := baseSettings()
	s.MinLiquidity = decimal.NewFromInt(1000)

	d := NewSmartStrategy(newFetcher(fs), 20).Decide(context.Background(), Request{
		Side: model.SideSell, Asset: "BTC", Fiat: "MXN", Settings: s, OwnNickname: "DeskMX",
	})
	require.NotNil(t, d)
	assert.Equal(t, "Whale", d.Reference)
	assert.Equal(t, "1150099.99", d.Price.StringFixed(2))
	assert.False(t, d.Fallback)
}

func TestSmart_FallsBackToBestUnfiltered(t *testing.T) {
	low := listing("Newbie", "19.90", "1000")
	low.MonthOrderCount = 2
	other := listing("Small", "19.95", "1")
	fs := &fakeSearcher{pages: map[int][]model.CompetitorAd{1: {other, low}}}

	d := NewSmartStrategy(newFetcher(fs), 20).Decide(context.Background(), sellRequest(baseSettings()))
	require.NotNil(t, d)
	assert.True(t, d.Fallback)
	assert.Equal(t, "Newbie", d.Reference)
	assert.Equal(t, "19.89", d.Price.StringFixed(2))
}

func TestSmart_ExcludesSelfAndIgnored(t *testing.T) {
	fs := &fakeSearcher{pages: map[int][]model.CompetitorAd{1: {
		listing("deskmx", "19.00", "1000"),
		listing("Spoofer", "19.10", "1000"),
		listing("Honest", "19.50", "1000"),
	}}}
	s := baseSettings()
	s.IgnoredAdvertisers = []string{"SPOOFER"}

	d := NewSmartStrategy(newFetcher(fs), 20).Decide(context.Background(), sellRequest(s))
	require.NotNil(t, d)
	assert.Equal(t, "Honest", d.Reference)
}

func TestSmart_NilWithoutData(t *testing.T) {
	smart := NewSmartStrategy(newFetcher(&fakeSearcher{}), 20)
	assert.Nil(t, smart.Decide(context.Background(), sellRequest(baseSettings())))

	onlySelf := &fakeSearcher{pages: map[int][]model.CompetitorAd{1: {listing("DeskMX", "19", "1000")}}}
	smart = NewSmartStrategy(newFetcher(onlySelf), 20)
	assert.Nil(t, smart.Decide(context.Background(), sellRequest(baseSettings())))
}

func TestSmart_FloorDefense(t *testing.T) {
	fs := &fakeSearcher{pages: map[int][]model.CompetitorAd{1: {
		listing("Trap", "15.00", "1000"),
		listing("Fair", "19.85", "1000"),
	}}}
	s := baseSettings()
	s.PriceFloor = nullDec(dec("19.70"))

	d := NewSmartStrategy(newFetcher(fs), 20).Decide(context.Background(), sellRequest(s))
	require.NotNil(t, d)
	assert.Equal(t, "19.85", d.Price.StringFixed(2))
	assert.Equal(t, ReasonFloorMatch, d.Reason)
	assert.Equal(t, "Fair", d.Reference)
}

// --- Follow ---

func followSettings(floor string) Settings {
	s := baseSettings()
	s.Mode = ModeFollow
	s.FollowTarget = "Rival"
	if floor != "" {
		s.PriceFloor = nullDec(dec(floor))
	}
	return s
}

func TestFollow_SkipsListingBelowFloor(t *testing.T) {
	fs := &fakeSearcher{pages: map[int][]model.CompetitorAd{1: {
		listing("Rival", "19.50", "1000"),
		listing("Rival", "19.80", "1000"),
		listing("Other", "20.10", "1000"),
	}}}
	d := NewFollowStrategy(newFetcher(fs), 3, 20, 0).Decide(context.Background(), sellRequest(followSettings("19.70")))

	require.NotNil(t, d)
	assert.Equal(t, "19.79", d.Price.StringFixed(2))
	assert.Equal(t, "Rival", d.Reference)
	assert.Equal(t, ReasonUndercut, d.Reason)
}

func TestFollow_ScansPagesAndCollectsAllTargetListings(t *testing.T) {
	fs := &fakeSearcher{pages: map[int][]model.CompetitorAd{
		1: {listing("A", "19.00", "1000"), listing("B", "19.10", "1000")},
		2: {listing("rival", "19.60", "1000"), listing("C", "19.70", "1000")},
		3: {listing("Rival", "19.40", "1000")},
		4: {listing("Rival", "10.00", "1000")},
	}}
	d := NewFollowStrategy(newFetcher(fs), 3, 2, 0).Decide(context.Background(), sellRequest(followSettings("")))

	require.NotNil(t, d)
	assert.Equal(t, "19.39", d.Price.StringFixed(2), "page 4 is outside the scan window")
	assert.Len(t, fs.queries, 3)
}

func TestFollow_PausesBetweenPages(t *testing.T) {
	fs := &fakeSearcher{pages: map[int][]model.CompetitorAd{
		1: {listing("A", "19.00", "1000"), listing("B", "19.10", "1000")},
		2: {listing("rival", "19.60", "1000"), listing("C", "19.70", "1000")},
		3: {listing("Rival", "19.40", "1000")},
	}}
	f := NewFollowStrategy(newFetcher(fs), 3, 2, 250*time.Millisecond)
	var pauses []time.Duration
	f.pause = func(_ context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return nil
	}

	d := f.Decide(context.Background(), sellRequest(followSettings("")))
	require.NotNil(t, d)
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, pauses, "no pause before the first page")
}

func TestFollow_CancelledDuringPauseUsesPagesSoFar(t *testing.T) {
	fs := &fakeSearcher{pages: map[int][]model.CompetitorAd{
		1: {listing("Rival", "19.60", "1000"), listing("B", "19.10", "1000")},
		2: {listing("Rival", "19.00", "1000"), listing("C", "19.70", "1000")},
	}}
	f := NewFollowStrategy(newFetcher(fs), 3, 2, time.Second)
	f.pause = func(context.Context, time.Duration) error { return context.Canceled }

	d := f.Decide(context.Background(), sellRequest(followSettings("")))
	require.NotNil(t, d)
	assert.Len(t, fs.queries, 1)
	assert.Equal(t, "Rival", d.Reference)
}

func TestFollow_StopsOnShortPage(t *testing.T) {
	fs := &fakeSearcher{pages: map[int][]model.CompetitorAd{
		1: {listing("Rival", "19.60", "1000")},
		2: {listing("Rival", "19.00", "1000")},
	}}
	d := NewFollowStrategy(newFetcher(fs), 3, 20, 0).Decide(context.Background(), sellRequest(followSettings("")))
	require.NotNil(t, d)
	assert.Equal(t, "19.59", d.Price.StringFixed(2))
	assert.Len(t, fs.queries, 1)
}

func TestFollow_FloorBreachMatchesCheapestAboveFloor(t *testing.T) {
	fs := &fakeSearcher{pages: map[int][]model.CompetitorAd{1: {
		listing("Rival", "19.00", "1000"),
		listing("DeskMX", "19.75", "1000"),
		listing("Spoofer", "19.72", "1000"),
		listing("Under", "19.60", "1000"),
		listing("Fair", "19.90", "1000"),
		listing("Fairer", "19.80", "1000"),
	}}}
	s := followSettings("19.70")
	s.IgnoredAdvertisers = []string{"spoofer"}

	d := NewFollowStrategy(newFetcher(fs), 3, 20, 0).Decide(context.Background(), sellRequest(s))
	require.NotNil(t, d)
	assert.Equal(t, "19.80", d.Price.StringFixed(2))
	assert.Equal(t, "Fairer", d.Reference)
	assert.Equal(t, ReasonFloorMatch, d.Reason)
}

func TestFollow_FloorPinnedWhenEverythingBelow(t *testing.T) {
	fs := &fakeSearcher{pages: map[int][]model.CompetitorAd{1: {
		listing("Rival", "18.00", "1000"),
		listing("Rival", "18.50", "1000"),
		listing("A", "17.00", "1000"),
	}}}
	d := NewFollowStrategy(newFetcher(fs), 3, 20, 0).Decide(context.Background(), sellRequest(followSettings("19.70")))
	require.NotNil(t, d)
	assert.True(t, d.Price.Equal(dec("19.70")))
	assert.Equal(t, ReasonFloorPinned, d.Reason)
}

func TestFollow_FloorHoldsForAnySnapshot(t *testing.T) {
	floor := dec("19.70")
	snapshots := [][]model.CompetitorAd{
		{listing("Rival", "19.71", "1000")},
		{listing("Rival", "19.70", "1000"), listing("X", "19.69", "1")},
		{listing("Rival", "1.00", "1000"), listing("Rival", "2.00", "1000")},
		{listing("Rival", "25.00", "1000"), listing("Rival", "19.65", "1000"), listing("Y", "19.71", "1000")},
		{listing("Rival", "19.705", "1000")},
	}
	for i, snap := range snapshots {
		fs := &fakeSearcher{pages: map[int][]model.CompetitorAd{1: snap}}
		d := NewFollowStrategy(newFetcher(fs), 3, 20, 0).Decide(context.Background(), sellRequest(followSettings("19.70")))
		require.NotNil(t, d, "snapshot %d", i)
		assert.False(t, d.Price.LessThan(floor), "snapshot %d priced %s below floor", i, d.Price)
	}
}

func TestFollow_BuySideIgnoresFloor(t *testing.T) {
	fs := &fakeSearcher{pages: map[int][]model.CompetitorAd{1: {
		listing("Rival", "18.00", "1000"),
		listing("Rival", "18.40", "1000"),
	}}}
	req := sellRequest(followSettings("19.70"))
	req.Side = model.SideBuy
	d := NewFollowStrategy(newFetcher(fs), 3, 20, 0).Decide(context.Background(), req)
	require.NotNil(t, d)
	assert.Equal(t, "18.41", d.Price.StringFixed(2))
}

func TestFollowWithFallback_DelegatesToSmart(t *testing.T) {
	fs := &fakeSearcher{pages: map[int][]model.CompetitorAd{1: {listing("X", "20.00", "1000")}}}
	f := newFetcher(fs)
	strategy := FollowWithFallback{
		Follow: NewFollowStrategy(f, 3, 20, 0),
		Smart:  NewSmartStrategy(f, 20),
	}

	d := strategy.Decide(context.Background(), sellRequest(followSettings("")))
	require.NotNil(t, d)
	assert.Equal(t, string(ModeSmart), d.Strategy)
	assert.Equal(t, ReasonTargetAbsent, d.Reason)
	assert.Equal(t, "19.99", d.Price.StringFixed(2))
}
