package positioning

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/p2p-autotrader/internal/metrics"
	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
)

// Searcher is the marketplace competitor search.
type Searcher interface {
	SearchAds(ctx context.Context, q model.SearchQuery) ([]model.CompetitorAd, error)
}

// Fetcher retrieves competitor snapshots. It never fails: transport errors
// and timeouts yield an empty snapshot, which callers treat as "no data this
// cycle" and never as "no competitors".
type Fetcher struct {
	logger  *zap.Logger
	search  Searcher
	timeout time.Duration
}

func NewFetcher(logger *zap.Logger, search Searcher, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Fetcher{logger: logger, search: search, timeout: timeout}
}

// Fetch returns one page of listings competing with an own ad on side.
// The marketplace is searched in the inverse direction.
func (f *Fetcher) Fetch(ctx context.Context, asset, fiat string, own model.Side, page, rows int) []model.CompetitorAd {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	q := model.SearchQuery{
		Asset: asset,
		Fiat:  fiat,
		Side:  own.Inverse(),
		Page:  page,
		Rows:  rows,
	}
	ads, err := f.search.SearchAds(ctx, q)
	if err != nil {
		f.logger.Warn("positioning.fetch_failed",
			zap.String("asset", asset),
			zap.String("fiat", fiat),
			zap.String("side", string(own)),
			zap.Int("page", page),
			zap.Error(err))
		metrics.IncError("fetcher", "search_failed")
		return nil
	}
	return ads
}
