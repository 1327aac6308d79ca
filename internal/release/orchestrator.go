package release

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/p2p-autotrader/internal/marketplace"
	"github.com/Checker-Finance/p2p-autotrader/internal/metrics"
	"github.com/Checker-Finance/p2p-autotrader/internal/rate"
	"github.com/Checker-Finance/p2p-autotrader/internal/twofa"
	"github.com/Checker-Finance/p2p-autotrader/pkg/eventbus"
	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
)

// ErrPaymentAlreadyClaimed is returned when a bank transaction was already
// consumed by an order.
var ErrPaymentAlreadyClaimed = errors.New("release: payment already claimed")

// Marketplace is the subset of the marketplace client the release flow needs.
type Marketplace interface {
	GetOrder(ctx context.Context, orderNumber string) (model.Order, error)
	CounterpartyStats(ctx context.Context, orderNumber string) (model.CounterpartyStats, error)
	Release(ctx context.Context, r model.ReleaseRequest) error
}

// CodeProvider supplies one-time 2FA codes.
type CodeProvider interface {
	Code(ctx context.Context, authType string) (string, error)
}

// ClaimStore records which order consumed a bank transaction. ClaimPayment
// must be atomic across processes: exactly one caller wins per txID.
type ClaimStore interface {
	ClaimPayment(ctx context.Context, txID, orderNumber string) (bool, error)
	PaymentClaimedBy(ctx context.Context, txID string) (string, error)
}

// TrustedStats is updated after a successful release to a trusted counterparty.
type TrustedStats interface {
	IncrementTrustedStats(ctx context.Context, counterpartyID string, amount decimal.Decimal) error
}

// PaymentPool persists unmatched payments so a restart does not lose money
// that intake already acknowledged.
type PaymentPool interface {
	PoolPayment(ctx context.Context, account string, p model.PooledPayment, ttl time.Duration) error
	UnpoolPayment(ctx context.Context, account, txID string) error
	PooledPayments(ctx context.Context, account string) ([]model.PooledPayment, error)
}

// StatsCache holds counterparty history between pipelines. A miss is any error.
type StatsCache interface {
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest any) error
}

// Limits are the release thresholds that may differ per product.
type Limits struct {
	MaxAutoRelease   decimal.Decimal
	LowRiskThreshold decimal.Decimal
	Risk             RiskThresholds
}

// LimitSource overrides the configured limits for one (side, asset) product.
type LimitSource interface {
	Limits(key model.ProductKey, base Limits) Limits
}

// Config for one account's orchestrator.
type Config struct {
	Account             string
	AuthType            string
	AmountTolerance     decimal.Decimal
	NameThreshold       float64
	MaxAutoRelease      decimal.Decimal
	LowRiskThreshold    decimal.Decimal
	Risk                RiskThresholds
	MaxReleaseAttempts  int
	CallTimeout         time.Duration // stats and order re-query
	ReleaseTimeout      time.Duration
	RetryDelay          time.Duration
	StepAttempts        int           // tries for stats, code and re-query before giving up
	StepRetryDelay      time.Duration // grows linearly per try
	UnmatchedPaymentTTL time.Duration
}

// Option sets an optional collaborator.
type Option func(*Orchestrator)

// WithPaymentPool persists the unmatched-payment pool.
func WithPaymentPool(p PaymentPool) Option {
	return func(o *Orchestrator) { o.pool = p }
}

// WithStatsCache caches counterparty stats for ttl.
func WithStatsCache(c StatsCache, ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.statsCache = c
		o.statsTTL = ttl
	}
}

// WithLimitSource applies per-product release limits.
func WithLimitSource(s LimitSource) Option {
	return func(o *Orchestrator) { o.limits = s }
}

// PaymentResult tells intake what happened to a payment.
type PaymentResult struct {
	Matched     bool   `json:"matched"`
	OrderNumber string `json:"order_number,omitempty"`
	Pooled      bool   `json:"pooled"`
}

type tracked struct {
	order   model.Order
	attempt model.ReleaseAttempt
	running bool
}

const statsKeyPrefix = "p2p:stats:"

// errShutdown marks a step abandoned because the orchestrator is closing.
var errShutdown = errors.New("shutdown before retry")

// Orchestrator drives each order of one account from payment detection to
// release. Matching is serialized by mu together with the claim store, so a
// payment is consumed at most once and an order is detected at most once.
type Orchestrator struct {
	logger   *zap.Logger
	cfg      Config
	market   Marketplace
	codes    CodeProvider
	claims   ClaimStore
	registry *Registry
	stats    TrustedStats
	matcher  *Matcher
	bus      *eventbus.Bus[model.ReleaseEvent]

	pool       PaymentPool
	statsCache StatsCache
	statsTTL   time.Duration
	limits     LimitSource

	mu        sync.Mutex
	orders    map[string]*tracked
	unmatched map[string]model.PooledPayment

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator wires an orchestrator. stats may be nil.
func NewOrchestrator(
	logger *zap.Logger,
	cfg Config,
	market Marketplace,
	codes CodeProvider,
	claims ClaimStore,
	registry *Registry,
	stats TrustedStats,
	bus *eventbus.Bus[model.ReleaseEvent],
	opts ...Option,
) *Orchestrator {
	if cfg.MaxReleaseAttempts <= 0 {
		cfg.MaxReleaseAttempts = 1
	}
	if cfg.StepAttempts <= 0 {
		cfg.StepAttempts = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		logger:    logger.With(zap.String("account", cfg.Account)),
		cfg:       cfg,
		market:    market,
		codes:     codes,
		claims:    claims,
		registry:  registry,
		stats:     stats,
		matcher:   NewMatcher(cfg.AmountTolerance, cfg.NameThreshold),
		bus:       bus,
		orders:    make(map[string]*tracked),
		unmatched: make(map[string]model.PooledPayment),
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
		sleep:     rate.Pause,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleOrder records the latest marketplace view of an order. Only SELL
// orders are tracked: on a BUY the fiat flows the other way and there is
// nothing to release. Orders the marketplace reports as finished stop being
// tracked; a newly payable order is tried against the pool of unmatched
// payments.
func (o *Orchestrator) HandleOrder(ctx context.Context, order model.Order) {
	if order.Side != model.SideSell {
		o.logger.Debug("release.order_ignored",
			zap.String("order", order.OrderNumber),
			zap.String("side", string(order.Side)))
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.orders[order.OrderNumber]
	if !ok {
		if !order.Status.Open() {
			return
		}
		t = &tracked{
			order: order,
			attempt: model.ReleaseAttempt{
				OrderNumber: order.OrderNumber,
				Stage:       model.StageAwaitingPayment,
				UpdatedAt:   o.now().UTC(),
			},
		}
		o.orders[order.OrderNumber] = t
		o.logger.Debug("release.order_tracked",
			zap.String("order", order.OrderNumber),
			zap.String("status", string(order.Status)))
	} else {
		t.order = order
	}

	if !order.Status.Open() && !t.running {
		if t.attempt.Stage == model.StageAwaitingPayment || t.attempt.Stage.Terminal() {
			delete(o.orders, order.OrderNumber)
			o.logger.Debug("release.order_untracked",
				zap.String("order", order.OrderNumber),
				zap.String("status", string(order.Status)),
				zap.String("stage", string(t.attempt.Stage)))
		}
		return
	}

	o.pruneUnmatched(ctx)
	if t.attempt.Stage == model.StageAwaitingPayment && order.Status.Releasable() {
		o.retryPool(ctx)
	}
}

// HandlePayment tries to match a bank payment to an awaiting order. Unmatched
// payments are pooled until an order shows up or the pool entry expires.
func (o *Orchestrator) HandlePayment(ctx context.Context, p model.BankPayment) (PaymentResult, error) {
	if !p.Settled() {
		o.logger.Info("release.payment_unsettled",
			zap.String("tx_id", p.TxID),
			zap.String("status", p.Status))
		return PaymentResult{}, nil
	}
	if p.TxID == "" {
		return PaymentResult{}, errors.New("payment has no transaction id")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	owner, err := o.claims.PaymentClaimedBy(ctx, p.TxID)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("check payment claim: %w", err)
	}
	if owner != "" {
		return PaymentResult{OrderNumber: owner}, ErrPaymentAlreadyClaimed
	}

	o.pruneUnmatched(ctx)
	if _, pooled := o.unmatched[p.TxID]; pooled {
		return PaymentResult{Pooled: true}, nil
	}

	match, ok := o.matcher.Best(p, o.awaitingOrders())
	if !ok {
		pp := model.PooledPayment{Payment: p, ReceivedAt: o.now()}
		if o.pool != nil {
			if err := o.pool.PoolPayment(ctx, o.cfg.Account, pp, o.cfg.UnmatchedPaymentTTL); err != nil {
				return PaymentResult{}, fmt.Errorf("persist pooled payment: %w", err)
			}
		}
		o.unmatched[p.TxID] = pp
		o.logger.Info("release.payment_pooled",
			zap.String("tx_id", p.TxID),
			zap.String("amount", p.Amount.String()),
			zap.Int("pool_size", len(o.unmatched)))
		return PaymentResult{Pooled: true}, nil
	}

	if err := o.claimLocked(ctx, p, match); err != nil {
		return PaymentResult{}, err
	}
	return PaymentResult{Matched: true, OrderNumber: match.Order.OrderNumber}, nil
}

// Restore reloads the persisted pool after a restart and matches it against
// the orders known so far. Expired or already claimed entries are dropped.
func (o *Orchestrator) Restore(ctx context.Context) (int, error) {
	if o.pool == nil {
		return 0, nil
	}
	saved, err := o.pool.PooledPayments(ctx, o.cfg.Account)
	if err != nil {
		return 0, fmt.Errorf("load pooled payments: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	restored := 0
	for _, pp := range saved {
		owner, err := o.claims.PaymentClaimedBy(ctx, pp.Payment.TxID)
		if err != nil {
			return restored, fmt.Errorf("check payment claim: %w", err)
		}
		if owner != "" {
			o.unpool(ctx, pp.Payment.TxID)
			continue
		}
		o.unmatched[pp.Payment.TxID] = pp
		restored++
	}
	o.pruneUnmatched(ctx)
	o.retryPool(ctx)

	o.logger.Info("release.pool_restored",
		zap.Int("loaded", len(saved)),
		zap.Int("pool_size", len(o.unmatched)))
	return restored, nil
}

// Attempt returns the release progress of an order.
func (o *Orchestrator) Attempt(orderNumber string) (model.ReleaseAttempt, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.orders[orderNumber]
	if !ok {
		return model.ReleaseAttempt{}, false
	}
	return t.attempt, true
}

// Wait blocks until every running pipeline has finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Close stops pending retries and waits for in-flight pipelines. Release
// calls already sent run to completion.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// awaitingOrders lists SELL orders that can take a payment. Caller holds mu.
func (o *Orchestrator) awaitingOrders() []model.Order {
	out := make([]model.Order, 0, len(o.orders))
	for _, t := range o.orders {
		if t.order.Side == model.SideSell && t.attempt.Stage == model.StageAwaitingPayment && t.order.Status.Releasable() {
			out = append(out, t.order)
		}
	}
	return out
}

// retryPool matches pooled payments, oldest first. Caller holds mu.
func (o *Orchestrator) retryPool(ctx context.Context) {
	if len(o.unmatched) == 0 {
		return
	}
	pool := make([]model.PooledPayment, 0, len(o.unmatched))
	for _, pp := range o.unmatched {
		pool = append(pool, pp)
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].ReceivedAt.Before(pool[j].ReceivedAt) })

	for _, pp := range pool {
		match, ok := o.matcher.Best(pp.Payment, o.awaitingOrders())
		if !ok {
			continue
		}
		if err := o.claimLocked(ctx, pp.Payment, match); err != nil {
			o.logger.Warn("release.pool_claim_failed",
				zap.String("tx_id", pp.Payment.TxID),
				zap.Error(err))
			if errors.Is(err, ErrPaymentAlreadyClaimed) {
				delete(o.unmatched, pp.Payment.TxID)
				o.unpool(ctx, pp.Payment.TxID)
			}
		}
	}
}

// pruneUnmatched drops pool entries older than the TTL. Caller holds mu.
func (o *Orchestrator) pruneUnmatched(ctx context.Context) {
	if o.cfg.UnmatchedPaymentTTL <= 0 {
		return
	}
	cutoff := o.now().Add(-o.cfg.UnmatchedPaymentTTL)
	for id, pp := range o.unmatched {
		if pp.ReceivedAt.Before(cutoff) {
			delete(o.unmatched, id)
			o.unpool(ctx, id)
			metrics.IncPayment("pool", "expired")
			o.logger.Warn("release.unmatched_payment_expired",
				zap.String("tx_id", id),
				zap.String("amount", pp.Payment.Amount.String()),
				zap.String("sender", pp.Payment.SenderName))
		}
	}
}

// unpool removes a payment from the persisted pool. A failure only delays
// cleanup: the entry expires with the hash, and Restore skips claimed payments.
func (o *Orchestrator) unpool(ctx context.Context, txID string) {
	if o.pool == nil {
		return
	}
	if err := o.pool.UnpoolPayment(ctx, o.cfg.Account, txID); err != nil {
		o.logger.Warn("release.unpool_failed",
			zap.String("tx_id", txID),
			zap.Error(err))
	}
}

// claimLocked is the critical section: claim the payment, then move the order
// to PAYMENT_DETECTED and start its pipeline. Caller holds mu.
func (o *Orchestrator) claimLocked(ctx context.Context, p model.BankPayment, m Match) error {
	t := o.orders[m.Order.OrderNumber]
	if t == nil || t.attempt.Stage != model.StageAwaitingPayment {
		return fmt.Errorf("order %s is no longer awaiting payment", m.Order.OrderNumber)
	}

	won, err := o.claims.ClaimPayment(ctx, p.TxID, m.Order.OrderNumber)
	if err != nil {
		return fmt.Errorf("claim payment: %w", err)
	}
	if !won {
		o.logger.Error("release.double_claim",
			zap.String("reason", model.ReasonDoubleClaim),
			zap.String("tx_id", p.TxID),
			zap.String("order", m.Order.OrderNumber))
		metrics.IncError("release", model.ReasonDoubleClaim)
		return ErrPaymentAlreadyClaimed
	}

	if _, pooled := o.unmatched[p.TxID]; pooled {
		delete(o.unmatched, p.TxID)
		o.unpool(ctx, p.TxID)
	}
	t.attempt.Stage = model.StagePaymentDetected
	t.attempt.PaymentTxID = p.TxID
	t.attempt.LastReason = model.ReasonPaymentMatched
	t.attempt.UpdatedAt = o.now().UTC()
	t.running = true

	o.logger.Info("release.payment_matched",
		zap.String("order", m.Order.OrderNumber),
		zap.String("tx_id", p.TxID),
		zap.Float64("name_score", m.NameScore),
		zap.String("amount_delta", m.AmountDelta.String()))

	o.wg.Add(1)
	go o.run(t.order, p.TxID)
	return nil
}

// run is the per-order pipeline after PAYMENT_DETECTED.
func (o *Orchestrator) run(order model.Order, txID string) {
	defer o.wg.Done()
	ctx := o.ctx
	num := order.OrderNumber

	o.emit(order, model.StagePaymentDetected, model.ReasonPaymentMatched, "bank transaction "+txID, 0, false)

	lim := o.limitsFor(order)

	// Risk.
	var riskReason string
	switch {
	case o.registry != nil && o.registry.IsTrusted(order.CounterpartyID):
		riskReason = model.ReasonRiskSkippedTrusted
	case order.Amount.LessThan(lim.LowRiskThreshold):
		riskReason = model.ReasonRiskSkippedLowAmount
	default:
		stats, err := o.counterpartyStats(ctx, order)
		if err != nil {
			o.finish(order, model.StageManualRequired, stepFailureReason(err, model.ReasonRiskDataUnavailable), err.Error(), 0)
			return
		}
		if a := NewRiskAssessor(lim.Risk).Assess(stats); !a.Pass {
			o.finish(order, model.StageManualRequired, model.ReasonRiskCheckFailed, strings.Join(a.Reasons, "; "), 0)
			return
		}
		riskReason = model.ReasonRiskPassed
	}
	o.transition(order, model.StageRiskEvaluated, riskReason, "", 0)

	// Ceiling, independent of trust.
	if order.Amount.GreaterThan(lim.MaxAutoRelease) {
		o.finish(order, model.StageManualRequired, model.ReasonAmountAboveCeiling,
			fmt.Sprintf("amount %s above auto-release ceiling %s", order.Amount, lim.MaxAutoRelease), 0)
		return
	}

	for attempt := 1; ; attempt++ {
		var code string
		err := o.retryStep(ctx, num, "two_factor", func() error {
			var cerr error
			code, cerr = o.codes.Code(ctx, o.cfg.AuthType)
			return cerr
		}, func(err error) bool {
			return ctx.Err() != nil || errors.Is(err, twofa.ErrNotConfigured) || errors.Is(err, twofa.ErrUnsupportedAuthType)
		})
		if err != nil {
			reason := stepFailureReason(err, model.ReasonTwoFactorUnavailable)
			if ctx.Err() != nil {
				reason = model.ReasonShutdownBeforeRetry
			}
			o.finish(order, model.StageManualRequired, reason, err.Error(), attempt-1)
			return
		}
		o.transition(order, model.StageCodeAcquired, model.ReasonCodeAcquired, "", attempt)

		// The marketplace status is authoritative: never release on a stale view.
		cur, err := o.requery(ctx, num)
		if err != nil {
			o.finish(order, model.StageManualRequired, stepFailureReason(err, model.ReasonOutcomeUnknown), "order re-query failed: "+err.Error(), attempt-1)
			return
		}
		if done := o.settleOnStatus(cur, attempt-1, model.ReasonReleasedExternally); done {
			return
		}

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ReleaseTimeout)
		err = o.market.Release(rctx, model.ReleaseRequest{
			OrderNumber: num,
			AuthType:    o.cfg.AuthType,
			Code:        code,
		})
		cancel()
		o.setAttempts(num, attempt)

		if err == nil {
			o.finish(order, model.StageReleased, model.ReasonReleased, "", attempt)
			return
		}

		failReason := model.ReasonReleaseRejected
		if !marketplace.IsRejection(err) {
			o.logger.Warn("release.outcome_unknown",
				zap.String("order", num),
				zap.Int("attempt", attempt),
				zap.Error(err))
			cur, qerr := o.requery(ctx, num)
			if qerr != nil {
				// the release may have gone through, so this stays outcome_unknown even on shutdown
				o.finish(order, model.StageManualRequired, model.ReasonOutcomeUnknown,
					fmt.Sprintf("release: %v; re-query: %v", err, qerr), attempt)
				return
			}
			if done := o.settleOnStatus(cur, attempt, model.ReasonReleased); done {
				return
			}
			failReason = model.ReasonOutcomeUnknown
		}

		o.transition(order, model.StageReleaseFailed, failReason, err.Error(), attempt)

		if attempt >= o.cfg.MaxReleaseAttempts {
			o.finish(order, model.StageManualRequired, model.ReasonRetriesExhausted,
				fmt.Sprintf("gave up after %d attempts: %v", attempt, err), attempt)
			return
		}
		if err := o.sleep(ctx, o.cfg.RetryDelay); err != nil {
			o.finish(order, model.StageManualRequired, model.ReasonShutdownBeforeRetry, err.Error(), attempt)
			return
		}
	}
}

// settleOnStatus finishes the pipeline if the marketplace status already
// decides it: released, or no longer releasable.
func (o *Orchestrator) settleOnStatus(cur model.Order, attempt int, releasedReason string) bool {
	switch {
	case cur.Status == model.OrderReleased:
		o.finish(cur, model.StageReleased, releasedReason, "", attempt)
		return true
	case !cur.Status.Releasable():
		o.finish(cur, model.StageReleaseFailed, model.ReasonOrderNotReleasable,
			"marketplace status "+string(cur.Status), attempt)
		return true
	}
	return false
}

// limitsFor resolves the thresholds for the order's product.
func (o *Orchestrator) limitsFor(order model.Order) Limits {
	base := Limits{
		MaxAutoRelease:   o.cfg.MaxAutoRelease,
		LowRiskThreshold: o.cfg.LowRiskThreshold,
		Risk:             o.cfg.Risk,
	}
	if o.limits == nil {
		return base
	}
	return o.limits.Limits(model.ProductKey{Side: order.Side, Asset: order.Asset}, base)
}

// counterpartyStats reads the cache first, then the marketplace with retries.
func (o *Orchestrator) counterpartyStats(ctx context.Context, order model.Order) (model.CounterpartyStats, error) {
	key := statsKeyPrefix + order.CounterpartyID
	cacheable := o.statsCache != nil && order.CounterpartyID != ""
	if cacheable {
		var cached model.CounterpartyStats
		if err := o.statsCache.GetJSON(ctx, key, &cached); err == nil {
			metrics.IncStatsCache("hit")
			return cached, nil
		}
		metrics.IncStatsCache("miss")
	}

	var stats model.CounterpartyStats
	err := o.retryStep(ctx, order.OrderNumber, "counterparty_stats", func() error {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CallTimeout)
		defer cancel()
		var serr error
		stats, serr = o.market.CounterpartyStats(sctx, order.OrderNumber)
		return serr
	}, permanentMarketError)
	if err != nil {
		return model.CounterpartyStats{}, err
	}

	if cacheable {
		if err := o.statsCache.SetJSON(ctx, key, stats, o.statsTTL); err != nil {
			o.logger.Warn("release.stats_cache_failed",
				zap.String("counterparty_id", order.CounterpartyID),
				zap.Error(err))
		}
	}
	return stats, nil
}

// requery fetches the order with retries on transient failures.
func (o *Orchestrator) requery(ctx context.Context, num string) (model.Order, error) {
	var cur model.Order
	err := o.retryStep(ctx, num, "order_requery", func() error {
		var qerr error
		cur, qerr = o.getOrder(ctx, num)
		return qerr
	}, permanentMarketError)
	return cur, err
}

// retryStep runs fn up to StepAttempts times, pausing StepRetryDelay*try
// between tries. Errors for which permanent is true end the step at once.
func (o *Orchestrator) retryStep(ctx context.Context, num, step string, fn func() error, permanent func(error) bool) error {
	for try := 1; ; try++ {
		err := fn()
		if err == nil {
			return nil
		}
		if permanent(err) || try >= o.cfg.StepAttempts {
			return err
		}
		o.logger.Warn("release.step_retry",
			zap.String("order", num),
			zap.String("step", step),
			zap.Int("try", try),
			zap.Error(err))
		metrics.IncError("release", step+"_retry")
		if serr := o.sleep(ctx, time.Duration(try)*o.cfg.StepRetryDelay); serr != nil {
			return fmt.Errorf("%w: %v", errShutdown, err)
		}
	}
}

// permanentMarketError is true for definite refusals; rate limits and
// transport failures are worth another try.
func permanentMarketError(err error) bool {
	return marketplace.IsRejection(err) && !errors.Is(err, marketplace.ErrRateLimited)
}

func stepFailureReason(err error, fallback string) string {
	if errors.Is(err, errShutdown) {
		return model.ReasonShutdownBeforeRetry
	}
	return fallback
}

func (o *Orchestrator) getOrder(ctx context.Context, num string) (model.Order, error) {
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CallTimeout)
	defer cancel()
	cur, err := o.market.GetOrder(qctx, num)
	if err != nil {
		return model.Order{}, err
	}
	o.mu.Lock()
	if t, ok := o.orders[num]; ok {
		t.order.Status = cur.Status
		t.order.UpdatedAt = cur.UpdatedAt
	}
	o.mu.Unlock()
	return cur, nil
}

func (o *Orchestrator) setAttempts(num string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.orders[num]; ok {
		t.attempt.Attempts = n
	}
}

// transition records a non-terminal stage and publishes it.
func (o *Orchestrator) transition(order model.Order, stage model.ReleaseStage, code, reason string, attempt int) {
	o.mu.Lock()
	if t, ok := o.orders[order.OrderNumber]; ok {
		t.attempt.Stage = stage
		t.attempt.LastReason = code
		t.attempt.UpdatedAt = o.now().UTC()
	}
	o.mu.Unlock()

	o.logger.Info("release.transition",
		zap.String("order", order.OrderNumber),
		zap.String("stage", string(stage)),
		zap.String("reason_code", code),
		zap.String("reason", reason),
		zap.Int("attempt", attempt))
	o.emit(order, stage, code, reason, attempt, false)
}

// finish records a terminal stage.
func (o *Orchestrator) finish(order model.Order, stage model.ReleaseStage, code, reason string, attempt int) {
	o.mu.Lock()
	if t, ok := o.orders[order.OrderNumber]; ok {
		t.attempt.Stage = stage
		t.attempt.LastReason = code
		t.attempt.UpdatedAt = o.now().UTC()
		t.running = false
		if stage == model.StageReleased {
			t.order.Status = model.OrderReleased
		}
		order.CounterpartyID = t.order.CounterpartyID
		order.Amount = t.order.Amount
	}
	o.mu.Unlock()

	fields := []zap.Field{
		zap.String("order", order.OrderNumber),
		zap.String("stage", string(stage)),
		zap.String("reason_code", code),
		zap.String("reason", reason),
		zap.Int("attempt", attempt),
	}
	switch stage {
	case model.StageReleased:
		o.logger.Info("release.released", fields...)
		o.recordTrusted(order)
	case model.StageManualRequired:
		o.logger.Warn("release.manual_required", fields...)
	default:
		o.logger.Warn("release.failed", fields...)
	}
	o.emit(order, stage, code, reason, attempt, true)
}

func (o *Orchestrator) recordTrusted(order model.Order) {
	if o.stats == nil || o.registry == nil || !o.registry.IsTrusted(order.CounterpartyID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CallTimeout)
	defer cancel()
	if err := o.stats.IncrementTrustedStats(ctx, order.CounterpartyID, order.Amount); err != nil {
		o.logger.Warn("release.trusted_stats_failed",
			zap.String("counterparty_id", order.CounterpartyID),
			zap.Error(err))
	}
}

func (o *Orchestrator) emit(order model.Order, stage model.ReleaseStage, code, reason string, attempt int, final bool) {
	metrics.IncReleaseTransition(string(stage), code)
	if o.bus == nil {
		return
	}

	o.mu.Lock()
	var txID string
	if t, ok := o.orders[order.OrderNumber]; ok {
		txID = t.attempt.PaymentTxID
	}
	o.mu.Unlock()

	ev := model.ReleaseEvent{
		ID:          uuid.New(),
		Account:     o.cfg.Account,
		OrderNumber: order.OrderNumber,
		Stage:       stage,
		ReasonCode:  code,
		Reason:      reason,
		PaymentTxID: txID,
		Counterpart: order.CounterpartyID,
		Amount:      order.Amount,
		Attempt:     attempt,
		Final:       final,
		Timestamp:   o.now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.bus.Publish(ctx, ev); err != nil {
		o.logger.Error("release.event_publish_failed",
			zap.String("order", order.OrderNumber),
			zap.String("stage", string(stage)),
			zap.Error(err))
	}
}
