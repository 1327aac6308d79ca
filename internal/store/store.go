package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
)

const (
	claimKeyPrefix   = "p2p:claim:"
	cursorKeyPrefix  = "p2p:chat:cursor:"
	receiptKeyPrefix = "p2p:chat:receipts:"
	poolKeyPrefix    = "p2p:pool:"

	defaultClaimTTL = 30 * 24 * time.Hour
	chatStateTTL    = 7 * 24 * time.Hour
)

type HybridStore struct {
	redis    *redis.Client
	PG       *pgxpool.Pool
	logger   *zap.Logger
	claimTTL time.Duration
}

type PGPoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// NewHybrid creates a Redis-first, Postgres-backed store. An empty pgURL runs
// on Redis alone; claims then lose their audit trail.
func NewHybrid(redisAddr string, redisDB int, redisPass, pgURL string, pgPoolConfig PGPoolConfig, claimTTL time.Duration, logger *zap.Logger) (*HybridStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if claimTTL <= 0 {
		claimTTL = defaultClaimTTL
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		DB:       redisDB,
		Password: redisPass,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	var pgPool *pgxpool.Pool
	if pgURL != "" {
		cfg, err := pgxpool.ParseConfig(pgURL)
		if err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("invalid pg config: %w", err)
		}
		if pgPoolConfig.MaxConns > 0 {
			cfg.MaxConns = pgPoolConfig.MaxConns
		}
		if pgPoolConfig.MinConns > 0 {
			cfg.MinConns = pgPoolConfig.MinConns
		}
		if pgPoolConfig.MaxConnLifetime > 0 {
			cfg.MaxConnLifetime = pgPoolConfig.MaxConnLifetime
		}
		if pgPoolConfig.MaxConnIdleTime > 0 {
			cfg.MaxConnIdleTime = pgPoolConfig.MaxConnIdleTime
		}
		if pgPoolConfig.HealthCheckPeriod > 0 {
			cfg.HealthCheckPeriod = pgPoolConfig.HealthCheckPeriod
		}
		pgPool, err = pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
	}

	return &HybridStore{redis: rdb, PG: pgPool, logger: logger, claimTTL: claimTTL}, nil
}

// NewWithClient builds a store over existing connections. pg may be nil.
func NewWithClient(rdb *redis.Client, pg *pgxpool.Pool, claimTTL time.Duration, logger *zap.Logger) *HybridStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HybridStore{redis: rdb, PG: pg, logger: logger, claimTTL: claimTTL}
}

// ─── Payment claims ───────────────────────────────────────────────────────────

// ClaimPayment binds txID to orderNumber. Redis SETNX decides the winner; the
// Postgres row is the durable audit and also catches a claim that outlived a
// Redis flush.
func (s *HybridStore) ClaimPayment(ctx context.Context, txID, orderNumber string) (bool, error) {
	won, err := s.redis.SetNX(ctx, claimKeyPrefix+txID, orderNumber, s.ttl()).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim: %w", err)
	}
	if !won || s.PG == nil {
		return won, nil
	}

	tag, err := s.PG.Exec(ctx, `
		INSERT INTO release.payment_claim (tx_id, order_number, claimed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (tx_id) DO NOTHING
	`, txID, orderNumber)
	if err != nil {
		s.logger.Error("store.pg.claim_audit_failed",
			zap.String("tx_id", txID),
			zap.String("order", orderNumber),
			zap.Error(err))
		return true, nil
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	owner, err := s.pgClaimOwner(ctx, txID)
	if err != nil || owner == "" || owner == orderNumber {
		return true, nil
	}
	s.logger.Warn("store.claim_restored_from_pg",
		zap.String("tx_id", txID),
		zap.String("owner", owner),
		zap.String("contender", orderNumber))
	if err := s.redis.Set(ctx, claimKeyPrefix+txID, owner, s.ttl()).Err(); err != nil {
		return false, fmt.Errorf("redis restore claim: %w", err)
	}
	return false, nil
}

// PaymentClaimedBy returns the order that consumed txID, or "".
func (s *HybridStore) PaymentClaimedBy(ctx context.Context, txID string) (string, error) {
	owner, err := s.redis.Get(ctx, claimKeyPrefix+txID).Result()
	if err == nil {
		return owner, nil
	}
	if !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("redis get claim: %w", err)
	}
	if s.PG == nil {
		return "", nil
	}
	owner, err = s.pgClaimOwner(ctx, txID)
	if err != nil {
		return "", err
	}
	if owner != "" {
		_ = s.redis.SetNX(ctx, claimKeyPrefix+txID, owner, s.ttl()).Err()
	}
	return owner, nil
}

func (s *HybridStore) pgClaimOwner(ctx context.Context, txID string) (string, error) {
	var owner string
	err := s.PG.QueryRow(ctx, `
		SELECT order_number FROM release.payment_claim WHERE tx_id = $1
	`, txID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("pg claim lookup: %w", err)
	}
	return owner, nil
}

func (s *HybridStore) ttl() time.Duration {
	if s.claimTTL <= 0 {
		return defaultClaimTTL
	}
	return s.claimTTL
}

// ─── Trusted counterparties ───────────────────────────────────────────────────

func (s *HybridStore) ListTrustedCounterparties(ctx context.Context) ([]model.TrustedCounterparty, error) {
	if s.PG == nil {
		return nil, fmt.Errorf("postgres unavailable")
	}
	rows, err := s.PG.Query(ctx, `
		SELECT counterparty_id, display_names, released_count, released_volume::text, active, verified_at
		FROM release.trusted_counterparty
		ORDER BY counterparty_id;
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TrustedCounterparty
	for rows.Next() {
		var (
			tc     model.TrustedCounterparty
			volume string
		)
		if err := rows.Scan(&tc.CounterpartyID, &tc.DisplayNames, &tc.ReleasedCount,
			&volume, &tc.Active, &tc.VerifiedAt); err != nil {
			return nil, err
		}
		if tc.ReleasedVolume, err = decimal.NewFromString(volume); err != nil {
			return nil, fmt.Errorf("trusted %s volume: %w", tc.CounterpartyID, err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// IncrementTrustedStats adds one release of amount to the counterparty's totals.
func (s *HybridStore) IncrementTrustedStats(ctx context.Context, counterpartyID string, amount decimal.Decimal) error {
	if s.PG == nil {
		return nil
	}
	_, err := s.PG.Exec(ctx, `
		UPDATE release.trusted_counterparty
		SET released_count = released_count + 1,
			released_volume = released_volume + $2::numeric,
			updated_at = NOW()
		WHERE counterparty_id = $1
	`, counterpartyID, amount.String())
	if err != nil {
		s.logger.Error("store.pg.trusted_stats_failed",
			zap.String("counterparty_id", counterpartyID),
			zap.Error(err))
	}
	return err
}

// ─── Chat state ───────────────────────────────────────────────────────────────

// ChatCursor returns the last processed message id for an order, 0 if none.
func (s *HybridStore) ChatCursor(ctx context.Context, orderNumber string) (int64, error) {
	id, err := s.redis.Get(ctx, cursorKeyPrefix+orderNumber).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return id, err
}

func (s *HybridStore) SetChatCursor(ctx context.Context, orderNumber string, messageID int64) error {
	return s.redis.Set(ctx, cursorKeyPrefix+orderNumber, messageID, chatStateTTL).Err()
}

func (s *HybridStore) ClearChatCursor(ctx context.Context, orderNumber string) error {
	return s.redis.Del(ctx, cursorKeyPrefix+orderNumber).Err()
}

// AddReceipt appends receipt evidence to the order's list.
func (s *HybridStore) AddReceipt(ctx context.Context, ev model.ReceiptEvidence) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	key := receiptKeyPrefix + ev.OrderNumber
	pipe := s.redis.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, chatStateTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *HybridStore) ListReceipts(ctx context.Context, orderNumber string) ([]model.ReceiptEvidence, error) {
	items, err := s.redis.LRange(ctx, receiptKeyPrefix+orderNumber, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.ReceiptEvidence, 0, len(items))
	for _, raw := range items {
		var ev model.ReceiptEvidence
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			s.logger.Warn("store.receipt_decode_failed",
				zap.String("order", orderNumber),
				zap.Error(err))
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// ─── Payment pool ─────────────────────────────────────────────────────────────

// PoolPayment stores an unmatched payment in the account's pool hash. The
// hash TTL is refreshed on every add, so an idle pool disappears on its own.
func (s *HybridStore) PoolPayment(ctx context.Context, account string, p model.PooledPayment, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	key := poolKeyPrefix + account
	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, key, p.Payment.TxID, data)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pool payment %s: %w", p.Payment.TxID, err)
	}
	return nil
}

func (s *HybridStore) UnpoolPayment(ctx context.Context, account, txID string) error {
	return s.redis.HDel(ctx, poolKeyPrefix+account, txID).Err()
}

// PooledPayments returns the account's pool, oldest first. Undecodable
// entries are skipped.
func (s *HybridStore) PooledPayments(ctx context.Context, account string) ([]model.PooledPayment, error) {
	items, err := s.redis.HGetAll(ctx, poolKeyPrefix+account).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.PooledPayment, 0, len(items))
	for txID, raw := range items {
		var pp model.PooledPayment
		if err := json.Unmarshal([]byte(raw), &pp); err != nil || pp.Payment.TxID == "" {
			s.logger.Warn("store.pooled_payment_decode_failed",
				zap.String("account", account),
				zap.String("tx_id", txID),
				zap.Error(err))
			continue
		}
		out = append(out, pp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

// ─── Cache ────────────────────────────────────────────────────────────────────

func (s *HybridStore) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, key, data, ttl).Err()
}

func (s *HybridStore) GetJSON(ctx context.Context, key string, dest any) error {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func (s *HybridStore) HealthCheck(ctx context.Context) error {
	if s.redis == nil {
		return fmt.Errorf("redis not initialized")
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	if s.PG != nil {
		if err := s.PG.Ping(ctx); err != nil {
			return fmt.Errorf("postgres ping failed: %w", err)
		}
	}
	return nil
}

func (s *HybridStore) Close() error {
	if s.PG != nil {
		s.PG.Close()
	}
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}
