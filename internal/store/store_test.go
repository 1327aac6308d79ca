package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
)

func newTestStore(t *testing.T) (*HybridStore, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return &HybridStore{redis: rdb, logger: zap.NewNop(), claimTTL: time.Hour}, mr
}

// --- Claims ---

func TestClaimPayment_FirstWins(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)
	defer mr.Close()

	won, err := store.ClaimPayment(ctx, "tx-1", "o-1")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = store.ClaimPayment(ctx, "tx-1", "o-2")
	require.NoError(t, err)
	assert.False(t, won)

	owner, err := store.PaymentClaimedBy(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "o-1", owner)

	assert.Equal(t, time.Hour, mr.TTL(claimKeyPrefix+"tx-1"))
}

func TestClaimPayment_Concurrent(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)
	defer mr.Close()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			won, err := store.ClaimPayment(ctx, "tx-1", "o-"+string(rune('a'+i)))
			if err == nil && won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestPaymentClaimedBy_Unclaimed(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()

	owner, err := store.PaymentClaimedBy(context.Background(), "tx-unknown")
	require.NoError(t, err)
	assert.Empty(t, owner)
}

func TestClaimPayment_RedisDown(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()

	_, err := store.ClaimPayment(context.Background(), "tx-1", "o-1")
	assert.Error(t, err)

	_, err = store.PaymentClaimedBy(context.Background(), "tx-1")
	assert.Error(t, err)
}

// --- Trusted counterparties with nil PG ---

func TestListTrustedCounterparties_NilPG(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()

	list, err := store.ListTrustedCounterparties(context.Background())
	assert.Nil(t, list)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres unavailable")
}

func TestIncrementTrustedStats_NilPG(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()

	// no-op without postgres
	err := store.IncrementTrustedStats(context.Background(), "cp-1", decimal.NewFromInt(100))
	require.NoError(t, err)
}

// --- Chat state ---

func TestChatCursor(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)
	defer mr.Close()

	id, err := store.ChatCursor(ctx, "o-1")
	require.NoError(t, err)
	assert.Zero(t, id)

	require.NoError(t, store.SetChatCursor(ctx, "o-1", 42))
	id, err = store.ChatCursor(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, chatStateTTL, mr.TTL(cursorKeyPrefix+"o-1"))

	require.NoError(t, store.ClearChatCursor(ctx, "o-1"))
	id, err = store.ChatCursor(ctx, "o-1")
	require.NoError(t, err)
	assert.Zero(t, id)
}

func TestChatCursor_Corrupt(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()

	require.NoError(t, mr.Set(cursorKeyPrefix+"o-1", "not-a-number"))
	_, err := store.ChatCursor(context.Background(), "o-1")
	assert.Error(t, err)
}

func TestReceipts(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)
	defer mr.Close()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.AddReceipt(ctx, model.ReceiptEvidence{OrderNumber: "o-1", MessageID: 7, ImageURL: "https://img/1", ReceivedAt: at}))
	require.NoError(t, store.AddReceipt(ctx, model.ReceiptEvidence{OrderNumber: "o-1", MessageID: 9, ImageURL: "https://img/2", ReceivedAt: at}))

	// a corrupt entry is skipped
	_, err := mr.Lpush(receiptKeyPrefix+"o-1", "garbage")
	require.NoError(t, err)

	list, err := store.ListReceipts(ctx, "o-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(7), list[0].MessageID)
	assert.Equal(t, "https://img/2", list[1].ImageURL)
	assert.True(t, list[0].ReceivedAt.Equal(at))
	assert.Equal(t, chatStateTTL, mr.TTL(receiptKeyPrefix+"o-1"))

	empty, err := store.ListReceipts(ctx, "o-2")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

// --- Payment pool ---

func TestPaymentPool(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)
	defer mr.Close()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	newer := model.PooledPayment{
		Payment:    model.BankPayment{TxID: "tx-2", Amount: decimal.RequireFromString("250.00"), SenderName: "ANA"},
		ReceivedAt: at.Add(time.Minute),
	}
	older := model.PooledPayment{
		Payment:    model.BankPayment{TxID: "tx-1", Amount: decimal.RequireFromString("1000.00"), SenderName: "JUAN"},
		ReceivedAt: at,
	}
	require.NoError(t, store.PoolPayment(ctx, "acct-1", newer, 10*time.Minute))
	require.NoError(t, store.PoolPayment(ctx, "acct-1", older, 10*time.Minute))
	assert.Equal(t, 10*time.Minute, mr.TTL(poolKeyPrefix+"acct-1"))

	// a corrupt entry is skipped
	mr.HSet(poolKeyPrefix+"acct-1", "tx-bad", "garbage")

	pool, err := store.PooledPayments(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, pool, 2)
	assert.Equal(t, "tx-1", pool[0].Payment.TxID)
	assert.True(t, pool[0].Payment.Amount.Equal(decimal.RequireFromString("1000")))
	assert.True(t, pool[0].ReceivedAt.Equal(at))
	assert.Equal(t, "tx-2", pool[1].Payment.TxID)

	require.NoError(t, store.UnpoolPayment(ctx, "acct-1", "tx-1"))
	pool, err = store.PooledPayments(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, pool, 1)
	assert.Equal(t, "tx-2", pool[0].Payment.TxID)

	other, err := store.PooledPayments(ctx, "acct-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestPaymentPool_Expires(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)
	defer mr.Close()

	pp := model.PooledPayment{Payment: model.BankPayment{TxID: "tx-1"}, ReceivedAt: time.Now()}
	require.NoError(t, store.PoolPayment(ctx, "acct-1", pp, time.Minute))

	mr.FastForward(2 * time.Minute)
	pool, err := store.PooledPayments(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, pool)
}

func TestPoolPayment_RedisDown(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()

	err := store.PoolPayment(context.Background(), "acct-1", model.PooledPayment{Payment: model.BankPayment{TxID: "tx-1"}}, time.Minute)
	assert.Error(t, err)
}

// --- SetJSON / GetJSON ---

func TestSetAndGetJSON(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)
	defer mr.Close()

	val := map[string]string{"nickname": "maker-1"}
	require.NoError(t, store.SetJSON(ctx, "p2p:test", val, time.Minute))

	var got map[string]string
	require.NoError(t, store.GetJSON(ctx, "p2p:test", &got))
	assert.Equal(t, val, got)

	mr.FastForward(2 * time.Minute)
	assert.ErrorIs(t, store.GetJSON(ctx, "p2p:test", &got), redis.Nil)
}

func TestGetJSON_InvalidJSON(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()

	require.NoError(t, mr.Set("p2p:bad", "not-json"))
	var dest map[string]string
	assert.Error(t, store.GetJSON(context.Background(), "p2p:bad", &dest))
}

// --- HealthCheck / Close ---

func TestHealthCheck_Success(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()

	require.NoError(t, store.HealthCheck(context.Background()))
}

func TestHealthCheck_RedisNil(t *testing.T) {
	store := &HybridStore{redis: nil}
	err := store.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis not initialized")
}

func TestHealthCheck_RedisDown(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()

	err := store.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping failed")
}

func TestClose_NilComponents(t *testing.T) {
	store := &HybridStore{}
	require.NoError(t, store.Close())
}

// --- NewHybrid ---

func TestNewHybrid_RedisOnly(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	st, err := NewHybrid(mr.Addr(), 0, "", "", PGPoolConfig{}, 0, nil)
	require.NoError(t, err)
	assert.Nil(t, st.PG)
	assert.Equal(t, defaultClaimTTL, st.claimTTL)
	require.NoError(t, st.Close())
}

func TestNewHybrid_InvalidRedis(t *testing.T) {
	_, err := NewHybrid("localhost:1", 0, "", "", PGPoolConfig{}, 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping failed")
}

func TestNewHybrid_InvalidPGURL(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	_, err = NewHybrid(mr.Addr(), 0, "", "not-a-valid-pg-url", PGPoolConfig{}, 0, zap.NewNop())
	assert.Error(t, err)
}
