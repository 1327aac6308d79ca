package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
)

type staticCreds struct {
	creds       Credentials
	invalidated atomic.Int32
}

func (s *staticCreds) Resolve(context.Context, string) (Credentials, error) { return s.creds, nil }
func (s *staticCreds) Invalidate(string)                                   { s.invalidated.Add(1) }

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *staticCreds) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	creds := &staticCreds{creds: Credentials{
		APIKey:    "key-1",
		APISecret: "secret-1",
		BaseURL:   srv.URL,
		Nickname:  "DeskMX",
	}}
	c := NewClient(zap.NewNop(), nil, creds, "main", Options{RetryMax: 2, Timeout: 2 * time.Second})
	c.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return c, creds
}

func writeData(w http.ResponseWriter, data any) {
	raw, _ := json.Marshal(data)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":    "000000",
		"success": true,
		"data":    json.RawMessage(raw),
	})
}

// --- Signing ---

func TestCall_SignsQueryAndBody(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		q := r.URL.Query()

		assert.Equal(t, "key-1", r.Header.Get("X-MBX-APIKEY"))
		assert.Equal(t, "1700000000000", q.Get("timestamp"))
		assert.Equal(t, "5000", q.Get("recvWindow"))

		sig := q.Get("signature")
		q.Del("signature")
		assert.Equal(t, Sign("secret-1", q.Encode()+string(body)), sig)

		writeData(w, []any{})
	})

	_, err := c.SearchAds(context.Background(), model.SearchQuery{Asset: "usdt", Fiat: "mxn", Side: model.SideBuy, Page: 1, Rows: 20})
	require.NoError(t, err)
}

func TestSign_KnownVector(t *testing.T) {
	// HMAC-SHA256("key", "The quick brown fox jumps over the lazy dog")
	assert.Equal(t,
		"f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8",
		Sign("key", "The quick brown fox jumps over the lazy dog"))
}

// --- Reads ---

func TestSearchAds_MapsListings(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "USDT", req.Asset)
		assert.Equal(t, "MXN", req.Fiat)
		assert.Equal(t, "BUY", req.TradeType)

		writeData(w, []map[string]any{{
			"adv": map[string]any{"advNo": "a1", "price": "17.25", "tradableQuantity": "1000"},
			"advertiser": map[string]any{
				"userNo": "u1", "nickName": " Rival ", "userGrade": 2,
				"monthOrderCount": 150, "monthFinishRate": 0.98, "isOnline": true,
			},
		}})
	})

	ads, err := c.SearchAds(context.Background(), model.SearchQuery{Asset: "usdt", Fiat: "mxn", Side: model.SideBuy, Page: 1, Rows: 20})
	require.NoError(t, err)
	require.Len(t, ads, 1)
	assert.Equal(t, "Rival", ads[0].Nickname)
	assert.True(t, ads[0].Price.Equal(decimal.RequireFromString("17.25")))
	assert.Equal(t, 2, ads[0].Tier)
	assert.True(t, ads[0].FiatLiquidity().Equal(decimal.NewFromInt(17250)))
}

func TestListAds_PagesUntilShortPage(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req pageRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		calls.Add(1)

		var page []map[string]any
		n := listAdsRows
		if req.Page == 2 {
			n = 3
		}
		for i := 0; i < n; i++ {
			page = append(page, map[string]any{
				"advNo": "ad", "tradeType": "SELL", "asset": "usdt", "fiatUnit": "mxn",
				"price": "17.1", "surplusAmount": "10", "advStatus": 1,
			})
		}
		writeData(w, page)
	})

	ads, err := c.ListAds(context.Background())
	require.NoError(t, err)
	assert.Len(t, ads, listAdsRows+3)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, model.SideSell, ads[0].Side)
	assert.True(t, ads[0].Active)
	assert.Equal(t, "USDT", ads[0].Asset)
}

func TestGetOrder_MapsStatus(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]any{
			"orderNumber": "o-1", "tradeType": "SELL", "asset": "USDT", "fiat": "MXN",
			"totalPrice": "1500.00", "amount": "87.2", "orderStatus": "BUYER_PAYED",
			"counterPartUserNo": "cp-9", "counterPartNickName": "buyer", "counterPartRealName": "Juan Perez",
			"createTime": 1700000000000,
		})
	})

	o, err := c.GetOrder(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderPaid, o.Status)
	assert.Equal(t, "cp-9", o.CounterpartyID)
	assert.True(t, o.Amount.Equal(decimal.NewFromInt(1500)))
	assert.False(t, o.CreatedAt.IsZero())
}

func TestGetOrder_EmptyData(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeData(w, nil)
	})
	_, err := c.GetOrder(context.Background(), "o-1")
	assert.ErrorIs(t, err, errEmptyData)
}

func TestChatMessages_UsesQueryParams(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "o-7", r.URL.Query().Get("orderNo"))
		writeData(w, []map[string]any{{"id": 42, "type": "IMAGE", "imageUrl": "https://img/1.png", "createTime": 1700000000000}})
	})

	msgs, err := c.ChatMessages(context.Background(), "o-7", 1, 20)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "image", msgs[0].Type)
	assert.Equal(t, "o-7", msgs[0].OrderNo)
	assert.EqualValues(t, 42, msgs[0].ID)
}

// --- Errors ---

func TestEnvelopeFailure_IsAPIError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":83010,"message":"order status not allowed","success":false}`))
	})

	_, err := c.GetOrder(context.Background(), "o-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOrderNotReleasable)
	assert.True(t, IsRejection(err))
}

func TestUnauthorized_InvalidatesCredentials(t *testing.T) {
	c, creds := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":-1022,"msg":"Signature for this request is not valid."}`))
	})

	_, err := c.ListAds(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.EqualValues(t, 1, creds.invalidated.Load())
}

// --- Release ---

func TestRelease_Success(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req releaseRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "o-1", req.OrderNumber)
		assert.Equal(t, "GOOGLE", req.AuthType)
		assert.Equal(t, "123456", req.Code)
		writeData(w, nil)
	})

	err := c.Release(context.Background(), model.ReleaseRequest{OrderNumber: "o-1", AuthType: "GOOGLE", Code: "123456"})
	assert.NoError(t, err)
}

func TestRelease_CodeRejected(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"83001","msg":"2FA code invalid"}`))
	})

	err := c.Release(context.Background(), model.ReleaseRequest{OrderNumber: "o-1", AuthType: "GOOGLE", Code: "000000"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCodeRejected)
	assert.False(t, errors.Is(err, ErrOutcomeUnknown))
}

func TestRelease_ServerErrorIsUnknownAndNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	err := c.Release(context.Background(), model.ReleaseRequest{OrderNumber: "o-1", AuthType: "GOOGLE", Code: "123456"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutcomeUnknown)
	assert.False(t, IsRejection(err))
	assert.EqualValues(t, 1, calls.Load())
}

func TestRelease_TimeoutIsUnknown(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		writeData(w, nil)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Release(ctx, model.ReleaseRequest{OrderNumber: "o-1", AuthType: "GOOGLE", Code: "123456"})
	assert.ErrorIs(t, err, ErrOutcomeUnknown)
}

// --- Credentials ---

func TestParseCredentials(t *testing.T) {
	c, err := ParseCredentials(map[string]string{
		"api_key": "k", "api_secret": "s", "base_url": "https://api.example.com/", "nickname": "Desk",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", c.BaseURL)
	assert.Equal(t, "Desk", c.Nickname)

	_, err = ParseCredentials(map[string]string{"api_key": "k"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_secret")
	assert.Contains(t, err.Error(), "base_url")
}
