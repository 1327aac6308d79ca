package marketplace

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/p2p-autotrader/internal/httpclient"
	"github.com/Checker-Finance/p2p-autotrader/internal/rate"
	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
)

const (
	pathSearchAds    = "/sapi/v1/c2c/ads/search"
	pathListAds      = "/sapi/v1/c2c/ads/listWithPagination"
	pathUpdateAd     = "/sapi/v1/c2c/ads/update"
	pathListOrders   = "/sapi/v1/c2c/orderMatch/listOrders"
	pathOrderDetail  = "/sapi/v1/c2c/orderMatch/getUserOrderDetail"
	pathCounterStats = "/sapi/v1/c2c/orderMatch/queryCounterPartyOrderStatistic"
	pathRelease      = "/sapi/v1/c2c/orderMatch/releaseCoin"
	pathChatMessages = "/sapi/v1/c2c/chat/retrieveChatMessagesWithPagination"

	recvWindow   = 5000
	listAdsRows  = 50
	successCode  = "000000"
	venueTag     = "marketplace"
	apiKeyHeader = "X-MBX-APIKEY"
)

// CredentialSource resolves per-account credentials.
// *secrets.AWSResolver[Credentials] satisfies it.
type CredentialSource interface {
	Resolve(ctx context.Context, account string) (Credentials, error)
	Invalidate(account string)
}

// Options tunes the HTTP layer.
type Options struct {
	RetryMax int
	Timeout  time.Duration
}

// Client wraps signed communication with the P2P marketplace for one account.
type Client struct {
	logger  *zap.Logger
	exec    *httpclient.Executor
	creds   CredentialSource
	account string
	now     func() time.Time
}

// NewClient constructs a marketplace client bound to account.
func NewClient(logger *zap.Logger, rateMgr *rate.Manager, creds CredentialSource, account string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	httpClient := &http.Client{Timeout: opts.Timeout}
	exec := httpclient.New(logger, rateMgr, httpClient, opts.RetryMax, venueTag, func(status int, body []byte) error {
		var errResp apiErrorBody
		_ = json.Unmarshal(body, &errResp)

		logger.Warn("marketplace.client_error",
			zap.Int("status", status),
			zap.String("code", string(errResp.Code)),
			zap.String("message", errResp.text()),
		)

		msg := errResp.text()
		if msg == "" {
			msg = string(body)
		}
		return &APIError{Status: status, Code: string(errResp.Code), Message: msg}
	})
	return &Client{
		logger:  logger,
		exec:    exec,
		creds:   creds,
		account: account,
		now:     time.Now,
	}
}

// Account returns the account this client signs for.
func (c *Client) Account() string { return c.account }

// Nickname returns our advertiser nickname from the account credentials.
func (c *Client) Nickname(ctx context.Context) (string, error) {
	cr, err := c.creds.Resolve(ctx, c.account)
	if err != nil {
		return "", err
	}
	return cr.Nickname, nil
}

// SearchAds returns one page of public listings in marketplace order.
// q.Side is the side of the listings being searched, not our own side.
func (c *Client) SearchAds(ctx context.Context, q model.SearchQuery) ([]model.CompetitorAd, error) {
	req := searchRequest{
		Asset:     strings.ToUpper(q.Asset),
		Fiat:      strings.ToUpper(q.Fiat),
		TradeType: string(q.Side),
		Page:      q.Page,
		Rows:      q.Rows,
	}
	var items []searchItem
	if err := c.call(ctx, http.MethodPost, pathSearchAds, nil, req, &items); err != nil {
		return nil, err
	}
	out := make([]model.CompetitorAd, 0, len(items))
	for _, it := range items {
		out = append(out, toCompetitorAd(it))
	}
	return out, nil
}

// ListAds returns every ad owned by the account, paging until a short page.
func (c *Client) ListAds(ctx context.Context) ([]model.Ad, error) {
	var out []model.Ad
	for page := 1; ; page++ {
		var details []adDetail
		if err := c.call(ctx, http.MethodPost, pathListAds, nil, pageRequest{Page: page, Rows: listAdsRows}, &details); err != nil {
			return nil, err
		}
		for _, d := range details {
			ad, ok := toAd(d)
			if !ok {
				c.logger.Warn("marketplace.ad_skipped",
					zap.String("ad_id", d.AdvNo),
					zap.String("trade_type", d.TradeType))
				continue
			}
			out = append(out, ad)
		}
		if len(details) < listAdsRows {
			return out, nil
		}
	}
}

// UpdatePrice sets the price of one owned ad.
func (c *Client) UpdatePrice(ctx context.Context, adID string, price decimal.Decimal) error {
	err := c.call(ctx, http.MethodPost, pathUpdateAd, nil, updatePriceRequest{AdvNo: adID, Price: price}, nil)
	return err
}

// ListOrders returns one page of orders filtered by status. An empty status list returns all.
func (c *Client) ListOrders(ctx context.Context, statuses []model.OrderStatus, page, rows int) ([]model.Order, error) {
	req := listOrdersRequest{Page: page, Rows: rows}
	for _, s := range statuses {
		req.OrderStatusList = append(req.OrderStatusList, string(s))
	}
	var details []orderDetail
	if err := c.call(ctx, http.MethodPost, pathListOrders, nil, req, &details); err != nil {
		return nil, err
	}
	out := make([]model.Order, 0, len(details))
	for _, d := range details {
		out = append(out, toOrder(d))
	}
	return out, nil
}

// GetOrder fetches the current state of one order.
func (c *Client) GetOrder(ctx context.Context, orderNumber string) (model.Order, error) {
	var d orderDetail
	if err := c.call(ctx, http.MethodPost, pathOrderDetail, nil, orderRequest{OrderNumber: orderNumber}, &d); err != nil {
		return model.Order{}, err
	}
	if d.OrderNumber == "" {
		return model.Order{}, fmt.Errorf("order %s: %w", orderNumber, errEmptyData)
	}
	return toOrder(d), nil
}

// CounterpartyStats returns the trading history of the counterparty on an order.
func (c *Client) CounterpartyStats(ctx context.Context, orderNumber string) (model.CounterpartyStats, error) {
	var s counterpartyStats
	if err := c.call(ctx, http.MethodPost, pathCounterStats, nil, statsRequest{OrderNumber: orderNumber}, &s); err != nil {
		return model.CounterpartyStats{}, err
	}
	return toStats(s), nil
}

// Release asks the marketplace to release escrow for an order. It is sent
// exactly once. Any failure that is not a definite refusal wraps
// ErrOutcomeUnknown; callers must re-query the order before retrying.
func (c *Client) Release(ctx context.Context, r model.ReleaseRequest) error {
	req := releaseRequest{OrderNumber: r.OrderNumber, AuthType: r.AuthType, Code: r.Code}
	err := c.call(ctx, http.MethodPost, pathRelease, nil, req, nil, httpclient.NoRetry())
	if err == nil {
		return nil
	}
	if IsRejection(err) {
		return err
	}
	return fmt.Errorf("release %s: %w: %v", r.OrderNumber, ErrOutcomeUnknown, err)
}

// ChatMessages returns one page of chat messages for an order.
func (c *Client) ChatMessages(ctx context.Context, orderNumber string, page, rows int) ([]model.ChatMessage, error) {
	q := url.Values{}
	q.Set("orderNo", orderNumber)
	q.Set("page", strconv.Itoa(page))
	q.Set("rows", strconv.Itoa(rows))

	var msgs []chatMessage
	if err := c.call(ctx, http.MethodGet, pathChatMessages, q, nil, &msgs); err != nil {
		return nil, err
	}
	out := make([]model.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toChatMessage(orderNumber, m))
	}
	return out, nil
}

// call signs and executes one request and unwraps the response envelope into out.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body any, out any, opts ...httpclient.CallOption) error {
	cr, err := c.creds.Resolve(ctx, c.account)
	if err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	if query == nil {
		query = url.Values{}
	}
	query.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	query.Set("recvWindow", strconv.Itoa(recvWindow))
	encoded := query.Encode()
	signature := Sign(cr.APISecret, encoded+string(payload))

	u := fmt.Sprintf("%s%s?%s&signature=%s", cr.BaseURL, path, encoded, signature)

	var req *http.Request
	if payload != nil {
		req, err = http.NewRequestWithContext(ctx, method, u, bytes.NewReader(payload))
	} else {
		req, err = http.NewRequestWithContext(ctx, method, u, nil)
	}
	if err != nil {
		return err
	}
	req.Header.Set(apiKeyHeader, cr.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	opts = append([]httpclient.CallOption{httpclient.Endpoint(path)}, opts...)

	var env envelope
	if err := c.exec.DoJSON(ctx, req, c.rateLimitKey(), &env, opts...); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			c.creds.Invalidate(c.account)
		}
		return err
	}

	if !env.Success && env.Code != successCode {
		apiErr := &APIError{Status: http.StatusOK, Code: string(env.Code), Message: env.Message}
		if errors.Is(apiErr, ErrUnauthorized) {
			c.creds.Invalidate(c.account)
		}
		return apiErr
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode %s data: %w", path, err)
		}
	}
	return nil
}

func (c *Client) rateLimitKey() string {
	return venueTag + ":" + strings.ToLower(c.account)
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
