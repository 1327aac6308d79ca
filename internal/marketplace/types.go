package marketplace

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Credentials for one marketplace account, stored as a JSON secret.
type Credentials struct {
	APIKey     string
	APISecret  string
	BaseURL    string
	Nickname   string // our advertiser nickname, excluded from competitor sets
	TOTPSecret string // base32 seed for the account's authenticator 2FA
}

// ParseCredentials builds Credentials from a raw secret map.
func ParseCredentials(m map[string]string) (Credentials, error) {
	c := Credentials{
		APIKey:     strings.TrimSpace(m["api_key"]),
		APISecret:  strings.TrimSpace(m["api_secret"]),
		BaseURL:    strings.TrimRight(strings.TrimSpace(m["base_url"]), "/"),
		Nickname:   strings.TrimSpace(m["nickname"]),
		TOTPSecret: strings.TrimSpace(m["totp_secret"]),
	}
	var missing []string
	if c.APIKey == "" {
		missing = append(missing, "api_key")
	}
	if c.APISecret == "" {
		missing = append(missing, "api_secret")
	}
	if c.BaseURL == "" {
		missing = append(missing, "base_url")
	}
	if len(missing) > 0 {
		return Credentials{}, fmt.Errorf("missing fields: %s", strings.Join(missing, ", "))
	}
	return c, nil
}

// flexCode accepts numeric (-1022) and string ("000000") error codes.
type flexCode string

func (c *flexCode) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = flexCode(s)
		return nil
	}
	if string(b) == "null" {
		*c = ""
		return nil
	}
	*c = flexCode(b)
	return nil
}

// envelope wraps every marketplace response body.
type envelope struct {
	Code    flexCode        `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Total   int             `json:"total"`
	Success bool            `json:"success"`
}

// apiErrorBody is returned with 4xx statuses.
type apiErrorBody struct {
	Code    flexCode `json:"code"`
	Msg     string   `json:"msg"`
	Message string   `json:"message"`
}

func (b apiErrorBody) text() string {
	if b.Message != "" {
		return b.Message
	}
	return b.Msg
}

type searchRequest struct {
	Asset     string `json:"asset"`
	Fiat      string `json:"fiat"`
	TradeType string `json:"tradeType"`
	Page      int    `json:"page"`
	Rows      int    `json:"rows"`
}

type searchItem struct {
	Adv        searchAdv        `json:"adv"`
	Advertiser searchAdvertiser `json:"advertiser"`
}

type searchAdv struct {
	AdvNo            string          `json:"advNo"`
	Price            decimal.Decimal `json:"price"`
	TradableQuantity decimal.Decimal `json:"tradableQuantity"`
}

type searchAdvertiser struct {
	UserNo          string  `json:"userNo"`
	NickName        string  `json:"nickName"`
	UserGrade       int     `json:"userGrade"`
	MonthOrderCount int     `json:"monthOrderCount"`
	MonthFinishRate float64 `json:"monthFinishRate"`
	IsOnline        bool    `json:"isOnline"`
}

type pageRequest struct {
	Page int `json:"page"`
	Rows int `json:"rows"`
}

type adDetail struct {
	AdvNo         string          `json:"advNo"`
	TradeType     string          `json:"tradeType"`
	Asset         string          `json:"asset"`
	FiatUnit      string          `json:"fiatUnit"`
	Price         decimal.Decimal `json:"price"`
	SurplusAmount decimal.Decimal `json:"surplusAmount"`
	AdvStatus     int             `json:"advStatus"` // 1 online, 2 offline, 3 closed
	UpdateTime    int64           `json:"updateTime"`
}

type updatePriceRequest struct {
	AdvNo string          `json:"advNo"`
	Price decimal.Decimal `json:"price"`
}

type listOrdersRequest struct {
	OrderStatusList []string `json:"orderStatusList,omitempty"`
	TradeType       string   `json:"tradeType,omitempty"`
	Page            int      `json:"page"`
	Rows            int      `json:"rows"`
}

type orderRequest struct {
	OrderNumber string `json:"adOrderNo"`
}

type orderDetail struct {
	OrderNumber         string          `json:"orderNumber"`
	AdvNo               string          `json:"advNo"`
	TradeType           string          `json:"tradeType"`
	Asset               string          `json:"asset"`
	Fiat                string          `json:"fiat"`
	TotalPrice          decimal.Decimal `json:"totalPrice"`
	Amount              decimal.Decimal `json:"amount"`
	OrderStatus         string          `json:"orderStatus"`
	CounterPartUserNo   string          `json:"counterPartUserNo"`
	CounterPartNickName string          `json:"counterPartNickName"`
	CounterPartRealName string          `json:"counterPartRealName"`
	CreateTime          int64           `json:"createTime"`
	UpdateTime          int64           `json:"updateTime"`
}

type statsRequest struct {
	OrderNumber string `json:"orderNumber"`
}

type counterpartyStats struct {
	UserNo               string  `json:"userNo"`
	CompletedOrderNum    int     `json:"completedOrderNum"`
	CompletedOrderNum30d int     `json:"completedOrderNumOfLatest30day"`
	RegisterDays         int     `json:"registerDays"`
	PositiveRate         float64 `json:"positiveRate"`
}

type releaseRequest struct {
	OrderNumber string `json:"orderNumber"`
	AuthType    string `json:"authType"`
	Code        string `json:"code"`
}

type chatMessage struct {
	ID         int64  `json:"id"`
	Type       string `json:"type"`
	Content    string `json:"content"`
	ImageURL   string `json:"imageUrl"`
	Self       bool   `json:"self"`
	CreateTime int64  `json:"createTime"`
}

var errEmptyData = errors.New("empty data")
