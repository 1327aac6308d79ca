package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the marketplace lifecycle of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"   // awaiting buyer payment
	OrderPaid      OrderStatus = "PAID"      // buyer marked as paid
	OrderReleased  OrderStatus = "RELEASED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderAppeal    OrderStatus = "APPEAL"
	OrderUnknown   OrderStatus = "UNKNOWN"
)

// NormalizeOrderStatus maps the marketplace's raw status strings onto OrderStatus.
func NormalizeOrderStatus(raw string) OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PENDING", "TRADING", "AWAITING_PAYMENT", "1":
		return OrderPending
	case "PAID", "BUYER_PAYED", "BUYER_PAID", "RELEASING", "2", "3":
		return OrderPaid
	case "RELEASED", "COMPLETED", "4":
		return OrderReleased
	case "CANCELLED", "CANCELED", "CANCELLED_BY_SYSTEM", "EXPIRED", "6", "7":
		return OrderCancelled
	case "APPEAL", "APPEALING", "IN_APPEAL", "DISPUTED", "5":
		return OrderAppeal
	}
	return OrderUnknown
}

// Open reports whether the order still awaits settlement.
func (s OrderStatus) Open() bool {
	return s == OrderPending || s == OrderPaid
}

// Releasable is true only for orders whose buyer has notified payment.
func (s OrderStatus) Releasable() bool {
	return s == OrderPaid
}

// Order is a marketplace order the market-maker is counterparty to.
type Order struct {
	OrderNumber          string          `json:"order_number"`
	AdID                 string          `json:"ad_id,omitempty"`
	Side                 Side            `json:"side"`
	Asset                string          `json:"asset"`
	Fiat                 string          `json:"fiat"`
	Amount               decimal.Decimal `json:"amount"` // fiat total
	Quantity             decimal.Decimal `json:"quantity"`
	CounterpartyID       string          `json:"counterparty_id"`
	CounterpartyNickname string          `json:"counterparty_nickname"`
	CounterpartyName     string          `json:"counterparty_name"`
	Status               OrderStatus     `json:"status"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// CounterpartyStats is the trade history used by the risk assessor.
type CounterpartyStats struct {
	CounterpartyID string  `json:"counterparty_id"`
	TotalOrders    int     `json:"total_orders"`
	Orders30d      int     `json:"orders_30d"`
	AccountAgeDays int     `json:"account_age_days"`
	PositiveRate   float64 `json:"positive_rate"`
}

// ReleaseRequest is the single mutating call of the release flow.
type ReleaseRequest struct {
	OrderNumber string
	AuthType    string
	Code        string
}

// ChatMessage is one entry of an order's chat, oldest first.
type ChatMessage struct {
	ID        int64     `json:"id"`
	OrderNo   string    `json:"order_number"`
	Type      string    `json:"type"` // "text" | "image" | "system"
	Content   string    `json:"content,omitempty"`
	ImageURL  string    `json:"image_url,omitempty"`
	Self      bool      `json:"self"`
	CreatedAt time.Time `json:"created_at"`
}
