package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Envelope is the canonical event envelope.
// All messages published to NATS follow this format.
type Envelope struct {
	ID            uuid.UUID       `json:"id"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	Account       string          `json:"account"`
	Topic         string          `json:"topic"`
	EventType     string          `json:"event_type"`
	Version       string          `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// ReleaseEvent is emitted on every auto-release transition.
type ReleaseEvent struct {
	ID          uuid.UUID       `json:"id"`
	Account     string          `json:"account"`
	OrderNumber string          `json:"order_number"`
	Stage       ReleaseStage    `json:"stage"`
	ReasonCode  string          `json:"reason_code,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	PaymentTxID string          `json:"payment_tx_id,omitempty"`
	Counterpart string          `json:"counterparty_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Attempt     int             `json:"attempt"`
	Final       bool            `json:"final"` // no further transitions follow
	Timestamp   time.Time       `json:"timestamp"`
}

// NeedsOperator is true for final outcomes a human has to pick up.
func (e ReleaseEvent) NeedsOperator() bool {
	return e.Final && e.Stage.Negative()
}

// PriceUpdateEvent is emitted after a successful ad price change.
type PriceUpdateEvent struct {
	ID        uuid.UUID       `json:"id"`
	AdID      string          `json:"listing_id"`
	Side      Side            `json:"side"`
	Asset     string          `json:"asset"`
	OldPrice  decimal.Decimal `json:"old_price"`
	NewPrice  decimal.Decimal `json:"new_price"`
	Strategy  string          `json:"strategy"`
	Reference string          `json:"reference,omitempty"`
	Reason    string          `json:"reason"`
	Timestamp time.Time       `json:"timestamp"`
}

// ReceiptEvidence is published when a chat image may be a payment receipt.
type ReceiptEvidence struct {
	OrderNumber string    `json:"order_number"`
	MessageID   int64     `json:"message_id"`
	ImageURL    string    `json:"image_url"`
	ReceivedAt  time.Time `json:"received_at"`
}
