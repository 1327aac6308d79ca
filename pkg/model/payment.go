package model

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// BankPayment is the normalized record delivered by the bank collaborator.
type BankPayment struct {
	TxID       string          `json:"transaction_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	SenderName string          `json:"sender_name"`
	Timestamp  time.Time       `json:"timestamp"`
	Status     string          `json:"status"`
}

// Settled is false for statuses that mean the money did not (or no longer) arrive.
func (p BankPayment) Settled() bool {
	switch strings.ToUpper(strings.TrimSpace(p.Status)) {
	case "FAILED", "REJECTED", "CANCELLED", "CANCELED", "REVERSED", "RETURNED":
		return false
	}
	return true
}

// Validate rejects records that can never be matched.
func (p BankPayment) Validate() error {
	if strings.TrimSpace(p.TxID) == "" {
		return errors.New("payment: missing transaction_id")
	}
	if !p.Amount.IsPositive() {
		return errors.New("payment: amount must be positive")
	}
	if strings.TrimSpace(p.SenderName) == "" {
		return errors.New("payment: missing sender_name")
	}
	return nil
}

// PooledPayment is a settled payment that arrived before any order could take
// it. ReceivedAt drives both the matching order and pool expiry.
type PooledPayment struct {
	Payment    BankPayment `json:"payment"`
	ReceivedAt time.Time   `json:"received_at"`
}

// TrustedCounterparty is a manually verified buyer. Keyed by the immutable
// account id; nicknames can change at any time.
type TrustedCounterparty struct {
	CounterpartyID string          `json:"counterparty_id"`
	DisplayNames   []string        `json:"display_names"`
	ReleasedCount  int             `json:"released_count"`
	ReleasedVolume decimal.Decimal `json:"released_volume"`
	Active         bool            `json:"active"`
	VerifiedAt     time.Time       `json:"verified_at"`
}
