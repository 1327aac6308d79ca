package model

import "time"

// ReleaseStage is the auto-release state of one order.
type ReleaseStage string

const (
	StageAwaitingPayment ReleaseStage = "AWAITING_PAYMENT"
	StagePaymentDetected ReleaseStage = "PAYMENT_DETECTED"
	StageRiskEvaluated   ReleaseStage = "RISK_EVALUATED"
	StageCodeAcquired    ReleaseStage = "CODE_ACQUIRED"
	StageReleased        ReleaseStage = "RELEASED"
	StageManualRequired  ReleaseStage = "MANUAL_REQUIRED"
	StageReleaseFailed   ReleaseStage = "RELEASE_FAILED"
)

// Terminal stages never transition again.
func (s ReleaseStage) Terminal() bool {
	switch s {
	case StageReleased, StageManualRequired, StageReleaseFailed:
		return true
	}
	return false
}

// Negative terminal outcomes need an operator.
func (s ReleaseStage) Negative() bool {
	return s == StageManualRequired || s == StageReleaseFailed
}

// Stable reason codes carried on release events.
const (
	ReasonPaymentMatched       = "payment_matched"
	ReasonRiskSkippedTrusted   = "risk_skipped_trusted"
	ReasonRiskSkippedLowAmount = "risk_skipped_low_amount"
	ReasonRiskPassed           = "risk_passed"
	ReasonRiskCheckFailed      = "risk_check_failed"
	ReasonRiskDataUnavailable  = "risk_data_unavailable"
	ReasonAmountAboveCeiling   = "amount_above_ceiling"
	ReasonTwoFactorUnavailable = "two_factor_unavailable"
	ReasonCodeAcquired         = "code_acquired"
	ReasonReleased             = "released"
	ReasonReleasedExternally   = "released_externally"
	ReasonReleaseRejected      = "release_rejected"
	ReasonRetriesExhausted     = "release_retries_exhausted"
	ReasonOutcomeUnknown       = "release_outcome_unknown"
	ReasonOrderNotReleasable   = "order_not_releasable"
	ReasonShutdownBeforeRetry  = "shutdown_before_retry"
	ReasonDoubleClaim          = "payment_double_claim"
)

// ReleaseAttempt is the in-memory view of one order's release progress.
// It is for observability and retry decisions only; the marketplace order
// status stays authoritative.
type ReleaseAttempt struct {
	OrderNumber string       `json:"order_number"`
	PaymentTxID string       `json:"payment_tx_id,omitempty"`
	Stage       ReleaseStage `json:"stage"`
	Attempts    int          `json:"attempts"`
	LastReason  string       `json:"last_reason,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
}
