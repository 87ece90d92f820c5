package domain

import (
	"context"
	"errors"

	ledgerdomain "github.com/campusfund/creditledger/internal/ledger/domain"
)

var (
	ErrInvalidUser      = errors.New("invalid_user")
	ErrInvalidAmount    = errors.New("invalid_amount")
	ErrInvalidCredits   = errors.New("invalid_credits")
	ErrInvalidPaymentID = errors.New("invalid_payment_id")
)

// PaymentConfirmation is the payment provider's signal that money
// settled. By the time it arrives the charge is final; the only job
// left is granting the credits exactly once.
type PaymentConfirmation struct {
	UserID            string         `json:"user_id"`
	AmountPaid        int64          `json:"amount_paid"`
	CreditsGranted    int64          `json:"credits_granted"`
	ExternalPaymentID string         `json:"external_payment_id"`
	IdempotencyKey    string         `json:"idempotency_key"`
	Metadata          map[string]any `json:"metadata"`
}

// Service turns confirmed payments into credit grants.
type Service interface {
	ConfirmPayment(ctx context.Context, req PaymentConfirmation) (ledgerdomain.ApplyResult, error)
}
