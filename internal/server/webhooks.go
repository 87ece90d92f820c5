package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/campusfund/creditledger/internal/ledger/domain"
	purchasedomain "github.com/campusfund/creditledger/internal/purchase/domain"
)

type paymentWebhookRequest struct {
	UserID            string         `json:"user_id"`
	AmountPaid        int64          `json:"amount_paid"`
	CreditsGranted    int64          `json:"credits_granted"`
	ExternalPaymentID string         `json:"external_payment_id"`
	IdempotencyKey    string         `json:"idempotency_key"`
	Metadata          map[string]any `json:"metadata"`
}

// HandlePaymentWebhook grants credits for a settled payment. Redeliveries
// replay the original grant and return 200 with duplicate set.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	var req paymentWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	c.Set("entry_purpose", string(ledgerdomain.PurposePurchase))

	result, err := s.purchaseSvc.ConfirmPayment(c.Request.Context(), purchasedomain.PaymentConfirmation{
		UserID:            req.UserID,
		AmountPaid:        req.AmountPaid,
		CreditsGranted:    req.CreditsGranted,
		ExternalPaymentID: req.ExternalPaymentID,
		IdempotencyKey:    req.IdempotencyKey,
		Metadata:          req.Metadata,
	})
	if err != nil {
		if s.obsMetrics != nil {
			s.obsMetrics.RecordPaymentWebhook(c.Request.Context(), "rejected")
		}
		AbortWithError(c, err)
		return
	}

	if s.obsMetrics != nil {
		outcome := "processed"
		if result.Duplicate {
			outcome = "duplicate"
		}
		s.obsMetrics.RecordPaymentWebhook(c.Request.Context(), outcome)
	}

	c.JSON(http.StatusOK, newApplyResponse(c, result))
}
