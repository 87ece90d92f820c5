package service

import (
	"context"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"

	auditdomain "github.com/campusfund/creditledger/internal/audit/domain"
	"github.com/campusfund/creditledger/internal/config"
	ledgerdomain "github.com/campusfund/creditledger/internal/ledger/domain"
	obsmetrics "github.com/campusfund/creditledger/internal/observability/metrics"
	"github.com/campusfund/creditledger/internal/purchase/domain"
)

type Params struct {
	fx.In

	Logger  *zap.Logger
	Ledger  ledgerdomain.Service
	Packs   *config.PacksConfigHolder
	Metrics *obsmetrics.Metrics `optional:"true"`
	Audit   auditdomain.Service `optional:"true"`
}

type service struct {
	log     *zap.Logger
	ledger  ledgerdomain.Service
	packs   *config.PacksConfigHolder
	metrics *obsmetrics.Metrics
	audit   auditdomain.Service
}

func New(p Params) domain.Service {
	return &service{
		log:     p.Logger.Named("purchase.service"),
		ledger:  p.Ledger,
		packs:   p.Packs,
		metrics: p.Metrics,
		audit:   p.Audit,
	}
}

// ConfirmPayment grants the purchased credits. The idempotency key
// defaults to one derived from the provider's payment id, so webhook
// redeliveries collapse into a single grant.
func (s *service) ConfirmPayment(ctx context.Context, req domain.PaymentConfirmation) (ledgerdomain.ApplyResult, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.ExternalPaymentID = strings.TrimSpace(req.ExternalPaymentID)
	if err := validateConfirmation(req); err != nil {
		return ledgerdomain.ApplyResult{}, err
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = "purchase:" + req.ExternalPaymentID
	}

	metadata := map[string]any{
		"external_payment_id": req.ExternalPaymentID,
		"amount_paid":         req.AmountPaid,
	}
	for k, v := range req.Metadata {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, reserved := metadata[k]; reserved {
			continue
		}
		metadata[k] = v
	}

	description := "credit pack purchase"
	pack, matched := s.packs.Match(req.AmountPaid, req.CreditsGranted)
	if matched {
		metadata["pack_code"] = pack.Code
		description = pack.Name
	} else {
		// The charge already settled; a catalog mismatch is an alerting
		// concern, never grounds to withhold paid-for credits.
		s.log.Warn("payment does not match any credit pack",
			zap.String("user_id", req.UserID),
			zap.String("external_payment_id", req.ExternalPaymentID),
			zap.Int64("amount_paid", req.AmountPaid),
			zap.Int64("credits_granted", req.CreditsGranted),
		)
		if s.metrics != nil {
			s.metrics.RecordPaymentWebhook(ctx, "pack_mismatch")
		}
	}

	result, err := s.ledger.Apply(ctx, ledgerdomain.ApplyRequest{
		UserID:         req.UserID,
		Delta:          req.CreditsGranted,
		Purpose:        ledgerdomain.PurposePurchase,
		Description:    description,
		Metadata:       metadata,
		IdempotencyKey: key,
		CreatedByRole:  ledgerdomain.RoleSystem,
	})
	if err != nil {
		return ledgerdomain.ApplyResult{}, err
	}

	if !result.Duplicate && s.audit != nil {
		s.auditPurchase(ctx, req, result, matched, pack)
	}
	return result, nil
}

func (s *service) auditPurchase(ctx context.Context, req domain.PaymentConfirmation, result ledgerdomain.ApplyResult, matched bool, pack config.CreditPack) {
	metadata := map[string]any{
		"external_payment_id": req.ExternalPaymentID,
		"amount_paid":         req.AmountPaid,
		"credits_granted":     req.CreditsGranted,
		"pack_matched":        matched,
	}
	if matched {
		metadata["pack_code"] = pack.Code
	}
	entryID := result.Entry.ID.String()
	if err := s.audit.AuditLog(ctx, &req.UserID, "", nil, "purchase.confirmed", "ledger_entry", &entryID, metadata); err != nil {
		s.log.Warn("failed to audit purchase", zap.String("entry_id", entryID), zap.Error(err))
	}
}

func validateConfirmation(req domain.PaymentConfirmation) error {
	if req.UserID == "" {
		return domain.ErrInvalidUser
	}
	if req.AmountPaid <= 0 {
		return domain.ErrInvalidAmount
	}
	if req.CreditsGranted <= 0 {
		return domain.ErrInvalidCredits
	}
	if req.ExternalPaymentID == "" {
		return domain.ErrInvalidPaymentID
	}
	return nil
}
