package authorization

import (
	"context"
	_ "embed"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/campusfund/creditledger/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectLedger    = "ledger"
	ObjectClaims    = "claims"
	ObjectDocuments = "documents"
	ObjectAPIKey    = "api_key"
	ObjectAuditLog  = "audit_log"
)

const (
	ActionLedgerDebit  = "ledger.debit"
	ActionLedgerCredit = "ledger.credit"
	ActionLedgerAdjust = "ledger.adjust"
	ActionLedgerRead   = "ledger.read"

	ActionClaimsPurge = "claims.purge"

	ActionDocumentsView = "documents.view"

	ActionAPIKeyView   = "api_key.view"
	ActionAPIKeyCreate = "api_key.create"
	ActionAPIKeyRotate = "api_key.rotate"
	ActionAPIKeyRevoke = "api_key.revoke"

	ActionAuditLogView = "audit_log.view"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	db       *gorm.DB
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		db:       p.DB,
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject, roleName, actorType, actorID, err := s.resolveActor(ctx, actor)
	if err != nil {
		s.auditDecision(ctx, "authorization.denied", actorType, actorID, object, action)
		return err
	}

	if err := s.ensureGrouping(subject, roleName); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.auditDecision(ctx, "authorization.denied", actorType, actorID, object, action)
		return ErrForbidden
	}

	if shouldAuditGrant(action) {
		s.auditDecision(ctx, "authorization.granted", actorType, actorID, object, action)
	}
	return nil
}

func (s *ServiceImpl) resolveActor(ctx context.Context, actor string) (string, string, string, *string, error) {
	if actor == "system" {
		return actor, "role:system", "system", nil, nil
	}
	if strings.HasPrefix(actor, "api_key:") {
		apiKeyIDRaw := strings.TrimPrefix(actor, "api_key:")
		apiKeyID, err := snowflake.ParseString(apiKeyIDRaw)
		if err != nil || apiKeyID == 0 {
			return "", "", "", nil, ErrInvalidActor
		}
		apiKeyIDStr := apiKeyID.String()
		role, err := s.roleForKey(ctx, apiKeyID)
		if err != nil {
			return actor, "", "api_key", &apiKeyIDStr, err
		}
		roleName := "role:" + strings.ToLower(role)
		return actor, roleName, "api_key", &apiKeyIDStr, nil
	}
	return "", "", "", nil, ErrInvalidActor
}

func (s *ServiceImpl) roleForKey(ctx context.Context, apiKeyID snowflake.ID) (string, error) {
	var row struct {
		Role string `gorm:"column:role"`
	}
	if err := s.db.WithContext(ctx).Raw(
		`SELECT role
		 FROM api_keys
		 WHERE id = ? AND is_active = true
		 LIMIT 1`,
		apiKeyID,
	).Scan(&row).Error; err != nil {
		return "", err
	}

	role := strings.TrimSpace(row.Role)
	if role == "" {
		return "", ErrForbidden
	}
	return role, nil
}

func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if rule[1] != roleName {
			params := make([]interface{}, 0, len(rule))
			for _, value := range rule {
				params = append(params, value)
			}
			_, _ = s.enforcer.RemoveGroupingPolicy(params...)
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

func (s *ServiceImpl) auditDecision(ctx context.Context, action string, actorType string, actorID *string, object string, authzAction string) {
	if s.auditSvc == nil {
		return
	}
	targetID := "capability"
	_ = s.auditSvc.AuditLog(ctx, nil, actorType, actorID, action, "authorization", &targetID, map[string]any{
		"object": object,
		"action": authzAction,
		"actor":  actorType,
	})
}

func shouldAuditGrant(action string) bool {
	switch action {
	case ActionLedgerAdjust, ActionClaimsPurge, ActionAPIKeyRotate, ActionAPIKeyRevoke:
		return true
	default:
		return false
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Service keys move credits on behalf of the product backend.
		{"role:service", ObjectLedger, ActionLedgerDebit},
		{"role:service", ObjectLedger, ActionLedgerCredit},
		{"role:service", ObjectLedger, ActionLedgerRead},

		// Support keys are read-only.
		{"role:support", ObjectLedger, ActionLedgerRead},
		{"role:support", ObjectDocuments, ActionDocumentsView},
		{"role:support", ObjectAuditLog, ActionAuditLogView},

		// Admin keys additionally correct balances and manage credentials.
		{"role:admin", ObjectLedger, ActionLedgerDebit},
		{"role:admin", ObjectLedger, ActionLedgerCredit},
		{"role:admin", ObjectLedger, ActionLedgerAdjust},
		{"role:admin", ObjectLedger, ActionLedgerRead},
		{"role:admin", ObjectClaims, ActionClaimsPurge},
		{"role:admin", ObjectDocuments, ActionDocumentsView},
		{"role:admin", ObjectAPIKey, ActionAPIKeyView},
		{"role:admin", ObjectAPIKey, ActionAPIKeyCreate},
		{"role:admin", ObjectAPIKey, ActionAPIKeyRotate},
		{"role:admin", ObjectAPIKey, ActionAPIKeyRevoke},
		{"role:admin", ObjectAuditLog, ActionAuditLogView},

		// The system actor is the service itself: the maintenance worker
		// and requests accepted while API auth is disabled.
		{"role:system", ObjectLedger, ActionLedgerDebit},
		{"role:system", ObjectLedger, ActionLedgerCredit},
		{"role:system", ObjectLedger, ActionLedgerAdjust},
		{"role:system", ObjectLedger, ActionLedgerRead},
		{"role:system", ObjectClaims, ActionClaimsPurge},
		{"role:system", ObjectDocuments, ActionDocumentsView},
		{"role:system", ObjectAPIKey, ActionAPIKeyView},
		{"role:system", ObjectAPIKey, ActionAPIKeyCreate},
		{"role:system", ObjectAPIKey, ActionAPIKeyRotate},
		{"role:system", ObjectAPIKey, ActionAPIKeyRevoke},
		{"role:system", ObjectAuditLog, ActionAuditLogView},
	}

	for _, policy := range policies {
		if len(policy) < 3 {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
