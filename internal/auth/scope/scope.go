package scope

import (
	"errors"
	"strings"

	"github.com/campusfund/creditledger/internal/authorization"
)

type Scope string

var ErrInvalidScope = errors.New("invalid_scope")

const (
	ScopeLedgerDebit  Scope = "ledger:debit"
	ScopeLedgerCredit Scope = "ledger:credit"
	ScopeLedgerAdjust Scope = "ledger:adjust"
	ScopeLedgerRead   Scope = "ledger:read"

	ScopeClaimsPurge Scope = "claims:purge"

	ScopeDocumentsView Scope = "documents:view"

	ScopeAPIKeyView   Scope = "api_key:view"
	ScopeAPIKeyCreate Scope = "api_key:create"
	ScopeAPIKeyRotate Scope = "api_key:rotate"
	ScopeAPIKeyRevoke Scope = "api_key:revoke"

	ScopeAuditLogView Scope = "audit_log:view"
)

type authzKey struct {
	object string
	action string
}

var authzScopeMap = map[authzKey]Scope{
	{normalize(authorization.ObjectLedger), normalize(authorization.ActionLedgerDebit)}:  ScopeLedgerDebit,
	{normalize(authorization.ObjectLedger), normalize(authorization.ActionLedgerCredit)}: ScopeLedgerCredit,
	{normalize(authorization.ObjectLedger), normalize(authorization.ActionLedgerAdjust)}: ScopeLedgerAdjust,
	{normalize(authorization.ObjectLedger), normalize(authorization.ActionLedgerRead)}:   ScopeLedgerRead,

	{normalize(authorization.ObjectClaims), normalize(authorization.ActionClaimsPurge)}: ScopeClaimsPurge,

	{normalize(authorization.ObjectDocuments), normalize(authorization.ActionDocumentsView)}: ScopeDocumentsView,

	{normalize(authorization.ObjectAPIKey), normalize(authorization.ActionAPIKeyView)}:   ScopeAPIKeyView,
	{normalize(authorization.ObjectAPIKey), normalize(authorization.ActionAPIKeyCreate)}: ScopeAPIKeyCreate,
	{normalize(authorization.ObjectAPIKey), normalize(authorization.ActionAPIKeyRotate)}: ScopeAPIKeyRotate,
	{normalize(authorization.ObjectAPIKey), normalize(authorization.ActionAPIKeyRevoke)}: ScopeAPIKeyRevoke,

	{normalize(authorization.ObjectAuditLog), normalize(authorization.ActionAuditLogView)}: ScopeAuditLogView,
}

var allScopes = []Scope{
	ScopeLedgerDebit,
	ScopeLedgerCredit,
	ScopeLedgerAdjust,
	ScopeLedgerRead,
	ScopeClaimsPurge,
	ScopeDocumentsView,
	ScopeAPIKeyView,
	ScopeAPIKeyCreate,
	ScopeAPIKeyRotate,
	ScopeAPIKeyRevoke,
	ScopeAuditLogView,
}

var validScopes = func() map[string]struct{} {
	lookup := make(map[string]struct{}, len(allScopes))
	for _, scope := range allScopes {
		lookup[normalize(string(scope))] = struct{}{}
	}
	return lookup
}()

func All() []string {
	values := make([]string, len(allScopes))
	for i, scope := range allScopes {
		values[i] = string(scope)
	}
	return values
}

func FromAuthz(object string, action string) Scope {
	key := authzKey{object: normalize(object), action: normalize(action)}
	if scope, ok := authzScopeMap[key]; ok {
		return scope
	}
	return ""
}

func Has(scopes []string, required Scope) bool {
	requiredScope := normalize(string(required))
	if requiredScope == "" {
		return false
	}

	requiredObject := strings.SplitN(requiredScope, ":", 2)[0]

	for _, scope := range scopes {
		normalized := normalize(scope)
		if normalized == "" {
			continue
		}
		if normalized == "*" {
			return true
		}
		if normalized == requiredScope {
			return true
		}
		if requiredObject != "" && (normalized == requiredObject+":*" || normalized == requiredObject+".*") {
			return true
		}
	}
	return false
}

// Validate accepts known scopes and object wildcards such as "ledger:*".
func Validate(scopes []string) error {
	for _, scope := range Normalize(scopes) {
		if IsValid(scope) {
			continue
		}
		if strings.HasSuffix(scope, ":*") {
			continue
		}
		return ErrInvalidScope
	}
	return nil
}

func Normalize(scopes []string) []string {
	if len(scopes) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(scopes))
	normalized := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		value := normalize(scope)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		normalized = append(normalized, value)
	}
	return normalized
}

func IsValid(scope string) bool {
	_, ok := validScopes[normalize(scope)]
	return ok
}

func normalize(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	return strings.ReplaceAll(normalized, ".", ":")
}
