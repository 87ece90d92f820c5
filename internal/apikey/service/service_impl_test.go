package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apikeydomain "github.com/campusfund/creditledger/internal/apikey/domain"
	"github.com/campusfund/creditledger/internal/apikey/repository"
	auditdomain "github.com/campusfund/creditledger/internal/audit/domain"
	authscope "github.com/campusfund/creditledger/internal/auth/scope"
	"github.com/campusfund/creditledger/internal/clock"
)

type auditSpy struct {
	mu      sync.Mutex
	actions []string
}

func (a *auditSpy) AuditLog(ctx context.Context, userID *string, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action)
	return nil
}

func (a *auditSpy) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

func (a *auditSpy) Actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.actions...)
}

func setupAPIKeys(t *testing.T) (apikeydomain.Service, *gorm.DB, *clock.FakeClock, *auditSpy) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	// The production schema uses a native array column; sqlite stores the
	// same values through the driver's text literal.
	if err := db.Exec(`CREATE TABLE api_keys (
		id BIGINT PRIMARY KEY,
		key_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		scopes TEXT NOT NULL,
		key_hash TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT true,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		last_used_at DATETIME,
		expires_at DATETIME,
		rotated_from_key_id TEXT
	)`).Error; err != nil {
		t.Fatalf("create api_keys: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	audit := &auditSpy{}

	svc := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clk,
		GenID: node,
		Repo:  repository.Provide(),
		Audit: audit,
	})
	return svc, db, clk, audit
}

func TestCreateReturnsSecretOnceAndStoresHash(t *testing.T) {
	svc, db, _, audit := setupAPIKeys(t)

	secret, err := svc.Create(context.Background(), apikeydomain.CreateRequest{
		Name: "grader-worker",
		Role: apikeydomain.RoleService,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(secret.APIKey, "cl_live_key_") {
		t.Fatalf("unexpected key format %q", secret.APIKey)
	}
	if !strings.HasPrefix(secret.KeyID, "key_") {
		t.Fatalf("unexpected key id %q", secret.KeyID)
	}

	var stored struct {
		KeyHash  string
		IsActive bool
	}
	if err := db.Raw(`SELECT key_hash, is_active FROM api_keys WHERE key_id = ?`, secret.KeyID).Scan(&stored).Error; err != nil {
		t.Fatalf("read stored key: %v", err)
	}
	if stored.KeyHash != apikeydomain.HashAPIKey(secret.APIKey) {
		t.Fatal("stored hash does not match the issued secret")
	}
	if stored.KeyHash == secret.APIKey {
		t.Fatal("plaintext secret persisted")
	}
	if !stored.IsActive {
		t.Fatal("new key not active")
	}

	if got := audit.Actions(); len(got) != 1 || got[0] != "apikey.created" {
		t.Fatalf("expected apikey.created audit, got %v", got)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _, _, _ := setupAPIKeys(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, apikeydomain.CreateRequest{Role: apikeydomain.RoleService}); !errors.Is(err, apikeydomain.ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
	if _, err := svc.Create(ctx, apikeydomain.CreateRequest{Name: "x", Role: "superuser"}); !errors.Is(err, apikeydomain.ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
	if _, err := svc.Create(ctx, apikeydomain.CreateRequest{
		Name:   "x",
		Role:   apikeydomain.RoleService,
		Scopes: []string{"ledger:frobnicate"},
	}); !errors.Is(err, authscope.ErrInvalidScope) {
		t.Fatalf("expected ErrInvalidScope, got %v", err)
	}
}

func TestCreateDefaultScopesPerRole(t *testing.T) {
	svc, _, _, _ := setupAPIKeys(t)
	ctx := context.Background()

	tests := []struct {
		role string
		want []string
	}{
		{apikeydomain.RoleService, []string{"ledger:debit", "ledger:credit", "ledger:read"}},
		{apikeydomain.RoleSupport, []string{"ledger:read", "documents:view"}},
		{apikeydomain.RoleAdmin, authscope.All()},
	}
	for _, tt := range tests {
		secret, err := svc.Create(ctx, apikeydomain.CreateRequest{Name: "k-" + tt.role, Role: tt.role})
		if err != nil {
			t.Fatalf("create %s: %v", tt.role, err)
		}
		got := findScopes(t, svc, secret.KeyID)
		if len(got) != len(tt.want) {
			t.Fatalf("role %s: expected scopes %v, got %v", tt.role, tt.want, got)
		}
		for i := range tt.want {
			if got[i] != tt.want[i] {
				t.Fatalf("role %s: expected scopes %v, got %v", tt.role, tt.want, got)
			}
		}
	}
}

func TestCreateNormalizesRequestedScopes(t *testing.T) {
	svc, _, _, _ := setupAPIKeys(t)

	secret, err := svc.Create(context.Background(), apikeydomain.CreateRequest{
		Name:   "custom",
		Role:   apikeydomain.RoleService,
		Scopes: []string{"Ledger.Read", "ledger:read", "documents:view"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got := findScopes(t, svc, secret.KeyID)
	want := []string{"ledger:read", "documents:view"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestRotateGracePeriodAndLineage(t *testing.T) {
	svc, _, clk, audit := setupAPIKeys(t)
	ctx := context.Background()

	original, err := svc.Create(ctx, apikeydomain.CreateRequest{Name: "rotating", Role: apikeydomain.RoleService})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	clk.Advance(time.Hour)
	rotated, err := svc.Rotate(ctx, original.KeyID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.KeyID == original.KeyID {
		t.Fatal("rotation reused the key id")
	}
	if rotated.APIKey == original.APIKey {
		t.Fatal("rotation reused the secret")
	}

	old := findKey(t, svc, original.KeyID)
	if !old.IsActive {
		t.Fatal("old key deactivated immediately, expected a grace window")
	}
	if old.ExpiresAt == nil || !old.ExpiresAt.Equal(clk.Now().Add(24*time.Hour)) {
		t.Fatalf("expected 24h grace expiry, got %v", old.ExpiresAt)
	}

	next := findKey(t, svc, rotated.KeyID)
	if next.RotatedFromKeyID == nil || *next.RotatedFromKeyID != original.KeyID {
		t.Fatalf("expected lineage to %s, got %v", original.KeyID, next.RotatedFromKeyID)
	}
	if next.Name != "rotating" || next.Role != apikeydomain.RoleService {
		t.Fatalf("rotation changed identity: %s/%s", next.Name, next.Role)
	}

	// Once the grace window passes, the old key cannot rotate again.
	clk.Advance(25 * time.Hour)
	if _, err := svc.Rotate(ctx, original.KeyID); !errors.Is(err, apikeydomain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired key, got %v", err)
	}

	actions := audit.Actions()
	if len(actions) != 2 || actions[1] != "apikey.rotated" {
		t.Fatalf("expected rotation audit, got %v", actions)
	}
}

func TestRotateUnknownKey(t *testing.T) {
	svc, _, _, _ := setupAPIKeys(t)

	if _, err := svc.Rotate(context.Background(), "key_MISSING"); !errors.Is(err, apikeydomain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Rotate(context.Background(), "  "); !errors.Is(err, apikeydomain.ErrInvalidKeyID) {
		t.Fatalf("expected ErrInvalidKeyID, got %v", err)
	}
}

func TestRevokeDeactivatesImmediately(t *testing.T) {
	svc, _, clk, audit := setupAPIKeys(t)
	ctx := context.Background()

	secret, err := svc.Create(ctx, apikeydomain.CreateRequest{Name: "victim", Role: apikeydomain.RoleSupport})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.Revoke(ctx, secret.KeyID); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	key := findKey(t, svc, secret.KeyID)
	if key.IsActive {
		t.Fatal("revoked key still active")
	}
	if key.ExpiresAt == nil || key.ExpiresAt.After(clk.Now()) {
		t.Fatalf("expected immediate expiry, got %v", key.ExpiresAt)
	}

	if err := svc.Revoke(ctx, "key_MISSING"); !errors.Is(err, apikeydomain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	actions := audit.Actions()
	if len(actions) != 2 || actions[1] != "apikey.revoked" {
		t.Fatalf("expected revocation audit, got %v", actions)
	}
}

func TestListNeverExposesSecrets(t *testing.T) {
	svc, _, _, _ := setupAPIKeys(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, apikeydomain.CreateRequest{Name: "a", Role: apikeydomain.RoleService}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Create(ctx, apikeydomain.CreateRequest{Name: "b", Role: apikeydomain.RoleSupport}); err != nil {
		t.Fatalf("create: %v", err)
	}

	items, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(items))
	}
	for _, item := range items {
		if item.KeyID == "" || item.Name == "" || item.Role == "" {
			t.Fatalf("incomplete response %+v", item)
		}
		if len(item.Scopes) == 0 {
			t.Fatalf("missing scopes for %s", item.KeyID)
		}
	}
}

func findKey(t *testing.T, svc apikeydomain.Service, keyID string) apikeydomain.Response {
	t.Helper()
	items, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, item := range items {
		if item.KeyID == keyID {
			return item
		}
	}
	t.Fatalf("key %s not found", keyID)
	return apikeydomain.Response{}
}

func findScopes(t *testing.T, svc apikeydomain.Service, keyID string) []string {
	t.Helper()
	return findKey(t, svc, keyID).Scopes
}
