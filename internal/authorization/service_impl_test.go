package authorization

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupAuthz(t *testing.T) (Service, *gorm.DB, *snowflake.Node) {
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

	if err := db.Exec(`CREATE TABLE api_keys (
		id BIGINT PRIMARY KEY,
		key_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		scopes TEXT NOT NULL DEFAULT '{}',
		key_hash TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT true,
		created_at DATETIME,
		updated_at DATETIME,
		last_used_at DATETIME,
		expires_at DATETIME,
		rotated_from_key_id TEXT
	)`).Error; err != nil {
		t.Fatalf("create api_keys: %v", err)
	}

	enforcer, err := NewEnforcer(db)
	if err != nil {
		t.Fatalf("new enforcer: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		Enforcer: enforcer,
	})
	return svc, db, node
}

func seedKey(t *testing.T, db *gorm.DB, id snowflake.ID, role string, active bool) {
	t.Helper()
	if err := db.Exec(
		`INSERT INTO api_keys (id, key_id, role, is_active) VALUES (?, ?, ?, ?)`,
		id, "key_"+id.String(), role, active,
	).Error; err != nil {
		t.Fatalf("seed key: %v", err)
	}
}

func TestAuthorizeSystemActor(t *testing.T) {
	svc, _, _ := setupAuthz(t)
	ctx := context.Background()

	grants := [][2]string{
		{ObjectLedger, ActionLedgerDebit},
		{ObjectLedger, ActionLedgerCredit},
		{ObjectLedger, ActionLedgerAdjust},
		{ObjectLedger, ActionLedgerRead},
		{ObjectClaims, ActionClaimsPurge},
		{ObjectDocuments, ActionDocumentsView},
		{ObjectAPIKey, ActionAPIKeyCreate},
		{ObjectAuditLog, ActionAuditLogView},
	}
	for _, grant := range grants {
		if err := svc.Authorize(ctx, "system", grant[0], grant[1]); err != nil {
			t.Fatalf("system denied %s/%s: %v", grant[0], grant[1], err)
		}
	}
}

func TestAuthorizeServiceRole(t *testing.T) {
	svc, db, node := setupAuthz(t)
	ctx := context.Background()

	id := node.Generate()
	seedKey(t, db, id, "service", true)
	actor := "api_key:" + id.String()

	for _, action := range []string{ActionLedgerDebit, ActionLedgerCredit, ActionLedgerRead} {
		if err := svc.Authorize(ctx, actor, ObjectLedger, action); err != nil {
			t.Fatalf("service denied %s: %v", action, err)
		}
	}

	if err := svc.Authorize(ctx, actor, ObjectLedger, ActionLedgerAdjust); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected adjust forbidden for service keys, got %v", err)
	}
	if err := svc.Authorize(ctx, actor, ObjectAPIKey, ActionAPIKeyCreate); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected credential management forbidden for service keys, got %v", err)
	}
}

func TestAuthorizeSupportRoleIsReadOnly(t *testing.T) {
	svc, db, node := setupAuthz(t)
	ctx := context.Background()

	id := node.Generate()
	seedKey(t, db, id, "support", true)
	actor := "api_key:" + id.String()

	if err := svc.Authorize(ctx, actor, ObjectLedger, ActionLedgerRead); err != nil {
		t.Fatalf("support denied reads: %v", err)
	}
	if err := svc.Authorize(ctx, actor, ObjectDocuments, ActionDocumentsView); err != nil {
		t.Fatalf("support denied documents: %v", err)
	}
	if err := svc.Authorize(ctx, actor, ObjectAuditLog, ActionAuditLogView); err != nil {
		t.Fatalf("support denied audit view: %v", err)
	}
	if err := svc.Authorize(ctx, actor, ObjectLedger, ActionLedgerDebit); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected debit forbidden for support keys, got %v", err)
	}
}

func TestAuthorizeAdminRole(t *testing.T) {
	svc, db, node := setupAuthz(t)
	ctx := context.Background()

	id := node.Generate()
	seedKey(t, db, id, "admin", true)
	actor := "api_key:" + id.String()

	if err := svc.Authorize(ctx, actor, ObjectLedger, ActionLedgerAdjust); err != nil {
		t.Fatalf("admin denied adjust: %v", err)
	}
	if err := svc.Authorize(ctx, actor, ObjectAPIKey, ActionAPIKeyRotate); err != nil {
		t.Fatalf("admin denied rotate: %v", err)
	}
	if err := svc.Authorize(ctx, actor, ObjectClaims, ActionClaimsPurge); err != nil {
		t.Fatalf("admin denied purge: %v", err)
	}
}

func TestAuthorizeUnknownActors(t *testing.T) {
	svc, _, _ := setupAuthz(t)
	ctx := context.Background()

	if err := svc.Authorize(ctx, "alice", ObjectLedger, ActionLedgerRead); !errors.Is(err, ErrInvalidActor) {
		t.Fatalf("expected ErrInvalidActor, got %v", err)
	}
	if err := svc.Authorize(ctx, "api_key:not-a-number", ObjectLedger, ActionLedgerRead); !errors.Is(err, ErrInvalidActor) {
		t.Fatalf("expected ErrInvalidActor for malformed id, got %v", err)
	}
}

func TestAuthorizeInactiveKey(t *testing.T) {
	svc, db, node := setupAuthz(t)
	ctx := context.Background()

	id := node.Generate()
	seedKey(t, db, id, "admin", false)

	err := svc.Authorize(ctx, "api_key:"+id.String(), ObjectLedger, ActionLedgerRead)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for inactive key, got %v", err)
	}
}

func TestAuthorizeValidatesInputs(t *testing.T) {
	svc, _, _ := setupAuthz(t)
	ctx := context.Background()

	if err := svc.Authorize(ctx, "", ObjectLedger, ActionLedgerRead); !errors.Is(err, ErrInvalidActor) {
		t.Fatalf("expected ErrInvalidActor, got %v", err)
	}
	if err := svc.Authorize(ctx, "system", " ", ActionLedgerRead); !errors.Is(err, ErrInvalidObject) {
		t.Fatalf("expected ErrInvalidObject, got %v", err)
	}
	if err := svc.Authorize(ctx, "system", ObjectLedger, ""); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}
}

func TestAuthorizeFollowsRoleChanges(t *testing.T) {
	svc, db, node := setupAuthz(t)
	ctx := context.Background()

	id := node.Generate()
	seedKey(t, db, id, "service", true)
	actor := "api_key:" + id.String()

	if err := svc.Authorize(ctx, actor, ObjectLedger, ActionLedgerAdjust); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected adjust forbidden before promotion, got %v", err)
	}

	if err := db.Exec(`UPDATE api_keys SET role = 'admin' WHERE id = ?`, id).Error; err != nil {
		t.Fatalf("promote key: %v", err)
	}

	// The stale role:service grouping is replaced on the next check.
	if err := svc.Authorize(ctx, actor, ObjectLedger, ActionLedgerAdjust); err != nil {
		t.Fatalf("promoted key still denied adjust: %v", err)
	}
	if err := svc.Authorize(ctx, actor, ObjectLedger, ActionLedgerRead); err != nil {
		t.Fatalf("promoted key denied read: %v", err)
	}
}
