package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apikeydomain "github.com/campusfund/creditledger/internal/apikey/domain"
	apikeyrepo "github.com/campusfund/creditledger/internal/apikey/repository"
	apikeyservice "github.com/campusfund/creditledger/internal/apikey/service"
	auditdomain "github.com/campusfund/creditledger/internal/audit/domain"
	auditrepo "github.com/campusfund/creditledger/internal/audit/repository"
	auditservice "github.com/campusfund/creditledger/internal/audit/service"
	"github.com/campusfund/creditledger/internal/authorization"
	"github.com/campusfund/creditledger/internal/clock"
	"github.com/campusfund/creditledger/internal/config"
	idemdomain "github.com/campusfund/creditledger/internal/idempotency/domain"
	idemservice "github.com/campusfund/creditledger/internal/idempotency/service"
	ledgerdomain "github.com/campusfund/creditledger/internal/ledger/domain"
	ledgerrepo "github.com/campusfund/creditledger/internal/ledger/repository"
	ledgerservice "github.com/campusfund/creditledger/internal/ledger/service"
	"github.com/campusfund/creditledger/internal/observability"
	"github.com/campusfund/creditledger/internal/providers/pdf"
	purchaseservice "github.com/campusfund/creditledger/internal/purchase/service"
)

const serverTestPacksYAML = `packs:
  - name: Starter Pack
    code: starter
    amountPaid: 499
    credits: 1000
  - name: Pro Pack
    code: pro
    amountPaid: 2499
    credits: 9990
`

type serverFixture struct {
	srv     *Server
	engine  *gin.Engine
	db      *gorm.DB
	clk     *clock.FakeClock
	apiKeys apikeydomain.Service
}

// newTestServer assembles the full HTTP stack against an in-memory
// database. API auth is off unless mutate flips it on.
func newTestServer(t *testing.T, mutate func(cfg *config.Config)) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

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
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error

	if err := db.AutoMigrate(
		&ledgerdomain.Balance{},
		&ledgerdomain.LedgerEntry{},
		&idemdomain.Claim{},
		&apikeydomain.APIKey{},
		&auditdomain.AuditLog{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	clk := clock.NewFakeClock(time.Date(2026, 5, 12, 9, 30, 0, 0, time.UTC))
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	logger := zap.NewNop()

	auditSvc := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   logger,
		GenID: node,
		Repo:  auditrepo.Provide(),
	})
	claims := idemservice.New(idemservice.Params{
		DB:     db,
		Logger: logger,
		Clock:  clk,
	})
	ledgerSvc := ledgerservice.New(ledgerservice.Params{
		DB:     db,
		Logger: logger,
		Clock:  clk,
		Config: config.Config{},
		GenID:  node,
		Repo:   ledgerrepo.Provide(),
		Claims: claims,
		Audit:  auditSvc,
	})

	packsDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(packsDir, "packs.yml"), []byte(serverTestPacksYAML), 0o600); err != nil {
		t.Fatalf("write packs fixture: %v", err)
	}
	packs, err := config.NewPacksConfigHolder(config.Config{PacksConfigPath: packsDir})
	if err != nil {
		t.Fatalf("packs holder: %v", err)
	}
	purchaseSvc := purchaseservice.New(purchaseservice.Params{
		Logger: logger,
		Ledger: ledgerSvc,
		Packs:  packs,
		Audit:  auditSvc,
	})

	apiKeySvc := apikeyservice.New(apikeyservice.Params{
		DB:    db,
		Log:   logger,
		Clock: clk,
		GenID: node,
		Repo:  apikeyrepo.Provide(),
		Audit: auditSvc,
	})

	enforcer, err := authorization.NewEnforcer(db)
	if err != nil {
		t.Fatalf("new enforcer: %v", err)
	}
	authzSvc := authorization.NewService(authorization.Params{
		DB:       db,
		Log:      logger,
		Enforcer: enforcer,
		AuditSvc: auditSvc,
	})

	cfg := config.Config{
		AppName:     "creditledger",
		Environment: "test",
		HTTPPort:    "8080",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	engine := NewEngine(observability.Config{ServiceName: "creditledger", Environment: "test"}, nil)
	srv := NewServer(ServerParams{
		Gin:         engine,
		Cfg:         cfg,
		DB:          db,
		LedgerSvc:   ledgerSvc,
		PurchaseSvc: purchaseSvc,
		APIKeySvc:   apiKeySvc,
		AuthzSvc:    authzSvc,
		AuditSvc:    auditSvc,
		PDFProvider: pdf.New(),
	})

	return &serverFixture{srv: srv, engine: engine, db: db, clk: clk, apiKeys: apiKeySvc}
}

func (f *serverFixture) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	f.engine.ServeHTTP(resp, req)
	return resp
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(resp.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", resp.Body.String(), err)
	}
}

type applyBody struct {
	RequestID  string `json:"request_id"`
	EntryID    string `json:"entry_id"`
	UserID     string `json:"user_id"`
	Delta      int64  `json:"delta"`
	Purpose    string `json:"purpose"`
	NewBalance int64  `json:"new_balance"`
	Duplicate  bool   `json:"duplicate"`
}

type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Errors  []struct {
			Field   string `json:"field"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
	} `json:"error"`
}

type historyBody struct {
	RequestID    string `json:"request_id"`
	UserID       string `json:"user_id"`
	Transactions []struct {
		EntryID      string         `json:"entry_id"`
		Delta        int64          `json:"delta"`
		Purpose      string         `json:"purpose"`
		Description  string         `json:"description"`
		Metadata     map[string]any `json:"metadata"`
		BalanceAfter int64          `json:"balance_after"`
	} `json:"transactions"`
	TotalGranted   int64  `json:"total_granted"`
	CurrentBalance int64  `json:"current_balance"`
	NextPageToken  string `json:"next_page_token"`
	HasMore        bool   `json:"has_more"`
}

type balanceBody struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
	Balance   int64  `json:"balance"`
}
