package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/campusfund/creditledger/internal/audit/domain"
	"github.com/campusfund/creditledger/internal/clock"
	"github.com/campusfund/creditledger/internal/config"
	"github.com/campusfund/creditledger/internal/events"
	idemdomain "github.com/campusfund/creditledger/internal/idempotency/domain"
	idemservice "github.com/campusfund/creditledger/internal/idempotency/service"
	"github.com/campusfund/creditledger/internal/ledger/domain"
	"github.com/campusfund/creditledger/internal/ledger/repository"
	"github.com/campusfund/creditledger/pkg/db/pagination"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []events.BalanceChanged
	err    error
	ch     chan events.BalanceChanged
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{ch: make(chan events.BalanceChanged, 32)}
}

func (p *capturePublisher) Publish(ctx context.Context, event events.BalanceChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	select {
	case p.ch <- event:
	default:
	}
	return nil
}

func (p *capturePublisher) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

type auditRecorder struct {
	mu      sync.Mutex
	actions []string
}

func (a *auditRecorder) AuditLog(ctx context.Context, userID *string, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action)
	return nil
}

func (a *auditRecorder) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

func (a *auditRecorder) Actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.actions...)
}

type ledgerFixture struct {
	svc       domain.Service
	db        *gorm.DB
	clk       *clock.FakeClock
	publisher *capturePublisher
	audit     *auditRecorder
}

func setupLedger(t *testing.T) *ledgerFixture {
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
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error

	if err := db.AutoMigrate(&domain.Balance{}, &domain.LedgerEntry{}, &idemdomain.Claim{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	claims := idemservice.New(idemservice.Params{
		DB:     db,
		Logger: zap.NewNop(),
		Clock:  clk,
	})

	publisher := newCapturePublisher()
	emitter := events.NewEmitter(events.EmitterParams{
		Logger:    zap.NewNop(),
		Config:    config.Config{},
		Clock:     clk,
		Publisher: publisher,
	})

	audit := &auditRecorder{}
	svc := New(Params{
		DB:      db,
		Logger:  zap.NewNop(),
		Clock:   clk,
		Config:  config.Config{},
		GenID:   node,
		Repo:    repository.Provide(),
		Claims:  claims,
		Emitter: emitter,
		Audit:   audit,
	})

	return &ledgerFixture{svc: svc, db: db, clk: clk, publisher: publisher, audit: audit}
}

func (f *ledgerFixture) grant(t *testing.T, userID string, amount int64, key string) domain.LedgerEntry {
	t.Helper()
	result, err := f.svc.Apply(context.Background(), domain.ApplyRequest{
		UserID:         userID,
		Delta:          amount,
		Purpose:        domain.PurposePurchase,
		IdempotencyKey: key,
		CreatedByRole:  domain.RoleSystem,
	})
	if err != nil {
		t.Fatalf("grant %d to %s: %v", amount, userID, err)
	}
	return result.Entry
}

func (f *ledgerFixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	summary, err := f.svc.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	return summary.Balance
}

func (f *ledgerFixture) countEntries(t *testing.T) int {
	t.Helper()
	var count int
	if err := f.db.Raw(`SELECT COUNT(1) FROM ledger_entries`).Scan(&count).Error; err != nil {
		t.Fatalf("count entries: %v", err)
	}
	return count
}

func TestApplyCreditCreatesBalanceAndEntry(t *testing.T) {
	f := setupLedger(t)

	result, err := f.svc.Apply(context.Background(), domain.ApplyRequest{
		UserID:         "user_1",
		Delta:          1000,
		Purpose:        domain.PurposePurchase,
		Description:    "Starter pack",
		IdempotencyKey: "purchase:pi_1",
		CreatedByRole:  domain.RoleSystem,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.Duplicate {
		t.Fatal("fresh apply flagged duplicate")
	}
	if result.Entry.ID == 0 {
		t.Fatal("expected generated entry id")
	}
	if result.Entry.BalanceAfter != 1000 {
		t.Fatalf("expected balance_after 1000, got %d", result.Entry.BalanceAfter)
	}
	if result.Entry.CreatedAt != f.clk.Now() {
		t.Fatalf("expected entry stamped with clock time, got %v", result.Entry.CreatedAt)
	}

	if got := f.balance(t, "user_1"); got != 1000 {
		t.Fatalf("expected balance 1000, got %d", got)
	}
	if count := f.countEntries(t); count != 1 {
		t.Fatalf("expected 1 entry, got %d", count)
	}
}

func TestApplyValidation(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  domain.ApplyRequest
		want error
	}{
		{
			name: "missing user",
			req: domain.ApplyRequest{
				Delta:          -10,
				Purpose:        domain.PurposeAIUsage,
				IdempotencyKey: "k1",
				CreatedByRole:  domain.RoleUser,
			},
			want: domain.ErrInvalidUser,
		},
		{
			name: "zero delta",
			req: domain.ApplyRequest{
				UserID:         "user_1",
				Purpose:        domain.PurposeAIUsage,
				IdempotencyKey: "k2",
				CreatedByRole:  domain.RoleUser,
			},
			want: domain.ErrInvalidDelta,
		},
		{
			name: "unknown purpose",
			req: domain.ApplyRequest{
				UserID:         "user_1",
				Delta:          -10,
				Purpose:        domain.Purpose("refund"),
				IdempotencyKey: "k3",
				CreatedByRole:  domain.RoleUser,
			},
			want: domain.ErrInvalidPurpose,
		},
		{
			name: "unknown role",
			req: domain.ApplyRequest{
				UserID:         "user_1",
				Delta:          -10,
				Purpose:        domain.PurposeAIUsage,
				IdempotencyKey: "k4",
				CreatedByRole:  domain.Role("bot"),
			},
			want: domain.ErrInvalidRole,
		},
		{
			name: "usage without key",
			req: domain.ApplyRequest{
				UserID:        "user_1",
				Delta:         -10,
				Purpose:       domain.PurposeAIUsage,
				CreatedByRole: domain.RoleUser,
			},
			want: domain.ErrInvalidIdempotencyKey,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Apply(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	// Adjustments are the one purpose that may omit the key.
	if _, err := f.svc.Apply(ctx, domain.ApplyRequest{
		UserID:        "user_1",
		Delta:         25,
		Purpose:       domain.PurposeAdjustment,
		CreatedByRole: domain.RoleAdmin,
	}); err != nil {
		t.Fatalf("adjustment without key: %v", err)
	}
}

func TestApplyInsufficientFundsLeavesNoTrace(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()
	f.grant(t, "user_1", 100, "grant_1")

	_, err := f.svc.Apply(ctx, domain.ApplyRequest{
		UserID:         "user_1",
		Delta:          -200,
		Purpose:        domain.PurposeAIUsage,
		IdempotencyKey: "spend_1",
		CreatedByRole:  domain.RoleUser,
	})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	if got := f.balance(t, "user_1"); got != 100 {
		t.Fatalf("expected balance unchanged at 100, got %d", got)
	}
	if count := f.countEntries(t); count != 1 {
		t.Fatalf("expected only the grant entry, got %d", count)
	}

	// The rejected attempt released its claim, so retrying the same key
	// with an affordable amount goes through.
	result, err := f.svc.Apply(ctx, domain.ApplyRequest{
		UserID:         "user_1",
		Delta:          -100,
		Purpose:        domain.PurposeAIUsage,
		IdempotencyKey: "spend_1",
		CreatedByRole:  domain.RoleUser,
	})
	if err != nil {
		t.Fatalf("retry after rejection: %v", err)
	}
	if result.Duplicate {
		t.Fatal("retry of a failed attempt must not replay")
	}
	if got := f.balance(t, "user_1"); got != 0 {
		t.Fatalf("expected balance 0, got %d", got)
	}
}

func TestApplyDebitToExactZero(t *testing.T) {
	f := setupLedger(t)
	f.grant(t, "user_1", 500, "grant_1")

	result, err := f.svc.Apply(context.Background(), domain.ApplyRequest{
		UserID:         "user_1",
		Delta:          -500,
		Purpose:        domain.PurposeAIUsage,
		IdempotencyKey: "spend_all",
		CreatedByRole:  domain.RoleUser,
	})
	if err != nil {
		t.Fatalf("debit to zero: %v", err)
	}
	if result.Entry.BalanceAfter != 0 {
		t.Fatalf("expected balance_after 0, got %d", result.Entry.BalanceAfter)
	}
	if got := f.balance(t, "user_1"); got != 0 {
		t.Fatalf("expected balance 0, got %d", got)
	}
}

func TestApplyReplayReturnsOriginalEntry(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()
	f.grant(t, "user_1", 1000, "grant_1")

	req := domain.ApplyRequest{
		UserID:         "user_1",
		Delta:          -30,
		Purpose:        domain.PurposeAIUsage,
		Description:    "Essay review",
		IdempotencyKey: "spend_1",
		CreatedByRole:  domain.RoleUser,
	}

	first, err := f.svc.Apply(ctx, req)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if first.Duplicate {
		t.Fatal("first apply flagged duplicate")
	}

	second, err := f.svc.Apply(ctx, req)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if !second.Duplicate {
		t.Fatal("replay not flagged duplicate")
	}
	if second.Entry.ID != first.Entry.ID {
		t.Fatalf("replay returned entry %s, want %s", second.Entry.ID, first.Entry.ID)
	}
	if second.Entry.BalanceAfter != first.Entry.BalanceAfter {
		t.Fatalf("replay balance_after %d, want %d", second.Entry.BalanceAfter, first.Entry.BalanceAfter)
	}

	// Charged once.
	if got := f.balance(t, "user_1"); got != 970 {
		t.Fatalf("expected balance 970, got %d", got)
	}
	if count := f.countEntries(t); count != 2 {
		t.Fatalf("expected 2 entries, got %d", count)
	}
}

func TestApplyConcurrentReplaySingleEntry(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()
	f.grant(t, "user_1", 9990, "grant_1")

	req := domain.ApplyRequest{
		UserID:         "user_1",
		Delta:          -100,
		Purpose:        domain.PurposeAIUsage,
		IdempotencyKey: "req_1",
		CreatedByRole:  domain.RoleUser,
	}

	type outcome struct {
		result domain.ApplyResult
		err    error
	}
	var wg sync.WaitGroup
	outcomes := make(chan outcome, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.svc.Apply(ctx, req)
			outcomes <- outcome{result: result, err: err}
		}()
	}
	wg.Wait()
	close(outcomes)

	var winnerID snowflake.ID
	fresh := 0
	for o := range outcomes {
		if o.err != nil {
			if !errors.Is(o.err, domain.ErrDuplicateInProgress) {
				t.Fatalf("unexpected error: %v", o.err)
			}
			continue
		}
		if !o.result.Duplicate {
			fresh++
			winnerID = o.result.Entry.ID
		}
	}
	if fresh != 1 {
		t.Fatalf("expected exactly one fresh apply, got %d", fresh)
	}

	// Once the storm settles, the key replays the winner's entry.
	replay, err := f.svc.Apply(ctx, req)
	if err != nil {
		t.Fatalf("post-storm replay: %v", err)
	}
	if !replay.Duplicate || replay.Entry.ID != winnerID {
		t.Fatalf("replay returned entry %s (duplicate=%v), want %s", replay.Entry.ID, replay.Duplicate, winnerID)
	}

	if got := f.balance(t, "user_1"); got != 9890 {
		t.Fatalf("expected balance 9890, got %d", got)
	}
	if count := f.countEntries(t); count != 2 {
		t.Fatalf("expected grant plus one debit, got %d entries", count)
	}
}

func TestApplyConcurrentDebitsSingleWinner(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()
	f.grant(t, "user_1", 5, "grant_1")

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, key := range []string{"spend_a", "spend_b"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, err := f.svc.Apply(ctx, domain.ApplyRequest{
				UserID:         "user_1",
				Delta:          -5,
				Purpose:        domain.PurposeAIUsage,
				IdempotencyKey: key,
				CreatedByRole:  domain.RoleUser,
			})
			errs <- err
		}(key)
	}
	wg.Wait()
	close(errs)

	succeeded, rejected := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domain.ErrInsufficientFunds):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || rejected != 1 {
		t.Fatalf("expected one winner and one rejection, got %d/%d", succeeded, rejected)
	}
	if got := f.balance(t, "user_1"); got != 0 {
		t.Fatalf("expected balance 0, got %d", got)
	}
	if count := f.countEntries(t); count != 2 {
		t.Fatalf("expected grant plus one debit, got %d entries", count)
	}
}

func TestApplyMetadataRoundTrip(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()
	f.grant(t, "user_1", 100, "grant_1")

	result, err := f.svc.Apply(ctx, domain.ApplyRequest{
		UserID:  "user_1",
		Delta:   -20,
		Purpose: domain.PurposeAIUsage,
		Metadata: map[string]any{
			"feature": "essay_review",
			"job_id":  "job_123",
		},
		IdempotencyKey: "spend_1",
		CreatedByRole:  domain.RoleUser,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	entry, err := f.svc.GetEntry(ctx, result.Entry.ID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if entry.Metadata["feature"] != "essay_review" {
		t.Fatalf("expected feature essay_review, got %v", entry.Metadata["feature"])
	}
	if entry.Metadata["job_id"] != "job_123" {
		t.Fatalf("expected job_id job_123, got %v", entry.Metadata["job_id"])
	}
}

func TestApplyAdjustmentAudited(t *testing.T) {
	f := setupLedger(t)

	_, err := f.svc.Apply(context.Background(), domain.ApplyRequest{
		UserID:        "user_1",
		Delta:         50,
		Purpose:       domain.PurposeAdjustment,
		Description:   "Support credit for outage",
		CreatedByRole: domain.RoleAdmin,
	})
	if err != nil {
		t.Fatalf("adjustment: %v", err)
	}

	actions := f.audit.Actions()
	if len(actions) != 1 || actions[0] != "ledger.adjustment" {
		t.Fatalf("expected one ledger.adjustment audit, got %v", actions)
	}
}

func TestApplyPublishesBalanceChanged(t *testing.T) {
	f := setupLedger(t)
	f.grant(t, "user_1", 100, "grant_1")

	select {
	case event := <-f.publisher.ch:
		if event.UserID != "user_1" {
			t.Fatalf("expected user_1, got %s", event.UserID)
		}
		if event.Delta != 100 {
			t.Fatalf("expected delta 100, got %d", event.Delta)
		}
		if event.BalanceAfter != 100 {
			t.Fatalf("expected balance_after 100, got %d", event.BalanceAfter)
		}
		if event.EventID == "" {
			t.Fatal("expected generated event id")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("balance event never published")
	}
}

func TestApplySurvivesPublisherFailure(t *testing.T) {
	f := setupLedger(t)
	f.publisher.SetError(errors.New("broker down"))

	result, err := f.svc.Apply(context.Background(), domain.ApplyRequest{
		UserID:         "user_1",
		Delta:          100,
		Purpose:        domain.PurposePurchase,
		IdempotencyKey: "grant_1",
		CreatedByRole:  domain.RoleSystem,
	})
	if err != nil {
		t.Fatalf("apply with dead publisher: %v", err)
	}
	if result.Entry.BalanceAfter != 100 {
		t.Fatalf("expected balance_after 100, got %d", result.Entry.BalanceAfter)
	}
	if got := f.balance(t, "user_1"); got != 100 {
		t.Fatalf("expected committed balance 100, got %d", got)
	}
}

func TestGetBalanceUnknownUserIsZero(t *testing.T) {
	f := setupLedger(t)

	summary, err := f.svc.GetBalance(context.Background(), "never_seen")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if summary.Balance != 0 {
		t.Fatalf("expected zero balance, got %d", summary.Balance)
	}
	if summary.UserID != "never_seen" {
		t.Fatalf("expected user echoed back, got %s", summary.UserID)
	}
}

func TestGetHistoryPaginatesNewestFirst(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()

	f.grant(t, "user_1", 1000, "grant_1")
	for i := 0; i < 4; i++ {
		f.clk.Advance(time.Minute)
		if _, err := f.svc.Apply(ctx, domain.ApplyRequest{
			UserID:         "user_1",
			Delta:          -10,
			Purpose:        domain.PurposeAIUsage,
			IdempotencyKey: fmt.Sprintf("spend_%d", i),
			CreatedByRole:  domain.RoleUser,
		}); err != nil {
			t.Fatalf("spend %d: %v", i, err)
		}
	}

	var seen []int64
	token := ""
	pages := 0
	for {
		resp, err := f.svc.GetHistory(ctx, domain.HistoryRequest{
			UserID: "user_1",
			Pagination: pagination.Pagination{
				PageToken: token,
				PageSize:  2,
			},
		})
		if err != nil {
			t.Fatalf("history page %d: %v", pages, err)
		}
		if resp.TotalGranted != 1000 {
			t.Fatalf("expected total_granted 1000 on every page, got %d", resp.TotalGranted)
		}
		if resp.CurrentBalance != 960 {
			t.Fatalf("expected current_balance 960, got %d", resp.CurrentBalance)
		}
		for _, entry := range resp.Entries {
			seen = append(seen, entry.BalanceAfter)
		}
		pages++
		if !resp.HasMore {
			break
		}
		token = resp.NextPageToken
		if token == "" {
			t.Fatal("has_more with empty next_page_token")
		}
	}

	if pages != 3 {
		t.Fatalf("expected 3 pages, got %d", pages)
	}
	want := []int64{960, 970, 980, 990, 1000}
	if len(seen) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(seen))
	}
	for i, balance := range want {
		if seen[i] != balance {
			t.Fatalf("page order wrong at %d: got %d, want %d", i, seen[i], balance)
		}
	}
}

func TestGetHistoryRejectsBadPageToken(t *testing.T) {
	f := setupLedger(t)

	_, err := f.svc.GetHistory(context.Background(), domain.HistoryRequest{
		UserID: "user_1",
		Pagination: pagination.Pagination{
			PageToken: "not-base64!!",
		},
	})
	if !errors.Is(err, domain.ErrInvalidPageToken) {
		t.Fatalf("expected ErrInvalidPageToken, got %v", err)
	}
}

func TestGetEntryNotFound(t *testing.T) {
	f := setupLedger(t)

	node, _ := snowflake.NewNode(2)
	_, err := f.svc.GetEntry(context.Background(), node.Generate())
	if !errors.Is(err, domain.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestHistoryReplaysEveryBalance(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()

	steps := []struct {
		delta   int64
		purpose domain.Purpose
		role    domain.Role
	}{
		{500, domain.PurposePurchase, domain.RoleSystem},
		{-120, domain.PurposeAIUsage, domain.RoleUser},
		{1000, domain.PurposePurchase, domain.RoleSystem},
		{-80, domain.PurposeAIUsage, domain.RoleUser},
		{25, domain.PurposeAdjustment, domain.RoleAdmin},
		{-300, domain.PurposeAIUsage, domain.RoleUser},
	}
	for i, step := range steps {
		f.clk.Advance(time.Minute)
		if _, err := f.svc.Apply(ctx, domain.ApplyRequest{
			UserID:         "user_1",
			Delta:          step.delta,
			Purpose:        step.purpose,
			IdempotencyKey: fmt.Sprintf("step_%d", i),
			CreatedByRole:  step.role,
		}); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	var newest []domain.LedgerEntry
	token := ""
	for {
		resp, err := f.svc.GetHistory(ctx, domain.HistoryRequest{
			UserID: "user_1",
			Pagination: pagination.Pagination{
				PageToken: token,
				PageSize:  2,
			},
		})
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		newest = append(newest, resp.Entries...)
		if !resp.HasMore {
			break
		}
		token = resp.NextPageToken
	}
	if len(newest) != len(steps) {
		t.Fatalf("expected %d entries, got %d", len(steps), len(newest))
	}

	// Replaying deltas oldest-first from zero must reproduce every stored
	// balance_after and land on the current balance.
	var running int64
	for i := len(newest) - 1; i >= 0; i-- {
		entry := newest[i]
		running += entry.Delta
		if running != entry.BalanceAfter {
			t.Fatalf("replay diverged at entry %s: running %d, stored %d", entry.ID, running, entry.BalanceAfter)
		}
	}
	if got := f.balance(t, "user_1"); got != running {
		t.Fatalf("replayed sum %d does not match balance %d", running, got)
	}
}

func TestApplyConcurrentMixedLoadSumsExactly(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()

	f.grant(t, "user_1", 1000, "seed")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if _, err := f.svc.Apply(ctx, domain.ApplyRequest{
				UserID:         "user_1",
				Delta:          50,
				Purpose:        domain.PurposePurchase,
				IdempotencyKey: fmt.Sprintf("credit_%d", i),
				CreatedByRole:  domain.RoleSystem,
			}); err != nil {
				t.Errorf("credit %d: %v", i, err)
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			if _, err := f.svc.Apply(ctx, domain.ApplyRequest{
				UserID:         "user_1",
				Delta:          -30,
				Purpose:        domain.PurposeAIUsage,
				IdempotencyKey: fmt.Sprintf("debit_%d", i),
				CreatedByRole:  domain.RoleUser,
			}); err != nil {
				t.Errorf("debit %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if got := f.balance(t, "user_1"); got != 1200 {
		t.Fatalf("expected balance 1200 after mixed load, got %d", got)
	}
	if count := f.countEntries(t); count != 21 {
		t.Fatalf("expected 21 entries, got %d", count)
	}

	resp, err := f.svc.GetHistory(ctx, domain.HistoryRequest{
		UserID:     "user_1",
		Pagination: pagination.Pagination{PageSize: 100},
	})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if resp.TotalGranted != 1500 {
		t.Fatalf("expected total_granted 1500, got %d", resp.TotalGranted)
	}
	if resp.CurrentBalance != 1200 {
		t.Fatalf("expected current_balance 1200, got %d", resp.CurrentBalance)
	}
}
