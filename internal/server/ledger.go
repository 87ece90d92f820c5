package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/campusfund/creditledger/internal/ledger/domain"
	"github.com/campusfund/creditledger/pkg/db/pagination"
)

type debitRequest struct {
	UserID         string         `json:"user_id"`
	Amount         int64          `json:"amount"`
	Description    string         `json:"description"`
	Metadata       map[string]any `json:"metadata"`
	IdempotencyKey string         `json:"idempotency_key"`
}

type creditRequest struct {
	UserID         string         `json:"user_id"`
	Amount         int64          `json:"amount"`
	Description    string         `json:"description"`
	Metadata       map[string]any `json:"metadata"`
	IdempotencyKey string         `json:"idempotency_key"`
}

type adjustmentRequest struct {
	UserID         string         `json:"user_id"`
	Delta          int64          `json:"delta"`
	Description    string         `json:"description"`
	Metadata       map[string]any `json:"metadata"`
	IdempotencyKey string         `json:"idempotency_key"`
}

type applyResponse struct {
	RequestID  string       `json:"request_id"`
	EntryID    snowflake.ID `json:"entry_id"`
	UserID     string       `json:"user_id"`
	Delta      int64        `json:"delta"`
	Purpose    string       `json:"purpose"`
	NewBalance int64        `json:"new_balance"`
	Duplicate  bool         `json:"duplicate"`
	CreatedAt  time.Time    `json:"created_at"`
}

type balanceResponse struct {
	RequestID   string    `json:"request_id"`
	UserID      string    `json:"user_id"`
	Balance     int64     `json:"balance"`
	LastUpdated time.Time `json:"last_updated"`
}

type transactionItem struct {
	EntryID      snowflake.ID   `json:"entry_id"`
	Delta        int64          `json:"delta"`
	Purpose      string         `json:"purpose"`
	Description  string         `json:"description,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	BalanceAfter int64          `json:"balance_after"`
	CreatedAt    time.Time      `json:"created_at"`
}

type historyResponse struct {
	RequestID      string            `json:"request_id"`
	UserID         string            `json:"user_id"`
	Transactions   []transactionItem `json:"transactions"`
	TotalGranted   int64             `json:"total_granted"`
	CurrentBalance int64             `json:"current_balance"`
	NextPageToken  string            `json:"next_page_token"`
	HasMore        bool              `json:"has_more"`
}

// Debit spends credits on an AI feature. The amount is positive in the
// request and recorded as a negative delta.
func (s *Server) Debit(c *gin.Context) {
	var req debitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Amount <= 0 {
		AbortWithError(c, newValidationError("amount", "invalid_amount", "amount must be a positive number of credits"))
		return
	}

	c.Set("entry_purpose", string(ledgerdomain.PurposeAIUsage))

	result, err := s.ledgerSvc.Apply(c.Request.Context(), ledgerdomain.ApplyRequest{
		UserID:         req.UserID,
		Delta:          -req.Amount,
		Purpose:        ledgerdomain.PurposeAIUsage,
		Description:    req.Description,
		Metadata:       req.Metadata,
		IdempotencyKey: req.IdempotencyKey,
		CreatedByRole:  ledgerdomain.RoleUser,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newApplyResponse(c, result))
}

// Credit grants purchased credits outside the payment webhook flow.
func (s *Server) Credit(c *gin.Context) {
	var req creditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Amount <= 0 {
		AbortWithError(c, newValidationError("amount", "invalid_amount", "amount must be a positive number of credits"))
		return
	}

	c.Set("entry_purpose", string(ledgerdomain.PurposePurchase))

	result, err := s.ledgerSvc.Apply(c.Request.Context(), ledgerdomain.ApplyRequest{
		UserID:         req.UserID,
		Delta:          req.Amount,
		Purpose:        ledgerdomain.PurposePurchase,
		Description:    req.Description,
		Metadata:       req.Metadata,
		IdempotencyKey: req.IdempotencyKey,
		CreatedByRole:  ledgerdomain.RoleSystem,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newApplyResponse(c, result))
}

// Adjust applies a signed manual correction. The idempotency key is
// optional here; operator tooling retries by hand.
func (s *Server) Adjust(c *gin.Context) {
	var req adjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Delta == 0 {
		AbortWithError(c, newValidationError("delta", "invalid_delta", "delta must be a non-zero number of credits"))
		return
	}

	c.Set("entry_purpose", string(ledgerdomain.PurposeAdjustment))

	result, err := s.ledgerSvc.Apply(c.Request.Context(), ledgerdomain.ApplyRequest{
		UserID:         req.UserID,
		Delta:          req.Delta,
		Purpose:        ledgerdomain.PurposeAdjustment,
		Description:    req.Description,
		Metadata:       req.Metadata,
		IdempotencyKey: req.IdempotencyKey,
		CreatedByRole:  ledgerdomain.RoleAdmin,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newApplyResponse(c, result))
}

func (s *Server) GetBalance(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))

	summary, err := s.ledgerSvc.GetBalance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balanceResponse{
		RequestID:   requestID(c),
		UserID:      summary.UserID,
		Balance:     summary.Balance,
		LastUpdated: summary.UpdatedAt,
	})
}

func (s *Server) GetHistory(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	userID := strings.TrimSpace(c.Param("user_id"))

	resp, err := s.ledgerSvc.GetHistory(c.Request.Context(), ledgerdomain.HistoryRequest{
		UserID:     userID,
		Pagination: page,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	transactions := make([]transactionItem, 0, len(resp.Entries))
	for _, entry := range resp.Entries {
		transactions = append(transactions, transactionItem{
			EntryID:      entry.ID,
			Delta:        entry.Delta,
			Purpose:      string(entry.Purpose),
			Description:  entry.Description,
			Metadata:     entry.Metadata,
			BalanceAfter: entry.BalanceAfter,
			CreatedAt:    entry.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, historyResponse{
		RequestID:      requestID(c),
		UserID:         userID,
		Transactions:   transactions,
		TotalGranted:   resp.TotalGranted,
		CurrentBalance: resp.CurrentBalance,
		NextPageToken:  resp.NextPageToken,
		HasMore:        resp.HasMore,
	})
}

func newApplyResponse(c *gin.Context, result ledgerdomain.ApplyResult) applyResponse {
	return applyResponse{
		RequestID:  requestID(c),
		EntryID:    result.Entry.ID,
		UserID:     result.Entry.UserID,
		Delta:      result.Entry.Delta,
		Purpose:    string(result.Entry.Purpose),
		NewBalance: result.Entry.BalanceAfter,
		Duplicate:  result.Duplicate,
		CreatedAt:  result.Entry.CreatedAt,
	}
}

func requestID(c *gin.Context) string {
	return strings.TrimSpace(c.GetString("request_id"))
}
