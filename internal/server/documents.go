package server

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/campusfund/creditledger/internal/ledger/domain"
	"github.com/campusfund/creditledger/internal/providers/pdf"
	"github.com/campusfund/creditledger/pkg/db/pagination"
)

const documentDateLayout = "Jan 2, 2006"

// GetStatementPDF renders the user's recent entries as a PDF statement.
func (s *Server) GetStatementPDF(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))

	history, err := s.ledgerSvc.GetHistory(c.Request.Context(), ledgerdomain.HistoryRequest{
		UserID:     userID,
		Pagination: pagination.Pagination{PageSize: pagination.MaxPageSize},
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	lines := make([]pdf.StatementLine, 0, len(history.Entries))
	for _, entry := range history.Entries {
		lines = append(lines, pdf.StatementLine{
			Date:         entry.CreatedAt.Format(documentDateLayout),
			Description:  entry.Description,
			Purpose:      string(entry.Purpose),
			Delta:        entry.Delta,
			BalanceAfter: entry.BalanceAfter,
		})
	}

	doc, err := s.pdfProvider.GenerateStatement(c.Request.Context(), pdf.StatementData{
		UserID:       userID,
		GeneratedAt:  time.Now().UTC().Format(documentDateLayout),
		Balance:      history.CurrentBalance,
		TotalGranted: history.TotalGranted,
		Lines:        lines,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.servePDF(c, doc, fmt.Sprintf("statement-%s.pdf", userID))
}

// GetReceiptPDF renders a purchase entry as a PDF receipt. Entries that
// did not grant purchased credits have no receipt.
func (s *Server) GetReceiptPDF(c *gin.Context) {
	entryID, err := snowflake.ParseString(strings.TrimSpace(c.Param("entry_id")))
	if err != nil || entryID == 0 {
		AbortWithError(c, newValidationError("entry_id", "invalid_entry_id", "invalid entry id"))
		return
	}

	entry, err := s.ledgerSvc.GetEntry(c.Request.Context(), entryID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if entry.Purpose != ledgerdomain.PurposePurchase {
		AbortWithError(c, ErrNotFound)
		return
	}

	doc, err := s.pdfProvider.GenerateReceipt(c.Request.Context(), pdf.ReceiptData{
		ReceiptNumber: entry.ID.String(),
		UserID:        entry.UserID,
		Date:          entry.CreatedAt.Format(documentDateLayout),
		Description:   entry.Description,
		Purpose:       string(entry.Purpose),
		Credits:       entry.Delta,
		BalanceAfter:  entry.BalanceAfter,
		AmountPaid:    formatAmountPaid(entry.Metadata),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.servePDF(c, doc, fmt.Sprintf("receipt-%s.pdf", entry.ID.String()))
}

func (s *Server) servePDF(c *gin.Context, doc io.Reader, filename string) {
	if doc == nil {
		AbortWithError(c, ErrInternal)
		return
	}
	buf, err := io.ReadAll(doc)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "application/pdf", buf)
}

// formatAmountPaid renders the amount_paid cents stored on purchase
// entries. Numbers arrive as int64 fresh from a write and as float64
// after a JSON round trip through the metadata column.
func formatAmountPaid(metadata map[string]any) string {
	raw, ok := metadata["amount_paid"]
	if !ok {
		return ""
	}

	var cents int64
	switch value := raw.(type) {
	case int64:
		cents = value
	case int:
		cents = int64(value)
	case float64:
		cents = int64(value)
	default:
		return ""
	}
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}
