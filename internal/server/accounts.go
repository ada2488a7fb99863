package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	"github.com/datacleanup/tally/internal/accountctx"
	ledgerdomain "github.com/datacleanup/tally/internal/ledger/domain"
	"github.com/datacleanup/tally/internal/providers/pdf"
	"github.com/datacleanup/tally/pkg/db/pagination"
)

func (s *Server) CreateAccount(c *gin.Context) {
	var req ledgerdomain.CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	account, err := s.ledgerSvc.CreateAccount(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, account)
}

func (s *Server) GrantCredits(c *gin.Context) {
	accountID, ok := pathAccountID(c)
	if !ok {
		return
	}

	var req ledgerdomain.GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.ledgerSvc.Grant(c.Request.Context(), accountID, req); err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.ledgerSvc.GetBalance(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

func (s *Server) GetBalance(c *gin.Context) {
	accountID, ok := authorizedAccountID(c)
	if !ok {
		return
	}

	balance, err := s.ledgerSvc.GetBalance(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

func (s *Server) ListLedgerEntries(c *gin.Context) {
	accountID, ok := authorizedAccountID(c)
	if !ok {
		return
	}

	var p pagination.Pagination
	if err := c.ShouldBindQuery(&p); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	entries, pageInfo, err := s.ledgerSvc.ListEntries(c.Request.Context(), accountID, p)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":   entries,
		"page_info": pageInfo,
	})
}

const statementPageSize = 250

func (s *Server) GetStatement(c *gin.Context) {
	accountID, ok := authorizedAccountID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	account, err := s.ledgerSvc.GetAccount(ctx, accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	entries, _, err := s.ledgerSvc.ListEntries(ctx, accountID, pagination.Pagination{PageSize: statementPageSize})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	lines := make([]pdf.StatementLine, 0, len(entries))
	for _, entry := range entries {
		lines = append(lines, pdf.StatementLine{
			Date:      entry.CreatedAt.Format("2006-01-02"),
			EntryType: string(entry.EntryType),
			Reference: entry.Reference,
			Amount:    strconv.FormatInt(entry.Amount, 10),
		})
	}

	reader, err := s.pdfProvider.GenerateStatement(ctx, pdf.StatementData{
		AccountName: account.ExternalID,
		AccountID:   account.ID.String(),
		Plan:        account.Plan,
		Currency:    account.Currency,
		GeneratedAt: s.clock.Now().Format("2006-01-02"),
		Balance:     strconv.FormatInt(account.Balance, 10),
		Reserved:    strconv.FormatInt(account.Reserved, 10),
		Available:   strconv.FormatInt(account.Available(), 10),
		Lines:       lines,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=statement-%s.pdf", account.ID.String()))
	c.DataFromReader(http.StatusOK, -1, "application/pdf", reader, nil)
}

// ReplayLedger folds the account's entry log and compares it with the
// stored balance. Operator-only consistency check.
func (s *Server) ReplayLedger(c *gin.Context) {
	accountID, ok := pathAccountID(c)
	if !ok {
		return
	}

	result, err := s.ledgerSvc.Replay(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// pathAccountID parses the :id path segment. Used by the operator surface,
// which is not bound to a key's account.
func pathAccountID(c *gin.Context) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil || id == 0 {
		AbortWithError(c, ledgerdomain.ErrUnknownAccount)
		return 0, false
	}
	return id, true
}

// authorizedAccountID resolves the :id path segment and rejects keys that
// belong to a different account. Cross-account probes read as not-found.
func authorizedAccountID(c *gin.Context) (snowflake.ID, bool) {
	id, ok := pathAccountID(c)
	if !ok {
		return 0, false
	}
	authed, ok := accountctx.AccountIDFromContext(c.Request.Context())
	if !ok || authed != id {
		AbortWithError(c, ledgerdomain.ErrUnknownAccount)
		return 0, false
	}
	return id, true
}
