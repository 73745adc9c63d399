package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/leogray15-maker/arcane-archives/internal/affiliate"
	"github.com/leogray15-maker/arcane-archives/internal/cache"
	"github.com/leogray15-maker/arcane-archives/internal/database"

	"github.com/gin-gonic/gin"
)

// handleGetAffiliateSummary returns the caller's referral dashboard view
func (s *Server) handleGetAffiliateSummary(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()

	if s.cache != nil {
		var cached affiliate.Summary
		if err := s.cache.GetJSON(ctx, cache.AffiliateSummaryKey(userID), &cached); err == nil {
			successResponse(c, cached)
			return
		}
	}

	summary, err := s.ledger.Summary(ctx, userID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load affiliate summary")
		return
	}

	if s.cache != nil {
		_ = s.cache.SetJSON(ctx, cache.AffiliateSummaryKey(userID), summary, cache.DefaultSummaryTTL)
	}

	successResponse(c, summary)
}

// handleGetBalanceTransactions returns the caller's ledger history, newest first
func (s *Server) handleGetBalanceTransactions(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	limit := parseLimit(c, 50)

	txs, err := s.ledger.History(c.Request.Context(), userID, limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load transactions")
		return
	}

	successResponse(c, txs)
}

// handleGetWithdrawals returns the caller's payout requests
func (s *Server) handleGetWithdrawals(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	limit := parseLimit(c, 50)

	reqs, err := s.ledger.Withdrawals(c.Request.Context(), userID, limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load withdrawals")
		return
	}

	successResponse(c, reqs)
}

// handleRequestWithdrawal debits the balance and records a pending payout
func (s *Server) handleRequestWithdrawal(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	var req struct {
		Amount         int64  `json:"amount" binding:"required"`
		PaymentDetails string `json:"payment_details" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST", "amount and payment_details are required")
		return
	}

	ctx := c.Request.Context()

	withdrawal, err := s.ledger.RequestWithdrawal(ctx, userID, req.Amount, req.PaymentDetails)
	switch {
	case errors.Is(err, affiliate.ErrBelowMinimumWithdrawal):
		errorResponse(c, http.StatusBadRequest, "BELOW_MINIMUM", "withdrawal amount below minimum")
		return
	case errors.Is(err, database.ErrInsufficientBalance):
		errorResponse(c, http.StatusConflict, "INSUFFICIENT_BALANCE", "available balance is too low")
		return
	case err != nil:
		errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to create withdrawal request")
		return
	}

	s.invalidateSummary(c, userID)

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data":    withdrawal,
	})
}

// handleAdminListWithdrawals returns pending payout requests across all users
func (s *Server) handleAdminListWithdrawals(c *gin.Context) {
	limit := parseLimit(c, 100)

	reqs, err := s.repo.ListPendingWithdrawals(c.Request.Context(), limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load withdrawals")
		return
	}

	successResponse(c, reqs)
}

// handleAdminProcessWithdrawal marks a pending request paid or rejected.
// Rejection refunds the debited amount.
func (s *Server) handleAdminProcessWithdrawal(c *gin.Context) {
	requestID := c.Param("id")

	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST", "status is required")
		return
	}

	status := database.WithdrawalStatus(req.Status)
	if status != database.WithdrawalPaid && status != database.WithdrawalRejected {
		errorResponse(c, http.StatusBadRequest, "INVALID_STATUS", "status must be paid or rejected")
		return
	}

	err := s.repo.MarkWithdrawalProcessed(c.Request.Context(), requestID, status)
	switch {
	case errors.Is(err, database.ErrNotFound):
		errorResponse(c, http.StatusNotFound, "NOT_FOUND", "no pending withdrawal with that id")
		return
	case err != nil:
		errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to process withdrawal")
		return
	}

	successResponse(c, gin.H{"id": requestID, "status": status})
}

// invalidateSummary drops the cached affiliate summary after a balance change
func (s *Server) invalidateSummary(c *gin.Context, userID string) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Delete(c.Request.Context(), cache.AffiliateSummaryKey(userID))
}

// parseLimit reads the limit query parameter, falling back to def
func parseLimit(c *gin.Context, def int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return def
	}
	return limit
}
