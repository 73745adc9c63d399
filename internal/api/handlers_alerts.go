package api

import (
	"errors"
	"net/http"

	"github.com/leogray15-maker/arcane-archives/internal/alerts"
	"github.com/leogray15-maker/arcane-archives/internal/cache"
	"github.com/leogray15-maker/arcane-archives/internal/database"

	"github.com/gin-gonic/gin"
)

// handleGetOpenAlerts returns the live board. Public, served from cache when
// Redis is up.
func (s *Server) handleGetOpenAlerts(c *gin.Context) {
	ctx := c.Request.Context()

	if s.cache != nil {
		var cached []*database.Alert
		if err := s.cache.GetJSON(ctx, cache.AlertBoardKey(), &cached); err == nil {
			successResponse(c, cached)
			return
		}
	}

	open, err := s.board.Open(ctx)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load alerts")
		return
	}

	if s.cache != nil {
		_ = s.cache.SetJSON(ctx, cache.AlertBoardKey(), open, cache.DefaultSummaryTTL)
	}

	successResponse(c, open)
}

// handleGetAlertHistory returns closed alerts, newest first
func (s *Server) handleGetAlertHistory(c *gin.Context) {
	limit := parseLimit(c, 100)

	history, err := s.board.History(c.Request.Context(), limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load alert history")
		return
	}

	successResponse(c, history)
}

// handlePostAlert publishes a new trade alert to the board
func (s *Server) handlePostAlert(c *gin.Context) {
	var req struct {
		Pair       string   `json:"pair" binding:"required"`
		Direction  string   `json:"direction" binding:"required,oneof=Buy Sell"`
		EntryPrice float64  `json:"entry_price" binding:"required"`
		StopLoss   float64  `json:"stop_loss" binding:"required"`
		TP1        *float64 `json:"tp1"`
		TP2        *float64 `json:"tp2"`
		TP3        *float64 `json:"tp3"`
		Notes      string   `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST", "pair, direction, entry_price and stop_loss are required; direction must be Buy or Sell")
		return
	}

	alert := &database.Alert{
		Pair:       req.Pair,
		Direction:  database.AlertDirection(req.Direction),
		EntryPrice: req.EntryPrice,
		StopLoss:   req.StopLoss,
		TP1:        req.TP1,
		TP2:        req.TP2,
		TP3:        req.TP3,
		Notes:      req.Notes,
	}

	ctx := c.Request.Context()
	if err := s.board.Post(ctx, alert); err != nil {
		errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to post alert")
		return
	}

	s.invalidateBoard(c)

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data":    alert,
	})
}

// handleMarkAlertTarget records a take-profit leg on an open alert
func (s *Server) handleMarkAlertTarget(c *gin.Context) {
	var req struct {
		Target string   `json:"target" binding:"required"`
		Pips   *float64 `json:"pips"`
		Notes  string   `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST", "target is required")
		return
	}

	ctx := c.Request.Context()

	alert, err := s.board.MarkTarget(ctx, c.Param("id"), req.Target, req.Pips, req.Notes)
	switch {
	case errors.Is(err, alerts.ErrInvalidTarget):
		errorResponse(c, http.StatusBadRequest, "INVALID_TARGET", "target must be tp1 or tp2")
		return
	case errors.Is(err, alerts.ErrTargetAlreadyHit):
		errorResponse(c, http.StatusConflict, "TARGET_ALREADY_HIT", "target was already marked on this alert")
		return
	case errors.Is(err, database.ErrNotFound):
		errorResponse(c, http.StatusNotFound, "NOT_FOUND", "no open alert with that id")
		return
	case err != nil:
		errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to mark target")
		return
	}

	s.invalidateBoard(c)

	successResponse(c, alert)
}

// handleCloseAlert takes an alert off the board and records the outcome
func (s *Server) handleCloseAlert(c *gin.Context) {
	var req struct {
		Reason    string   `json:"reason" binding:"required,oneof=tp3 loss be"`
		ExitPrice float64  `json:"exit_price"`
		Pips      *float64 `json:"pips"`
		Notes     string   `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST", "reason is required and must be tp3, loss or be")
		return
	}

	ctx := c.Request.Context()

	entry, err := s.board.Close(ctx, c.Param("id"), alerts.CloseReason(req.Reason), req.ExitPrice, req.Pips, req.Notes)
	switch {
	case errors.Is(err, alerts.ErrInvalidCloseReason):
		errorResponse(c, http.StatusBadRequest, "INVALID_REASON", "reason must be tp3, loss or be")
		return
	case errors.Is(err, database.ErrNotFound):
		errorResponse(c, http.StatusNotFound, "NOT_FOUND", "no open alert with that id")
		return
	case err != nil:
		errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to close alert")
		return
	}

	s.invalidateBoard(c)

	successResponse(c, entry)
}

// invalidateBoard drops the cached open board after a board mutation
func (s *Server) invalidateBoard(c *gin.Context) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Delete(c.Request.Context(), cache.AlertBoardKey())
}
