// Package alerts manages the live trade alert board. Alerts are posted by
// admins, progress through take-profit targets, and move to history when
// closed. Every transition fans out to the notification sink and the event
// bus; neither can fail the underlying state change.
package alerts

import (
	"context"
	"errors"
	"fmt"

	"github.com/leogray15-maker/arcane-archives/internal/database"
	"github.com/leogray15-maker/arcane-archives/internal/events"
	"github.com/leogray15-maker/arcane-archives/internal/logging"
	"github.com/leogray15-maker/arcane-archives/internal/notification"
)

// BoardStore persists alerts and their history.
type BoardStore interface {
	CreateAlert(ctx context.Context, alert *database.Alert) error
	GetAlert(ctx context.Context, alertID string) (*database.Alert, error)
	ListOpenAlerts(ctx context.Context) ([]*database.Alert, error)
	MarkAlertTarget(ctx context.Context, alertID, target string, status database.AlertStatus) (*database.Alert, error)
	CloseAlert(ctx context.Context, entry *database.AlertHistoryEntry) error
	ListAlertHistory(ctx context.Context, limit int) ([]*database.AlertHistoryEntry, error)
}

// Sink receives rendered notifications. Dispatch must not block.
type Sink interface {
	Dispatch(msg *notification.Message)
}

// CloseReason says which level ended an alert.
type CloseReason string

const (
	CloseTP3  CloseReason = "tp3"
	CloseLoss CloseReason = "loss"
	CloseBE   CloseReason = "be"
)

var (
	// ErrInvalidTarget is returned for targets other than tp1 and tp2.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrInvalidCloseReason is returned for unknown close reasons.
	ErrInvalidCloseReason = errors.New("invalid close reason")
	// ErrTargetAlreadyHit is returned when a target is marked twice.
	ErrTargetAlreadyHit = errors.New("target already hit")
)

// Board is the live alert board service.
type Board struct {
	store  BoardStore
	sink   Sink
	bus    *events.EventBus
	logger *logging.Logger
}

// NewBoard creates an alert board backed by the given store.
func NewBoard(store BoardStore, sink Sink, bus *events.EventBus, logger *logging.Logger) *Board {
	return &Board{
		store:  store,
		sink:   sink,
		bus:    bus,
		logger: logger.WithComponent("alert-board"),
	}
}

// Post publishes a new alert to the board and announces it.
func (b *Board) Post(ctx context.Context, alert *database.Alert) error {
	if alert.Pair == "" {
		return fmt.Errorf("pair is required")
	}
	if alert.Direction != database.DirectionBuy && alert.Direction != database.DirectionSell {
		return fmt.Errorf("direction must be %s or %s", database.DirectionBuy, database.DirectionSell)
	}

	alert.Status = database.AlertOpen
	alert.TargetsHit = []string{}

	if err := b.store.CreateAlert(ctx, alert); err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}

	b.logger.Info("Alert posted",
		"alert_id", alert.ID,
		"pair", alert.Pair,
		"direction", string(alert.Direction))

	b.notify(notification.NewTradeMessage(notification.TradeDetails{
		Pair:      alert.Pair,
		Direction: string(alert.Direction),
		Entry:     alert.EntryPrice,
		StopLoss:  &alert.StopLoss,
		TP1:       alert.TP1,
		TP2:       alert.TP2,
		TP3:       alert.TP3,
		Notes:     alert.Notes,
	}))
	if b.bus != nil {
		b.bus.PublishAlertPosted(alert.ID, alert.Pair, string(alert.Direction), alert.EntryPrice)
	}

	return nil
}

// Open returns all alerts currently on the board.
func (b *Board) Open(ctx context.Context) ([]*database.Alert, error) {
	return b.store.ListOpenAlerts(ctx)
}

// History returns closed alerts, newest first.
func (b *Board) History(ctx context.Context, limit int) ([]*database.AlertHistoryEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return b.store.ListAlertHistory(ctx, limit)
}

// MarkTarget records tp1 or tp2 being hit on an open alert and announces
// the leg. customPips overrides the computed pip distance when the actual
// fill differs from the posted target.
func (b *Board) MarkTarget(ctx context.Context, alertID, target string, customPips *float64, notes string) (*database.Alert, error) {
	var status database.AlertStatus
	var kind notification.Kind
	switch target {
	case "tp1":
		status = database.AlertTP1Hit
		kind = notification.KindTP1Hit
	case "tp2":
		status = database.AlertTP2Hit
		kind = notification.KindTP2Hit
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidTarget, target)
	}

	current, err := b.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to load alert: %w", err)
	}
	if current == nil {
		return nil, database.ErrNotFound
	}
	for _, hit := range current.TargetsHit {
		if hit == target {
			return nil, ErrTargetAlreadyHit
		}
	}

	alert, err := b.store.MarkAlertTarget(ctx, alertID, target, status)
	if err != nil {
		return nil, fmt.Errorf("failed to mark target: %w", err)
	}

	pips := b.targetPips(alert, target)
	if customPips != nil {
		pips = *customPips
	}

	b.logger.Info("Alert target hit",
		"alert_id", alert.ID,
		"pair", alert.Pair,
		"target", target,
		"pips", pips)

	b.notify(notification.TargetHitMessage(kind, alert.Pair, string(alert.Direction), pips, notes))
	if b.bus != nil {
		b.bus.PublishAlertTargetHit(alert.ID, alert.Pair, target)
	}

	return alert, nil
}

// targetPips computes the pip distance from entry to the named target.
func (b *Board) targetPips(alert *database.Alert, target string) float64 {
	var level *float64
	switch target {
	case "tp1":
		level = alert.TP1
	case "tp2":
		level = alert.TP2
	case "tp3":
		level = alert.TP3
	}
	if level == nil {
		return 0
	}
	return PipsFor(alert.Pair, alert.Direction, alert.EntryPrice, *level)
}

// Close removes an alert from the board, records it in history, and
// announces the outcome. The result classification depends on the close
// reason and whether earlier targets were already hit: a stop or break-even
// after a partial take-profit still counts as a partial win.
func (b *Board) Close(ctx context.Context, alertID string, reason CloseReason, exitPrice float64, customPips *float64, notes string) (*database.AlertHistoryEntry, error) {
	alert, err := b.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to load alert: %w", err)
	}
	if alert == nil {
		return nil, database.ErrNotFound
	}

	partial := len(alert.TargetsHit) > 0

	var result database.AlertResult
	var kind notification.Kind
	switch reason {
	case CloseTP3:
		result = database.ResultWin
		kind = notification.KindTP3Hit
		if alert.TP3 != nil {
			exitPrice = *alert.TP3
		}
	case CloseLoss:
		result = database.ResultLoss
		if partial {
			result = database.ResultPartialWin
		}
		kind = notification.KindLossHit
	case CloseBE:
		result = database.ResultBreakEven
		if partial {
			result = database.ResultPartialWin
		}
		kind = notification.KindBEHit
		if exitPrice == 0 {
			exitPrice = alert.EntryPrice
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidCloseReason, reason)
	}

	pips := PipsFor(alert.Pair, alert.Direction, alert.EntryPrice, exitPrice)
	if customPips != nil {
		pips = *customPips
	}

	entry := &database.AlertHistoryEntry{
		AlertID:    alert.ID,
		Pair:       alert.Pair,
		Direction:  alert.Direction,
		EntryPrice: alert.EntryPrice,
		ExitPrice:  exitPrice,
		Result:     result,
		TargetsHit: alert.TargetsHit,
		Pips:       RoundPips(pips),
		Notes:      notes,
		OpenedAt:   alert.CreatedAt,
	}

	if err := b.store.CloseAlert(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to close alert: %w", err)
	}

	b.logger.Info("Alert closed",
		"alert_id", alert.ID,
		"pair", alert.Pair,
		"result", string(result),
		"pips", entry.Pips)

	b.notify(notification.TargetHitMessage(kind, alert.Pair, string(alert.Direction), pips, notes))
	if b.bus != nil {
		b.bus.PublishAlertClosed(alert.ID, alert.Pair, string(result), pips)
	}

	return entry, nil
}

func (b *Board) notify(msg *notification.Message) {
	if b.sink != nil {
		b.sink.Dispatch(msg)
	}
}
