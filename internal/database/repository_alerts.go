package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// =====================================================
// ALERT BOARD OPERATIONS
// =====================================================

// CreateAlert posts a new alert to the live board
func (r *Repository) CreateAlert(ctx context.Context, alert *Alert) error {
	query := `
		INSERT INTO alerts (pair, direction, entry_price, stop_loss, tp1, tp2, tp3, status, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, targets_hit, created_at, updated_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		alert.Pair, alert.Direction, alert.EntryPrice, alert.StopLoss,
		alert.TP1, alert.TP2, alert.TP3, AlertOpen, alert.Notes,
	).Scan(&alert.ID, &alert.TargetsHit, &alert.CreatedAt, &alert.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	alert.Status = AlertOpen
	return nil
}

const alertColumns = `
	id, pair, direction, entry_price, stop_loss, tp1, tp2, tp3,
	status, targets_hit, COALESCE(notes, ''), created_at, updated_at
`

func scanAlert(row pgx.Row) (*Alert, error) {
	a := &Alert{}
	err := row.Scan(
		&a.ID, &a.Pair, &a.Direction, &a.EntryPrice, &a.StopLoss,
		&a.TP1, &a.TP2, &a.TP3,
		&a.Status, &a.TargetsHit, &a.Notes, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}
	return a, nil
}

// GetAlert retrieves a live alert by id, or nil when unknown
func (r *Repository) GetAlert(ctx context.Context, alertID string) (*Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1`
	return scanAlert(r.db.Pool.QueryRow(ctx, query, alertID))
}

// ListOpenAlerts returns all live alerts, newest first
func (r *Repository) ListOpenAlerts(ctx context.Context) ([]*Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts ORDER BY created_at DESC`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// MarkAlertTarget appends a hit target marker and updates the alert status.
// The marker set only grows; re-marking an already hit target is a no-op on
// the array.
func (r *Repository) MarkAlertTarget(ctx context.Context, alertID, target string, status AlertStatus) (*Alert, error) {
	query := `
		UPDATE alerts SET
			targets_hit = CASE WHEN targets_hit @> ARRAY[$2]
				THEN targets_hit
				ELSE array_append(targets_hit, $2) END,
			status = $3
		WHERE id = $1
		RETURNING ` + alertColumns
	alert, err := scanAlert(r.db.Pool.QueryRow(ctx, query, alertID, target, status))
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, ErrNotFound
	}
	return alert, nil
}

// CloseAlert removes an alert from the live board and writes its history
// entry in one transaction. Closing an already closed alert returns
// ErrNotFound.
func (r *Repository) CloseAlert(ctx context.Context, entry *AlertHistoryEntry) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM alerts WHERE id = $1`, entry.AlertID)
	if err != nil {
		return fmt.Errorf("failed to delete alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO alert_history (
			alert_id, pair, direction, entry_price, exit_price,
			result, targets_hit, pips, notes, opened_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, closed_at`,
		entry.AlertID, entry.Pair, entry.Direction, entry.EntryPrice, entry.ExitPrice,
		entry.Result, entry.TargetsHit, entry.Pips, entry.Notes, entry.OpenedAt,
	).Scan(&entry.ID, &entry.ClosedAt)
	if err != nil {
		return fmt.Errorf("failed to insert alert history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListAlertHistory returns closed alerts, newest first
func (r *Repository) ListAlertHistory(ctx context.Context, limit int) ([]*AlertHistoryEntry, error) {
	query := `
		SELECT id, alert_id, pair, direction, entry_price, exit_price,
			result, targets_hit, pips, COALESCE(notes, ''), opened_at, closed_at
		FROM alert_history
		ORDER BY closed_at DESC
		LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert history: %w", err)
	}
	defer rows.Close()

	var entries []*AlertHistoryEntry
	for rows.Next() {
		e := &AlertHistoryEntry{}
		if err := rows.Scan(
			&e.ID, &e.AlertID, &e.Pair, &e.Direction, &e.EntryPrice, &e.ExitPrice,
			&e.Result, &e.TargetsHit, &e.Pips, &e.Notes, &e.OpenedAt, &e.ClosedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alert history: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
