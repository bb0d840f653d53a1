package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunState records whether a user's bot was running and with which symbols.
type RunState struct {
	UserID        string
	SessionID     string
	Running       bool
	ActiveSymbols []string
	StartedAt     time.Time
	UpdatedAt     time.Time
}

// SetRunning marks a user's bot as running with the given symbols.
func (d *Database) SetRunning(ctx context.Context, userID string, symbols []string) error {
	data, err := json.Marshal(symbols)
	if err != nil {
		return fmt.Errorf("marshal symbols: %w", err)
	}

	_, err = d.DB.ExecContext(ctx, `
		INSERT INTO run_state (user_id, session_id, running, active_symbols, started_at, updated_at)
		VALUES (?, ?, 1, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			running = 1,
			active_symbols = excluded.active_symbols,
			updated_at = CURRENT_TIMESTAMP
	`, userID, uuid.NewString(), string(data))
	return err
}

// SetStopped marks a user's bot as stopped.
func (d *Database) SetStopped(ctx context.Context, userID string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE run_state SET running = 0, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ?
	`, userID)
	return err
}

// RunStateFor fetches one user's run state, nil when absent.
func (d *Database) RunStateFor(ctx context.Context, userID string) (*RunState, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT user_id, session_id, running, active_symbols, started_at, updated_at
		FROM run_state WHERE user_id = ?
	`, userID)

	rs, err := scanRunState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// RunningUsers returns every user whose bot was running.
func (d *Database) RunningUsers(ctx context.Context) ([]RunState, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT user_id, session_id, running, active_symbols, started_at, updated_at
		FROM run_state WHERE running = 1
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunState
	for rows.Next() {
		rs, err := scanRunState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rs)
	}
	return out, rows.Err()
}

// PurgeRunState removes all run-state rows. Used by the deferred cleanup
// after a completed graceful stop.
func (d *Database) PurgeRunState(ctx context.Context) error {
	_, err := d.DB.ExecContext(ctx, `DELETE FROM run_state`)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunState(row rowScanner) (*RunState, error) {
	var rs RunState
	var running int
	var symbolsJSON string
	var startedAt sql.NullTime

	if err := row.Scan(&rs.UserID, &rs.SessionID, &running, &symbolsJSON, &startedAt, &rs.UpdatedAt); err != nil {
		return nil, err
	}
	rs.Running = running != 0
	if startedAt.Valid {
		rs.StartedAt = startedAt.Time
	}
	if err := json.Unmarshal([]byte(symbolsJSON), &rs.ActiveSymbols); err != nil {
		return nil, fmt.Errorf("unmarshal symbols: %w", err)
	}
	return &rs, nil
}
