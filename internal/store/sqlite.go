package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event_type TEXT NOT NULL,
    user_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    flag_key TEXT NOT NULL,
    variant TEXT NOT NULL,
    ts INTEGER NOT NULL,
    context TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_flag_ts ON events(flag_key, ts);
CREATE INDEX IF NOT EXISTS idx_events_flag_variant ON events(flag_key, variant);

CREATE TABLE IF NOT EXISTS rollouts (
    id TEXT PRIMARY KEY,
    flag_key TEXT NOT NULL,
    variant TEXT NOT NULL,
    config TEXT NOT NULL,
    state TEXT NOT NULL DEFAULT 'active',
    current_percentage REAL NOT NULL DEFAULT 0,
    current_stats TEXT,
    next_increment_at INTEGER,
    next_increment_pct REAL,
    created_at INTEGER NOT NULL DEFAULT (unixepoch()),
    updated_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE INDEX IF NOT EXISTS idx_rollouts_state ON rollouts(state);
CREATE INDEX IF NOT EXISTS idx_rollouts_flag ON rollouts(flag_key);

CREATE TABLE IF NOT EXISTS rollout_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    rollout_id TEXT NOT NULL,
    at INTEGER NOT NULL,
    from_pct REAL NOT NULL,
    to_pct REAL NOT NULL,
    from_state TEXT NOT NULL,
    to_state TEXT NOT NULL,
    reason TEXT,
    stats TEXT,
    FOREIGN KEY (rollout_id) REFERENCES rollouts(id)
);

CREATE INDEX IF NOT EXISTS idx_history_rollout ON rollout_history(rollout_id, at);

CREATE TABLE IF NOT EXISTS flag_distribution (
    flag_key TEXT NOT NULL,
    variant TEXT NOT NULL,
    percentage REAL NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (flag_key, variant)
);
`

func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Apply schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) AppendEvents(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (event_type, user_id, session_id, flag_key, variant, ts, context)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		ctxJSON, err := marshalContext(e.Context)
		if err != nil {
			return fmt.Errorf("failed to marshal event context: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			string(e.Type), e.UserID, e.SessionID, e.FlagKey, e.Variant, e.Timestamp, ctxJSON,
		); err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit events: %w", err)
	}
	return nil
}

func (s *SQLiteStore) QueryEvents(ctx context.Context, flagKey string, from, to time.Time) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_type, user_id, session_id, flag_key, variant, ts, context
		 FROM events WHERE flag_key = ? AND ts >= ? AND ts <= ? ORDER BY ts ASC`,
		flagKey, from.UnixMilli(), to.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var eventType string
		var ctxJSON sql.NullString
		if err := rows.Scan(&e.ID, &eventType, &e.UserID, &e.SessionID, &e.FlagKey, &e.Variant, &e.Timestamp, &ctxJSON); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Type = EventType(eventType)
		if ctxJSON.Valid && ctxJSON.String != "" {
			if err := json.Unmarshal([]byte(ctxJSON.String), &e.Context); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event context: %w", err)
			}
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

func (s *SQLiteStore) CreateRollout(ctx context.Context, r *Rollout) error {
	configJSON, err := json.Marshal(r.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	statsJSON, err := marshalStats(r.Status.CurrentStats)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	nextAt, nextPct := nextIncrementColumns(r.Status.NextIncrement)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO rollouts (id, flag_key, variant, config, state, current_percentage, current_stats, next_increment_at, next_increment_pct, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Config.FlagKey, r.Config.Variant, string(configJSON),
		string(r.Status.State), r.Status.CurrentPercentage, statsJSON, nextAt, nextPct, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert rollout: %w", err)
	}

	for _, rec := range r.Status.History {
		if err := insertHistory(ctx, tx, r.ID, rec); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollout: %w", err)
	}

	r.Status.CreatedAt = time.Unix(now, 0)
	r.Status.UpdatedAt = time.Unix(now, 0)
	return nil
}

func (s *SQLiteStore) SaveRolloutStatus(ctx context.Context, id string, status *RolloutStatus) error {
	statsJSON, err := marshalStats(status.CurrentStats)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	nextAt, nextPct := nextIncrementColumns(status.NextIncrement)

	result, err := s.db.ExecContext(ctx,
		`UPDATE rollouts SET state = ?, current_percentage = ?, current_stats = ?, next_increment_at = ?, next_increment_pct = ?, updated_at = ?
		 WHERE id = ?`,
		string(status.State), status.CurrentPercentage, statsJSON, nextAt, nextPct, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update rollout status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	status.UpdatedAt = time.Unix(now, 0)
	return nil
}

func (s *SQLiteStore) AppendRolloutHistory(ctx context.Context, id string, rec IncrementRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertHistory(ctx, tx, id, rec); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit history entry: %w", err)
	}
	return nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, id string, rec IncrementRecord) error {
	statsJSON, err := marshalStats(rec.Stats)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO rollout_history (rollout_id, at, from_pct, to_pct, from_state, to_state, reason, stats)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, rec.At.UnixMilli(), rec.FromPercentage, rec.ToPercentage,
		string(rec.FromState), string(rec.ToState), rec.Reason, statsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert history entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRollout(ctx context.Context, id string) (*Rollout, error) {
	r, err := s.scanRollout(s.db.QueryRowContext(ctx,
		`SELECT id, config, state, current_percentage, current_stats, next_increment_at, next_increment_pct, created_at, updated_at
		 FROM rollouts WHERE id = ?`, id,
	))
	if err != nil {
		return nil, err
	}

	history, err := s.loadHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	r.Status.History = history

	return r, nil
}

func (s *SQLiteStore) ListRollouts(ctx context.Context) ([]*Rollout, error) {
	return s.listRollouts(ctx,
		`SELECT id, config, state, current_percentage, current_stats, next_increment_at, next_increment_pct, created_at, updated_at
		 FROM rollouts ORDER BY created_at DESC`)
}

func (s *SQLiteStore) ListOpenRollouts(ctx context.Context) ([]*Rollout, error) {
	return s.listRollouts(ctx,
		`SELECT id, config, state, current_percentage, current_stats, next_increment_at, next_increment_pct, created_at, updated_at
		 FROM rollouts WHERE state IN ('active', 'paused') ORDER BY created_at ASC`)
}

func (s *SQLiteStore) listRollouts(ctx context.Context, query string) ([]*Rollout, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list rollouts: %w", err)
	}
	defer rows.Close()

	var rollouts []*Rollout
	for rows.Next() {
		r, err := s.scanRollout(rows)
		if err != nil {
			return nil, err
		}
		rollouts = append(rollouts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, r := range rollouts {
		history, err := s.loadHistory(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		r.Status.History = history
	}

	return rollouts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanRollout(row rowScanner) (*Rollout, error) {
	var r Rollout
	var configJSON, state string
	var statsJSON sql.NullString
	var nextAt sql.NullInt64
	var nextPct sql.NullFloat64
	var createdAt, updatedAt int64

	err := row.Scan(&r.ID, &configJSON, &state, &r.Status.CurrentPercentage,
		&statsJSON, &nextAt, &nextPct, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan rollout: %w", err)
	}

	if err := json.Unmarshal([]byte(configJSON), &r.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	r.Status.State = RolloutState(state)

	if statsJSON.Valid && statsJSON.String != "" {
		var stats RolloutStats
		if err := json.Unmarshal([]byte(statsJSON.String), &stats); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stats: %w", err)
		}
		r.Status.CurrentStats = &stats
	}

	if nextAt.Valid && nextPct.Valid {
		r.Status.NextIncrement = &NextIncrement{
			At:         time.UnixMilli(nextAt.Int64),
			Percentage: nextPct.Float64,
		}
	}

	r.Status.CreatedAt = time.Unix(createdAt, 0)
	r.Status.UpdatedAt = time.Unix(updatedAt, 0)

	return &r, nil
}

func (s *SQLiteStore) loadHistory(ctx context.Context, id string) ([]IncrementRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, from_pct, to_pct, from_state, to_state, reason, stats
		 FROM rollout_history WHERE rollout_id = ? ORDER BY at ASC, id ASC`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var history []IncrementRecord
	for rows.Next() {
		var rec IncrementRecord
		var at int64
		var fromState, toState string
		var reason, statsJSON sql.NullString
		if err := rows.Scan(&at, &rec.FromPercentage, &rec.ToPercentage, &fromState, &toState, &reason, &statsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		rec.At = time.UnixMilli(at)
		rec.FromState = RolloutState(fromState)
		rec.ToState = RolloutState(toState)
		rec.Reason = reason.String
		if statsJSON.Valid && statsJSON.String != "" {
			var stats RolloutStats
			if err := json.Unmarshal([]byte(statsJSON.String), &stats); err != nil {
				return nil, fmt.Errorf("failed to unmarshal history stats: %w", err)
			}
			rec.Stats = &stats
		}
		history = append(history, rec)
	}

	return history, rows.Err()
}

func (s *SQLiteStore) SetVariantPercentage(ctx context.Context, flagKey, variant string, percentage float64) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO flag_distribution (flag_key, variant, percentage, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(flag_key, variant) DO UPDATE SET percentage = excluded.percentage, updated_at = excluded.updated_at`,
		flagKey, variant, percentage, now,
	)
	if err != nil {
		return fmt.Errorf("failed to set variant percentage: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetVariantPercentage(ctx context.Context, flagKey, variant string) (float64, error) {
	var pct float64
	err := s.db.QueryRowContext(ctx,
		`SELECT percentage FROM flag_distribution WHERE flag_key = ? AND variant = ?`,
		flagKey, variant,
	).Scan(&pct)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get variant percentage: %w", err)
	}
	return pct, nil
}

// DB returns the underlying database connection for health checks
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func marshalStats(stats *RolloutStats) (sql.NullString, error) {
	if stats == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(stats)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal stats: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func marshalContext(c EventContext) (sql.NullString, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return sql.NullString{}, err
	}
	// All context fields are omitempty; an empty context stores as NULL.
	if string(b) == "{}" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nextIncrementColumns(n *NextIncrement) (sql.NullInt64, sql.NullFloat64) {
	if n == nil {
		return sql.NullInt64{}, sql.NullFloat64{}
	}
	return sql.NullInt64{Int64: n.At.UnixMilli(), Valid: true},
		sql.NullFloat64{Float64: n.Percentage, Valid: true}
}
