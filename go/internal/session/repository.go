package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"github.com/rgoulet/examd/go/internal/models"
	"github.com/rgoulet/examd/go/internal/sqlutil"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Repository persists session rows and their extended state records.
type Repository struct {
	db *sql.DB
}

// NewRepository returns a repository over the given database handle.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateSessionRequest carries everything needed to open a new session row.
type CreateSessionRequest struct {
	ID       uuid.UUID              `json:"id"`
	UserID   uuid.UUID              `json:"user_id"`
	TestID   string                 `json:"test_id"`
	Settings models.SessionSettings `json:"settings"`
}

// NextDeadline is the soonest max-time deadline across running sessions.
type NextDeadline struct {
	SessionID uuid.UUID  `json:"session_id"`
	Deadline  *time.Time `json:"deadline"`
}

func (r *Repository) CreateSession(ctx context.Context, req CreateSessionRequest) (*models.Session, error) {
	settingsBytes, err := json.Marshal(req.Settings)
	if err != nil {
		return nil, fmt.Errorf("marshal session settings: %w", err)
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO delivery_sessions (id, user_id, test_id, status, settings, position)
		VALUES ($1, $2, $3, $4, $5, 0)
		RETURNING id, user_id, test_id, status, settings, offline_aware, position,
		          next_deadline, started_at, finished_at, created_at, updated_at`,
		req.ID, req.UserID, req.TestID, models.SessionStatusNotStarted, settingsBytes)
	sess, _, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (r *Repository) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, int, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, test_id, status, settings, offline_aware, position,
		       next_deadline, started_at, finished_at, created_at, updated_at
		FROM delivery_sessions WHERE id = $1`, id)
	sess, position, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get session: %w", err)
	}
	return sess, position, nil
}

func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.SessionStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE delivery_sessions SET status = $2,
		       started_at = CASE WHEN $2 = 'RUNNING' AND started_at IS NULL THEN now() ELSE started_at END,
		       finished_at = CASE WHEN $2 IN ('TERMINATED', 'TIMED_OUT') THEN now() ELSE finished_at END,
		       updated_at = now()
		WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return requireRow(res)
}

func (r *Repository) UpdatePosition(ctx context.Context, id uuid.UUID, position int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE delivery_sessions SET position = $2, updated_at = now() WHERE id = $1`,
		id, position)
	if err != nil {
		return fmt.Errorf("update session position: %w", err)
	}
	return requireRow(res)
}

// MarkOfflineAware flags the session so duration queries trust the client
// clock from now on. The flag never reverts.
func (r *Repository) MarkOfflineAware(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE delivery_sessions SET offline_aware = TRUE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark session offline-aware: %w", err)
	}
	return requireRow(res)
}

func (r *Repository) UpdateNextDeadline(ctx context.Context, id uuid.UUID, deadline *time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE delivery_sessions SET next_deadline = $2, updated_at = now() WHERE id = $1`,
		id, sqlutil.ToSqlTime(deadline))
	if err != nil {
		return fmt.Errorf("update next deadline: %w", err)
	}
	return requireRow(res)
}

func (r *Repository) ClearNextDeadline(ctx context.Context, id uuid.UUID) error {
	return r.UpdateNextDeadline(ctx, id, nil)
}

// FetchNextDeadline returns the running session with the soonest deadline,
// or nil when no running session has one.
func (r *Repository) FetchNextDeadline(ctx context.Context) (*NextDeadline, error) {
	var nd NextDeadline
	var deadline sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, next_deadline FROM delivery_sessions
		WHERE status = 'RUNNING' AND next_deadline IS NOT NULL
		ORDER BY next_deadline ASC LIMIT 1`).Scan(&nd.SessionID, &deadline)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch next deadline: %w", err)
	}
	nd.Deadline = sqlutil.FromSqlTime(deadline)
	return &nd, nil
}

// FetchSessionsDue returns running sessions whose deadline has passed.
func (r *Repository) FetchSessionsDue(ctx context.Context, limit int32) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM delivery_sessions
		WHERE status = 'RUNNING' AND next_deadline IS NOT NULL AND next_deadline <= now()
		ORDER BY next_deadline ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch due sessions: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan due session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveExtendedState flushes the whole state record in one transaction. The
// record is written as a single row; there is no per-field persistence.
func (r *Repository) SaveExtendedState(ctx context.Context, userID, sessionID uuid.UUID, state *ExtendedState) error {
	if !state.Dirty() {
		return nil
	}
	itemFlags, err := json.Marshal(state.ItemFlags)
	if err != nil {
		return fmt.Errorf("marshal item flags: %w", err)
	}
	hrefIndex, err := json.Marshal(state.HrefIndex)
	if err != nil {
		return fmt.Errorf("marshal href index: %w", err)
	}
	var adaptive pqtype.NullRawMessage
	if state.AdaptiveValues != nil {
		raw, err := json.Marshal(state.AdaptiveValues)
		if err != nil {
			return fmt.Errorf("marshal adaptive values: %w", err)
		}
		adaptive = pqtype.NullRawMessage{RawMessage: raw, Valid: true}
	}

	err = sqlutil.Run(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_states (user_id, session_id, item_flags, href_index, adaptive_values, store_id, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
			ON CONFLICT (user_id, session_id) DO UPDATE SET
				item_flags = EXCLUDED.item_flags,
				href_index = EXCLUDED.href_index,
				adaptive_values = EXCLUDED.adaptive_values,
				store_id = EXCLUDED.store_id,
				updated_at = now()`,
			userID, sessionID, itemFlags, hrefIndex, adaptive, state.StoreID)
		return err
	})
	if err != nil {
		return fmt.Errorf("save extended state: %w", err)
	}
	state.MarkClean()
	return nil
}

// LoadExtendedState restores the state record, or returns a fresh one when
// the session has none yet.
func (r *Repository) LoadExtendedState(ctx context.Context, userID, sessionID uuid.UUID) (*ExtendedState, error) {
	var itemFlags, hrefIndex []byte
	var adaptive pqtype.NullRawMessage
	var storeID sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT item_flags, href_index, adaptive_values, store_id
		FROM session_states WHERE user_id = $1 AND session_id = $2`,
		userID, sessionID).Scan(&itemFlags, &hrefIndex, &adaptive, &storeID)
	if errors.Is(err, sql.ErrNoRows) {
		return NewExtendedState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load extended state: %w", err)
	}

	state := NewExtendedState()
	if err := json.Unmarshal(itemFlags, &state.ItemFlags); err != nil {
		return nil, fmt.Errorf("unmarshal item flags: %w", err)
	}
	if err := json.Unmarshal(hrefIndex, &state.HrefIndex); err != nil {
		return nil, fmt.Errorf("unmarshal href index: %w", err)
	}
	if adaptive.Valid {
		if err := json.Unmarshal(adaptive.RawMessage, &state.AdaptiveValues); err != nil {
			return nil, fmt.Errorf("unmarshal adaptive values: %w", err)
		}
	}
	if storeID.Valid {
		state.StoreID = storeID.String
	}
	return state, nil
}

func scanSession(row *sql.Row) (*models.Session, int, error) {
	var sess models.Session
	var settingsBytes []byte
	var position int
	var nextDeadline, startedAt, finishedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.UserID, &sess.TestID, &sess.Status, &settingsBytes,
		&sess.OfflineAware, &position, &nextDeadline, &startedAt, &finishedAt,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, 0, err
	}
	if err := json.Unmarshal(settingsBytes, &sess.Settings); err != nil {
		return nil, 0, fmt.Errorf("unmarshal session settings: %w", err)
	}
	sess.NextDeadline = sqlutil.FromSqlTime(nextDeadline)
	sess.StartedAt = sqlutil.FromSqlTime(startedAt)
	sess.FinishedAt = sqlutil.FromSqlTime(finishedAt)
	return &sess, position, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
