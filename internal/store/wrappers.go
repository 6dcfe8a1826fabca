package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/circles/internal/event"
)

const wrapperColumns = `token, node, envelope, result, severity, retry, status, pending, last_error, created_at, retry_after`

// CreateWrapper stores a new outcome wrapper.
// Uses ON CONFLICT(token, node) DO NOTHING: recreating a wrapper never
// resets its status.
func (s *Store) CreateWrapper(ctx context.Context, w event.Wrapper) error {
	envelope, err := marshalEnvelope(w.Event)
	if err != nil {
		return fmt.Errorf("create wrapper: %w", err)
	}
	result, err := marshalBag(w.Result)
	if err != nil {
		return fmt.Errorf("create wrapper: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO wrappers
		(token, node, circle_id, envelope, result, severity, retry, status, pending, last_error, created_at, retry_after)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(token, node) DO NOTHING
	`,
		w.Token, w.Node, w.Event.Circle.ID, envelope, result, int(w.Severity), w.Retry, int(w.Status),
		boolToInt(w.Pending), w.LastError, nanos(w.CreatedAt), nanos(w.RetryAfter),
	)
	if err != nil {
		return fmt.Errorf("create wrapper: %w", err)
	}
	return nil
}

// UpdateWrapper writes the delivery state of w: result, retry, status,
// pending flag, last error and retry time. Wrappers that are already DONE
// or OVER are never changed; updated is false for them.
func (s *Store) UpdateWrapper(ctx context.Context, w event.Wrapper) (bool, error) {
	result, err := marshalBag(w.Result)
	if err != nil {
		return false, fmt.Errorf("update wrapper: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE wrappers
		SET result = ?, retry = ?, status = ?, pending = ?, last_error = ?, retry_after = ?
		WHERE token = ? AND node = ? AND status NOT IN (?, ?)
	`,
		result, w.Retry, int(w.Status), boolToInt(w.Pending), w.LastError, nanos(w.RetryAfter),
		w.Token, w.Node, int(event.StatusDone), int(event.StatusOver),
	)
	if err != nil {
		return false, fmt.Errorf("update wrapper: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update wrapper: %w", err)
	}
	return n > 0, nil
}

// GetWrapper returns one wrapper. Returns ErrNotFound if absent.
func (s *Store) GetWrapper(ctx context.Context, token, node string) (event.Wrapper, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+wrapperColumns+` FROM wrappers WHERE token = ? AND node = ?`, token, node)
	w, err := scanWrapper(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Wrapper{}, fmt.Errorf("wrapper %s/%s: %w", token, node, ErrNotFound)
	}
	if err != nil {
		return event.Wrapper{}, fmt.Errorf("get wrapper: %w", err)
	}
	return w, nil
}

// WrapperFilter narrows ListWrappers. Zero fields match everything.
type WrapperFilter struct {
	Token    string
	CircleID string
	Statuses []event.WrapperStatus
}

// ListWrappers returns wrappers ordered by creation time, token and node.
func (s *Store) ListWrappers(ctx context.Context, f WrapperFilter) ([]event.Wrapper, error) {
	var where []string
	var args []any
	if f.Token != "" {
		where = append(where, "token = ?")
		args = append(args, f.Token)
	}
	if f.CircleID != "" {
		where = append(where, "circle_id = ?")
		args = append(args, f.CircleID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, int(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	query := `SELECT ` + wrapperColumns + ` FROM wrappers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, token COLLATE BINARY ASC, node COLLATE BINARY ASC`
	return s.queryWrappers(ctx, query, args...)
}

// DueWrappers returns INIT and FAILED wrappers that are not waiting for an
// async result and whose retry time has come, oldest first.
func (s *Store) DueWrappers(ctx context.Context, now time.Time, limit int) ([]event.Wrapper, error) {
	return s.queryWrappers(ctx, `
		SELECT `+wrapperColumns+` FROM wrappers
		WHERE status IN (?, ?) AND pending = 0 AND retry_after <= ?
		ORDER BY retry_after ASC, created_at ASC, token COLLATE BINARY ASC, node COLLATE BINARY ASC
		LIMIT ?
	`, int(event.StatusInit), int(event.StatusFailed), nanos(now), limit)
}

// StalePending returns wrappers waiting for an async result since before
// cutoff.
func (s *Store) StalePending(ctx context.Context, cutoff time.Time) ([]event.Wrapper, error) {
	return s.queryWrappers(ctx, `
		SELECT `+wrapperColumns+` FROM wrappers
		WHERE status IN (?, ?) AND pending = 1 AND retry_after <= ?
		ORDER BY retry_after ASC, token COLLATE BINARY ASC, node COLLATE BINARY ASC
	`, int(event.StatusInit), int(event.StatusFailed), nanos(cutoff))
}

func (s *Store) queryWrappers(ctx context.Context, query string, args ...any) ([]event.Wrapper, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query wrappers: %w", err)
	}
	defer rows.Close()

	out := []event.Wrapper{}
	for rows.Next() {
		w, err := scanWrapper(rows)
		if err != nil {
			return nil, fmt.Errorf("scan wrapper: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate wrappers: %w", err)
	}
	return out, nil
}

func scanWrapper(row scanner) (event.Wrapper, error) {
	var w event.Wrapper
	var envelope, result string
	var severity, status, pending int
	var created, retryAfter int64
	if err := row.Scan(&w.Token, &w.Node, &envelope, &result, &severity, &w.Retry, &status,
		&pending, &w.LastError, &created, &retryAfter); err != nil {
		return event.Wrapper{}, err
	}
	var err error
	if w.Event, err = unmarshalEnvelope(envelope); err != nil {
		return event.Wrapper{}, err
	}
	if w.Result, err = unmarshalBag(result); err != nil {
		return event.Wrapper{}, err
	}
	w.Severity = event.Severity(severity)
	w.Status = event.WrapperStatus(status)
	w.Pending = pending != 0
	w.CreatedAt = fromNanos(created)
	w.RetryAfter = fromNanos(retryAfter)
	return w, nil
}
