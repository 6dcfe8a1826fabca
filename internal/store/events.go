package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/wire"
)

// LoggedEvent is one applied envelope.
type LoggedEvent struct {
	Seq    int64                `json:"seq"`
	Event  event.FederatedEvent `json:"event"`
	Result wire.Bag             `json:"result,omitempty"`
}

// AppendEvent records an applied envelope under its token.
// Uses ON CONFLICT(token) DO NOTHING for idempotency: when the token is
// already logged, the stored entry is returned with inserted=false.
func (s *Store) AppendEvent(ctx context.Context, seq int64, ev event.FederatedEvent, result wire.Bag) (LoggedEvent, bool, error) {
	envelope, err := marshalEnvelope(ev)
	if err != nil {
		return LoggedEvent{}, false, fmt.Errorf("append event: %w", err)
	}
	resultJSON, err := marshalBag(result)
	if err != nil {
		return LoggedEvent{}, false, fmt.Errorf("append event: %w", err)
	}

	var logged LoggedEvent
	var inserted bool
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (token, seq, kind, circle_id, source, envelope, result)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(token) DO NOTHING
		`, ev.Token, seq, string(ev.Kind), ev.Circle.ID, ev.Source, envelope, resultJSON)
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n > 0 {
			inserted = true
			logged = LoggedEvent{Seq: seq, Event: ev, Result: result}
			return nil
		}
		logged, err = getEvent(ctx, tx, ev.Token)
		return err
	})
	if err != nil {
		return LoggedEvent{}, false, fmt.Errorf("append event: %w", err)
	}
	return logged, inserted, nil
}

// GetEvent returns the logged envelope for token. Returns ErrNotFound if
// the token was never applied here.
func (s *Store) GetEvent(ctx context.Context, token string) (LoggedEvent, error) {
	logged, err := getEvent(ctx, s.db, token)
	if err != nil {
		return LoggedEvent{}, fmt.Errorf("get event: %w", err)
	}
	return logged, nil
}

func getEvent(ctx context.Context, q querier, token string) (LoggedEvent, error) {
	var logged LoggedEvent
	var envelope, result string
	err := q.QueryRowContext(ctx, `SELECT seq, envelope, result FROM events WHERE token = ?`, token).
		Scan(&logged.Seq, &envelope, &result)
	if errors.Is(err, sql.ErrNoRows) {
		return LoggedEvent{}, fmt.Errorf("event %s: %w", token, ErrNotFound)
	}
	if err != nil {
		return LoggedEvent{}, err
	}
	if logged.Event, err = unmarshalEnvelope(envelope); err != nil {
		return LoggedEvent{}, err
	}
	if logged.Result, err = unmarshalBag(result); err != nil {
		return LoggedEvent{}, err
	}
	return logged, nil
}

// ListEvents returns the events applied to a circle in application order.
func (s *Store) ListEvents(ctx context.Context, circleID string) ([]LoggedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, envelope, result FROM events
		WHERE circle_id = ?
		ORDER BY seq ASC, token COLLATE BINARY ASC
	`, circleID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := []LoggedEvent{}
	for rows.Next() {
		var logged LoggedEvent
		var envelope, result string
		if err := rows.Scan(&logged.Seq, &envelope, &result); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if logged.Event, err = unmarshalEnvelope(envelope); err != nil {
			return nil, err
		}
		if logged.Result, err = unmarshalBag(result); err != nil {
			return nil, err
		}
		out = append(out, logged)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// MaxSeq returns the highest logged sequence number, 0 when empty.
// Used to resume the logical clock after a restart.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return seq.Int64, nil
}

// ClaimFinalization marks token as finalized. Exactly one caller ever gets
// claimed=true for a token.
func (s *Store) ClaimFinalization(ctx context.Context, token string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO finalizations (token, finalized_at) VALUES (?, ?)
		ON CONFLICT(token) DO NOTHING
	`, token, nanos(at))
	if err != nil {
		return false, fmt.Errorf("claim finalization: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim finalization: %w", err)
	}
	return n > 0, nil
}

// Finalized reports whether the result step ran for token.
func (s *Store) Finalized(ctx context.Context, token string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM finalizations WHERE token = ?`, token).Scan(&n); err != nil {
		return false, fmt.Errorf("finalized: %w", err)
	}
	return n > 0, nil
}
