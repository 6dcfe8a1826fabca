package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/circles/internal/model"
)

const shareColumns = `share_id, circle_id, item_type, item_source, name, permissions, owner, origin, token, mounted`

// UpsertShare inserts a share or updates its mutable fields. The share
// token and origin never change once written.
func (s *Store) UpsertShare(ctx context.Context, sh model.Share) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shares (`+shareColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(share_id) DO UPDATE SET
			name = excluded.name,
			permissions = excluded.permissions,
			mounted = MAX(shares.mounted, excluded.mounted)
	`,
		sh.ShareID, sh.CircleID, sh.ItemType, sh.ItemSource, sh.Name, sh.Permissions,
		sh.Owner, sh.Origin, sh.Token, boolToInt(sh.Mounted),
	)
	if err != nil {
		return fmt.Errorf("upsert share: %w", err)
	}
	return nil
}

// GetShare returns one share. Returns ErrNotFound if absent.
func (s *Store) GetShare(ctx context.Context, shareID string) (model.Share, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+shareColumns+` FROM shares WHERE share_id = ?`, shareID)
	sh, err := scanShare(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Share{}, fmt.Errorf("share %s: %w", shareID, ErrNotFound)
	}
	if err != nil {
		return model.Share{}, fmt.Errorf("get share: %w", err)
	}
	return sh, nil
}

// ListShares returns the shares of a circle ordered by share id.
func (s *Store) ListShares(ctx context.Context, circleID string) ([]model.Share, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+shareColumns+` FROM shares WHERE circle_id = ?
		ORDER BY share_id COLLATE BINARY ASC
	`, circleID)
	if err != nil {
		return nil, fmt.Errorf("query shares: %w", err)
	}
	defer rows.Close()

	out := []model.Share{}
	for rows.Next() {
		sh, err := scanShare(rows)
		if err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

// DeleteShare removes a share. Reports whether a row was removed.
func (s *Store) DeleteShare(ctx context.Context, shareID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM shares WHERE share_id = ?`, shareID)
	if err != nil {
		return false, fmt.Errorf("delete share: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete share: %w", err)
	}
	return n > 0, nil
}

// RecordNotification claims the (share, recipient) pair. inserted is false
// when the recipient was already notified for this share.
func (s *Store) RecordNotification(ctx context.Context, shareID, recipient, passwordHash string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO share_notifications (share_id, recipient, password_hash, notified_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(share_id, recipient) DO NOTHING
	`, shareID, recipient, passwordHash, nanos(at))
	if err != nil {
		return false, fmt.Errorf("record notification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record notification: %w", err)
	}
	return n > 0, nil
}

// Notified returns the recipients already notified for a share, sorted.
func (s *Store) Notified(ctx context.Context, shareID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT recipient FROM share_notifications WHERE share_id = ?
		ORDER BY recipient COLLATE BINARY ASC
	`, shareID)
	if err != nil {
		return nil, fmt.Errorf("notified: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("notified: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanShare(row scanner) (model.Share, error) {
	var sh model.Share
	var mounted int
	if err := row.Scan(&sh.ShareID, &sh.CircleID, &sh.ItemType, &sh.ItemSource, &sh.Name,
		&sh.Permissions, &sh.Owner, &sh.Origin, &sh.Token, &mounted); err != nil {
		return model.Share{}, err
	}
	sh.Mounted = mounted != 0
	return sh, nil
}
