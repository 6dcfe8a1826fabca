package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/circles/internal/model"
)

const circleColumns = `c.id, c.name, c.display_name, c.description, c.config, c.settings, c.instance, c.creation,
	COALESCE((SELECT m.single_id FROM members m WHERE m.circle_id = c.id AND m.level = 9 LIMIT 1), '')`

const memberColumns = `id, circle_id, single_id, user_id, user_type, instance, level, status, invited_by, display_name, joined`

// UpsertCircle inserts a circle or replaces its metadata.
func (s *Store) UpsertCircle(ctx context.Context, c model.Circle) error {
	if err := upsertCircle(ctx, s.db, c, true); err != nil {
		return fmt.Errorf("upsert circle: %w", err)
	}
	return nil
}

// EnsureCircle inserts a circle snapshot when the circle is unknown.
// Existing rows are left alone.
func (s *Store) EnsureCircle(ctx context.Context, c model.Circle) error {
	if err := upsertCircle(ctx, s.db, c, false); err != nil {
		return fmt.Errorf("ensure circle: %w", err)
	}
	return nil
}

func upsertCircle(ctx context.Context, q querier, c model.Circle, replace bool) error {
	settings, err := marshalSettings(c.Settings)
	if err != nil {
		return err
	}
	conflict := `ON CONFLICT(id) DO NOTHING`
	if replace {
		conflict = `ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			display_name = excluded.display_name,
			description = excluded.description,
			config = excluded.config,
			settings = excluded.settings,
			instance = excluded.instance`
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO circles (id, name, display_name, description, config, settings, instance, creation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`+conflict,
		c.ID, c.Name, c.DisplayName, c.Description, int(c.Config), settings, c.Instance, c.Creation,
	)
	return err
}

// GetCircle returns a circle with its owner filled in.
// Returns ErrNotFound if the circle is unknown.
func (s *Store) GetCircle(ctx context.Context, id string) (model.Circle, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+circleColumns+` FROM circles c WHERE c.id = ?`, id)
	c, err := scanCircle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Circle{}, fmt.Errorf("circle %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Circle{}, fmt.Errorf("get circle: %w", err)
	}
	return c, nil
}

// ListCircles returns every known circle ordered by id.
func (s *Store) ListCircles(ctx context.Context) ([]model.Circle, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+circleColumns+` FROM circles c ORDER BY c.id COLLATE BINARY ASC`)
	if err != nil {
		return nil, fmt.Errorf("query circles: %w", err)
	}
	defer rows.Close()

	circles := []model.Circle{}
	for rows.Next() {
		c, err := scanCircle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan circle: %w", err)
		}
		circles = append(circles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate circles: %w", err)
	}
	return circles, nil
}

// DeleteCircle removes a circle, its members, memberships and shares, and
// every row where the circle is itself a member. Deleting an unknown circle
// is not an error.
func (s *Store) DeleteCircle(ctx context.Context, id string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		parents, err := parentCircles(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM members WHERE single_id = ? AND user_type = ?`,
			id, int(model.EntityCircle)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM circles WHERE id = ?`, id); err != nil {
			return err
		}
		for _, p := range parents {
			if err := rebuild(ctx, tx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete circle: %w", err)
	}
	return nil
}

// UpsertMember inserts a member or replaces its mutable fields, then
// rebuilds memberships. The circle must exist.
func (s *Store) UpsertMember(ctx context.Context, m model.Member) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertMember(ctx, tx, m); err != nil {
			return err
		}
		return rebuild(ctx, tx, m.CircleID)
	})
	if err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	return nil
}

func upsertMember(ctx context.Context, q querier, m model.Member) error {
	m = m.Normalize()
	_, err := q.ExecContext(ctx, `
		INSERT INTO members (`+memberColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(circle_id, single_id) DO UPDATE SET
			level = excluded.level,
			status = excluded.status,
			invited_by = excluded.invited_by,
			display_name = excluded.display_name
	`,
		m.ID, m.CircleID, m.SingleID, m.UserID, int(m.UserType), m.Instance,
		int(m.Level), string(m.Status), m.InvitedBy, m.DisplayName, m.Joined,
	)
	return err
}

// GetMember returns one member. Returns ErrNotFound if absent.
func (s *Store) GetMember(ctx context.Context, circleID, singleID string) (model.Member, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE circle_id = ? AND single_id = ?`,
		circleID, singleID)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Member{}, fmt.Errorf("member %s in %s: %w", singleID, circleID, ErrNotFound)
	}
	if err != nil {
		return model.Member{}, fmt.Errorf("get member: %w", err)
	}
	return m, nil
}

// ListMembers returns the direct members of a circle ordered by single id.
// Returns an empty slice (not nil) for an unknown circle.
func (s *Store) ListMembers(ctx context.Context, circleID string) ([]model.Member, error) {
	members, err := listMembers(ctx, s.db, circleID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return members, nil
}

func listMembers(ctx context.Context, q querier, circleID string) ([]model.Member, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+memberColumns+` FROM members
		WHERE circle_id = ?
		ORDER BY single_id COLLATE BINARY ASC
	`, circleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := []model.Member{}
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// CirclesOf returns the ids of circles the entity is a direct member of.
func (s *Store) CirclesOf(ctx context.Context, singleID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT circle_id FROM members WHERE single_id = ?
		ORDER BY circle_id COLLATE BINARY ASC
	`, singleID)
	if err != nil {
		return nil, fmt.Errorf("circles of: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("circles of: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteMember removes a member and rebuilds memberships.
// Reports whether a row was removed.
func (s *Store) DeleteMember(ctx context.Context, circleID, singleID string) (bool, error) {
	var removed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM members WHERE circle_id = ? AND single_id = ?`, circleID, singleID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed = n > 0
		return rebuild(ctx, tx, circleID)
	})
	if err != nil {
		return false, fmt.Errorf("delete member: %w", err)
	}
	return removed, nil
}

// SetMemberLevel changes the level of a member that is not the owner
// switch target. Use SwitchOwner to hand over ownership.
func (s *Store) SetMemberLevel(ctx context.Context, circleID, singleID string, level model.Level) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE members SET level = ? WHERE circle_id = ? AND single_id = ?`,
			int(level), circleID, singleID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("member %s in %s: %w", singleID, circleID, ErrNotFound)
		}
		return rebuild(ctx, tx, circleID)
	})
	if err != nil {
		return fmt.Errorf("set member level: %w", err)
	}
	return nil
}

// SwitchOwner demotes the current owner to admin and promotes newOwner in
// one transaction. Either both writes happen or none. Switching to the
// member that already owns the circle is a no-op.
func (s *Store) SwitchOwner(ctx context.Context, circleID, newOwner string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := switchOwner(ctx, tx, circleID, newOwner); err != nil {
			return err
		}
		return rebuild(ctx, tx, circleID)
	})
	if err != nil {
		return fmt.Errorf("switch owner: %w", err)
	}
	return nil
}

// TransferOwnership hands the circle to successor and removes the leaving
// owner in one transaction. switched is false when the successor is not
// known here; the leaving owner is removed anyway.
func (s *Store) TransferOwnership(ctx context.Context, circleID, leaving, successor string) (bool, error) {
	switched := true
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := switchOwner(ctx, tx, circleID, successor)
		if errors.Is(err, ErrNotFound) {
			switched = false
		} else if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM members WHERE circle_id = ? AND single_id = ?`, circleID, leaving); err != nil {
			return err
		}
		return rebuild(ctx, tx, circleID)
	})
	if err != nil {
		return false, fmt.Errorf("transfer ownership: %w", err)
	}
	return switched, nil
}

func switchOwner(ctx context.Context, q querier, circleID, newOwner string) error {
	// The successor must exist before anyone is demoted.
	var exists int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM members WHERE circle_id = ? AND single_id = ?`, circleID, newOwner).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("member %s in %s: %w", newOwner, circleID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `
		UPDATE members SET level = ?
		WHERE circle_id = ? AND level = ? AND single_id != ?
	`, int(model.LevelAdmin), circleID, int(model.LevelOwner), newOwner); err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		UPDATE members SET level = ?, status = ?
		WHERE circle_id = ? AND single_id = ?
	`, int(model.LevelOwner), string(model.StatusMember), circleID, newOwner)
	return err
}

// SyncStats counts the rows changed by ReplaceMembers.
type SyncStats struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
}

// ReplaceMembers makes the local member list of circle equal to members:
// the circle is upserted, missing members are created, changed members are
// updated and members absent from the list are deleted.
func (s *Store) ReplaceMembers(ctx context.Context, circle model.Circle, members []model.Member) (SyncStats, error) {
	var stats SyncStats
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertCircle(ctx, tx, circle, true); err != nil {
			return err
		}
		existing, err := listMembers(ctx, tx, circle.ID)
		if err != nil {
			return err
		}
		current := make(map[string]model.Member, len(existing))
		for _, m := range existing {
			current[m.SingleID] = m
		}

		wanted := make(map[string]bool, len(members))
		for _, m := range members {
			m = m.Normalize()
			m.CircleID = circle.ID
			wanted[m.SingleID] = true

			old, ok := current[m.SingleID]
			switch {
			case !ok:
				stats.Created++
			case old != m:
				stats.Updated++
			default:
				continue
			}
			if ok && old.ID != m.ID {
				// The id is immutable in upserts; replace the row.
				if _, err := tx.ExecContext(ctx, `DELETE FROM members WHERE circle_id = ? AND single_id = ?`,
					circle.ID, m.SingleID); err != nil {
					return err
				}
			}
			if err := upsertMember(ctx, tx, m); err != nil {
				return err
			}
		}

		for id := range current {
			if wanted[id] {
				continue
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM members WHERE circle_id = ? AND single_id = ?`,
				circle.ID, id); err != nil {
				return err
			}
			stats.Deleted++
		}
		return rebuild(ctx, tx, circle.ID)
	})
	if err != nil {
		return SyncStats{}, fmt.Errorf("replace members: %w", err)
	}
	return stats, nil
}

// Memberships returns the flattened memberships of a circle.
func (s *Store) Memberships(ctx context.Context, circleID string) ([]model.Membership, error) {
	return s.queryMemberships(ctx, `WHERE circle_id = ? ORDER BY single_id COLLATE BINARY ASC`, circleID)
}

// MembershipsOf returns every circle an entity belongs to, directly or
// through nested circles.
func (s *Store) MembershipsOf(ctx context.Context, singleID string) ([]model.Membership, error) {
	return s.queryMemberships(ctx, `WHERE single_id = ? ORDER BY circle_id COLLATE BINARY ASC`, singleID)
}

func (s *Store) queryMemberships(ctx context.Context, where string, arg string) ([]model.Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT circle_id, single_id, level, inheritance, depth FROM memberships `+where, arg)
	if err != nil {
		return nil, fmt.Errorf("query memberships: %w", err)
	}
	defer rows.Close()

	out := []model.Membership{}
	for rows.Next() {
		var ms model.Membership
		var level int
		if err := rows.Scan(&ms.CircleID, &ms.SingleID, &level, &ms.Inheritance, &ms.Depth); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		ms.Level = model.Level(level)
		out = append(out, ms)
	}
	return out, rows.Err()
}

// rebuild recomputes memberships of circleID and of every ancestor.
func rebuild(ctx context.Context, q querier, circleID string) error {
	ancestors, err := model.Ancestors(circleID, func(id string) ([]string, error) {
		return parentCircles(ctx, q, id)
	})
	if err != nil {
		return fmt.Errorf("rebuild memberships: %w", err)
	}
	for _, id := range append([]string{circleID}, ancestors...) {
		if err := rebuildOne(ctx, q, id); err != nil {
			return err
		}
	}
	return nil
}

func rebuildOne(ctx context.Context, q querier, circleID string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM memberships WHERE circle_id = ?`, circleID); err != nil {
		return fmt.Errorf("rebuild memberships: %w", err)
	}
	var exists int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM circles WHERE id = ?`, circleID).Scan(&exists); err != nil {
		return fmt.Errorf("rebuild memberships: %w", err)
	}
	if exists == 0 {
		return nil
	}

	flat, err := model.Flatten(circleID, func(id string) ([]model.Member, error) {
		return listMembers(ctx, q, id)
	})
	if err != nil {
		return fmt.Errorf("rebuild memberships: %w", err)
	}
	for _, ms := range flat {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO memberships (circle_id, single_id, level, inheritance, depth)
			VALUES (?, ?, ?, ?, ?)
		`, ms.CircleID, ms.SingleID, int(ms.Level), ms.Inheritance, ms.Depth); err != nil {
			return fmt.Errorf("rebuild memberships: %w", err)
		}
	}
	return nil
}

func parentCircles(ctx context.Context, q querier, circleID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT circle_id FROM members
		WHERE single_id = ? AND user_type = ?
		ORDER BY circle_id COLLATE BINARY ASC
	`, circleID, int(model.EntityCircle))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func circleIDs(ctx context.Context, q querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM circles ORDER BY id COLLATE BINARY ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCircle(row scanner) (model.Circle, error) {
	var c model.Circle
	var config int
	var settings string
	if err := row.Scan(&c.ID, &c.Name, &c.DisplayName, &c.Description, &config, &settings,
		&c.Instance, &c.Creation, &c.Owner); err != nil {
		return model.Circle{}, err
	}
	c.Config = model.Config(config)
	parsed, err := unmarshalSettings(settings)
	if err != nil {
		return model.Circle{}, err
	}
	c.Settings = parsed
	return c, nil
}

func scanMember(row scanner) (model.Member, error) {
	var m model.Member
	var userType, level int
	var status string
	if err := row.Scan(&m.ID, &m.CircleID, &m.SingleID, &m.UserID, &userType, &m.Instance,
		&level, &status, &m.InvitedBy, &m.DisplayName, &m.Joined); err != nil {
		return model.Member{}, err
	}
	m.UserType = model.EntityType(userType)
	m.Level = model.Level(level)
	m.Status = model.Status(status)
	return m, nil
}
