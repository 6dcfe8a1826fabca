// Package model defines circles, their members, and the materialized
// memberships derived from nested circles.
//
// Numeric values (levels, entity types, config bits) match the values used on
// the wire by every node of the federation, so they must never be renumbered.
//
// Invariants:
//   - Exactly one member of a circle holds LevelOwner, except inside the
//     single transaction that switches owners.
//   - Levels are ordered None < Member < Moderator < Admin < Owner.
//   - A member is identified inside a circle by its SingleID, which is derived
//     from (entity type, user id, node) and is therefore identical on every node.
package model
