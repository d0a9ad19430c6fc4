// Package community reconciles membership and role in the external
// community against the access decision. All work is detached from the
// request that triggered it and bounded by its own timeouts.
package community

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSyncTimeout marks a bounded wait that expired. The outcome of the
	// call is unknown and must be re-verified.
	ErrSyncTimeout = errors.New("community: sync timeout")

	// ErrNotMember is returned by RoleService.Member for non-members.
	ErrNotMember = errors.New("community: not a member")

	// ErrAgentClosed is recorded on tasks dispatched after Shutdown.
	ErrAgentClosed = errors.New("community: agent shut down")
)

// Member is a community member and the roles it holds.
type Member struct {
	ID    string
	Roles []string
}

func (m *Member) HasRole(roleID string) bool {
	if m == nil {
		return false
	}
	for _, r := range m.Roles {
		if r == roleID {
			return true
		}
	}
	return false
}

// RoleService is the community's membership and role API.
type RoleService interface {
	// Join adds the member using a caller-scoped token with join capability.
	Join(ctx context.Context, memberID, userToken string) error
	Member(ctx context.Context, memberID string) (*Member, error)
	AssignRole(ctx context.Context, memberID, roleID string) error
	RemoveRole(ctx context.Context, memberID, roleID string) error
}

// Timeouts bound each external call.
type Timeouts struct {
	Join   time.Duration
	Check  time.Duration
	Role   time.Duration
	Revoke time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Join:   15 * time.Second,
		Check:  2 * time.Second,
		Role:   5 * time.Second,
		Revoke: 3 * time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	def := DefaultTimeouts()
	if t.Join <= 0 {
		t.Join = def.Join
	}
	if t.Check <= 0 {
		t.Check = def.Check
	}
	if t.Role <= 0 {
		t.Role = def.Role
	}
	if t.Revoke <= 0 {
		t.Revoke = def.Revoke
	}
	return t
}
