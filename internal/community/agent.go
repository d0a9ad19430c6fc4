package community

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"portal-auth/internal/logger"
	"portal-auth/internal/metrics"
)

// Agent runs sync and revoke tasks detached from the request path. Each
// external call gets its own timeout derived from the agent's root
// context, never from a request context.
type Agent struct {
	svc      RoleService
	roleID   string
	timeouts Timeouts

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewAgent(svc RoleService, roleID string, timeouts Timeouts) *Agent {
	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		svc:      svc,
		roleID:   roleID,
		timeouts: timeouts.withDefaults(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Dispatch starts a grant-side sync and returns immediately.
func (a *Agent) Dispatch(req Request) *Task {
	return a.start(req, "sync", StateRoleSkipped, a.sync)
}

// DispatchRevoke starts a best-effort role removal. Failures are logged
// and counted, never returned.
func (a *Agent) DispatchRevoke(req Request) *Task {
	return a.start(req, "revoke", StateRevokeFailed, a.revoke)
}

// start runs fn detached. Once Shutdown has begun, the task ends at once
// in the closed state with ErrAgentClosed.
func (a *Agent) start(req Request, kind string, closed State, fn func(*Task, Request)) *Task {
	t := newTask(req)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		t.note(ErrAgentClosed, false)
		t.advance(closed)
		a.complete(t, kind)
		return t
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		defer a.complete(t, kind)
		fn(t, req)
	}()
	return t
}

// Wait blocks until every dispatched task finished.
func (a *Agent) Wait() {
	a.wg.Wait()
}

// Shutdown waits for in-flight tasks. When ctx ends first the remaining
// calls are cancelled and Shutdown waits for them to unwind.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.cancel()
		return nil
	case <-ctx.Done():
		a.cancel()
		<-done
		return ctx.Err()
	}
}

func (a *Agent) sync(t *Task, req Request) {
	if req.MemberID == "" {
		t.advance(StateRoleSkipped)
		return
	}

	var member *Member
	if req.UserToken != "" {
		t.advance(StateJoinAttempted)
		err := a.call(a.timeouts.Join, func(ctx context.Context) error {
			return a.svc.Join(ctx, req.MemberID, req.UserToken)
		})
		if err != nil {
			a.noteFailure(t, "join", req, err)
			// the join may have landed despite the error
			m, verr := a.member(req.MemberID)
			if verr != nil {
				a.noteFailure(t, "verify membership", req, verr)
				t.advance(StateJoinFailed)
				return
			}
			member = m
		}
		t.advance(StateJoined)
		t.advance(StateRoleChecked)

		if member == nil {
			m, err := a.member(req.MemberID)
			if err != nil {
				// just joined; a stale read is not a reason to stop
				a.noteFailure(t, "check membership", req, err)
			}
			member = m
		}
	} else {
		m, err := a.member(req.MemberID)
		t.advance(StateRoleChecked)
		if err != nil {
			if !errors.Is(err, ErrNotMember) {
				a.noteFailure(t, "check membership", req, err)
			}
			t.advance(StateRoleSkipped)
			return
		}
		member = m
	}

	if member.HasRole(a.roleID) {
		t.advance(StateRoleAssigned)
		return
	}

	err := a.call(a.timeouts.Role, func(ctx context.Context) error {
		return a.svc.AssignRole(ctx, req.MemberID, a.roleID)
	})
	if err == nil {
		t.advance(StateRoleAssigned)
		return
	}
	a.noteFailure(t, "assign role", req, err)

	m, verr := a.member(req.MemberID)
	if verr == nil && m.HasRole(a.roleID) {
		t.advance(StateRoleAssigned)
		return
	}
	t.advance(StateRoleFailed)
}

func (a *Agent) revoke(t *Task, req Request) {
	if req.MemberID == "" {
		t.advance(StateRoleRemoved)
		return
	}
	err := a.call(a.timeouts.Revoke, func(ctx context.Context) error {
		return a.svc.RemoveRole(ctx, req.MemberID, a.roleID)
	})
	if err != nil {
		a.noteFailure(t, "remove role", req, err)
		t.advance(StateRevokeFailed)
		return
	}
	t.advance(StateRoleRemoved)
}

func (a *Agent) member(memberID string) (*Member, error) {
	var m *Member
	err := a.call(a.timeouts.Check, func(ctx context.Context) error {
		var err error
		m, err = a.svc.Member(ctx, memberID)
		return err
	})
	if err == nil && m == nil {
		return nil, ErrNotMember
	}
	return m, err
}

// call runs fn under its own timeout. An expired deadline is reported as
// ErrSyncTimeout.
func (a *Agent) call(d time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(a.ctx, d)
	defer cancel()

	err := fn(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", ErrSyncTimeout, d, err)
	}
	return err
}

func (a *Agent) noteFailure(t *Task, op string, req Request, err error) {
	timeout := errors.Is(err, ErrSyncTimeout)
	t.note(err, timeout)

	fields := map[string]any{
		"op":         op,
		"account_id": req.AccountID,
		"member_id":  req.MemberID,
		"error":      err.Error(),
	}
	if timeout {
		logger.Warn("community call inconclusive, re-verifying", fields)
		return
	}
	logger.Warn("community call failed", fields)
}

func (a *Agent) complete(t *Task, kind string) {
	if r := recover(); r != nil {
		t.note(fmt.Errorf("community %s panicked: %v", kind, r), false)
		t.forceFinal(StateRoleFailed)
		logger.Error("community task panicked", map[string]any{"kind": kind, "panic": fmt.Sprint(r)})
	}

	report := t.Report()
	if kind == "revoke" {
		result := "ok"
		if report.Final != StateRoleRemoved {
			result = "error"
		}
		metrics.CommunityRevokeTotal.WithLabelValues(result).Inc()
	} else {
		metrics.CommunitySyncTotal.WithLabelValues(string(report.Final)).Inc()
	}

	logger.Info("community task finished", map[string]any{
		"kind":         kind,
		"account_id":   report.AccountID,
		"member_id":    report.MemberID,
		"final":        string(report.Final),
		"inconclusive": report.Inconclusive,
	})
	t.finish()
}
