package community

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const roleID = "role-paid"

type fakeService struct {
	mu      sync.Mutex
	members map[string]*Member

	// join blocks until the deadline, but the member is added anyway
	joinHangs bool
	joinErr   error

	assignHangs bool
	assignErr   error
	assignCalls int

	removeErr   error
	removeCalls int
}

func newFakeService() *fakeService {
	return &fakeService{members: make(map[string]*Member)}
}

func (f *fakeService) addMember(id string, roles ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[id] = &Member{ID: id, Roles: roles}
}

func (f *fakeService) Join(ctx context.Context, memberID, _ string) error {
	if f.joinHangs {
		f.addMember(memberID)
		<-ctx.Done()
		return ctx.Err()
	}
	if f.joinErr != nil {
		return f.joinErr
	}
	f.addMember(memberID)
	return nil
}

func (f *fakeService) Member(_ context.Context, memberID string) (*Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[memberID]
	if !ok {
		return nil, ErrNotMember
	}
	cp := *m
	cp.Roles = append([]string(nil), m.Roles...)
	return &cp, nil
}

func (f *fakeService) AssignRole(ctx context.Context, memberID, role string) error {
	f.mu.Lock()
	f.assignCalls++
	hang, err := f.assignHangs, f.assignErr
	if hang {
		if m, ok := f.members[memberID]; ok {
			m.Roles = append(m.Roles, role)
		}
	}
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.members[memberID]; ok {
		m.Roles = append(m.Roles, role)
	}
	return nil
}

func (f *fakeService) RemoveRole(_ context.Context, memberID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls++
	return f.removeErr
}

func fastTimeouts() Timeouts {
	return Timeouts{Join: 30 * time.Millisecond, Check: 30 * time.Millisecond, Role: 30 * time.Millisecond, Revoke: 30 * time.Millisecond}
}

func waitReport(t *testing.T, task *Task) Report {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
	}
	return task.Report()
}

func TestJoinTimeoutThenVerifiedMembershipAssignsRole(t *testing.T) {
	svc := newFakeService()
	svc.joinHangs = true
	agent := NewAgent(svc, roleID, fastTimeouts())

	report := waitReport(t, agent.Dispatch(Request{AccountID: "acc-1", MemberID: "D1", UserToken: "user-token"}))

	assert.Equal(t, StateRoleAssigned, report.Final)
	assert.Equal(t, []State{StateNotChecked, StateJoinAttempted, StateJoined, StateRoleChecked, StateRoleAssigned}, report.States)
	assert.True(t, report.Inconclusive)
	assert.ErrorIs(t, report.Err, ErrSyncTimeout)
	assert.Equal(t, 1, svc.assignCalls)
}

func TestJoinFailsWhenMembershipNotConfirmed(t *testing.T) {
	svc := newFakeService()
	svc.joinErr = errors.New("403 missing access")
	agent := NewAgent(svc, roleID, fastTimeouts())

	report := waitReport(t, agent.Dispatch(Request{MemberID: "D1", UserToken: "user-token"}))
	assert.Equal(t, StateJoinFailed, report.Final)
	assert.Equal(t, 0, svc.assignCalls)
}

func TestNoTokenNonMemberIsSkipped(t *testing.T) {
	svc := newFakeService()
	agent := NewAgent(svc, roleID, fastTimeouts())

	report := waitReport(t, agent.Dispatch(Request{MemberID: "D1"}))
	assert.Equal(t, []State{StateNotChecked, StateRoleChecked, StateRoleSkipped}, report.States)
	assert.False(t, report.Inconclusive)
}

func TestNoTokenMemberWithRole(t *testing.T) {
	svc := newFakeService()
	svc.addMember("D1", roleID)
	agent := NewAgent(svc, roleID, fastTimeouts())

	report := waitReport(t, agent.Dispatch(Request{MemberID: "D1"}))
	assert.Equal(t, StateRoleAssigned, report.Final)
	assert.Equal(t, 0, svc.assignCalls)
}

func TestAssignTimeoutReverified(t *testing.T) {
	svc := newFakeService()
	svc.addMember("D1")
	svc.assignHangs = true
	agent := NewAgent(svc, roleID, fastTimeouts())

	report := waitReport(t, agent.Dispatch(Request{MemberID: "D1"}))
	assert.Equal(t, StateRoleAssigned, report.Final)
	assert.True(t, report.Inconclusive)
}

func TestAssignFailure(t *testing.T) {
	svc := newFakeService()
	svc.addMember("D1")
	svc.assignErr = errors.New("500")
	agent := NewAgent(svc, roleID, fastTimeouts())

	report := waitReport(t, agent.Dispatch(Request{MemberID: "D1"}))
	assert.Equal(t, StateRoleFailed, report.Final)
	assert.False(t, report.Inconclusive)
}

func TestMissingMemberIDSkips(t *testing.T) {
	agent := NewAgent(newFakeService(), roleID, fastTimeouts())
	report := waitReport(t, agent.Dispatch(Request{AccountID: "acc-1"}))
	assert.Equal(t, StateRoleSkipped, report.Final)
}

func TestRevokeSwallowsErrors(t *testing.T) {
	svc := newFakeService()
	svc.removeErr = errors.New("boom")
	agent := NewAgent(svc, roleID, fastTimeouts())

	report := waitReport(t, agent.DispatchRevoke(Request{MemberID: "D1"}))
	assert.Equal(t, StateRevokeFailed, report.Final)
	assert.Equal(t, 1, svc.removeCalls)

	svc.removeErr = nil
	report = waitReport(t, agent.DispatchRevoke(Request{MemberID: "D1"}))
	assert.Equal(t, StateRoleRemoved, report.Final)
}

func TestDispatchDoesNotBlock(t *testing.T) {
	svc := newFakeService()
	svc.joinHangs = true
	agent := NewAgent(svc, roleID, Timeouts{Join: time.Second, Check: time.Second, Role: time.Second, Revoke: time.Second})

	start := time.Now()
	task := agent.Dispatch(Request{MemberID: "D1", UserToken: "user-token"})
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	select {
	case <-task.Done():
		t.Fatal("task finished before its join timeout")
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := agent.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	<-task.Done()
}

func TestIllegalTransitionIgnored(t *testing.T) {
	task := newTask(Request{})
	assert.False(t, task.advance(StateJoined))
	assert.True(t, task.advance(StateJoinAttempted))
	assert.False(t, task.advance(StateRoleAssigned))
	assert.Equal(t, StateJoinAttempted, task.Report().Final)
	assert.True(t, StateRoleAssigned.Terminal())
	assert.False(t, StateJoined.Terminal())
}

func TestDispatchAfterShutdownEndsImmediately(t *testing.T) {
	svc := newFakeService()
	svc.addMember("D1")
	agent := NewAgent(svc, roleID, fastTimeouts())
	require.NoError(t, agent.Shutdown(context.Background()))

	late := agent.Dispatch(Request{AccountID: "acc-1", MemberID: "D1"})
	select {
	case <-late.Done():
	default:
		t.Fatal("late sync task still running")
	}
	report := late.Report()
	assert.Equal(t, StateRoleSkipped, report.Final)
	assert.ErrorIs(t, report.Err, ErrAgentClosed)

	report = waitReport(t, agent.DispatchRevoke(Request{MemberID: "D1"}))
	assert.Equal(t, StateRevokeFailed, report.Final)
	assert.ErrorIs(t, report.Err, ErrAgentClosed)

	assert.Equal(t, 0, svc.assignCalls)
	assert.Equal(t, 0, svc.removeCalls)
	agent.Wait()
}
