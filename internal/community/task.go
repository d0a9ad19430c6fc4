package community

import "sync"

// Request identifies whom to reconcile. UserToken is the caller-scoped
// join-capable token; empty for server-initiated logins.
type Request struct {
	AccountID string
	MemberID  string
	UserToken string
}

// Report is the observable outcome of a task.
type Report struct {
	AccountID    string
	MemberID     string
	States       []State
	Final        State
	Inconclusive bool // at least one call timed out
	Err          error
}

// Task is a handle on one detached sync. It is never awaited by the
// request path.
type Task struct {
	done chan struct{}

	mu     sync.Mutex
	report Report
}

func newTask(req Request) *Task {
	return &Task{
		done: make(chan struct{}),
		report: Report{
			AccountID: req.AccountID,
			MemberID:  req.MemberID,
			States:    []State{StateNotChecked},
			Final:     StateNotChecked,
		},
	}
}

// Done is closed once the task reached a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes and returns its report.
func (t *Task) Wait() Report {
	<-t.done
	return t.Report()
}

// Report returns a snapshot of the task's progress.
func (t *Task) Report() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.report
	r.States = append([]State(nil), t.report.States...)
	return r
}

// advance records a transition. Illegal transitions are ignored and
// reported false.
func (t *Task) advance(to State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !canTransition(t.report.Final, to) {
		return false
	}
	t.report.States = append(t.report.States, to)
	t.report.Final = to
	return true
}

func (t *Task) note(err error, inconclusive bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.report.Err = err
	}
	if inconclusive {
		t.report.Inconclusive = true
	}
}

func (t *Task) finish() {
	close(t.done)
}

// forceFinal ends the task in s regardless of the transition table.
func (t *Task) forceFinal(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.report.States = append(t.report.States, s)
	t.report.Final = s
}
