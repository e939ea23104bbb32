// Package sched provides an in-process cooperative scheduler implementing
// the guest execution contract. It is the conformance reference for that
// contract and lets hosts embed guest-style programs written as Go
// closures; the production path runs an opaque WASM guest through the
// wasmguest adapter instead.
//
// Concurrency model: only one task executes at a time. A task runs until it
// issues an operation, which suspends it on exactly one outstanding request;
// other tasks run only while it is suspended. Completion order therefore
// depends only on the resume order the host supplies.
package sched

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/amla-dev/amla/wireformat"
	"github.com/google/uuid"
)

// ErrUnknownRequest is returned by Resume for an id that was never issued or
// was already resolved.
var ErrUnknownRequest = errors.New("unknown or already resolved request id")

// ErrClosed is returned by Step and Resume after the scheduler was closed.
var ErrClosed = errors.New("scheduler closed")

// TaskFunc is the body of one cooperative task. Its return value becomes the
// task's completion value; a returned error marks the task failed.
type TaskFunc func(tc *TaskContext) (any, error)

type taskState int

const (
	stateRunnable taskState = iota
	stateSuspended
	stateCompleted
	stateFailed
)

type eventKind int

const (
	eventIssued eventKind = iota
	eventDone
)

type event struct {
	task *task
	kind eventKind
	req  *wireformat.Request
}

type task struct {
	id      string
	fn      TaskFunc
	state   taskState
	started bool

	// resumeCh delivers the outcome of the task's outstanding request.
	resumeCh chan wireformat.Outcome
	// outcome is staged by Resume and delivered on the next Step.
	outcome wireformat.Outcome

	value any
	err   error
}

// Scheduler is the reference guest: a set of cooperative tasks multiplexed
// onto one logical thread, surfacing suspended operations as requests.
type Scheduler struct {
	mu       sync.Mutex
	tasks    []*task
	runnable []*task
	pending  map[string]*task // request id -> suspended task
	root     *task
	nextTask int

	events chan event
	// done is closed by Close; every parked task goroutine selects on it
	// so abandonment unwinds them instead of leaking.
	done      chan struct{}
	closeOnce sync.Once

	stdout bytes.Buffer
}

// New creates a scheduler whose top-level task runs the given program. The
// top-level task starts Runnable.
func New(program TaskFunc) *Scheduler {
	s := &Scheduler{
		pending: make(map[string]*task),
		events:  make(chan event),
		done:    make(chan struct{}),
	}
	s.root = s.newTask(program)
	return s
}

func (s *Scheduler) newTask(fn TaskFunc) *task {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextTask++
	t := &task{
		id:       fmt.Sprintf("task-%d", s.nextTask),
		fn:       fn,
		state:    stateRunnable,
		resumeCh: make(chan wireformat.Outcome),
	}
	s.tasks = append(s.tasks, t)
	s.runnable = append(s.runnable, t)
	return t
}

// HasWork reports whether any task is runnable or suspended.
func (s *Scheduler) HasWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		if t.state == stateRunnable || t.state == stateSuspended {
			return true
		}
	}
	return false
}

// Step runs runnable tasks, one at a time in queue order, until one issues a
// request or none can make further progress. It returns nil once no task is
// runnable (all remaining tasks, if any, await resumption).
func (s *Scheduler) Step(ctx context.Context) (*wireformat.Request, error) {
	for {
		if s.isClosed() {
			return nil, ErrClosed
		}

		t := s.popRunnable()
		if t == nil {
			return nil, nil
		}

		if err := s.activate(ctx, t); err != nil {
			return nil, err
		}

		select {
		case ev := <-s.events:
			if ev.kind == eventIssued {
				s.mu.Lock()
				ev.task.state = stateSuspended
				s.pending[ev.req.ID] = ev.task
				s.mu.Unlock()
				return ev.req, nil
			}
			// Task reached a terminal state; try the next runnable one.
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrClosed
		}
	}
}

func (s *Scheduler) popRunnable() *task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.runnable) == 0 {
		return nil
	}
	t := s.runnable[0]
	s.runnable = s.runnable[1:]
	return t
}

func (s *Scheduler) activate(ctx context.Context, t *task) error {
	if !t.started {
		t.started = true
		go s.run(t)
		return nil
	}

	select {
	case t.resumeCh <- t.outcome:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

// run executes a task body on its own goroutine. The goroutine only makes
// progress while the scheduler is waiting on it, preserving the
// single-active-task discipline.
func (s *Scheduler) run(t *task) {
	value, err := t.fn(&TaskContext{sched: s, task: t})

	s.mu.Lock()
	if err != nil {
		t.state = stateFailed
		t.err = err
	} else {
		t.state = stateCompleted
		t.value = value
	}
	s.mu.Unlock()

	select {
	case s.events <- event{task: t, kind: eventDone}:
	case <-s.done:
	}
}

// Resume delivers the outcome for the request with the given id. Only the
// issuing task becomes runnable; every other suspended task keeps its
// pending id untouched. The task does not execute until the next Step.
func (s *Scheduler) Resume(_ context.Context, requestID string, outcome wireformat.Outcome) error {
	if s.isClosed() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.pending[requestID]
	if !ok {
		return fmt.Errorf("request %s: %w", requestID, ErrUnknownRequest)
	}
	delete(s.pending, requestID)

	t.outcome = outcome
	t.state = stateRunnable
	s.runnable = append(s.runnable, t)
	return nil
}

// Result returns the top-level task's terminal state plus captured console
// output. It errors while work remains.
func (s *Scheduler) Result() (*wireformat.ExecutionResult, error) {
	if s.HasWork() {
		return nil, fmt.Errorf("guest has not completed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result := &wireformat.ExecutionResult{Stdout: s.stdout.String()}

	switch s.root.state {
	case stateFailed:
		var detail *wireformat.ErrorDetail
		if !errors.As(s.root.err, &detail) {
			detail = &wireformat.ErrorDetail{Message: s.root.err.Error(), Type: "internal"}
		}
		result.Error = detail
	case stateCompleted:
		if s.root.value != nil {
			data, err := json.Marshal(s.root.value)
			if err != nil {
				return nil, fmt.Errorf("failed to encode execution value: %w", err)
			}
			result.Value = data
		}
	}

	return result, nil
}

// Close abandons the execution. Parked task goroutines observe the
// abandonment and unwind; pending outcomes are discarded without partial
// resume. Close is idempotent and safe to call concurrently with Step.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Scheduler) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// TaskStates returns the state name of every task by id, for tests and
// diagnostics.
func (s *Scheduler) TaskStates() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := map[taskState]string{
		stateRunnable:  "runnable",
		stateSuspended: "suspended",
		stateCompleted: "completed",
		stateFailed:    "failed",
	}
	out := make(map[string]string, len(s.tasks))
	for _, t := range s.tasks {
		out[t.id] = names[t.state]
	}
	return out
}

// TaskContext is the API a task body uses to issue operations and spawn
// concurrent tasks. Every operation suspends the calling task until the
// host resumes it.
type TaskContext struct {
	sched *Scheduler
	task  *task
}

// TaskID returns the identifier of the calling task.
func (tc *TaskContext) TaskID() string {
	return tc.task.id
}

// Go spawns a new cooperative task. It starts Runnable and first executes
// once the current task suspends or completes.
func (tc *TaskContext) Go(fn TaskFunc) string {
	t := tc.sched.newTask(fn)
	return t.id
}

// Print appends to the execution's captured console output.
func (tc *TaskContext) Print(format string, args ...any) {
	tc.sched.mu.Lock()
	defer tc.sched.mu.Unlock()
	fmt.Fprintf(&tc.sched.stdout, format, args...)
}

// issue suspends the calling task on a fresh request and blocks until the
// host delivers its outcome.
func (tc *TaskContext) issue(kind wireformat.RequestKind, build func(req *wireformat.Request)) wireformat.Outcome {
	req := &wireformat.Request{
		ID:     uuid.NewString(),
		TaskID: tc.task.id,
		Kind:   kind,
	}
	build(req)

	select {
	case tc.sched.events <- event{task: tc.task, kind: eventIssued, req: req}:
	case <-tc.sched.done:
		return abandonedOutcome()
	}

	select {
	case outcome := <-tc.task.resumeCh:
		return outcome
	case <-tc.sched.done:
		return abandonedOutcome()
	}
}

// abandonedOutcome is what a task sees for an operation in flight when the
// scheduler is closed. Task bodies treat it as any other error and return,
// letting their goroutines exit.
func abandonedOutcome() wireformat.Outcome {
	return wireformat.Outcome{Error: &wireformat.ErrorDetail{
		Message: "execution abandoned",
		Type:    "internal",
	}}
}

func decode(outcome wireformat.Outcome, into any) error {
	if outcome.Error != nil {
		return outcome.Error
	}
	if into == nil || len(outcome.Value) == 0 {
		return nil
	}
	return json.Unmarshal(outcome.Value, into)
}

// Call invokes a host tool and returns its decoded result. A denial or a
// handler failure comes back as a *wireformat.ErrorDetail error the task
// can branch on.
func (tc *TaskContext) Call(method string, args map[string]any) (any, error) {
	outcome := tc.issue(wireformat.KindToolCall, func(req *wireformat.Request) {
		req.Tool = &wireformat.ToolCallPayload{Method: method, Args: args}
	})
	var value any
	if err := decode(outcome, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// Sleep suspends the task for the given duration in host time.
func (tc *TaskContext) Sleep(ms int64) error {
	outcome := tc.issue(wireformat.KindSleep, func(req *wireformat.Request) {
		req.Sleep = &wireformat.SleepPayload{DurationMs: ms}
	})
	return decode(outcome, nil)
}

// ReadFile reads a file from the session VFS.
func (tc *TaskContext) ReadFile(path string) ([]byte, error) {
	outcome := tc.issue(wireformat.KindVFSRead, func(req *wireformat.Request) {
		req.VFS = &wireformat.VFSPayload{Path: path}
	})
	var data []byte
	if err := decode(outcome, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteFile stores a file in the session VFS.
func (tc *TaskContext) WriteFile(path string, data []byte) error {
	outcome := tc.issue(wireformat.KindVFSWrite, func(req *wireformat.Request) {
		req.VFS = &wireformat.VFSPayload{Path: path, Data: data}
	})
	return decode(outcome, nil)
}

// ListDir lists VFS paths under a directory.
func (tc *TaskContext) ListDir(path string) ([]string, error) {
	outcome := tc.issue(wireformat.KindVFSList, func(req *wireformat.Request) {
		req.VFS = &wireformat.VFSPayload{Path: path}
	})
	var paths []string
	if err := decode(outcome, &paths); err != nil {
		return nil, err
	}
	return paths, nil
}

// RemoveFile deletes a file from the session VFS.
func (tc *TaskContext) RemoveFile(path string) error {
	outcome := tc.issue(wireformat.KindVFSRemove, func(req *wireformat.Request) {
		req.VFS = &wireformat.VFSPayload{Path: path}
	})
	return decode(outcome, nil)
}
