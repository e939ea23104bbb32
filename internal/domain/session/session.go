// Package session holds the durable host-side state of one sandbox
// instance: the virtual filesystem, the pending-request table, and the
// capability table with its quota counters. All of it spans any number of
// executions within the session and is torn down with it; independent
// sessions share nothing.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/amla-dev/amla/wireformat"
	"github.com/google/uuid"

	"github.com/amla-dev/amla/internal/domain/capabilities"
)

// ErrUnknownRequest is returned when a result is delivered for a request id
// that does not exist or was already resolved. This is a host-programming
// error and must not be silently dropped.
var ErrUnknownRequest = errors.New("unknown or already resolved request id")

// Session is the durable state of one sandbox instance.
type Session struct {
	id    string
	vfs   *VFS
	table *capabilities.Table

	mu      sync.Mutex
	pending map[string]*wireformat.Request // request id -> request
	byTask  map[string]string              // task id -> outstanding request id
	closed  bool
}

// New creates a session bound to a capability table. The table's quota
// counters live and die with the session.
func New(table *capabilities.Table) *Session {
	return &Session{
		id:      uuid.NewString(),
		vfs:     NewVFS(),
		table:   table,
		pending: make(map[string]*wireformat.Request),
		byTask:  make(map[string]string),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// VFS returns the session's virtual filesystem.
func (s *Session) VFS() *VFS {
	return s.vfs
}

// Table returns the session's capability table.
func (s *Session) Table() *capabilities.Table {
	return s.table
}

// Track records an outstanding request. It enforces the protocol invariant
// that a task has at most one outstanding request at a time and that request
// ids are unique within the session.
func (s *Session) Track(req *wireformat.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("session %s is closed", s.id)
	}
	if _, exists := s.pending[req.ID]; exists {
		return fmt.Errorf("duplicate request id %s", req.ID)
	}
	if outstanding, exists := s.byTask[req.TaskID]; exists {
		return fmt.Errorf("task %s already has outstanding request %s", req.TaskID, outstanding)
	}

	s.pending[req.ID] = req
	s.byTask[req.TaskID] = req.ID
	return nil
}

// Resolve removes the pending entry for a request id and returns the
// request, so the caller can route the outcome to the issuing task. An
// unknown or already-resolved id fails with ErrUnknownRequest.
func (s *Session) Resolve(requestID string) (*wireformat.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.pending[requestID]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", requestID, ErrUnknownRequest)
	}
	delete(s.pending, requestID)
	delete(s.byTask, req.TaskID)
	return req, nil
}

// PendingCount returns the number of outstanding requests.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// OutstandingRequest returns the pending request id for a task, if any.
func (s *Session) OutstandingRequest(taskID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byTask[taskID]
	return id, ok
}

// Close tears the session down: pending tasks are discarded without
// delivering results and the VFS is cleared. Quota state becomes
// unreachable along with the table reference held by the caller.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.pending = make(map[string]*wireformat.Request)
	s.byTask = make(map[string]string)
	s.vfs.Clear()
}

// NewRequestID mints a request identifier unique within the session.
func NewRequestID() string {
	return uuid.NewString()
}
