package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/amla-dev/amla/wireformat"

	"github.com/amla-dev/amla/internal/audit"
	"github.com/amla-dev/amla/internal/domain/capabilities"
	"github.com/amla-dev/amla/internal/domain/session"
	"github.com/amla-dev/amla/internal/tools"
)

// Sandbox mediates every externally-visible guest action through the
// session's capability table and the host tool registry. One sandbox owns
// one session; many sandboxes can be driven in parallel because instances
// share no mutable state.
type Sandbox struct {
	session  *session.Session
	registry *tools.Registry
	auditor  *audit.Collector

	sleep       func(ctx context.Context, d time.Duration) error
	stepTimeout time.Duration
}

// Option customizes sandbox construction.
type Option func(*Sandbox)

// WithAudit attaches an audit collector recording authorization decisions.
func WithAudit(c *audit.Collector) Option {
	return func(s *Sandbox) { s.auditor = c }
}

// WithStepTimeout bounds how long one Step call may take before the
// execution is abandoned. Zero means no host-imposed deadline; the engine
// itself never imposes one.
func WithStepTimeout(d time.Duration) Option {
	return func(s *Sandbox) { s.stepTimeout = d }
}

// WithSleeper replaces the wall-clock sleeper, letting tests service sleep
// requests instantly.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Sandbox) { s.sleep = fn }
}

// New creates a sandbox with a fresh session bound to the capability table.
// The table's quota counters are session-scoped: they persist across
// Execute calls and die with the sandbox.
func New(table *capabilities.Table, registry *tools.Registry, opts ...Option) *Sandbox {
	s := &Sandbox{
		session:  session.New(table),
		registry: registry,
		sleep:    defaultSleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session exposes the sandbox's durable state (VFS, quotas, pending table).
func (s *Sandbox) Session() *session.Session {
	return s.session
}

// Close tears down the session: pending work is discarded without partial
// resume, VFS and quota state go with it.
func (s *Sandbox) Close() {
	s.session.Close()
}

// Execute drives one guest execution to completion: it repeatedly steps the
// guest, services each suspended request, and resumes the issuing task with
// the outcome. Denials reach the guest as ordinary failed-call outcomes;
// only protocol-contract violations (unknown request id, duplicate
// requests) abort the execution with an error.
//
// Session state persists across Execute calls: a VFS write in one execution
// is visible to reads in the next, and quota consumed is never returned.
//
// When Execute returns an error the guest will not be driven further, so it
// is abandoned: pending tasks are discarded without partial resume.
func (s *Sandbox) Execute(ctx context.Context, guest Guest) (_ *wireformat.ExecutionResult, err error) {
	defer func() {
		if err != nil {
			abandonGuest(guest)
		}
	}()

	for guest.HasWork() {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("execution abandoned: %w", err)
		}

		req, err := s.step(ctx, guest)
		if err != nil {
			return nil, fmt.Errorf("guest step failed: %w", err)
		}
		if req == nil {
			break
		}

		if err := s.session.Track(req); err != nil {
			return nil, fmt.Errorf("protocol violation: %w", err)
		}

		outcome := s.service(ctx, req)

		if _, err := s.session.Resolve(req.ID); err != nil {
			return nil, err
		}
		if err := guest.Resume(ctx, req.ID, outcome); err != nil {
			return nil, fmt.Errorf("guest resume failed for request %s: %w", req.ID, err)
		}
	}

	return guest.Result()
}

// abandonGuest unwinds a guest whose execution will not be driven further.
// Guests that park goroutines on outstanding requests expose Close for this;
// other guests have nothing to unwind.
func abandonGuest(guest Guest) {
	if closer, ok := guest.(interface{ Close() }); ok {
		closer.Close()
	}
}

func (s *Sandbox) step(ctx context.Context, guest Guest) (*wireformat.Request, error) {
	if s.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.stepTimeout)
		defer cancel()
	}
	return guest.Step(ctx)
}

// service produces the outcome for one request. Tool calls are authorized
// against the capability table before the handler runs; sleep and VFS
// requests are host policy and bypass capability authorization by design.
func (s *Sandbox) service(ctx context.Context, req *wireformat.Request) wireformat.Outcome {
	switch req.Kind {
	case wireformat.KindToolCall:
		return s.serviceToolCall(ctx, req)
	case wireformat.KindSleep:
		if err := s.sleep(ctx, req.Sleep.Duration()); err != nil {
			return wireformat.Fail("timeout", err)
		}
		return mustOK(true)
	case wireformat.KindVFSRead:
		data, err := s.session.VFS().Read(req.VFS.Path)
		if err != nil {
			return wireformat.Fail("vfs", err)
		}
		return mustOK(data)
	case wireformat.KindVFSWrite:
		if err := s.session.VFS().Write(req.VFS.Path, req.VFS.Data); err != nil {
			return wireformat.Fail("vfs", err)
		}
		return mustOK(len(req.VFS.Data))
	case wireformat.KindVFSList:
		paths, err := s.session.VFS().List(req.VFS.Path)
		if err != nil {
			return wireformat.Fail("vfs", err)
		}
		return mustOK(paths)
	case wireformat.KindVFSRemove:
		if err := s.session.VFS().Remove(req.VFS.Path); err != nil {
			return wireformat.Fail("vfs", err)
		}
		return mustOK(true)
	default:
		return wireformat.Fail("internal", fmt.Errorf("unsupported request kind %q", req.Kind))
	}
}

func (s *Sandbox) serviceToolCall(ctx context.Context, req *wireformat.Request) wireformat.Outcome {
	method := req.Tool.Method
	args := req.Tool.Args

	grant, err := s.session.Table().Authorize(method, args)
	if err != nil {
		s.recordDecision(req, audit.DecisionDenied, "", err)
		return denialOutcome(err)
	}
	s.recordDecision(req, audit.DecisionGranted, grant.Pattern, nil)

	value, err := s.registry.Call(ctx, method, args)
	if err != nil {
		slog.Debug("tool handler failed", "method", method, "error", err)
		return wireformat.Fail("tool", err)
	}

	outcome, err := wireformat.OK(value)
	if err != nil {
		return wireformat.Fail("tool", err)
	}
	return outcome
}

func (s *Sandbox) recordDecision(req *wireformat.Request, decision audit.Decision, pattern string, denial error) {
	if s.auditor == nil {
		return
	}
	entry := audit.Entry{
		SessionID: s.session.ID(),
		RequestID: req.ID,
		TaskID:    req.TaskID,
		Method:    req.Tool.Method,
		Decision:  decision,
		Pattern:   pattern,
	}
	if denial != nil {
		entry.Reason = denial.Error()
		var capErr *capabilities.CapabilityError
		if errors.As(denial, &capErr) {
			entry.Code = string(capErr.Code)
			entry.Pattern = capErr.Pattern
		}
	}
	s.auditor.Record(entry)
}

// denialOutcome converts a capability denial into the guest-visible error
// shape. Denial reasons stay distinguishable so guest scripts can branch or
// retry, and telemetry can separate policy gaps from exhausted budgets.
func denialOutcome(err error) wireformat.Outcome {
	var capErr *capabilities.CapabilityError
	if !errors.As(err, &capErr) {
		return wireformat.Fail("capability", err)
	}

	detail := &wireformat.ErrorDetail{
		Message: capErr.Error(),
		Code:    string(capErr.Code),
	}
	switch capErr.Code {
	case capabilities.CodeConstraintViolation:
		detail.Type = "constraint"
	case capabilities.CodeQuotaExceeded:
		detail.Type = "quota"
	default:
		detail.Type = "capability"
	}
	return wireformat.Outcome{Error: detail}
}

func mustOK(value any) wireformat.Outcome {
	outcome, err := wireformat.OK(value)
	if err != nil {
		return wireformat.Fail("internal", err)
	}
	return outcome
}
