// Package engine drives guest executions: it pulls suspended requests out of
// a guest runtime, authorizes and services them on the host side, and
// injects the outcomes back until the guest completes.
package engine

import (
	"context"

	"github.com/amla-dev/amla/wireformat"
)

// Guest is the contract an execution environment must honor to interoperate
// with the host-side engine. The host never inspects guest internals, only
// this request/response surface.
//
// The guest is cooperative and logically single-threaded: concurrency is
// expressed as multiple tasks each suspended on a distinct outstanding
// request, never as parallel guest execution. Completion order of tasks
// depends only on the resume order the host supplies.
type Guest interface {
	// HasWork reports whether any task is running or suspended on an
	// outstanding request.
	HasWork() bool

	// Step advances the guest until either a new request is produced or no
	// task can make progress without one. It returns nil when the guest has
	// fully completed.
	Step(ctx context.Context) (*wireformat.Request, error)

	// Resume delivers the outcome for exactly the request with the given id.
	// The issuing task alone becomes runnable; all other suspended tasks are
	// unaffected. Delivering to an unknown or already-resolved id is a
	// caller error and fails loudly.
	Resume(ctx context.Context, requestID string, outcome wireformat.Outcome) error

	// Result returns the terminal state of the execution: the top-level
	// task's value or error plus any console output captured during the
	// run. Only valid once HasWork reports false.
	Result() (*wireformat.ExecutionResult, error)
}
