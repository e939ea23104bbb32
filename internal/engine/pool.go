package engine

import (
	"context"
	"runtime"

	"github.com/amla-dev/amla/wireformat"
	"golang.org/x/sync/errgroup"
)

// Run pairs a sandbox with the guest execution to drive through it.
type Run struct {
	Sandbox *Sandbox
	Guest   Guest
}

// RunResult is the outcome of one pooled execution, indexed into the input
// slice.
type RunResult struct {
	Result *wireformat.ExecutionResult
	Err    error
}

// ExecuteAll drives many independent sandbox executions concurrently with a
// bounded number of workers. Sandboxes share no mutable state, so each
// execution proceeds on its own goroutine; within one sandbox the usual
// single-driver discipline holds.
//
// All runs are attempted even when some fail; per-run errors land in the
// result slice rather than aborting the batch. Context cancellation
// abandons the remaining runs.
func ExecuteAll(ctx context.Context, runs []Run, maxConcurrent int) []RunResult {
	if maxConcurrent <= 0 {
		maxConcurrent = runtime.NumCPU()
	}

	results := make([]RunResult, len(runs))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)

	for i, run := range runs {
		g.Go(func() error {
			result, err := run.Sandbox.Execute(gCtx, run.Guest)
			results[i] = RunResult{Result: result, Err: err}
			return nil
		})
	}

	// Workers never return errors, so Wait only observes ctx cancellation.
	_ = g.Wait()

	return results
}
