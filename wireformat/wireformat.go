// Package wireformat defines the JSON wire format exchanged between the
// sandbox host and the guest runtime. These types carry suspended guest
// operations (requests) to the host and their outcomes back, and must remain
// stable and backward compatible as they define the ABI contract.
package wireformat

import (
	"encoding/json"
	"fmt"
	"time"
)

// RequestKind identifies the variant of a suspended guest operation.
type RequestKind string

const (
	// KindToolCall is an invocation of a host-registered tool.
	KindToolCall RequestKind = "tool_call"
	// KindSleep asks the host to delay the issuing task.
	KindSleep RequestKind = "sleep"
	// KindVFSRead reads a file from the session's virtual filesystem.
	KindVFSRead RequestKind = "vfs_read"
	// KindVFSWrite writes a file into the session's virtual filesystem.
	KindVFSWrite RequestKind = "vfs_write"
	// KindVFSList lists the entries under a virtual filesystem directory.
	KindVFSList RequestKind = "vfs_list"
	// KindVFSRemove deletes a file from the virtual filesystem.
	KindVFSRemove RequestKind = "vfs_remove"
)

// Request is one unit of suspended guest work awaiting a host-supplied
// outcome. Exactly one of the payload fields matching Kind is populated.
type Request struct {
	ID     string      `json:"id"`
	TaskID string      `json:"task_id"`
	Kind   RequestKind `json:"kind"`

	Tool  *ToolCallPayload `json:"tool,omitempty"`
	Sleep *SleepPayload    `json:"sleep,omitempty"`
	VFS   *VFSPayload      `json:"vfs,omitempty"`
}

// Validate checks that the request carries the payload its Kind requires.
func (r *Request) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("request missing id")
	}
	if r.TaskID == "" {
		return fmt.Errorf("request %s missing task_id", r.ID)
	}
	switch r.Kind {
	case KindToolCall:
		if r.Tool == nil {
			return fmt.Errorf("request %s: tool_call without tool payload", r.ID)
		}
		if r.Tool.Method == "" {
			return fmt.Errorf("request %s: tool_call without method", r.ID)
		}
	case KindSleep:
		if r.Sleep == nil {
			return fmt.Errorf("request %s: sleep without sleep payload", r.ID)
		}
	case KindVFSRead, KindVFSWrite, KindVFSList, KindVFSRemove:
		if r.VFS == nil {
			return fmt.Errorf("request %s: %s without vfs payload", r.ID, r.Kind)
		}
		if r.VFS.Path == "" {
			return fmt.Errorf("request %s: %s without path", r.ID, r.Kind)
		}
	default:
		return fmt.Errorf("request %s: unknown kind %q", r.ID, r.Kind)
	}
	return nil
}

// ToolCallPayload is the payload of a tool_call request.
type ToolCallPayload struct {
	// Method is the host-side tool identifier, e.g. "stripe/charges/create".
	Method string `json:"method"`
	// Args are the named call arguments as JSON-compatible values.
	Args map[string]any `json:"args,omitempty"`
}

// SleepPayload is the payload of a sleep request.
type SleepPayload struct {
	DurationMs int64 `json:"duration_ms"`
}

// Duration returns the requested delay as a time.Duration.
func (p *SleepPayload) Duration() time.Duration {
	return time.Duration(p.DurationMs) * time.Millisecond
}

// VFSPayload is the payload of the vfs_* request kinds.
type VFSPayload struct {
	// Path is an absolute virtual filesystem path.
	Path string `json:"path"`
	// Data carries file content for vfs_write (base64 under JSON encoding).
	Data []byte `json:"data,omitempty"`
}

// Outcome is the host-supplied result for a resolved request. Exactly one of
// Value and Error is set.
type Outcome struct {
	Value json.RawMessage `json:"value,omitempty"`
	Error *ErrorDetail    `json:"error,omitempty"`
}

// OK builds a success outcome from a JSON-compatible value.
func OK(value any) (Outcome, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to encode outcome value: %w", err)
	}
	return Outcome{Value: data}, nil
}

// Fail builds an error outcome from an error, classifying it as Type.
func Fail(errType string, err error) Outcome {
	return Outcome{Error: &ErrorDetail{Message: err.Error(), Type: errType}}
}

// ResumePayload delivers an Outcome for one outstanding request.
type ResumePayload struct {
	RequestID string  `json:"request_id"`
	Outcome   Outcome `json:"outcome"`
}

// ExecutionResult is the terminal state of one guest execution, returned to
// the host once the top-level task completes or fails.
type ExecutionResult struct {
	Value  json.RawMessage `json:"value,omitempty"`
	Stdout string          `json:"stdout,omitempty"`
	Stderr string          `json:"stderr,omitempty"`
	Error  *ErrorDetail    `json:"error,omitempty"`
}

// Success reports whether the execution completed without a guest-level error.
func (r *ExecutionResult) Success() bool {
	return r.Error == nil
}

// ErrorDetail provides structured error information, consistent across host
// and guest. Error Types: "capability", "constraint", "quota", "tool",
// "vfs", "timeout", "internal".
type ErrorDetail struct {
	Message string       `json:"message"`
	Type    string       `json:"type"`
	Code    string       `json:"code,omitempty"`
	Wrapped *ErrorDetail `json:"wrapped,omitempty"`
}

// Error implements the error interface for ErrorDetail.
func (e *ErrorDetail) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if e.Type != "" && e.Type != "internal" {
		msg = fmt.Sprintf("%s: %s", e.Type, msg)
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Code)
	}
	if e.Wrapped != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Wrapped.Error())
	}
	return msg
}
