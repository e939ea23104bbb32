package wasmguest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/amla-dev/amla/wireformat"
)

// Module is one instantiated guest execution. It implements the engine's
// guest contract over the WASM ABI: the guest keeps its own task state in
// linear memory and the host only exchanges JSON envelopes with it.
//
// A module is driven by a single goroutine; the engine's one-driver
// discipline provides that.
type Module struct {
	name     string
	instance api.Module

	// err latches the first ABI failure. Once set, HasWork reports false
	// and Result surfaces the error.
	err error
}

// stepEnvelope is the JSON shape returned by the guest's step export.
type stepEnvelope struct {
	Request *wireformat.Request `json:"request,omitempty"`
	Error   string              `json:"error,omitempty"`
}

func (m *Module) start(ctx context.Context, input []byte) error {
	if input == nil {
		input = []byte("null")
	}
	if _, err := m.call(ctx, "start", input); err != nil {
		return fmt.Errorf("guest %s: start failed: %w", m.name, err)
	}
	return nil
}

// HasWork reports whether the guest has runnable or suspended tasks. A guest
// that already failed at the ABI level has no work; the failure surfaces
// from Result.
func (m *Module) HasWork() bool {
	if m.err != nil {
		return false
	}

	fn := m.instance.ExportedFunction("has_work")
	if fn == nil {
		m.err = fmt.Errorf("guest %s does not export has_work()", m.name)
		return false
	}

	results, err := fn.Call(context.Background())
	if err != nil {
		m.err = fmt.Errorf("guest %s: has_work failed: %w", m.name, err)
		return false
	}
	return len(results) > 0 && results[0] != 0
}

// Step advances the guest until a task suspends on a request or no task can
// make progress. A nil request with a nil error means the guest is idle or
// complete.
func (m *Module) Step(ctx context.Context) (*wireformat.Request, error) {
	if m.err != nil {
		return nil, m.err
	}

	raw, err := m.callPacked(ctx, "step")
	if err != nil {
		m.err = fmt.Errorf("guest %s: step failed: %w", m.name, err)
		return nil, m.err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var envelope stepEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		m.err = fmt.Errorf("guest %s: malformed step envelope: %w", m.name, err)
		return nil, m.err
	}
	if envelope.Error != "" {
		m.err = fmt.Errorf("guest %s: step reported: %s", m.name, envelope.Error)
		return nil, m.err
	}
	if envelope.Request == nil {
		return nil, nil
	}
	if err := envelope.Request.Validate(); err != nil {
		m.err = fmt.Errorf("guest %s issued malformed request: %w", m.name, err)
		return nil, m.err
	}
	return envelope.Request, nil
}

// Resume delivers an outcome for a previously issued request. The guest is
// required to reject ids it never issued.
func (m *Module) Resume(ctx context.Context, requestID string, outcome wireformat.Outcome) error {
	if m.err != nil {
		return m.err
	}

	payload, err := json.Marshal(wireformat.ResumePayload{RequestID: requestID, Outcome: outcome})
	if err != nil {
		return fmt.Errorf("guest %s: failed to encode resume envelope: %w", m.name, err)
	}

	raw, err := m.call(ctx, "resume", payload)
	if err != nil {
		m.err = fmt.Errorf("guest %s: resume failed: %w", m.name, err)
		return m.err
	}
	if len(raw) > 0 {
		// A non-empty reply is the guest rejecting the id.
		return fmt.Errorf("guest %s rejected resume for request %s: %s", m.name, requestID, raw)
	}
	return nil
}

// Result reads the guest's terminal state once no work remains.
func (m *Module) Result() (*wireformat.ExecutionResult, error) {
	if m.err != nil {
		return nil, m.err
	}

	raw, err := m.callPacked(context.Background(), "result")
	if err != nil {
		return nil, fmt.Errorf("guest %s: result failed: %w", m.name, err)
	}

	var result wireformat.ExecutionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("guest %s: malformed execution result: %w", m.name, err)
	}
	return &result, nil
}

// Close releases the guest instance and its memory.
func (m *Module) Close(ctx context.Context) error {
	return m.instance.Close(ctx)
}

// call writes the payload into guest memory, invokes the export with
// (ptr, len), and reads back the packed reply.
func (m *Module) call(ctx context.Context, export string, payload []byte) ([]byte, error) {
	fn := m.instance.ExportedFunction(export)
	if fn == nil {
		return nil, fmt.Errorf("guest does not export %s()", export)
	}

	ptr, err := m.writeToMemory(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer m.deallocate(ctx, ptr, uint32(len(payload)))

	results, err := fn.Call(ctx, uint64(ptr), uint64(len(payload)))
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return m.readPacked(ctx, results[0])
}

// callPacked invokes a no-argument export returning a packed ptr/len reply.
func (m *Module) callPacked(ctx context.Context, export string) ([]byte, error) {
	fn := m.instance.ExportedFunction(export)
	if fn == nil {
		return nil, fmt.Errorf("guest does not export %s()", export)
	}

	results, err := fn.Call(ctx)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%s() returned no results", export)
	}
	return m.readPacked(ctx, results[0])
}

// readPacked unpacks a uint64 ptr/len pair, copies the bytes out of guest
// memory, and deallocates the guest-side buffer.
func (m *Module) readPacked(ctx context.Context, packed uint64) ([]byte, error) {
	ptr := uint32(packed >> 32)         //nolint:gosec // G115: WASM32 pointers are always 32-bit
	size := uint32(packed & 0xFFFFFFFF) //nolint:gosec // G115: WASM32 lengths are always 32-bit
	if ptr == 0 || size == 0 {
		return nil, nil
	}

	defer m.deallocate(ctx, ptr, size)

	data, ok := m.instance.Memory().Read(ptr, size)
	if !ok {
		return nil, fmt.Errorf("failed to read guest memory at offset %d", ptr)
	}

	out := make([]byte, size)
	copy(out, data)
	return out, nil
}

// writeToMemory allocates guest memory through the allocate export and
// copies the payload in.
func (m *Module) writeToMemory(ctx context.Context, data []byte) (uint32, error) {
	allocateFn := m.instance.ExportedFunction("allocate")
	if allocateFn == nil {
		return 0, fmt.Errorf("guest does not export allocate()")
	}

	results, err := allocateFn.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("failed to allocate guest memory: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("allocate() returned no results")
	}

	ptr := uint32(results[0]) //nolint:gosec // G115: WASM32 pointers are always 32-bit
	if ptr == 0 {
		return 0, fmt.Errorf("allocate() returned null pointer")
	}

	if !m.instance.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("failed to write guest memory at offset %d", ptr)
	}
	return ptr, nil
}

// deallocate is best-effort cleanup of a guest-side buffer.
func (m *Module) deallocate(ctx context.Context, ptr, size uint32) {
	defer func() {
		_ = recover()
	}()

	if fn := m.instance.ExportedFunction("deallocate"); fn != nil {
		_, _ = fn.Call(ctx, uint64(ptr), uint64(size))
	}
}
