// Package tools manages the host-provided tool surface exposed to guest
// scripts: definitions, guest-identifier normalization, optional JSON-schema
// argument validation, and handler dispatch.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Handler executes the real side effect for an authorized tool call. The
// engine treats it as an opaque function of (method, args); it returns a
// JSON-compatible value or an error.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Definition describes one host tool.
type Definition struct {
	// Name is the host-side method identifier, e.g. "stripe/charges/create".
	Name string
	// Description is surfaced to guests for discovery.
	Description string
	// Schema is an optional JSON Schema for the call arguments; when set,
	// arguments are validated before the handler runs.
	Schema []byte
	// Handler performs the call.
	Handler Handler
}

// NormalizeName converts a host tool name into a valid guest-callable
// identifier: any of '.', '/', '-', ':' is replaced with '_'. Distinct host
// names that collide after normalization are a configuration error surfaced
// at registration time.
func NormalizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '/', '-', ':':
			return '_'
		default:
			return r
		}
	}, name)
}

type registered struct {
	def       Definition
	guestName string
	schema    *jsonschema.Schema
}

// Registry holds the registered tool surface. Registration happens at
// sandbox construction; lookups are concurrent-safe.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*registered // host name -> tool
	byGuest map[string]*registered // normalized guest identifier -> tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:  make(map[string]*registered),
		byGuest: make(map[string]*registered),
	}
}

// Register adds a tool definition. It fails on missing fields, duplicate
// names, guest-identifier collisions, and malformed argument schemas.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool definition missing name")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %q missing handler", def.Name)
	}

	reg := &registered{def: def, guestName: NormalizeName(def.Name)}

	if len(def.Schema) > 0 {
		compiler := jsonschema.NewCompiler()
		url := "amla://tools/" + reg.guestName + ".schema.json"
		if err := compiler.AddResource(url, bytes.NewReader(def.Schema)); err != nil {
			return fmt.Errorf("tool %q: invalid argument schema: %w", def.Name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return fmt.Errorf("tool %q: failed to compile argument schema: %w", def.Name, err)
		}
		reg.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[def.Name]; exists {
		return fmt.Errorf("tool %q already registered", def.Name)
	}
	if other, exists := r.byGuest[reg.guestName]; exists {
		return fmt.Errorf("tool %q collides with %q after normalization (both become %q)",
			def.Name, other.def.Name, reg.guestName)
	}

	r.byName[def.Name] = reg
	r.byGuest[reg.guestName] = reg
	return nil
}

// Lookup resolves a method identifier to a registered tool. Both the host
// name and the normalized guest identifier are accepted.
func (r *Registry) Lookup(method string) (Definition, bool) {
	reg, ok := r.lookup(method)
	if !ok {
		return Definition{}, false
	}
	return reg.def, true
}

func (r *Registry) lookup(method string) (*registered, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if reg, ok := r.byName[method]; ok {
		return reg, true
	}
	reg, ok := r.byGuest[NormalizeName(method)]
	return reg, ok
}

// Call validates the arguments against the tool's schema (when present) and
// invokes the handler.
func (r *Registry) Call(ctx context.Context, method string, args map[string]any) (any, error) {
	reg, ok := r.lookup(method)
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", method)
	}

	if reg.schema != nil {
		if err := validateArgs(reg.schema, args); err != nil {
			return nil, fmt.Errorf("tool %s: invalid arguments: %w", reg.def.Name, err)
		}
	}

	return reg.def.Handler(ctx, args)
}

// validateArgs round-trips the arguments through JSON so the schema
// validator sees the same shapes the wire would carry.
func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("arguments are not JSON-compatible: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	return schema.Validate(decoded)
}

// Definitions returns all registered definitions sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Definition, 0, len(r.byName))
	for _, reg := range r.byName {
		out = append(out, reg.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GuestIdentifiers returns the normalized guest-callable names sorted
// alphabetically, for stub generation on the guest side.
func (r *Registry) GuestIdentifiers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byGuest))
	for name := range r.byGuest {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
