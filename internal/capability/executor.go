package capability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ShayCichocki/loom/pkg/models"
)

// Input is the output of one upstream node as seen by a capability.
type Input struct {
	// NodeID is the dependency the input is bound to.
	NodeID string
	// From is the node that actually produced the bytes. It differs from
	// NodeID when a fallback stood in for a failed dependency.
	From string
	// Output is the upstream result.
	Output []byte
}

// Call is a single resolved invocation.
type Call struct {
	DagID      string
	NodeID     string
	Capability Capability
	// Inputs are in dependency declaration order.
	Inputs   []Input
	Deadline time.Time
}

// Result is what a capability returns on success.
type Result struct {
	Output   []byte
	Evidence []models.Evidence
}

// Executor runs calls. The orchestration core depends only on this.
type Executor interface {
	Execute(ctx context.Context, call Call) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, call Call) (Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, call Call) (Result, error) {
	return f(ctx, call)
}

// Registry dispatches calls to a handler per capability kind.
// Kinds can be disabled at runtime, after which calls fail with
// an *UnavailableError.
type Registry struct {
	mu       sync.RWMutex
	handlers map[models.CapabilityKind]Executor
	disabled map[models.CapabilityKind]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[models.CapabilityKind]Executor),
		disabled: make(map[models.CapabilityKind]string),
	}
}

// NewLocalRegistry creates a registry with the echo and merge handlers.
func NewLocalRegistry() *Registry {
	r := NewRegistry()
	r.Register(models.CapabilityEcho, ExecutorFunc(runEcho))
	r.Register(models.CapabilityMerge, ExecutorFunc(runMerge))
	return r
}

// Register installs h for kind, replacing any previous handler.
func (r *Registry) Register(kind models.CapabilityKind, h Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
	delete(r.disabled, kind)
}

// Clone returns a registry with the same handlers and disabled kinds.
// Registering on the clone leaves r untouched.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := NewRegistry()
	for k, h := range r.handlers {
		c.handlers[k] = h
	}
	for k, reason := range r.disabled {
		c.disabled[k] = reason
	}
	return c
}

// Disable makes kind unavailable with the given reason.
func (r *Registry) Disable(kind models.CapabilityKind, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled[kind] = reason
}

// Supports reports whether kind has an enabled handler.
func (r *Registry) Supports(kind models.CapabilityKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[kind]
	_, off := r.disabled[kind]
	return ok && !off
}

// Kinds returns the enabled kinds.
func (r *Registry) Kinds() []models.CapabilityKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.CapabilityKind
	for _, k := range []models.CapabilityKind{
		models.CapabilityShell, models.CapabilityEcho, models.CapabilityMerge,
		models.CapabilityDelegate, models.CapabilityReconcile,
	} {
		if _, ok := r.handlers[k]; ok {
			if _, off := r.disabled[k]; !off {
				out = append(out, k)
			}
		}
	}
	return out
}

// Execute dispatches call to the handler for its kind.
func (r *Registry) Execute(ctx context.Context, call Call) (Result, error) {
	kind := call.Capability.Kind()

	r.mu.RLock()
	h, ok := r.handlers[kind]
	reason, off := r.disabled[kind]
	r.mu.RUnlock()

	if off {
		return Result{}, &UnavailableError{Kind: kind, Reason: reason}
	}
	if !ok {
		return Result{}, &UnavailableError{Kind: kind, Reason: "no handler registered"}
	}
	return h.Execute(ctx, call)
}

func runEcho(ctx context.Context, call Call) (Result, error) {
	c, ok := call.Capability.(Echo)
	if !ok {
		return Result{}, fmt.Errorf("echo handler got %T", call.Capability)
	}
	return Result{Output: []byte(c.Text)}, nil
}

func runMerge(ctx context.Context, call Call) (Result, error) {
	c, ok := call.Capability.(Merge)
	if !ok {
		return Result{}, fmt.Errorf("merge handler got %T", call.Capability)
	}
	var out []byte
	for i, in := range call.Inputs {
		if i > 0 {
			out = append(out, c.Separator...)
		}
		out = append(out, in.Output...)
	}
	return Result{Output: out}, nil
}

// Verify Registry implements Executor at compile time.
var _ Executor = (*Registry)(nil)
