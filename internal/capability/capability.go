// Package capability is the boundary between the executor and the work a
// node performs.
//
// Plans carry untyped capability references. Parse turns them into one of
// the known capability kinds at admission time, so a misspelled argument
// fails the plan instead of a node. Resolve substitutes {{name}} placeholders
// just before dispatch and fails fast when any placeholder is unbound.
package capability

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ShayCichocki/loom/pkg/models"
)

var (
	// ErrUnknownCapability indicates a kind with no parser or handler.
	ErrUnknownCapability = errors.New("unknown capability")
	// ErrInvalidArgs indicates missing or unexpected capability arguments.
	ErrInvalidArgs = errors.New("invalid capability arguments")
	// ErrUnresolvedPlaceholder indicates a {{name}} with no binding.
	ErrUnresolvedPlaceholder = errors.New("unresolved placeholder")
	// ErrUnavailable indicates a capability that has been disabled.
	ErrUnavailable = errors.New("capability unavailable")
)

// Capability is one of Shell, Echo, Merge, Delegate or Reconcile.
type Capability interface {
	// Kind returns the capability kind.
	Kind() models.CapabilityKind
	// resolve returns a copy with placeholders substituted.
	resolve(r *resolver) Capability
}

// Shell runs a shell script.
type Shell struct {
	Command string
	Dir     string
}

// Echo returns its text as the node result.
type Echo struct {
	Text string
}

// Merge concatenates the node's inputs in dependency order.
type Merge struct {
	Separator string
}

// Delegate hands an objective to a child unit and returns its accepted output.
type Delegate struct {
	Objective string
	// Criteria are checked by the quality gate. Parsed from a ";"-separated list.
	Criteria []string
	// Plan is an optional path to a plan file the child starts from.
	Plan string
}

// Reconcile settles the outputs of exactly two delegate nodes it depends
// on. Conflicting outputs with no clear winner fail the node.
type Reconcile struct{}

func (Shell) Kind() models.CapabilityKind     { return models.CapabilityShell }
func (Echo) Kind() models.CapabilityKind      { return models.CapabilityEcho }
func (Merge) Kind() models.CapabilityKind     { return models.CapabilityMerge }
func (Delegate) Kind() models.CapabilityKind  { return models.CapabilityDelegate }
func (Reconcile) Kind() models.CapabilityKind { return models.CapabilityReconcile }

func (c Shell) resolve(r *resolver) Capability {
	return Shell{Command: r.sub(c.Command), Dir: r.sub(c.Dir)}
}

func (c Echo) resolve(r *resolver) Capability {
	return Echo{Text: r.sub(c.Text)}
}

func (c Merge) resolve(r *resolver) Capability {
	return Merge{Separator: r.sub(c.Separator)}
}

func (c Delegate) resolve(r *resolver) Capability {
	criteria := make([]string, len(c.Criteria))
	for i, cr := range c.Criteria {
		criteria[i] = r.sub(cr)
	}
	return Delegate{Objective: r.sub(c.Objective), Criteria: criteria, Plan: r.sub(c.Plan)}
}

func (c Reconcile) resolve(r *resolver) Capability { return c }

// argSpec lists required and optional argument names for each kind.
var argSpec = map[models.CapabilityKind]struct {
	required []string
	optional []string
}{
	models.CapabilityShell:     {required: []string{"command"}, optional: []string{"dir"}},
	models.CapabilityEcho:      {required: []string{"text"}},
	models.CapabilityMerge:     {optional: []string{"separator"}},
	models.CapabilityDelegate:  {required: []string{"objective"}, optional: []string{"criteria", "plan"}},
	models.CapabilityReconcile: {},
}

// Parse converts an untyped reference into a typed capability.
func Parse(ref models.CapabilityRef) (Capability, error) {
	spec, ok := argSpec[ref.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, ref.Kind)
	}

	allowed := make(map[string]bool)
	for _, name := range spec.required {
		if strings.TrimSpace(ref.Args[name]) == "" {
			return nil, fmt.Errorf("%w: %s requires %q", ErrInvalidArgs, ref.Kind, name)
		}
		allowed[name] = true
	}
	for _, name := range spec.optional {
		allowed[name] = true
	}
	var unexpected []string
	for name := range ref.Args {
		if !allowed[name] {
			unexpected = append(unexpected, name)
		}
	}
	if len(unexpected) > 0 {
		sort.Strings(unexpected)
		return nil, fmt.Errorf("%w: %s does not accept %s", ErrInvalidArgs, ref.Kind, strings.Join(unexpected, ", "))
	}

	args := ref.Args
	switch ref.Kind {
	case models.CapabilityShell:
		return Shell{Command: args["command"], Dir: args["dir"]}, nil
	case models.CapabilityEcho:
		return Echo{Text: args["text"]}, nil
	case models.CapabilityMerge:
		sep, ok := args["separator"]
		if !ok {
			sep = "\n"
		}
		return Merge{Separator: sep}, nil
	case models.CapabilityDelegate:
		return Delegate{Objective: args["objective"], Criteria: splitCriteria(args["criteria"]), Plan: args["plan"]}, nil
	case models.CapabilityReconcile:
		return Reconcile{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, ref.Kind)
	}
}

func splitCriteria(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ";") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// UnavailableError reports a disabled capability.
type UnavailableError struct {
	Kind   models.CapabilityKind
	Reason string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("capability %s unavailable: %s", e.Kind, e.Reason)
}

func (e *UnavailableError) Unwrap() error { return ErrUnavailable }
