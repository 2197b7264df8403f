package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/ShayCichocki/loom/internal/exec"
)

// maxErrorOutput bounds how much command output is copied into an error.
const maxErrorOutput = 512

// ShellHandler runs Shell capabilities through a CommandRunner.
// Upstream outputs are exported as LOOM_INPUT_<NODE> environment variables.
type ShellHandler struct {
	runner exec.CommandRunner
	dir    string
}

// NewShellHandler creates a handler. dir is used when a capability names none.
func NewShellHandler(runner exec.CommandRunner, dir string) *ShellHandler {
	if runner == nil {
		runner = exec.NewRunner()
	}
	return &ShellHandler{runner: runner, dir: dir}
}

// Execute runs the command until it exits or ctx ends.
func (h *ShellHandler) Execute(ctx context.Context, call Call) (Result, error) {
	c, ok := call.Capability.(Shell)
	if !ok {
		return Result{}, fmt.Errorf("shell handler got %T", call.Capability)
	}

	dir := c.Dir
	if dir == "" {
		dir = h.dir
	}

	env := []string{
		"LOOM_DAG_ID=" + call.DagID,
		"LOOM_NODE_ID=" + call.NodeID,
	}
	for _, in := range call.Inputs {
		env = append(env, "LOOM_INPUT_"+envName(in.NodeID)+"="+string(in.Output))
	}

	out, err := h.runner.RunShell(ctx, dir, c.Command, env)
	if err != nil {
		return Result{}, fmt.Errorf("shell %q: %w: %s", c.Command, err, tail(out))
	}
	return Result{Output: out}, nil
}

func envName(id string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(id) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func tail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > maxErrorOutput {
		s = "..." + s[len(s)-maxErrorOutput:]
	}
	return s
}

// Verify ShellHandler implements Executor at compile time.
var _ Executor = (*ShellHandler)(nil)
