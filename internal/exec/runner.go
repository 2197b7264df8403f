package exec

import (
	"bytes"
	"context"
	"os"
	"os/exec"
)

// ExecRunner implements CommandRunner using os/exec.
type ExecRunner struct {
	// Shell is the interpreter used by RunShell. Defaults to "sh".
	Shell string
}

// NewRunner creates a new ExecRunner.
func NewRunner() *ExecRunner {
	return &ExecRunner{Shell: "sh"}
}

// Run executes a command and returns combined stdout/stderr output.
// The process is killed when ctx is done.
func (r *ExecRunner) Run(ctx context.Context, c Command) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}
	return cmd.CombinedOutput()
}

// RunShell executes a script through "<shell> -c".
func (r *ExecRunner) RunShell(ctx context.Context, dir string, script string, env []string) ([]byte, error) {
	shell := r.Shell
	if shell == "" {
		shell = "sh"
	}
	return r.Run(ctx, Command{Dir: dir, Name: shell, Args: []string{"-c", script}, Env: env})
}

// Verify ExecRunner implements CommandRunner at compile time.
var _ CommandRunner = (*ExecRunner)(nil)
