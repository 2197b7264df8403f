// Package exec runs external commands for the shell capability.
package exec

import (
	"context"
)

// Command describes one external process invocation.
type Command struct {
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Name is the program to run.
	Name string
	// Args are passed to the program.
	Args []string
	// Env is appended to the parent environment as KEY=VALUE pairs.
	Env []string
	// Stdin is fed to the process when non-nil.
	Stdin []byte
}

// CommandRunner runs external commands.
// This abstraction allows mocking command execution in tests.
type CommandRunner interface {
	// Run executes cmd and returns combined stdout/stderr output.
	Run(ctx context.Context, cmd Command) (output []byte, err error)

	// RunShell executes script through "sh -c" in dir with extra env.
	RunShell(ctx context.Context, dir string, script string, env []string) (output []byte, err error)
}
