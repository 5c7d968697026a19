// Package sandbox orchestrates the single shared remote sandbox all agent
// processes run in: lazy creation, one-time setup, per-agent process
// launch, and pause/resume/kill of the shared VM.
package sandbox

import (
	"context"
	"io"
)

// CommandOptions configures one command run inside the sandbox.
type CommandOptions struct {
	Env    []string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

// Process is a command started inside the sandbox. The surface mirrors
// exec.Cmd so callers can stream output or pipe data in.
type Process interface {
	Start() error
	Wait() error
	StdinPipe() (io.WriteCloser, error)
	Output() ([]byte, error)
	CombinedOutput() ([]byte, error)
}

// Instance is one remote sandbox VM.
type Instance interface {
	Name() string
	Command(ctx context.Context, opts CommandOptions, name string, args ...string) Process
	Destroy() error
}

// Provider creates sandbox instances. Creation is lazy on the remote side:
// the VM materializes on the first command.
type Provider interface {
	Create(ctx context.Context, name string) (Instance, error)
}
