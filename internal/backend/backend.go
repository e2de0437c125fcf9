// Package backend routes execution and file operations to the local
// machine or to a connected remote host. The router is the only place
// that decides local versus remote; callers carry a Backend, not a
// host branch.
package backend

import (
	"context"
	"time"

	"github.com/nanobot-ai/nanobot/internal/wire"
)

// ExecOptions tune one command invocation.
type ExecOptions struct {
	WorkingDir string
	Timeout    time.Duration
}

// ExecResult is the structured outcome of a command. A non-zero exit
// code is an application result, not a transport error.
type ExecResult struct {
	Success  bool
	Output   string
	ExitCode int
	Error    string
}

// Backend is the capability set every execution target provides.
type Backend interface {
	Exec(ctx context.Context, command string, opts ExecOptions) (ExecResult, error)
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) (int64, error)
	EditFile(ctx context.Context, path, oldText, newText string) error
	ListDir(ctx context.Context, path string) ([]wire.DirEntry, error)
	CompareFile(ctx context.Context, path, sha256hex string) (match bool, actual string, err error)
}
