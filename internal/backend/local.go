package backend

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/nanobot-ai/nanobot/internal/agent"
	"github.com/nanobot-ai/nanobot/internal/wire"
)

// Local executes on the gateway machine itself, through the same file
// service the remote agent uses.
type Local struct{}

// NewLocal returns the process-local backend.
func NewLocal() *Local { return &Local{} }

func (Local) Exec(ctx context.Context, command string, opts ExecOptions) (ExecResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = agent.DefaultExecTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	full := command
	if strings.TrimSpace(opts.WorkingDir) != "" {
		full = fmt.Sprintf("cd %s && { %s; }", shellQuote(opts.WorkingDir), command)
	}
	cmd := exec.CommandContext(runCtx, "bash", "-c", full)
	out, err := cmd.CombinedOutput()
	if runCtx.Err() != nil {
		return ExecResult{Success: false, Output: string(out), ExitCode: -1, Error: "timeout"}, nil
	}
	if err == nil {
		return ExecResult{Success: true, Output: string(out), ExitCode: 0}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		return ExecResult{
			Success:  false,
			Output:   string(out),
			ExitCode: code,
			Error:    fmt.Sprintf("exit status %d", code),
		}, nil
	}
	return ExecResult{}, fmt.Errorf("spawn shell: %w", err)
}

func (Local) ReadFile(_ context.Context, path string) (string, error) {
	return agent.ReadFileCapped(path)
}

func (Local) WriteFile(_ context.Context, path, content string) (int64, error) {
	return agent.WriteFileAtomic(path, []byte(content))
}

func (Local) EditFile(_ context.Context, path, oldText, newText string) error {
	return agent.EditFileUnique(path, oldText, newText)
}

func (Local) ListDir(_ context.Context, path string) ([]wire.DirEntry, error) {
	return agent.ListDirEntries(path)
}

func (Local) CompareFile(_ context.Context, path, sha256hex string) (bool, string, error) {
	return agent.CompareFileSHA(path, sha256hex)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
