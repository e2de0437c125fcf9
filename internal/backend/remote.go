package backend

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nanobot-ai/nanobot/internal/host"
	"github.com/nanobot-ai/nanobot/internal/wire"
)

// Remote wraps a connected RemoteHost. Every call becomes one RPC;
// transport recovery happens inside RemoteHost.RPC.
type Remote struct {
	host *host.RemoteHost
}

// NewRemote wraps h.
func NewRemote(h *host.RemoteHost) *Remote { return &Remote{host: h} }

func (r *Remote) call(ctx context.Context, req wire.Request, timeout time.Duration) (wire.Response, error) {
	req.RequestID = wire.NewRequestID()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return r.host.RPC(ctx, req)
}

func (r *Remote) Exec(ctx context.Context, command string, opts ExecOptions) (ExecResult, error) {
	workingDir := opts.WorkingDir
	if strings.TrimSpace(workingDir) == "" {
		workingDir = r.host.Workspace()
	}
	req := wire.Request{
		Type:       wire.TypeExec,
		Command:    command,
		WorkingDir: workingDir,
	}
	if opts.Timeout > 0 {
		req.TimeoutSec = opts.Timeout.Seconds()
	}
	// Give the wire a margin over the remote-side deadline so the
	// agent's own timeout result arrives instead of a wire timeout.
	wait := opts.Timeout
	if wait <= 0 {
		wait = wire.DefaultCallTimeout
	}
	resp, err := r.call(ctx, req, wait+10*time.Second)
	if err != nil {
		return ExecResult{}, err
	}
	return ExecResult{
		Success:  resp.Success,
		Output:   resp.Output,
		ExitCode: resp.Exit(),
		Error:    resp.Error,
	}, nil
}

func (r *Remote) ReadFile(ctx context.Context, path string) (string, error) {
	resp, err := r.call(ctx, wire.Request{Type: wire.TypeReadFile, Path: path}, 0)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", resultError(resp)
	}
	return resp.Content, nil
}

// ReadBytes fetches raw content for files that are not valid UTF-8.
func (r *Remote) ReadBytes(ctx context.Context, path string) ([]byte, error) {
	resp, err := r.call(ctx, wire.Request{Type: wire.TypeReadBytes, Path: path}, 0)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, resultError(resp)
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("decode read_bytes payload: %w", err)
	}
	return data, nil
}

func (r *Remote) WriteFile(ctx context.Context, path, content string) (int64, error) {
	resp, err := r.call(ctx, wire.Request{Type: wire.TypeWriteFile, Path: path, Content: content}, 0)
	if err != nil {
		return 0, err
	}
	if !resp.Success {
		return 0, resultError(resp)
	}
	return resp.Bytes, nil
}

func (r *Remote) EditFile(ctx context.Context, path, oldText, newText string) error {
	resp, err := r.call(ctx, wire.Request{
		Type:    wire.TypeEditFile,
		Path:    path,
		OldText: oldText,
		NewText: newText,
	}, 0)
	if err != nil {
		return err
	}
	if !resp.Success {
		return resultError(resp)
	}
	return nil
}

func (r *Remote) ListDir(ctx context.Context, path string) ([]wire.DirEntry, error) {
	resp, err := r.call(ctx, wire.Request{Type: wire.TypeListDir, Path: path}, 0)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, resultError(resp)
	}
	return resp.Entries, nil
}

func (r *Remote) CompareFile(ctx context.Context, path, sha256hex string) (bool, string, error) {
	resp, err := r.call(ctx, wire.Request{Type: wire.TypeCompareFile, Path: path, SHA256: sha256hex}, 0)
	if err != nil {
		return false, "", err
	}
	if !resp.Success {
		return false, "", resultError(resp)
	}
	match := resp.Match != nil && *resp.Match
	return match, resp.SHA256, nil
}

// Typed application errors surfaced from remote file results.
var (
	ErrNotFound  = errors.New("nanobot: not found")
	ErrNotUnique = errors.New("nanobot: not unique")
)

func resultError(resp wire.Response) error {
	msg := resp.Error
	if msg == "" {
		msg = resp.Message
	}
	switch resp.Code {
	case wire.CodeNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case wire.CodeNotUnique:
		return fmt.Errorf("%w: %s", ErrNotUnique, msg)
	default:
		return fmt.Errorf("remote: %s", msg)
	}
}
