// Package bootstrap stages the remote agent onto a host and starts it
// through the launcher script, waiting for the agent's port to become
// ready.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/sirupsen/logrus"

	"github.com/nanobot-ai/nanobot/internal/tunnel"
)

//go:embed deploy.sh
var launcherScript []byte

var (
	ErrStageFailed      = errors.New("nanobot: stage failed")
	ErrUploadFailed     = errors.New("nanobot: upload failed")
	ErrLauncherFailed   = errors.New("nanobot: launcher failed")
	ErrReadinessTimeout = errors.New("nanobot: readiness timeout")
)

// launcherTimeout bounds the whole deploy.sh run, which itself polls
// readiness for up to 60s.
const launcherTimeout = 90 * time.Second

const (
	serverName   = "remote_server"
	launcherName = "deploy.sh"
)

// Params describes one bootstrap run.
type Params struct {
	SessionID   string
	RemoteDir   string
	RemotePort  int
	AuthToken   string
	EnableTmux  bool
	AgentBinary string
}

// DefaultAgentBinary locates the nanobot-remote binary to stage: next
// to the running executable first, then on PATH.
func DefaultAgentBinary() (string, error) {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "nanobot-remote")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	if p, err := exec.LookPath("nanobot-remote"); err == nil {
		return p, nil
	}
	return "", errors.New("nanobot-remote binary not found next to executable or on PATH")
}

// Deploy creates the session directory, uploads the agent binary and
// the launcher in one SFTP pass, and runs the launcher. It returns
// only after the launcher reported readiness.
func Deploy(ctx context.Context, t *tunnel.Tunnel, p Params, log logrus.FieldLogger) error {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if strings.TrimSpace(p.AgentBinary) == "" {
		bin, err := DefaultAgentBinary()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStageFailed, err)
		}
		p.AgentBinary = bin
	}
	if _, err := os.Stat(p.AgentBinary); err != nil {
		return fmt.Errorf("%w: agent binary: %v", ErrStageFailed, err)
	}

	if out, code, err := t.Run(ctx, fmt.Sprintf("mkdir -p %s", shellQuote(p.RemoteDir))); err != nil || code != 0 {
		return fmt.Errorf("%w: mkdir %s: code=%d err=%v out=%s", ErrStageFailed, p.RemoteDir, code, err, strings.TrimSpace(out))
	}

	if err := upload(t, p); err != nil {
		return err
	}

	args := fmt.Sprintf("--port %d", p.RemotePort)
	if p.AuthToken != "" {
		args += fmt.Sprintf(" --token %s", shellQuote(p.AuthToken))
	}
	if !p.EnableTmux {
		args += " --no-tmux"
	}
	cmd := fmt.Sprintf("bash %s %s", shellQuote(path.Join(p.RemoteDir, launcherName)), args)

	log.WithField("session", p.SessionID).Info("running remote launcher")
	runCtx, cancel := context.WithTimeout(ctx, launcherTimeout)
	defer cancel()
	out, code, err := t.Run(runCtx, cmd)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: launcher still running after %s: %s", ErrReadinessTimeout, launcherTimeout, tail(out, 50))
		}
		return fmt.Errorf("%w: %v: %s", ErrLauncherFailed, err, tail(out, 50))
	}
	switch code {
	case 0:
		return nil
	case 3:
		return fmt.Errorf("%w: %s", ErrReadinessTimeout, tail(out, 50))
	default:
		return fmt.Errorf("%w: exit %d: %s", ErrLauncherFailed, code, tail(out, 50))
	}
}

func upload(t *tunnel.Tunnel, p Params) error {
	sftpClient, err := t.SFTP()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer sftpClient.Close()

	bin, err := os.Open(p.AgentBinary)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer bin.Close()

	serverPath := path.Join(p.RemoteDir, serverName)
	dst, err := sftpClient.Create(serverPath)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrUploadFailed, serverPath, err)
	}
	if _, err := io.Copy(dst, bin); err != nil {
		_ = dst.Close()
		return fmt.Errorf("%w: write %s: %v", ErrUploadFailed, serverPath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrUploadFailed, serverPath, err)
	}
	if err := sftpClient.Chmod(serverPath, 0o755); err != nil {
		return fmt.Errorf("%w: chmod %s: %v", ErrUploadFailed, serverPath, err)
	}

	launcherPath := path.Join(p.RemoteDir, launcherName)
	ldst, err := sftpClient.Create(launcherPath)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrUploadFailed, launcherPath, err)
	}
	if _, err := ldst.Write(launcherScript); err != nil {
		_ = ldst.Close()
		return fmt.Errorf("%w: write %s: %v", ErrUploadFailed, launcherPath, err)
	}
	if err := ldst.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrUploadFailed, launcherPath, err)
	}
	return nil
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
