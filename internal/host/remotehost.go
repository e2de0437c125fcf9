// Package host owns the lifecycle of remote agents: one RemoteHost per
// connected target and a Manager pooling them by name.
package host

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/nanobot-ai/nanobot/internal/bootstrap"
	"github.com/nanobot-ai/nanobot/internal/hostreg"
	"github.com/nanobot-ai/nanobot/internal/tunnel"
	"github.com/nanobot-ai/nanobot/internal/wire"
)

// ErrRemoteServerUnresponsive marks failures of the WebSocket or auth
// leg while the SSH leg was fine.
var ErrRemoteServerUnresponsive = errors.New("nanobot: remote server unresponsive")

// ErrNetworkUnreachable re-exports the SSH-leg failure for callers
// that only import this package.
var ErrNetworkUnreachable = tunnel.ErrNetworkUnreachable

const (
	sessionPrefix = "nanobot"

	shutdownAckTimeout = 5 * time.Second
	shutdownSettle     = 2 * time.Second
	forceStopTimeout   = 15 * time.Second
)

// Options tune how a RemoteHost deploys its agent.
type Options struct {
	AgentBinary string
	EnableTmux  bool
}

// RemoteHost owns one SSH tunnel, one wire client, and at most one
// remote session. All methods are safe for concurrent use; transport
// recovery is collapsed so at most one attempt runs at a time.
type RemoteHost struct {
	name string
	cfg  *hostreg.HostConfig
	opts Options
	log  logrus.FieldLogger

	mu      sync.Mutex
	tun     *tunnel.Tunnel
	client  *wire.Client
	session *hostreg.Session

	recover singleflight.Group
}

// New builds a disconnected RemoteHost for cfg.
func New(cfg *hostreg.HostConfig, opts Options, log logrus.FieldLogger) *RemoteHost {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RemoteHost{
		name: cfg.Name,
		cfg:  cfg,
		opts: opts,
		log:  log.WithField("host", cfg.Name),
	}
}

func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Session returns the current session descriptor, or nil when
// disconnected.
func (h *RemoteHost) Session() *hostreg.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		return nil
	}
	s := *h.session
	return &s
}

// Workspace returns the host's configured default working directory.
func (h *RemoteHost) Workspace() string { return h.cfg.Workspace }

// Connected reports whether a wire client is currently open.
func (h *RemoteHost) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.client != nil
}

// Setup deploys a fresh agent: allocate a session id, open the
// tunnel, bootstrap, open and authenticate the wire. Idempotent while
// connected.
func (h *RemoteHost) Setup(ctx context.Context) error {
	h.mu.Lock()
	if h.client != nil {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	sessionID := newSessionID()
	remoteDir := fmt.Sprintf("/tmp/%s-%s/", sessionPrefix, sessionID)

	tun, err := tunnel.Open(ctx, h.cfg, h.cfg.RemotePort, h.log)
	if err != nil {
		return err
	}
	err = bootstrap.Deploy(ctx, tun, bootstrap.Params{
		SessionID:   sessionID,
		RemoteDir:   remoteDir,
		RemotePort:  h.cfg.RemotePort,
		AuthToken:   h.cfg.AuthToken,
		EnableTmux:  h.opts.EnableTmux,
		AgentBinary: h.opts.AgentBinary,
	}, h.log)
	if err != nil {
		_ = tun.Close()
		return err
	}
	client, err := wire.Dial(ctx, tun.LocalAddr(), h.cfg.AuthToken, h.log)
	if err != nil {
		_ = tun.Close()
		return fmt.Errorf("%w: %v", ErrRemoteServerUnresponsive, err)
	}

	h.mu.Lock()
	h.tun = tun
	h.client = client
	h.session = &hostreg.Session{
		SessionID:  sessionID,
		RemoteDir:  remoteDir,
		RemotePort: h.cfg.RemotePort,
		LocalPort:  tun.LocalPort(),
		AuthToken:  h.cfg.AuthToken,
	}
	h.mu.Unlock()
	h.log.WithField("session", sessionID).Info("remote host ready")
	return nil
}

// Resume rebinds to a previously recorded session without
// redeploying: tunnel to the recorded port, wire dial with the
// recorded token, then a ping. The caller keeps the registry entry on
// failure.
func (h *RemoteHost) Resume(ctx context.Context, sess hostreg.Session) error {
	if sess.RemotePort != 0 {
		h.cfg.RemotePort = sess.RemotePort
	}
	if sess.AuthToken != "" {
		h.cfg.AuthToken = sess.AuthToken
	}

	tun, err := tunnel.Open(ctx, h.cfg, h.cfg.RemotePort, h.log)
	if err != nil {
		return err
	}
	client, err := wire.Dial(ctx, tun.LocalAddr(), h.cfg.AuthToken, h.log)
	if err != nil {
		_ = tun.Close()
		return fmt.Errorf("%w: %v", ErrRemoteServerUnresponsive, err)
	}
	if err := client.Ping(ctx); err != nil {
		_ = client.Close()
		_ = tun.Close()
		return fmt.Errorf("%w: resume ping: %v", ErrRemoteServerUnresponsive, err)
	}

	sess.LocalPort = tun.LocalPort()
	h.mu.Lock()
	h.tun = tun
	h.client = client
	h.session = &sess
	h.mu.Unlock()
	h.log.WithField("session", sess.SessionID).Info("resumed remote session")
	return nil
}

// RPC sends one request and awaits its reply. On a transport-level
// failure it recovers the transport once and retries the same request
// with the same requestId, so the agent's idempotency cache absorbs
// duplicate delivery.
func (h *RemoteHost) RPC(ctx context.Context, req wire.Request) (wire.Response, error) {
	if strings.TrimSpace(req.RequestID) == "" {
		req.RequestID = wire.NewRequestID()
	}

	h.mu.Lock()
	client := h.client
	h.mu.Unlock()
	if client == nil {
		if err := h.recoverTransport(ctx); err != nil {
			return wire.Response{}, err
		}
		h.mu.Lock()
		client = h.client
		h.mu.Unlock()
		if client == nil {
			return wire.Response{}, fmt.Errorf("%w: not connected", ErrRemoteServerUnresponsive)
		}
	}

	resp, err := client.Call(ctx, req)
	if err == nil || !wire.IsTransport(err) {
		return resp, err
	}

	h.log.WithError(err).Warn("transport failure, recovering")
	if rerr := h.recoverTransport(ctx); rerr != nil {
		return wire.Response{}, rerr
	}
	h.mu.Lock()
	client = h.client
	h.mu.Unlock()
	if client == nil {
		return wire.Response{}, fmt.Errorf("%w: not connected", ErrRemoteServerUnresponsive)
	}
	return client.Call(ctx, req)
}

// Ping verifies the wire end to end.
func (h *RemoteHost) Ping(ctx context.Context) error {
	h.mu.Lock()
	client := h.client
	h.mu.Unlock()
	if client == nil {
		return fmt.Errorf("%w: not connected", ErrRemoteServerUnresponsive)
	}
	return client.Ping(ctx)
}

// recoverTransport tears down wire and tunnel and rebuilds both
// against the existing session. It never redeploys and never touches
// the session id. Concurrent callers share a single attempt.
func (h *RemoteHost) recoverTransport(ctx context.Context) error {
	_, err, _ := h.recover.Do("recover", func() (any, error) {
		h.mu.Lock()
		sess := h.session
		oldClient := h.client
		oldTun := h.tun
		h.client = nil
		h.tun = nil
		h.mu.Unlock()

		if sess == nil {
			return nil, fmt.Errorf("%w: no session to recover", ErrRemoteServerUnresponsive)
		}
		if oldClient != nil {
			_ = oldClient.Close()
		}
		if oldTun != nil {
			_ = oldTun.Close()
		}

		tun, err := tunnel.Open(ctx, h.cfg, sess.RemotePort, h.log)
		if err != nil {
			return nil, err
		}
		client, err := wire.Dial(ctx, tun.LocalAddr(), sess.AuthToken, h.log)
		if err != nil {
			_ = tun.Close()
			return nil, fmt.Errorf("%w: %v", ErrRemoteServerUnresponsive, err)
		}

		h.mu.Lock()
		h.tun = tun
		h.client = client
		h.session.LocalPort = tun.LocalPort()
		h.mu.Unlock()
		h.log.WithField("session", sess.SessionID).Info("transport recovered")
		return nil, nil
	})
	return err
}

// Teardown stops the remote agent and removes its session directory.
// Graceful shutdown first, a forced stop over SSH only when that
// fails, then the directory sweep and the tunnel close. Partial cleanup is reported
// as failure.
func (h *RemoteHost) Teardown(ctx context.Context) error {
	h.mu.Lock()
	client := h.client
	sess := h.session
	h.client = nil
	h.mu.Unlock()

	if sess == nil {
		h.closeTunnel()
		return nil
	}

	graceful := false
	if client != nil {
		ackCtx, cancel := context.WithTimeout(ctx, shutdownAckTimeout)
		err := client.Shutdown(ackCtx)
		cancel()
		if err == nil {
			graceful = true
			time.Sleep(shutdownSettle)
		} else {
			h.log.WithError(err).Warn("graceful shutdown failed, forcing stop")
		}
		_ = client.Close()
	}

	tun, tunErr := h.sshForTeardown(ctx)
	if tunErr != nil {
		return fmt.Errorf("teardown %s: %w", sess.SessionID, tunErr)
	}

	if !graceful {
		h.forceStop(ctx, tun, sess)
	}
	if err := h.removeSessionDir(ctx, tun, sess); err != nil {
		return err
	}

	h.closeTunnel()
	h.mu.Lock()
	h.session = nil
	h.mu.Unlock()
	h.log.WithField("session", sess.SessionID).Info("remote session torn down")
	return nil
}

// sshForTeardown reuses the live tunnel's SSH connection or opens a
// short-lived one when the transport is already gone.
func (h *RemoteHost) sshForTeardown(ctx context.Context) (*tunnel.Tunnel, error) {
	h.mu.Lock()
	tun := h.tun
	h.mu.Unlock()
	if tun != nil {
		if err := tun.Probe(ctx); err == nil {
			return tun, nil
		}
		_ = tun.Close()
		h.mu.Lock()
		h.tun = nil
		h.mu.Unlock()
	}
	fresh, err := tunnel.Open(ctx, h.cfg, h.cfg.RemotePort, h.log)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.tun = fresh
	h.mu.Unlock()
	return fresh, nil
}

func (h *RemoteHost) forceStop(ctx context.Context, tun *tunnel.Tunnel, sess *hostreg.Session) {
	stopCtx, cancel := context.WithTimeout(ctx, forceStopTimeout)
	defer cancel()

	pidFile := path.Join(sess.RemoteDir, "server.pid")
	sock := path.Join(sess.RemoteDir, "tmux.sock")
	steps := []string{
		fmt.Sprintf("[ -f %s ] && pid=$(cat %s) && kill \"$pid\" 2>/dev/null; sleep 1; [ -n \"${pid:-}\" ] && kill -9 \"$pid\" 2>/dev/null; true",
			shellQuote(pidFile), shellQuote(pidFile)),
		fmt.Sprintf("command -v fuser >/dev/null 2>&1 && fuser -k %d/tcp 2>/dev/null; true", sess.RemotePort),
		fmt.Sprintf("tmux -S %s kill-session -t %s 2>/dev/null; true", shellQuote(sock), sessionPrefix),
	}
	for _, cmd := range steps {
		if out, code, err := tun.Run(stopCtx, cmd); err != nil || code != 0 {
			h.log.WithFields(logrus.Fields{"cmd": cmd, "code": code, "out": strings.TrimSpace(out)}).
				Debug("force-stop step")
		}
	}
}

func (h *RemoteHost) removeSessionDir(ctx context.Context, tun *tunnel.Tunnel, sess *hostreg.Session) error {
	cmd := fmt.Sprintf("rm -rf %s && [ ! -e %s ]", shellQuote(sess.RemoteDir), shellQuote(sess.RemoteDir))
	out, code, err := tun.Run(ctx, cmd)
	if err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("remove session dir %s: exit %d: %s", sess.RemoteDir, code, strings.TrimSpace(out))
	}
	return nil
}

func (h *RemoteHost) closeTunnel() {
	h.mu.Lock()
	tun := h.tun
	h.tun = nil
	h.mu.Unlock()
	if tun != nil {
		_ = tun.Close()
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
