package host

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/nanobot-ai/nanobot/internal/hostreg"
)

// ConnectResult tells a caller whether Connect reused a live
// connection, resumed a persisted session, or deployed fresh.
type ConnectResult string

const (
	ConnectedAlready ConnectResult = "already connected"
	ConnectedResumed ConnectResult = "resumed session"
	ConnectedFresh   ConnectResult = "connected (new session)"
)

// Status is one row of Manager.List.
type Status struct {
	Config    *hostreg.HostConfig
	Connected bool
}

// Manager pools RemoteHosts by name on top of the persisted registry.
type Manager struct {
	reg  *hostreg.Registry
	opts Options
	log  logrus.FieldLogger

	mu          sync.Mutex
	connections map[string]*RemoteHost

	connectSF singleflight.Group
}

// NewManager wraps reg. opts apply to every host the manager deploys.
func NewManager(reg *hostreg.Registry, opts Options, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		reg:         reg,
		opts:        opts,
		log:         log,
		connections: make(map[string]*RemoteHost),
	}
}

// Registry exposes the backing registry for read-side callers.
func (m *Manager) Registry() *hostreg.Registry { return m.reg }

// AddHost registers a host without connecting.
func (m *Manager) AddHost(cfg hostreg.HostConfig) error {
	return m.reg.Add(cfg)
}

// RemoveHost disconnects the host if connected, then removes it from
// the registry. When teardown fails the config entry is kept unless
// force is set.
func (m *Manager) RemoveHost(ctx context.Context, name string, force bool) error {
	m.mu.Lock()
	_, connected := m.connections[name]
	m.mu.Unlock()

	if connected {
		if err := m.Disconnect(ctx, name); err != nil && !force {
			return fmt.Errorf("disconnect %s before removal: %w", name, err)
		}
	}
	return m.reg.Remove(name)
}

// Connect establishes or verifies a connection on explicit user
// request. A live host is pinged; an unhealthy one is torn down and
// replaced via resume-then-deploy.
func (m *Manager) Connect(ctx context.Context, name string) (*RemoteHost, ConnectResult, error) {
	m.mu.Lock()
	h := m.connections[name]
	m.mu.Unlock()

	if h != nil {
		if err := h.Ping(ctx); err == nil {
			return h, ConnectedAlready, nil
		}
		m.log.WithField("host", name).Warn("ping failed, reconnecting")
		if err := m.Disconnect(ctx, name); err != nil {
			m.log.WithError(err).WithField("host", name).Warn("teardown of unhealthy host")
		}
	}
	return m.resumeOrDeploy(ctx, name)
}

// GetOrConnect returns the live host if present, trusting RPC-level
// auto-heal, and otherwise performs resume-then-deploy. Used by the
// backend router for implicit per-call connects.
func (m *Manager) GetOrConnect(ctx context.Context, name string) (*RemoteHost, error) {
	m.mu.Lock()
	h := m.connections[name]
	m.mu.Unlock()
	if h != nil {
		return h, nil
	}
	h, _, err := m.resumeOrDeploy(ctx, name)
	return h, err
}

// resumeOrDeploy tries the persisted session first and falls back to
// a fresh deploy. Concurrent callers for the same name share one
// attempt. A failed resume keeps the registry entry so a later
// attempt can still succeed.
func (m *Manager) resumeOrDeploy(ctx context.Context, name string) (*RemoteHost, ConnectResult, error) {
	type outcome struct {
		h   *RemoteHost
		res ConnectResult
	}
	v, err, _ := m.connectSF.Do(name, func() (any, error) {
		cfg, err := m.reg.Get(name)
		if err != nil {
			return nil, err
		}

		if cfg.ActiveSession != nil {
			h := New(cfg, m.opts, m.log)
			resumeErr := h.Resume(ctx, *cfg.ActiveSession)
			if resumeErr == nil {
				m.adopt(name, h)
				return outcome{h, ConnectedResumed}, nil
			}
			m.log.WithError(resumeErr).WithField("host", name).Warn("resume failed, deploying fresh")
		}

		h := New(cfg, m.opts, m.log)
		if err := h.Setup(ctx); err != nil {
			return nil, err
		}
		m.adopt(name, h)
		return outcome{h, ConnectedFresh}, nil
	})
	if err != nil {
		return nil, "", err
	}
	o := v.(outcome)
	return o.h, o.res, nil
}

// adopt stores the connected host and persists its session for
// resume after a gateway restart.
func (m *Manager) adopt(name string, h *RemoteHost) {
	m.mu.Lock()
	m.connections[name] = h
	m.mu.Unlock()
	if sess := h.Session(); sess != nil {
		if err := m.reg.SaveSession(name, *sess); err != nil {
			m.log.WithError(err).WithField("host", name).Warn("persist session")
		}
	}
}

// Disconnect tears the host down and drops it from the pool. The
// registry's activeSession is cleared only when teardown fully
// succeeded.
func (m *Manager) Disconnect(ctx context.Context, name string) error {
	m.mu.Lock()
	h, ok := m.connections[name]
	delete(m.connections, name)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s not connected", hostreg.ErrHostNotFound, name)
	}

	if err := h.Teardown(ctx); err != nil {
		return fmt.Errorf("teardown %s: %w", name, err)
	}
	if err := m.reg.ClearSession(name); err != nil {
		m.log.WithError(err).WithField("host", name).Warn("clear persisted session")
	}
	return nil
}

// DisconnectAll tears down every live host, returning the first
// error after attempting all of them.
func (m *Manager) DisconnectAll(ctx context.Context) error {
	m.mu.Lock()
	names := make([]string, 0, len(m.connections))
	for name := range m.connections {
		names = append(names, name)
	}
	m.mu.Unlock()

	var firstErr error
	for _, name := range names {
		if err := m.Disconnect(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// List reports every registered host with its live-connection flag.
func (m *Manager) List() []Status {
	configs := m.reg.List()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(configs))
	for _, cfg := range configs {
		h := m.connections[cfg.Name]
		out = append(out, Status{Config: cfg, Connected: h != nil && h.Connected()})
	}
	return out
}
