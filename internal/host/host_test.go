package host

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nanobot-ai/nanobot/internal/hostreg"
)

func TestNewSessionID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := newSessionID()
		if len(id) != 8 {
			t.Fatalf("len(%q) = %d", id, len(id))
		}
		for _, r := range id {
			if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
				t.Fatalf("non-hex rune %q in %q", r, id)
			}
		}
		if seen[id] {
			t.Fatalf("duplicate id %q after %d draws", id, i)
		}
		seen[id] = true
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	reg, err := hostreg.Load(filepath.Join(t.TempDir(), "hosts.json"), nil)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return NewManager(reg, Options{}, nil)
}

func TestManagerAddAndList(t *testing.T) {
	m := newTestManager(t)
	if err := m.AddHost(hostreg.HostConfig{Name: "web", SSHTarget: "u@web"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := m.AddHost(hostreg.HostConfig{Name: "db", SSHTarget: "u@db"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	list := m.List()
	if len(list) != 2 {
		t.Fatalf("list = %d entries", len(list))
	}
	if list[0].Config.Name != "db" || list[1].Config.Name != "web" {
		t.Fatalf("order = %s, %s", list[0].Config.Name, list[1].Config.Name)
	}
	for _, s := range list {
		if s.Connected {
			t.Fatalf("%s reported connected without a connection", s.Config.Name)
		}
	}
}

func TestManagerConnectUnknownHost(t *testing.T) {
	m := newTestManager(t)
	_, _, err := m.Connect(context.Background(), "ghost")
	if !errors.Is(err, hostreg.ErrHostNotFound) {
		t.Fatalf("err = %v, want ErrHostNotFound", err)
	}
}

func TestManagerDisconnectNotConnected(t *testing.T) {
	m := newTestManager(t)
	if err := m.AddHost(hostreg.HostConfig{Name: "web", SSHTarget: "u@web"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := m.Disconnect(context.Background(), "web"); !errors.Is(err, hostreg.ErrHostNotFound) {
		t.Fatalf("err = %v, want ErrHostNotFound", err)
	}
}

func TestManagerRemoveHost(t *testing.T) {
	m := newTestManager(t)
	if err := m.AddHost(hostreg.HostConfig{Name: "web", SSHTarget: "u@web"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := m.RemoveHost(context.Background(), "web", false); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := m.Registry().Get("web"); !errors.Is(err, hostreg.ErrHostNotFound) {
		t.Fatalf("host survived removal: %v", err)
	}
}

func TestRemoteHostDisconnectedState(t *testing.T) {
	cfg := &hostreg.HostConfig{Name: "web", SSHTarget: "u@web", Workspace: "/srv/app"}
	h := New(cfg, Options{}, nil)
	if h.Connected() {
		t.Fatalf("fresh host reports connected")
	}
	if h.Session() != nil {
		t.Fatalf("fresh host has a session")
	}
	if h.Workspace() != "/srv/app" {
		t.Fatalf("workspace = %q", h.Workspace())
	}
	if err := h.Ping(context.Background()); !errors.Is(err, ErrRemoteServerUnresponsive) {
		t.Fatalf("ping err = %v", err)
	}
}

func TestRemoteHostTeardownWithoutSession(t *testing.T) {
	cfg := &hostreg.HostConfig{Name: "web", SSHTarget: "u@web"}
	h := New(cfg, Options{}, nil)
	if err := h.Teardown(context.Background()); err != nil {
		t.Fatalf("teardown of never-connected host: %v", err)
	}
}

func TestRecoverWithoutSession(t *testing.T) {
	cfg := &hostreg.HostConfig{Name: "web", SSHTarget: "u@web"}
	h := New(cfg, Options{}, nil)
	err := h.recoverTransport(context.Background())
	if !errors.Is(err, ErrRemoteServerUnresponsive) {
		t.Fatalf("err = %v, want ErrRemoteServerUnresponsive", err)
	}
}
