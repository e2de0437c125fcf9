package hostreg

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hosts.json")
	r, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return r
}

func TestAddGetRemove(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Add(HostConfig{Name: "s", SSHTarget: "u@h"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	cfg, err := r.Get("s")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cfg.SSHTarget != "u@h" {
		t.Fatalf("sshTarget = %q", cfg.SSHTarget)
	}
	if cfg.SSHPort != DefaultSSHPort || cfg.RemotePort != DefaultRemotePort {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if err := r.Remove("s"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := r.Get("s"); err == nil {
		t.Fatalf("expected not found after remove")
	}
}

func TestAddDuplicateName(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Add(HostConfig{Name: "s", SSHTarget: "u@h"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	err := r.Add(HostConfig{Name: "s", SSHTarget: "other@h"})
	if err == nil {
		t.Fatalf("expected duplicate error")
	}
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestRemoveMissing(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Remove("nope"); !errors.Is(err, ErrHostNotFound) {
		t.Fatalf("err = %v, want ErrHostNotFound", err)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.json")
	r, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := r.Add(HostConfig{Name: "a", SSHTarget: "u@a", AuthToken: "tok"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.SaveSession("a", Session{SessionID: "deadbeef", RemoteDir: "/tmp/nanobot-deadbeef/", RemotePort: 8765, LocalPort: 45123}); err != nil {
		t.Fatalf("save session: %v", err)
	}

	again, err := Load(path, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	cfg, err := again.Get("a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cfg.ActiveSession == nil || cfg.ActiveSession.SessionID != "deadbeef" {
		t.Fatalf("session not persisted: %+v", cfg.ActiveSession)
	}
	if cfg.LocalPort != 45123 {
		t.Fatalf("localPort = %d", cfg.LocalPort)
	}
}

func TestClearSession(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Add(HostConfig{Name: "a", SSHTarget: "u@a"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.SaveSession("a", Session{SessionID: "01234567"}); err != nil {
		t.Fatalf("save session: %v", err)
	}
	if err := r.ClearSession("a"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	cfg, _ := r.Get("a")
	if cfg.ActiveSession != nil {
		t.Fatalf("session survived clear")
	}
	// Clearing twice is a no-op.
	if err := r.ClearSession("a"); err != nil {
		t.Fatalf("second clear: %v", err)
	}
}

func TestCorruptFilePreservedAsBak(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts.json")
	if err := os.WriteFile(path, []byte("{ not json"), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}
	r, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := len(r.List()); got != 0 {
		t.Fatalf("hosts = %d, want 0", got)
	}
	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Fatalf("corrupt file not preserved: %v", err)
	}
}

func TestSaveIsValidJSONDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.json")
	r, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := r.Add(HostConfig{Name: "x", SSHTarget: "u@x"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var doc struct {
		Hosts map[string]HostConfig `json:"hosts"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("not valid json: %v", err)
	}
	if _, ok := doc.Hosts["x"]; !ok {
		t.Fatalf("host missing from document: %s", data)
	}
	// No temp files left behind by the atomic write.
	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if e.Name() != "hosts.json" {
			t.Fatalf("unexpected leftover %s", e.Name())
		}
	}
}

func TestListSorted(t *testing.T) {
	r := newTestRegistry(t)
	for _, name := range []string{"c", "a", "b"} {
		if err := r.Add(HostConfig{Name: name, SSHTarget: "u@" + name}); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}
	got := r.List()
	if len(got) != 3 || got[0].Name != "a" || got[1].Name != "b" || got[2].Name != "c" {
		t.Fatalf("unsorted list: %+v", got)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Add(HostConfig{Name: "a", SSHTarget: "u@a"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	cfg, _ := r.Get("a")
	cfg.SSHTarget = "mutated"
	again, _ := r.Get("a")
	if again.SSHTarget != "u@a" {
		t.Fatalf("registry leaked internal state")
	}
}
