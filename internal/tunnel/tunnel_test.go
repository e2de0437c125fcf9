package tunnel

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSplitTarget(t *testing.T) {
	u, h, err := splitTarget("deploy@server.example")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if u != "deploy" || h != "server.example" {
		t.Fatalf("got %q@%q", u, h)
	}
}

func TestSplitTargetNoUser(t *testing.T) {
	u, h, err := splitTarget("server.example")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if h != "server.example" {
		t.Fatalf("host = %q", h)
	}
	if u == "" {
		t.Fatalf("expected current user fallback")
	}
}

func TestSplitTargetUserWithAt(t *testing.T) {
	// The last @ wins, so user names containing @ still parse.
	u, h, err := splitTarget("me@corp@server")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if u != "me@corp" || h != "server" {
		t.Fatalf("got %q@%q", u, h)
	}
}

func TestSplitTargetInvalid(t *testing.T) {
	if _, _, err := splitTarget(""); err == nil {
		t.Fatalf("empty target accepted")
	}
	if _, _, err := splitTarget("user@"); err == nil {
		t.Fatalf("missing host accepted")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	if got := expandHome("~/.ssh/id_ed25519"); got != filepath.Join(home, ".ssh/id_ed25519") {
		t.Fatalf("expand = %q", got)
	}
	if got := expandHome("/abs/path"); got != "/abs/path" {
		t.Fatalf("absolute path changed: %q", got)
	}
	if got := expandHome("~user/x"); got != "~user/x" {
		t.Fatalf("~user should be left alone: %q", got)
	}
}

func TestAuthMethodsMissingKey(t *testing.T) {
	_, err := authMethods(filepath.Join(t.TempDir(), "no-such-key"))
	if err == nil || !strings.Contains(err.Error(), "read ssh key") {
		t.Fatalf("err = %v", err)
	}
}

func TestAuthMethodsBadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage")
	if err := os.WriteFile(path, []byte("not a key"), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err := authMethods(path)
	if err == nil || !strings.Contains(err.Error(), "parse ssh key") {
		t.Fatalf("err = %v", err)
	}
}

func TestAuthMethodsNoAgent(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	if _, err := authMethods(""); err == nil {
		t.Fatalf("expected error without key or agent")
	}
}
