package backend

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nanobot-ai/nanobot/internal/host"
	"github.com/nanobot-ai/nanobot/internal/hostreg"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	reg, err := hostreg.Load(filepath.Join(t.TempDir(), "hosts.json"), nil)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return NewRouter(host.NewManager(reg, host.Options{}, nil))
}

func TestRouterEmptyHostIsLocal(t *testing.T) {
	r := newTestRouter(t)
	b, err := r.Resolve(context.Background(), "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, ok := b.(*Local); !ok {
		t.Fatalf("backend = %T, want *Local", b)
	}
	// Whitespace counts as empty too.
	b, err = r.Resolve(context.Background(), "  ")
	if err != nil {
		t.Fatalf("resolve blank: %v", err)
	}
	if _, ok := b.(*Local); !ok {
		t.Fatalf("backend = %T, want *Local", b)
	}
}

func TestRouterUnknownHost(t *testing.T) {
	r := newTestRouter(t)
	_, err := r.Resolve(context.Background(), "nope")
	if !errors.Is(err, hostreg.ErrHostNotFound) {
		t.Fatalf("err = %v, want ErrHostNotFound", err)
	}
}
