package backend

import (
	"context"
	"strings"

	"github.com/nanobot-ai/nanobot/internal/host"
)

// Router resolves a host argument to a Backend. An empty host means
// the local machine; anything else goes through the manager's
// implicit connect.
type Router struct {
	manager *host.Manager
	local   *Local
}

// NewRouter wires the router to its host pool.
func NewRouter(m *host.Manager) *Router {
	return &Router{manager: m, local: NewLocal()}
}

// Resolve picks the backend for hostName. Remote resolution may
// deploy an agent, so it can block for the full bootstrap duration.
func (r *Router) Resolve(ctx context.Context, hostName string) (Backend, error) {
	if strings.TrimSpace(hostName) == "" {
		return r.local, nil
	}
	h, err := r.manager.GetOrConnect(ctx, hostName)
	if err != nil {
		return nil, err
	}
	return NewRemote(h), nil
}
