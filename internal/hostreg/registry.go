// Package hostreg persists the set of configured remote hosts.
//
// The registry lives in a single JSON document, written atomically on
// every mutation. A corrupt file is preserved under a .bak suffix and
// the registry starts empty.
package hostreg

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	DefaultSSHPort    = 22
	DefaultRemotePort = 8765

	// ConfigDirEnv overrides the directory holding hosts.json.
	ConfigDirEnv = "NANOBOT_CONFIG_DIR"
)

var (
	ErrHostNotFound  = errors.New("nanobot: host not found")
	ErrAlreadyExists = errors.New("nanobot: host already exists")
)

// Session describes a resumable remote agent instance recorded during
// setup. Ports and token are snapshotted because the live config may
// drift between gateway restarts.
type Session struct {
	SessionID  string `json:"sessionId"`
	RemoteDir  string `json:"remoteDir"`
	RemotePort int    `json:"remotePort"`
	LocalPort  int    `json:"localPort"`
	AuthToken  string `json:"authToken,omitempty"`
}

// HostConfig is one registered host. Immutable after registration
// except for LocalPort and ActiveSession, which track the live
// connection.
type HostConfig struct {
	Name          string   `json:"name"`
	SSHTarget     string   `json:"sshTarget"`
	SSHPort       int      `json:"sshPort"`
	SSHKeyPath    string   `json:"sshKeyPath,omitempty"`
	RemotePort    int      `json:"remotePort"`
	LocalPort     int      `json:"localPort,omitempty"`
	AuthToken     string   `json:"authToken,omitempty"`
	Workspace     string   `json:"workspace,omitempty"`
	ActiveSession *Session `json:"activeSession,omitempty"`
}

func (c *HostConfig) clone() *HostConfig {
	out := *c
	if c.ActiveSession != nil {
		s := *c.ActiveSession
		out.ActiveSession = &s
	}
	return &out
}

type document struct {
	Hosts map[string]*HostConfig `json:"hosts"`
}

// Registry is the persisted host map. All mutations save immediately.
type Registry struct {
	path string
	log  logrus.FieldLogger

	mu    sync.RWMutex
	hosts map[string]*HostConfig
}

// DefaultPath returns $NANOBOT_CONFIG_DIR/hosts.json, falling back to
// ~/.nanobot/hosts.json.
func DefaultPath() string {
	if dir := strings.TrimSpace(os.Getenv(ConfigDirEnv)); dir != "" {
		return filepath.Join(dir, "hosts.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".nanobot", "hosts.json")
	}
	return filepath.Join(home, ".nanobot", "hosts.json")
}

// Load reads the registry at path, creating an empty one when the file
// is missing. A file that fails to parse is moved aside to path+".bak"
// and an empty registry is returned with a warning.
func Load(path string, log logrus.FieldLogger) (*Registry, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Registry{path: path, log: log, hosts: make(map[string]*HostConfig)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read host registry: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return r, nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		bak := path + ".bak"
		if mvErr := os.Rename(path, bak); mvErr != nil {
			log.WithError(mvErr).Warn("could not preserve corrupt host registry")
		}
		log.WithError(err).Warnf("host registry corrupt, preserved as %s, starting empty", bak)
		return r, nil
	}
	for name, cfg := range doc.Hosts {
		if cfg == nil {
			continue
		}
		cfg.Name = name
		applyDefaults(cfg)
		r.hosts[name] = cfg
	}
	return r, nil
}

func applyDefaults(cfg *HostConfig) {
	if cfg.SSHPort == 0 {
		cfg.SSHPort = DefaultSSHPort
	}
	if cfg.RemotePort == 0 {
		cfg.RemotePort = DefaultRemotePort
	}
}

// Path returns the backing file location.
func (r *Registry) Path() string { return r.path }

// Add registers a new host and saves. The name must be unique.
func (r *Registry) Add(cfg HostConfig) error {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return errors.New("host name must not be empty")
	}
	if strings.TrimSpace(cfg.SSHTarget) == "" {
		return errors.New("ssh target must not be empty")
	}
	applyDefaults(&cfg)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hosts[cfg.Name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, cfg.Name)
	}
	r.hosts[cfg.Name] = cfg.clone()
	return r.saveLocked()
}

// Remove drops a host and saves.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hosts[name]; !ok {
		return fmt.Errorf("%w: %s", ErrHostNotFound, name)
	}
	delete(r.hosts, name)
	return r.saveLocked()
}

// Get returns a copy of the named host config.
func (r *Registry) Get(name string) (*HostConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.hosts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHostNotFound, name)
	}
	return cfg.clone(), nil
}

// List returns copies of all host configs sorted by name.
func (r *Registry) List() []*HostConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*HostConfig, 0, len(r.hosts))
	for _, cfg := range r.hosts {
		out = append(out, cfg.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SaveSession records the active session for a host and saves. The
// host's LocalPort follows the session so list output shows the live
// forward.
func (r *Registry) SaveSession(name string, sess Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.hosts[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrHostNotFound, name)
	}
	s := sess
	cfg.ActiveSession = &s
	cfg.LocalPort = sess.LocalPort
	return r.saveLocked()
}

// ClearSession removes the active session marker and saves. Only
// called after a teardown completed.
func (r *Registry) ClearSession(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.hosts[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrHostNotFound, name)
	}
	if cfg.ActiveSession == nil {
		return nil
	}
	cfg.ActiveSession = nil
	cfg.LocalPort = 0
	return r.saveLocked()
}

func (r *Registry) saveLocked() error {
	doc := document{Hosts: r.hosts}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode host registry: %w", err)
	}
	if err := writeFileAtomic(r.path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("save host registry: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".hosts-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	success = true
	return nil
}
