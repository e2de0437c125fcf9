// Package tunnel holds one SSH connection per remote host and the
// local TCP forward that carries the wire to the agent's loopback
// port.
package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/nanobot-ai/nanobot/internal/hostreg"
)

// ErrNetworkUnreachable marks failures of the SSH leg.
var ErrNetworkUnreachable = errors.New("nanobot: network unreachable")

// DialTimeout bounds SSH transport establishment.
const DialTimeout = 20 * time.Second

// Tunnel owns one SSH client and one local listener forwarding
// 127.0.0.1:<localPort> to 127.0.0.1:<remotePort> on the target. A
// tunnel belongs to exactly one RemoteHost.
type Tunnel struct {
	client    *ssh.Client
	listener  net.Listener
	localPort int
	log       logrus.FieldLogger

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// Open dials the SSH target from cfg and starts forwarding a free
// ephemeral local port to remotePort on the target's loopback.
func Open(ctx context.Context, cfg *hostreg.HostConfig, remotePort int, log logrus.FieldLogger) (*Tunnel, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	userName, hostName, err := splitTarget(cfg.SSHTarget)
	if err != nil {
		return nil, err
	}
	auth, err := authMethods(cfg.SSHKeyPath)
	if err != nil {
		return nil, err
	}
	sshCfg := &ssh.ClientConfig{
		User:            userName,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         DialTimeout,
	}

	addr := net.JoinHostPort(hostName, fmt.Sprintf("%d", cfg.SSHPort))
	client, err := dialSSH(ctx, addr, sshCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: ssh %s: %v", ErrNetworkUnreachable, addr, err)
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("listen for forward: %w", err)
	}

	t := &Tunnel{
		client:    client,
		listener:  lis,
		localPort: lis.Addr().(*net.TCPAddr).Port,
		log:       log,
		done:      make(chan struct{}),
	}
	go t.acceptLoop(remotePort)
	return t, nil
}

// dialSSH honors ctx cancellation on top of the ClientConfig timeout.
func dialSSH(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func (t *Tunnel) acceptLoop(remotePort int) {
	target := fmt.Sprintf("127.0.0.1:%d", remotePort)
	for {
		local, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
			default:
				t.log.WithError(err).Debug("forward accept")
			}
			return
		}
		go t.forward(local, target)
	}
}

func (t *Tunnel) forward(local net.Conn, target string) {
	remote, err := t.client.Dial("tcp", target)
	if err != nil {
		t.log.WithError(err).Warnf("forward to %s", target)
		_ = local.Close()
		return
	}
	go func() {
		_, _ = io.Copy(remote, local)
		_ = remote.Close()
	}()
	_, _ = io.Copy(local, remote)
	_ = local.Close()
	_ = remote.Close()
}

// LocalPort returns the gateway-side port of the forward.
func (t *Tunnel) LocalPort() int { return t.localPort }

// LocalAddr returns host:port of the gateway-side listener.
func (t *Tunnel) LocalAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", t.localPort)
}

// Probe checks SSH transport liveness with a keepalive request.
func (t *Tunnel) Probe(ctx context.Context) error {
	type result struct{ err error }
	ch := make(chan result, 1)
	go func() {
		_, _, err := t.client.SendRequest("keepalive@openssh.com", true, nil)
		ch <- result{err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("%w: probe: %v", ErrNetworkUnreachable, r.err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: probe: %v", ErrNetworkUnreachable, ctx.Err())
	}
}

// Run executes a command on the target over a fresh SSH session and
// returns combined output with the command's exit code.
func (t *Tunnel) Run(ctx context.Context, command string) (string, int, error) {
	sess, err := t.client.NewSession()
	if err != nil {
		return "", -1, fmt.Errorf("%w: session: %v", ErrNetworkUnreachable, err)
	}
	defer sess.Close()

	var out bytes.Buffer
	sess.Stdout = &out
	sess.Stderr = &out

	errCh := make(chan error, 1)
	go func() { errCh <- sess.Run(command) }()
	select {
	case err = <-errCh:
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return out.String(), -1, ctx.Err()
	}
	if err == nil {
		return out.String(), 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return out.String(), exitErr.ExitStatus(), nil
	}
	return out.String(), -1, fmt.Errorf("run %q: %w", command, err)
}

// SFTP opens an SFTP subsystem on the tunnel's SSH connection. The
// caller closes it.
func (t *Tunnel) SFTP() (*sftp.Client, error) {
	c, err := sftp.NewClient(t.client)
	if err != nil {
		return nil, fmt.Errorf("open sftp: %w", err)
	}
	return c, nil
}

// Close releases the listener and the SSH connection. Idempotent.
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		lerr := t.listener.Close()
		cerr := t.client.Close()
		if lerr != nil {
			t.closeErr = lerr
		} else if cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			t.closeErr = cerr
		}
	})
	return t.closeErr
}

func splitTarget(target string) (userName, host string, err error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", "", errors.New("empty ssh target")
	}
	if i := strings.LastIndex(target, "@"); i >= 0 {
		userName, host = target[:i], target[i+1:]
	} else {
		host = target
		if u, uerr := user.Current(); uerr == nil {
			userName = u.Username
		}
	}
	if host == "" {
		return "", "", fmt.Errorf("invalid ssh target %q", target)
	}
	return userName, host, nil
}

func authMethods(keyPath string) ([]ssh.AuthMethod, error) {
	if strings.TrimSpace(keyPath) != "" {
		key, err := os.ReadFile(expandHome(keyPath))
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, errors.New("no ssh key configured and no ssh-agent available")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("dial ssh-agent: %w", err)
	}
	ag := agent.NewClient(conn)
	return []ssh.AuthMethod{ssh.PublicKeysCallback(ag.Signers)}, nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return strings.Replace(p, "~", home, 1)
		}
	}
	return p
}
