// Package agent implements the on-host server: a loopback WebSocket
// endpoint that executes shell commands through one multiplexer
// session and serves structured file RPCs, deduplicating retried
// requests per connection.
package agent

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nanobot-ai/nanobot/internal/wire"
)

const authDeadline = 10 * time.Second

// Config describes one server instance.
type Config struct {
	Listen     string
	Token      string
	SessionDir string
	NoTmux     bool
}

// Server accepts one client at a time and dispatches its frames.
type Server struct {
	cfg  Config
	log  *slog.Logger
	exec Executor

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu     sync.Mutex
	active bool

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New builds a server. A nil executor selects tmux or subprocess mode
// from cfg.
func New(cfg Config, exec Executor, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if exec == nil {
		if cfg.NoTmux {
			exec = NewSubprocessExecutor()
		} else {
			exec = NewTmuxExecutor(tmuxSocketPath(cfg.SessionDir), nil)
		}
	}
	return &Server{
		cfg:  cfg,
		log:  log,
		exec: exec,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		shutdownCh: make(chan struct{}),
	}
}

func tmuxSocketPath(sessionDir string) string {
	dir := strings.TrimSpace(sessionDir)
	if dir == "" {
		dir = "/tmp"
	}
	return strings.TrimRight(dir, "/") + "/tmux.sock"
}

// ShutdownRequested is closed once a client asked the process to exit.
func (s *Server) ShutdownRequested() <-chan struct{} { return s.shutdownCh }

// ListenAndServe blocks until ctx is cancelled or a shutdown request
// arrives, then cleans up the executor and stops listening.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	s.log.Info("listening", "addr", lis.Addr().String())

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	s.httpSrv = &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.Serve(lis) }()

	select {
	case <-ctx.Done():
	case <-s.shutdownCh:
	case err := <-errCh:
		return err
	}

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.exec.Cleanup(cleanupCtx)
	_ = s.httpSrv.Shutdown(cleanupCtx)
	return nil
}

func (s *Server) requestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(wire.MaxFrameBytes)

	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		s.log.Warn("refusing second client", "remote", r.RemoteAddr)
		c := newConnState(s, conn)
		c.writeFrame(wire.Response{
			Type:    wire.TypeError,
			Code:    wire.CodeBusy,
			Message: "another client is connected",
		})
		_ = conn.Close()
		return
	}
	s.active = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
		_ = conn.Close()
	}()

	c := newConnState(s, conn)
	if !c.authenticate() {
		return
	}
	c.serve()
}

// connState is the per-connection dispatcher. Its idempotency cache
// dies with the connection; cross-connection retries are not
// deduplicated.
type connState struct {
	srv  *Server
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex
	idem    *idemCache
	handled sync.WaitGroup
}

func newConnState(s *Server, conn *websocket.Conn) *connState {
	return &connState{
		srv:  s,
		conn: conn,
		log:  s.log.With("remote", conn.RemoteAddr().String()),
		idem: newIdemCache(),
	}
}

func (c *connState) writeFrame(resp wire.Response) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(15 * time.Second))
	if err := c.conn.WriteJSON(resp); err != nil {
		c.log.Warn("write frame", "err", err)
	}
}

func (c *connState) authenticate() bool {
	_ = c.conn.SetReadDeadline(time.Now().Add(authDeadline))
	defer c.conn.SetReadDeadline(time.Time{})

	var frame wire.AuthFrame
	if err := c.conn.ReadJSON(&frame); err != nil {
		c.log.Warn("auth read", "err", err)
		return false
	}
	want := c.srv.cfg.Token
	if want != "" && subtle.ConstantTimeCompare([]byte(want), []byte(frame.Token)) != 1 {
		c.writeFrame(wire.Response{
			Type:    wire.TypeError,
			Code:    wire.CodeUnauthorized,
			Message: "bad token",
		})
		c.log.Warn("rejected client with bad token")
		return false
	}
	c.writeFrame(wire.Response{Type: wire.TypeAuthenticated})
	c.log.Info("client authenticated")
	return true
}

func (c *connState) serve() {
	defer c.handled.Wait()
	for {
		var req wire.Request
		if err := c.conn.ReadJSON(&req); err != nil {
			if !errors.Is(err, net.ErrClosed) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("connection ended", "err", err)
			}
			return
		}
		switch req.Type {
		case wire.TypePing:
			c.writeFrame(wire.Response{Type: wire.TypePong})
		case wire.TypeClose:
			c.log.Info("client closed connection")
			return
		case wire.TypeShutdown:
			c.writeFrame(wire.Response{Type: wire.TypeShutdownAck})
			c.log.Info("shutdown requested")
			c.srv.requestShutdown()
			return
		case wire.TypeExec, wire.TypeReadFile, wire.TypeReadBytes, wire.TypeWriteFile,
			wire.TypeEditFile, wire.TypeListDir, wire.TypeCompareFile:
			if !c.dispatch(req) {
				return
			}
		default:
			c.writeFrame(wire.Response{
				Type:      wire.TypeError,
				RequestID: req.RequestID,
				Code:      wire.CodeBadRequest,
				Message:   fmt.Sprintf("unknown request type %q", req.Type),
			})
			return
		}
	}
}

// dispatch routes one typed request through the idempotency layer.
// File handlers run concurrently; exec serializes inside the
// executor. Returns false when the connection must close.
func (c *connState) dispatch(req wire.Request) bool {
	if strings.TrimSpace(req.RequestID) == "" {
		c.writeFrame(wire.Response{
			Type:    wire.TypeError,
			Code:    wire.CodeBadRequest,
			Message: fmt.Sprintf("%s request without requestId", req.Type),
		})
		return false
	}
	fp := Fingerprint(req)
	c.handled.Add(1)
	go func() {
		defer c.handled.Done()
		resp, err := c.idem.Do(req.RequestID, fp, func() wire.Response {
			return c.handle(req)
		})
		if errors.Is(err, ErrRequestIDConflict) {
			c.writeFrame(wire.Response{
				Type:      wire.TypeError,
				RequestID: req.RequestID,
				Code:      wire.CodeRequestIDConflict,
				Message:   fmt.Sprintf("requestId %s reused with a different payload", req.RequestID),
			})
			return
		}
		resp.RequestID = req.RequestID
		c.writeFrame(resp)
	}()
	return true
}

func (c *connState) handle(req wire.Request) wire.Response {
	switch req.Type {
	case wire.TypeExec:
		return c.handleExec(req)
	case wire.TypeReadFile:
		return c.handleReadFile(req)
	case wire.TypeReadBytes:
		return c.handleReadBytes(req)
	case wire.TypeWriteFile:
		return c.handleWriteFile(req)
	case wire.TypeEditFile:
		return c.handleEditFile(req)
	case wire.TypeListDir:
		return c.handleListDir(req)
	case wire.TypeCompareFile:
		return c.handleCompareFile(req)
	}
	return wire.Response{Type: wire.TypeResult, Success: false, Error: "unreachable"}
}

func (c *connState) handleExec(req wire.Request) wire.Response {
	timeout := time.Duration(req.TimeoutSec * float64(time.Second))
	res, err := c.srv.exec.Exec(context.Background(), req.Command, req.WorkingDir, timeout)
	if errors.Is(err, ErrExecTimeout) {
		return wire.Response{Type: wire.TypeResult, Success: false, Error: "timeout"}
	}
	if err != nil {
		return wire.Response{Type: wire.TypeResult, Success: false, Error: err.Error()}
	}
	resp := wire.Response{
		Type:     wire.TypeResult,
		Success:  res.ExitCode == 0,
		Output:   res.Output,
		ExitCode: wire.IntPtr(res.ExitCode),
	}
	if res.ExitCode != 0 {
		resp.Error = fmt.Sprintf("exit status %d", res.ExitCode)
	}
	return resp
}

func (c *connState) handleReadFile(req wire.Request) wire.Response {
	content, err := ReadFileCapped(req.Path)
	if err != nil {
		return fileError(err)
	}
	return wire.Response{Type: wire.TypeResult, Success: true, Content: content}
}

func (c *connState) handleReadBytes(req wire.Request) wire.Response {
	data, err := ReadBytesCapped(req.Path)
	if err != nil {
		return fileError(err)
	}
	return wire.Response{
		Type:    wire.TypeResult,
		Success: true,
		Data:    base64.StdEncoding.EncodeToString(data),
	}
}

func (c *connState) handleWriteFile(req wire.Request) wire.Response {
	n, err := WriteFileAtomic(req.Path, []byte(req.Content))
	if err != nil {
		return fileError(err)
	}
	return wire.Response{Type: wire.TypeResult, Success: true, Bytes: n}
}

func (c *connState) handleEditFile(req wire.Request) wire.Response {
	if err := EditFileUnique(req.Path, req.OldText, req.NewText); err != nil {
		return fileError(err)
	}
	return wire.Response{Type: wire.TypeResult, Success: true}
}

func (c *connState) handleListDir(req wire.Request) wire.Response {
	entries, err := ListDirEntries(req.Path)
	if err != nil {
		return fileError(err)
	}
	if entries == nil {
		entries = []wire.DirEntry{}
	}
	return wire.Response{Type: wire.TypeResult, Success: true, Entries: entries}
}

func (c *connState) handleCompareFile(req wire.Request) wire.Response {
	match, got, err := CompareFileSHA(req.Path, req.SHA256)
	if err != nil {
		return fileError(err)
	}
	return wire.Response{
		Type:    wire.TypeResult,
		Success: true,
		Match:   wire.BoolPtr(match),
		SHA256:  got,
	}
}

// fileError maps file-service failures onto structured results. These
// are application errors, not RPC failures.
func fileError(err error) wire.Response {
	resp := wire.Response{Type: wire.TypeResult, Success: false, Error: err.Error()}
	switch {
	case errors.Is(err, ErrFileNotFound):
		resp.Code = wire.CodeNotFound
	case errors.Is(err, ErrNotUnique):
		resp.Code = wire.CodeNotUnique
	default:
		resp.Code = wire.CodeIOError
	}
	return resp
}
