package wire

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultCallTimeout applies when the caller's context carries no
	// deadline of its own.
	DefaultCallTimeout = 60 * time.Second

	handshakeTimeout = 10 * time.Second
	authReadTimeout  = 10 * time.Second
	writeTimeout     = 15 * time.Second
)

// Client frames RPC requests over one WebSocket connection and
// correlates responses by requestId. A Client is safe for concurrent
// use; writes are serialized so requests reach the server in call
// order.
type Client struct {
	conn *websocket.Conn
	log  logrus.FieldLogger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Response
	closed  bool
	failure error

	pongCh chan struct{}
	ackCh  chan struct{}
	done   chan struct{}
}

// NewRequestID returns a fresh uuid v4 request id.
func NewRequestID() string { return uuid.NewString() }

// Dial connects to the agent behind the tunnel's local port,
// authenticates, and starts the read loop. The returned Client owns
// the connection.
func Dial(ctx context.Context, addr, token string, log logrus.FieldLogger) (*Client, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, addr, http.Header{})
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	conn.SetReadLimit(MaxFrameBytes)

	c := &Client{
		conn:    conn,
		log:     log,
		pending: make(map[string]chan Response),
		pongCh:  make(chan struct{}, 1),
		ackCh:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if err := c.authenticate(token); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) authenticate(token string) error {
	if err := c.conn.WriteJSON(AuthFrame{Token: token}); err != nil {
		return fmt.Errorf("send auth frame: %w", err)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(authReadTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	var resp Response
	if err := c.conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("read auth reply: %w", err)
	}
	switch resp.Type {
	case TypeAuthenticated:
		return nil
	case TypeError:
		if resp.Code == CodeUnauthorized {
			return fmt.Errorf("%w: %s", ErrUnauthorized, resp.Message)
		}
		return fmt.Errorf("auth rejected: %s: %s", resp.Code, resp.Message)
	default:
		return fmt.Errorf("unexpected auth reply type %q", resp.Type)
	}
}

// Call sends req and waits for the correlated response. The request
// must carry a RequestID. Deadline expiry fails with ErrTimeout and
// abandons the wait without tearing down the connection.
func (c *Client) Call(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.RequestID) == "" {
		return Response{}, errors.New("request without requestId")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	ch := make(chan Response, 1)
	c.mu.Lock()
	if c.closed {
		err := c.failure
		c.mu.Unlock()
		return Response{}, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	if _, dup := c.pending[req.RequestID]; dup {
		c.mu.Unlock()
		return Response{}, fmt.Errorf("requestId %s already pending", req.RequestID)
	}
	c.pending[req.RequestID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
	}()

	if err := c.write(req); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	select {
	case resp := <-ch:
		if resp.Type == TypeError {
			return resp, errorFromFrame(resp)
		}
		return resp, nil
	case <-c.done:
		c.mu.Lock()
		err := c.failure
		c.mu.Unlock()
		return Response{}, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Response{}, fmt.Errorf("%w: %s %s", ErrTimeout, req.Type, req.RequestID)
		}
		return Response{}, ctx.Err()
	}
}

func errorFromFrame(resp Response) error {
	switch resp.Code {
	case CodeRequestIDConflict:
		return fmt.Errorf("%w: %s", ErrRequestIDConflict, resp.Message)
	case CodeUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, resp.Message)
	default:
		return fmt.Errorf("remote error %s: %s", resp.Code, resp.Message)
	}
}

// Ping sends a liveness probe and waits for pong. Ping frames carry no
// requestId so at most one ping should be outstanding per client.
func (c *Client) Ping(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}
	select {
	case <-c.pongCh:
	default:
	}
	if err := c.write(Request{Type: TypePing}); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	select {
	case <-c.pongCh:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: ping", ErrTimeout)
	}
}

// Shutdown asks the server process to exit and waits for the ack.
func (c *Client) Shutdown(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	select {
	case <-c.ackCh:
	default:
	}
	if err := c.write(Request{Type: TypeShutdown}); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	select {
	case <-c.ackCh:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown ack", ErrTimeout)
	}
}

// Close ends this connection only; the remote server keeps running.
// Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	_ = c.write(Request{Type: TypeClose})
	err := c.conn.Close()
	c.fail(ErrConnectionClosed)
	return err
}

func (c *Client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *Client) readLoop() {
	for {
		var resp Response
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.fail(err)
			return
		}
		switch resp.Type {
		case TypePong:
			select {
			case c.pongCh <- struct{}{}:
			default:
			}
		case TypeShutdownAck:
			select {
			case c.ackCh <- struct{}{}:
			default:
			}
		case TypeResult, TypeError:
			if !c.deliver(resp) {
				c.log.WithFields(logrus.Fields{
					"requestId": resp.RequestID,
					"type":      resp.Type,
				}).Warn("dropping unsolicited response")
			}
		case TypeAuthenticated:
			// Duplicate auth confirmations are harmless.
		default:
			c.log.WithField("type", resp.Type).Warn("unknown frame type")
		}
	}
}

func (c *Client) deliver(resp Response) bool {
	c.mu.Lock()
	ch, ok := c.pending[resp.RequestID]
	if ok {
		delete(c.pending, resp.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.failure = err
	c.pending = make(map[string]chan Response)
	c.mu.Unlock()
	close(c.done)
	_ = c.conn.Close()
}
