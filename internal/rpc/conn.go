// Package rpc is a line-delimited JSON-RPC 2.0 connection to the messaging
// daemon, over a unix socket or TCP.
package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrTimeout is returned by ReadFrame when no complete frame arrived within
// the poll window. The connection stays usable.
var ErrTimeout = errors.New("no frame within poll window")

// Error is the daemon's JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// TransportError wraps a socket failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is a socket failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Frame is one JSON-RPC message: a response (ID set) or a notification
// (Method set, no ID).
type Frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`

	// Raw is the line the frame was decoded from.
	Raw json.RawMessage `json:"-"`
}

// IsNotification reports whether the frame carries no request id.
func (f *Frame) IsNotification() bool {
	return len(f.ID) == 0 || string(f.ID) == "null"
}

// Conn is a connection to the daemon. Calls are serialized; notifications
// that arrive while a call waits for its response are queued for ReadFrame.
type Conn struct {
	conn    net.Conn
	addr    string
	reader  *bufio.Reader
	nextID  atomic.Uint64
	writeMu sync.Mutex
	readMu  sync.Mutex
	callMu  sync.Mutex

	partial []byte
	backlog []*Frame
	closed  atomic.Bool
}

// Network returns "unix" for socket paths and "tcp" for host:port
// addresses.
func Network(address string) string {
	if strings.Contains(address, "/") || strings.HasSuffix(address, ".sock") {
		return "unix"
	}
	if _, _, err := net.SplitHostPort(address); err == nil {
		return "tcp"
	}
	return "unix"
}

// Dial connects to the daemon at address.
func Dial(ctx context.Context, address string) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, Network(address), address)
	if err != nil {
		return nil, &TransportError{Op: "connect to daemon at " + address, Err: err}
	}
	return &Conn{conn: conn, addr: address, reader: bufio.NewReader(conn)}, nil
}

// Address returns the address the connection was dialed with.
func (c *Conn) Address() string {
	return c.addr
}

// Call sends a request and waits for its response, decoding the result into
// result when non-nil. The context deadline bounds the wait.
func (c *Conn) Call(ctx context.Context, method string, params any, result any) error {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	id := c.nextID.Add(1)
	if err := c.write(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}); err != nil {
		return err
	}

	wantID := []byte(fmt.Sprintf("%d", id))
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
		wait := time.Duration(0)
		if deadline, ok := ctx.Deadline(); ok {
			wait = time.Until(deadline)
			if wait <= 0 {
				return fmt.Errorf("%s: %w", method, context.DeadlineExceeded)
			}
		}

		f, err := c.readLine(wait)
		if errors.Is(err, ErrTimeout) {
			continue
		}
		if err != nil {
			return err
		}
		if f.IsNotification() {
			c.readMu.Lock()
			c.backlog = append(c.backlog, f)
			c.readMu.Unlock()
			continue
		}
		if !bytes.Equal(bytes.TrimSpace(f.ID), wantID) {
			// A response to a call that gave up waiting.
			continue
		}
		if f.Error != nil {
			return f.Error
		}
		if result != nil && len(f.Result) > 0 {
			if err := json.Unmarshal(f.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Notify sends a request without waiting for the response.
func (c *Conn) Notify(method string, params any) error {
	return c.write(map[string]any{
		"jsonrpc": "2.0",
		"id":      c.nextID.Add(1),
		"method":  method,
		"params":  params,
	})
}

// ReadFrame returns the next inbound frame, waiting at most timeout. A zero
// timeout blocks. Bytes of an incomplete line are kept across timeouts.
func (c *Conn) ReadFrame(timeout time.Duration) (*Frame, error) {
	c.readMu.Lock()
	if len(c.backlog) > 0 {
		f := c.backlog[0]
		c.backlog = c.backlog[1:]
		c.readMu.Unlock()
		return f, nil
	}
	c.readMu.Unlock()
	return c.readLine(timeout)
}

func (c *Conn) readLine(timeout time.Duration) (*Frame, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, &TransportError{Op: "set read deadline", Err: err}
	}

	for {
		chunk, err := c.reader.ReadBytes('\n')
		c.partial = append(c.partial, chunk...)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, &TransportError{Op: "read frame", Err: err}
		}

		line := bytes.TrimSpace(c.partial)
		c.partial = nil
		if len(line) == 0 {
			continue
		}

		var f Frame
		if err := json.Unmarshal(line, &f); err != nil {
			return nil, &MalformedFrameError{Line: line, Err: err}
		}
		f.Raw = append(json.RawMessage(nil), line...)
		return &f, nil
	}
}

// MalformedFrameError is a line that is not valid JSON-RPC.
type MalformedFrameError struct {
	Line []byte
	Err  error
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame: %v", e.Err)
}

func (e *MalformedFrameError) Unwrap() error { return e.Err }

func (c *Conn) write(request map[string]any) error {
	data, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(data); err != nil {
		return &TransportError{Op: "write request", Err: err}
	}
	return nil
}

// Close closes the socket. Pending reads fail with a TransportError.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// WaitForSocket dials address until it succeeds or timeout elapses.
func WaitForSocket(ctx context.Context, address string, timeout time.Duration) (*Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		conn, err := Dial(ctx, address)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for daemon socket: %w", err)
		case <-ticker.C:
		}
	}
}
