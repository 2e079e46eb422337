// Package rpctest runs an in-process fake daemon on a unix socket for tests.
package rpctest

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leonletto/sigrecv/internal/rpc"
)

// Handler answers one request. Returning an *rpc.Error sends it verbatim;
// any other error becomes a -32000 server error.
type Handler func(params json.RawMessage) (any, error)

// Request is a call the server received.
type Request struct {
	Method string
	Params json.RawMessage
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpc.Error      `json:"error,omitempty"`
}

type clientConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (c *clientConn) writeLine(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(append(data, '\n'))
	return err
}

// Server is a fake daemon.
type Server struct {
	t          testing.TB
	socketPath string
	listener   net.Listener

	mu         sync.Mutex
	handlers   map[string]Handler
	requests   []Request
	subscribed []*clientConn
	conns      []*clientConn
	changed    chan struct{}
	wg         sync.WaitGroup
}

// NewServer listens on a fresh socket and stops when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	// Socket paths are length limited, so avoid the long t.TempDir path.
	dir, err := os.MkdirTemp("", "sigrecv")
	if err != nil {
		t.Fatalf("create socket dir: %v", err)
	}
	socketPath := filepath.Join(dir, "d.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen on socket: %v", err)
	}

	s := &Server{
		t:          t,
		socketPath: socketPath,
		listener:   listener,
		handlers:   make(map[string]Handler),
		changed:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(func() {
		s.Stop()
		_ = os.RemoveAll(dir)
	})
	return s
}

// Address returns the socket path.
func (s *Server) Address() string {
	return s.socketPath
}

// Handle registers a handler for method.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// HandleReceive registers the methods a receive engine issues.
// subscribeReceive answers with subscription id 7.
func (s *Server) HandleReceive() {
	s.Handle("sendSyncRequest", func(json.RawMessage) (any, error) { return map[string]any{}, nil })
	s.Handle("subscribeReceive", func(json.RawMessage) (any, error) { return 7, nil })
	s.Handle("unsubscribeReceive", func(json.RawMessage) (any, error) { return map[string]any{}, nil })
}

// Requests returns the calls received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// WaitForRequest blocks until method has been called n times.
func (s *Server) WaitForRequest(method string, n int, timeout time.Duration) []Request {
	s.t.Helper()
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		var got []Request
		for _, r := range s.requests {
			if r.Method == method {
				got = append(got, r)
			}
		}
		changed := s.changed
		s.mu.Unlock()
		if len(got) >= n {
			return got
		}
		select {
		case <-changed:
		case <-deadline:
			s.t.Fatalf("timed out waiting for %d %s calls, got %d", n, method, len(got))
			return nil
		}
	}
}

// WaitForSubscriber blocks until a connection has subscribed.
func (s *Server) WaitForSubscriber(timeout time.Duration) {
	s.t.Helper()
	s.WaitForRequest("subscribeReceive", 1, timeout)
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		n := len(s.subscribed)
		changed := s.changed
		s.mu.Unlock()
		if n > 0 {
			return
		}
		select {
		case <-changed:
		case <-deadline:
			s.t.Fatalf("timed out waiting for subscriber")
		}
	}
}

// PushEnvelope sends a receive notification carrying envelope to every
// subscribed connection.
func (s *Server) PushEnvelope(account string, envelope any) {
	s.t.Helper()
	s.Push("receive", map[string]any{"account": account, "envelope": envelope})
}

// Push sends a notification to every subscribed connection.
func (s *Server) Push(method string, params any) {
	s.t.Helper()
	data, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
	if err != nil {
		s.t.Fatalf("marshal notification: %v", err)
	}
	s.PushRaw(data)
}

// PushRaw writes a raw line to every subscribed connection.
func (s *Server) PushRaw(line []byte) {
	s.mu.Lock()
	subs := append([]*clientConn(nil), s.subscribed...)
	s.mu.Unlock()
	for _, c := range subs {
		_ = c.writeLine(line)
	}
}

// Stop closes the listener and every connection.
func (s *Server) Stop() {
	_ = s.listener.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		c := &clientConn{conn: conn}
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handleConnection(c)
	}
}

func (s *Server) handleConnection(c *clientConn) {
	defer s.wg.Done()
	defer func() { _ = c.conn.Close() }()

	reader := bufio.NewReader(c.conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			s.reply(c, response{JSONRPC: "2.0", ID: json.RawMessage("null"), Error: &rpc.Error{Code: -32700, Message: "Parse error"}})
			continue
		}

		s.mu.Lock()
		s.requests = append(s.requests, Request{Method: req.Method, Params: req.Params})
		handler, ok := s.handlers[req.Method]
		s.mu.Unlock()

		resp := response{JSONRPC: "2.0", ID: req.ID}
		if !ok {
			resp.Error = &rpc.Error{Code: -32601, Message: "Method not found"}
		} else if result, err := handler(req.Params); err != nil {
			var rpcErr *rpc.Error
			if errors.As(err, &rpcErr) {
				resp.Error = rpcErr
			} else {
				resp.Error = &rpc.Error{Code: -32000, Message: err.Error()}
			}
		} else {
			data, err := json.Marshal(result)
			if err != nil {
				resp.Error = &rpc.Error{Code: -32603, Message: "Internal error"}
			} else {
				resp.Result = data
			}
		}
		s.reply(c, resp)

		s.mu.Lock()
		if req.Method == "subscribeReceive" && resp.Error == nil {
			s.subscribed = append(s.subscribed, c)
		}
		s.notifyLocked()
		s.mu.Unlock()
	}
}

func (s *Server) reply(c *clientConn, resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = c.writeLine(data)
}
