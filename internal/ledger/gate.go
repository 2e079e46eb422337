package ledger

import "sync"

// Gate keeps envelope processing out of the ledger while a send on the same
// account is in flight. Any number of sends may run together; receive
// processing waits for all of them and blocks new ones until it is done.
//
// Listener callbacks must run outside Receive so that they can send.
type Gate struct {
	mu      sync.RWMutex
	stateMu sync.Mutex
	sending int
}

// BeginSend marks a send in flight, waiting for any receive processing to
// finish first.
func (g *Gate) BeginSend() {
	g.mu.RLock()
	g.stateMu.Lock()
	g.sending++
	g.stateMu.Unlock()
}

// EndSend releases a BeginSend.
func (g *Gate) EndSend() {
	g.stateMu.Lock()
	g.sending--
	g.stateMu.Unlock()
	g.mu.RUnlock()
}

// Sending reports whether any send is in flight.
func (g *Gate) Sending() bool {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	return g.sending > 0
}

// Receive runs fn once no send is in flight.
func (g *Gate) Receive(fn func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn()
}
