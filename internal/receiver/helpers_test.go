package receiver_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leonletto/sigrecv/internal/entity"
	"github.com/leonletto/sigrecv/internal/ledger"
	"github.com/leonletto/sigrecv/internal/message"
	"github.com/leonletto/sigrecv/internal/receiver"
	"github.com/leonletto/sigrecv/internal/store"
	"github.com/leonletto/sigrecv/internal/timestamp"
	"github.com/leonletto/sigrecv/internal/types"
)

const (
	selfNumber = "+15550001"
	bobNumber  = "+15550002"
	waitFor    = 2 * time.Second
)

func ts(ms int64) timestamp.Timestamp { return timestamp.FromMillis(ms) }

type harness struct {
	dir    *entity.Directory
	ledger *ledger.Ledger
	path   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{path: filepath.Join(t.TempDir(), "messages.json")}
	h.reopen(t)
	return h
}

func (h *harness) reopen(t *testing.T) {
	t.Helper()
	dir, err := entity.NewDirectory(types.Address{Number: selfNumber})
	require.NoError(t, err)
	st, err := store.NewFileStore(h.path)
	require.NoError(t, err)
	l, err := ledger.Open(ledger.Options{Store: st, Resolver: dir})
	require.NoError(t, err)
	h.dir, h.ledger = dir, l
}

func (h *harness) engine(t *testing.T, opts receiver.Options) *receiver.Engine {
	t.Helper()
	if opts.Account == "" {
		opts.Account = selfNumber
	}
	opts.Ledger = h.ledger
	opts.Directory = h.dir
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	e, err := receiver.New(opts)
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e
}

func (h *harness) bob() *entity.Contact {
	_, c := h.dir.GetOrAddContact(types.Address{Number: bobNumber})
	return c
}

// recorder collects listener calls.
type recorder struct {
	mu   sync.Mutex
	msgs []message.Message
	ch   chan message.Message
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan message.Message, 64)}
}

func (r *recorder) listen(v receiver.Verdict) receiver.Listener {
	return func(m message.Message) receiver.Verdict {
		r.mu.Lock()
		r.msgs = append(r.msgs, m)
		r.mu.Unlock()
		r.ch <- m
		return v
	}
}

func (r *recorder) all() []message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message.Message(nil), r.msgs...)
}

func (r *recorder) next(t *testing.T) message.Message {
	t.Helper()
	select {
	case m := <-r.ch:
		return m
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for listener")
		return nil
	}
}

func dataEnvelope(from string, at int64, body string) *types.Envelope {
	return &types.Envelope{
		SourceNumber: from,
		SourceDevice: 1,
		Timestamp:    ts(at),
		DataMessage:  &types.DataMessage{Timestamp: ts(at), Message: body},
	}
}

func typingEnvelope(from string, at int64, action string) *types.Envelope {
	return &types.Envelope{
		SourceNumber:  from,
		SourceDevice:  1,
		Timestamp:     ts(at),
		TypingMessage: &types.TypingMessage{Action: action, Timestamp: ts(at)},
	}
}

func receiptEnvelope(from string, at int64, when int64, targets ...int64) *types.Envelope {
	rm := &types.ReceiptMessage{When: ts(when), IsRead: true}
	for _, target := range targets {
		rm.Timestamps = append(rm.Timestamps, ts(target))
	}
	return &types.Envelope{SourceNumber: from, SourceDevice: 1, Timestamp: ts(at), ReceiptMessage: rm}
}

type refresher struct {
	mu       sync.Mutex
	contacts int
	groups   int
}

func (r *refresher) RefreshContacts(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contacts++
	return nil
}

func (r *refresher) RefreshGroups(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups++
	return nil
}

type observer struct {
	mu        sync.Mutex
	processed map[types.Kind]int
	malformed int
	expired   int
}

func newObserver() *observer {
	return &observer{processed: make(map[types.Kind]int)}
}

func (o *observer) EnvelopeProcessed(_ string, kind types.Kind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.processed[kind]++
}

func (o *observer) EnvelopeMalformed(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.malformed++
}

func (o *observer) MessagesExpired(_ string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expired += n
}

func (o *observer) BuffersChanged(string, int, int) {}

func (o *observer) malformedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.malformed
}
