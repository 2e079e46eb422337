// Package receiver runs the per-account reception engine: it subscribes to
// the daemon's receive stream, folds each envelope into the account's ledger
// and hands the resulting records to the registered listeners.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leonletto/sigrecv/internal/entity"
	"github.com/leonletto/sigrecv/internal/jsonl"
	"github.com/leonletto/sigrecv/internal/ledger"
	"github.com/leonletto/sigrecv/internal/message"
	"github.com/leonletto/sigrecv/internal/rpc"
	"github.com/leonletto/sigrecv/internal/types"
)

// DefaultPollInterval bounds how long one socket poll waits for a frame, and
// so how quickly a stop request is noticed.
const DefaultPollInterval = 50 * time.Millisecond

// ErrStoppedUnexpectedly is returned by Wait when the engine ended for any
// reason other than Stop, a listener asking to stop, or context
// cancellation. The cause is wrapped alongside it.
var ErrStoppedUnexpectedly = errors.New("reception stopped unexpectedly")

// State is a stage of the engine lifecycle.
type State int

const (
	StateCreated State = iota
	StateSubscribing
	StateReceiving
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSubscribing:
		return "subscribing"
	case StateReceiving:
		return "receiving"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Verdict is a listener's answer to whether the engine should keep going.
type Verdict int

const (
	// NoVerdict defers to the catch-all listener.
	NoVerdict Verdict = iota
	Continue
	Stop
)

// Listener receives one processed record.
type Listener func(m message.Message) Verdict

// Listeners is the fixed set of per-category hooks. All runs after the
// category listener for every processed envelope; a category verdict other
// than NoVerdict wins over the All verdict. Nil hooks are skipped.
type Listeners struct {
	Received Listener
	Receipt  Listener
	Sync     Listener
	Typing   Listener
	Story    Listener
	Reaction Listener
	Call     Listener
	All      Listener
}

// Refresher reloads the contact or group list when a linked device announces
// that it changed.
type Refresher interface {
	RefreshContacts(ctx context.Context) error
	RefreshGroups(ctx context.Context) error
}

// Observer is told about processed envelopes. metrics.Recorder implements it.
type Observer interface {
	EnvelopeProcessed(account string, kind types.Kind)
	EnvelopeMalformed(account string)
	MessagesExpired(account string, n int)
	BuffersChanged(account string, unmatched, pending int)
}

type nopObserver struct{}

func (nopObserver) EnvelopeProcessed(string, types.Kind) {}
func (nopObserver) EnvelopeMalformed(string)             {}
func (nopObserver) MessagesExpired(string, int)          {}
func (nopObserver) BuffersChanged(string, int, int)      {}

// Options configures an Engine.
type Options struct {
	// Account is the account's phone number as the daemon knows it.
	Account string
	// DeviceID is this client's device id. Anything but the primary device
	// asks the daemon for a sync before subscribing.
	DeviceID int
	// Address is the daemon socket path or host:port.
	Address      string
	PollInterval time.Duration

	// Expiry runs an expiry sweep after every processed envelope.
	Expiry bool

	Ledger    *ledger.Ledger
	Directory *entity.Directory

	// Journal, when set, receives every inbound frame.
	Journal   *jsonl.Writer
	Refresher Refresher
	Observer  Observer
	Logger    *zap.Logger
	Listeners Listeners
}

// Engine is the reception engine for one account.
type Engine struct {
	account   string
	deviceID  int
	address   string
	poll      time.Duration
	expiry    bool
	ledger    *ledger.Ledger
	dir       *entity.Directory
	journal   *jsonl.Writer
	refresher Refresher
	observer  Observer
	log       *zap.Logger
	listeners Listeners

	mu           sync.Mutex
	state        State
	conn         *rpc.Conn
	subscription int64
	err          error
	done         chan struct{}
}

// New builds an engine in the created state.
func New(opts Options) (*Engine, error) {
	if opts.Account == "" {
		return nil, errors.New("receiver requires an account")
	}
	if opts.Ledger == nil || opts.Directory == nil {
		return nil, errors.New("receiver requires a ledger and a directory")
	}
	e := &Engine{
		account:   opts.Account,
		deviceID:  opts.DeviceID,
		address:   opts.Address,
		poll:      opts.PollInterval,
		expiry:    opts.Expiry,
		ledger:    opts.Ledger,
		dir:       opts.Directory,
		journal:   opts.Journal,
		refresher: opts.Refresher,
		observer:  opts.Observer,
		log:       opts.Logger,
		listeners: opts.Listeners,
		done:      make(chan struct{}),
	}
	if e.deviceID == 0 {
		e.deviceID = entity.PrimaryDeviceID
	}
	if e.poll <= 0 {
		e.poll = DefaultPollInterval
	}
	if e.observer == nil {
		e.observer = nopObserver{}
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	e.log = e.log.Named("receiver").With(zap.String("account", e.account))
	return e, nil
}

// Account returns the account this engine receives for.
func (e *Engine) Account() string {
	return e.account
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Subscription returns the id the daemon assigned to the receive
// subscription, or zero before subscribing.
func (e *Engine) Subscription() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.subscription
}

// Done is closed once the engine reaches the stopped state.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Err returns the reason the engine stopped. It is nil while running and
// after a deliberate stop.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Wait blocks until the engine stops and returns Err.
func (e *Engine) Wait() error {
	<-e.done
	return e.Err()
}

// Run starts the engine and waits for it to stop.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	return e.Wait()
}

// Start connects to the daemon, requests a sync when this is a linked
// device, subscribes to the receive stream and starts the receive loop.
// Any daemon error during this sequence is returned and leaves the engine
// stopped.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateCreated {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("start receiver: engine is %s", state)
	}
	e.state = StateSubscribing
	e.mu.Unlock()

	conn, err := rpc.Dial(ctx, e.address)
	if err != nil {
		e.finish(err)
		return fmt.Errorf("start receiver: %w", err)
	}
	if !e.attach(conn) {
		_ = conn.Close()
		e.finish(nil)
		return errors.New("start receiver: stopped while connecting")
	}

	if err := e.subscribe(ctx, conn); err != nil {
		stopping := e.State() == StateStopping
		_ = conn.Close()
		if stopping {
			e.finish(nil)
			return errors.New("start receiver: stopped while subscribing")
		}
		e.finish(err)
		return fmt.Errorf("start receiver: %w", err)
	}

	e.mu.Lock()
	if e.state != StateSubscribing {
		e.mu.Unlock()
		e.finish(nil)
		return errors.New("start receiver: stopped while subscribing")
	}
	e.state = StateReceiving
	e.mu.Unlock()

	e.log.Info("receiving", zap.Int64("subscription", e.Subscription()))
	go e.loop(ctx, conn)
	return nil
}

func (e *Engine) attach(conn *rpc.Conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateSubscribing {
		return false
	}
	e.conn = conn
	return true
}

func (e *Engine) subscribe(ctx context.Context, conn *rpc.Conn) error {
	if e.deviceID != entity.PrimaryDeviceID {
		if err := conn.Call(ctx, "sendSyncRequest", map[string]any{"account": e.account}, nil); err != nil {
			return fmt.Errorf("sync request: %w", err)
		}
		e.log.Debug("sync requested", zap.Int("device", e.deviceID))
	}

	var subscription int64
	if err := conn.Call(ctx, "subscribeReceive", map[string]any{"account": e.account}, &subscription); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	e.mu.Lock()
	e.subscription = subscription
	e.mu.Unlock()
	return nil
}

// Stop asks the engine to stop. The daemon is told to cancel the
// subscription on a best-effort basis and the socket is closed; the receive
// loop notices on its next poll. Stop does not wait, so it is safe to call
// from a listener. Use Wait to block until the engine has stopped.
func (e *Engine) Stop() {
	e.mu.Lock()
	switch e.state {
	case StateCreated:
		e.state = StateStopped
		e.mu.Unlock()
		close(e.done)
		return
	case StateSubscribing, StateReceiving:
		e.state = StateStopping
	default:
		e.mu.Unlock()
		return
	}
	conn, subscription := e.conn, e.subscription
	e.mu.Unlock()

	if conn == nil {
		return
	}
	if subscription != 0 {
		err := conn.Notify("unsubscribeReceive", map[string]any{
			"account":      e.account,
			"subscription": subscription,
		})
		if err != nil {
			e.log.Debug("unsubscribe failed", zap.Error(err))
		}
	}
	_ = conn.Close()
}

func (e *Engine) stopping() bool {
	return e.State() == StateStopping
}

// finish moves the engine to stopped and records err. Only the first call
// has an effect.
func (e *Engine) finish(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateStopped {
		return
	}
	e.state = StateStopped
	if err != nil {
		e.err = fmt.Errorf("%w: %w", ErrStoppedUnexpectedly, err)
	}
	close(e.done)
}

func (e *Engine) loop(ctx context.Context, conn *rpc.Conn) {
	err := e.receive(ctx, conn)
	if err != nil {
		e.log.Error("receive loop failed", zap.Error(err))
	}
	e.Stop()
	e.finish(err)
	e.log.Info("stopped")
}

// receive polls the socket until the engine is asked to stop or fails. It
// returns nil for a deliberate stop.
func (e *Engine) receive(ctx context.Context, conn *rpc.Conn) error {
	for {
		if e.stopping() || ctx.Err() != nil {
			return nil
		}

		frame, err := conn.ReadFrame(e.poll)
		if errors.Is(err, rpc.ErrTimeout) {
			continue
		}
		if err != nil {
			if e.stopping() {
				return nil
			}
			var malformed *rpc.MalformedFrameError
			if errors.As(err, &malformed) {
				e.journalLine(malformed.Line, err)
				e.malformed("undecodable frame", err)
				continue
			}
			return err
		}

		e.journalFrame(frame)
		stop, err := e.ProcessFrame(frame)
		if err != nil {
			return err
		}
		if stop {
			e.log.Info("listener requested stop")
			return nil
		}
	}
}

func (e *Engine) malformed(msg string, err error) {
	e.log.Warn(msg, zap.Error(err))
	e.observer.EnvelopeMalformed(e.account)
}
