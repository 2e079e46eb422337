// Package account ties one registered number's directory, ledger and daemon
// connections together, and provides the send path.
package account

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/leonletto/sigrecv/internal/config"
	"github.com/leonletto/sigrecv/internal/entity"
	"github.com/leonletto/sigrecv/internal/jsonl"
	"github.com/leonletto/sigrecv/internal/ledger"
	"github.com/leonletto/sigrecv/internal/metrics"
	"github.com/leonletto/sigrecv/internal/paths"
	"github.com/leonletto/sigrecv/internal/receiver"
	"github.com/leonletto/sigrecv/internal/rpc"
	"github.com/leonletto/sigrecv/internal/store"
	"github.com/leonletto/sigrecv/internal/types"
)

// Options configures Open.
type Options struct {
	Account config.AccountConfig
	Daemon  config.DaemonConfig
	Data    config.DataConfig
	Receive config.ReceiveConfig

	Logger *zap.Logger
	// Recorder is optional.
	Recorder *metrics.Recorder
}

// Account is one registered number.
type Account struct {
	number   string
	deviceID int
	daemon   config.DaemonConfig
	receive  config.ReceiveConfig
	dir      *entity.Directory
	device   *entity.Device
	ledger   *ledger.Ledger
	store    store.Store
	journal  *jsonl.Writer
	recorder *metrics.Recorder
	root     *zap.Logger
	log      *zap.Logger

	connMu sync.Mutex
	conn   *rpc.Conn
}

var _ receiver.Refresher = (*Account)(nil)

// Open loads the account's ledger from its data directory.
func Open(opts Options) (*Account, error) {
	number := opts.Account.Number
	accountDir, err := paths.EnsureAccountDir(opts.Data.Dir, number)
	if err != nil {
		return nil, err
	}

	dir, err := entity.NewDirectory(types.Address{Number: number, UUID: opts.Account.UUID})
	if err != nil {
		return nil, fmt.Errorf("open account %s: %w", number, err)
	}
	deviceID := opts.Account.DeviceID
	if deviceID == 0 {
		deviceID = entity.PrimaryDeviceID
	}
	_, device := dir.GetOrAddDevice(dir.Self(), deviceID)

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	st, err := store.Open(opts.Data.Backend, accountDir, number)
	if err != nil {
		return nil, fmt.Errorf("open account %s: %w", number, err)
	}
	l, err := ledger.Open(ledger.Options{
		Store:                st,
		Resolver:             dir,
		Logger:               log.With(zap.String("account", number)),
		MaxUnmatchedReceipts: opts.Receive.MaxUnmatchedReceipts,
		MaxPendingReactions:  opts.Receive.MaxPendingReactions,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("open account %s: %w", number, err)
	}

	a := &Account{
		number:   number,
		deviceID: deviceID,
		daemon:   opts.Daemon,
		receive:  opts.Receive,
		dir:      dir,
		device:   device,
		ledger:   l,
		store:    st,
		recorder: opts.Recorder,
		root:     log,
		log:      log.Named("account").With(zap.String("account", number)),
	}
	if opts.Receive.Journal {
		a.journal, err = jsonl.NewWriter(paths.JournalPath(accountDir))
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
	}
	return a, nil
}

// Number returns the account's phone number.
func (a *Account) Number() string { return a.number }

// DeviceID returns this client's device id.
func (a *Account) DeviceID() int { return a.deviceID }

// Ledger returns the account's message ledger.
func (a *Account) Ledger() *ledger.Ledger { return a.ledger }

// Directory returns the account's contact, group and device directory.
func (a *Account) Directory() *entity.Directory { return a.dir }

// NewEngine builds a reception engine for the account. The engine opens
// its own daemon connection when started.
func (a *Account) NewEngine(listeners receiver.Listeners) (*receiver.Engine, error) {
	opts := receiver.Options{
		Account:      a.number,
		DeviceID:     a.deviceID,
		Address:      a.daemon.Address,
		PollInterval: a.daemon.PollInterval,
		Expiry:       a.receive.Expiry,
		Ledger:       a.ledger,
		Directory:    a.dir,
		Journal:      a.journal,
		Refresher:    a,
		Logger:       a.root,
		Listeners:    listeners,
	}
	if a.recorder != nil {
		opts.Observer = a.recorder
	}
	return receiver.New(opts)
}

// Close releases the command connection, the journal and the store.
func (a *Account) Close() error {
	var errs []error
	a.connMu.Lock()
	if a.conn != nil {
		errs = append(errs, a.conn.Close())
		a.conn = nil
	}
	a.connMu.Unlock()
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}

// call issues one request on the command connection, dialing it on first
// use. A transport failure drops the connection so the next call redials.
func (a *Account) call(ctx context.Context, method string, params map[string]any, result any) error {
	if _, ok := ctx.Deadline(); !ok && a.daemon.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.daemon.CallTimeout)
		defer cancel()
	}
	params["account"] = a.number

	conn, err := a.commandConn(ctx)
	if err == nil {
		err = conn.Call(ctx, method, params, result)
		if rpc.IsTransport(err) {
			a.dropConn(conn)
		}
	}
	if a.recorder != nil {
		a.recorder.SendFinished(a.number, method, err)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func (a *Account) commandConn(ctx context.Context) (*rpc.Conn, error) {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn != nil && !a.conn.Closed() {
		return a.conn, nil
	}
	conn, err := rpc.Dial(ctx, a.daemon.Address)
	if err != nil {
		return nil, err
	}
	a.conn = conn
	return conn, nil
}

func (a *Account) dropConn(conn *rpc.Conn) {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	_ = conn.Close()
	if a.conn == conn {
		a.conn = nil
	}
}

type contactEntry struct {
	Number    string `json:"number"`
	UUID      string `json:"uuid"`
	Name      string `json:"name"`
	IsBlocked bool   `json:"isBlocked"`
}

type groupEntry struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsBlocked bool   `json:"isBlocked"`
}

// RefreshContacts reloads names and blocked state for every contact the
// daemon knows.
func (a *Account) RefreshContacts(ctx context.Context) error {
	var contacts []contactEntry
	if err := a.call(ctx, "listContacts", map[string]any{}, &contacts); err != nil {
		return err
	}
	for _, c := range contacts {
		_, contact := a.dir.GetOrAddContact(types.Address{Number: c.Number, UUID: c.UUID, Name: c.Name})
		if contact != nil {
			contact.SetBlocked(c.IsBlocked)
		}
	}
	a.log.Debug("contacts refreshed", zap.Int("count", len(contacts)))
	return nil
}

// RefreshGroups reloads names and blocked state for every group the daemon
// knows.
func (a *Account) RefreshGroups(ctx context.Context) error {
	var groups []groupEntry
	if err := a.call(ctx, "listGroups", map[string]any{}, &groups); err != nil {
		return err
	}
	for _, g := range groups {
		if g.ID == "" {
			continue
		}
		_, group := a.dir.GetOrAddGroup(g.ID)
		group.SetName(g.Name)
		group.SetBlocked(g.IsBlocked)
	}
	a.log.Debug("groups refreshed", zap.Int("count", len(groups)))
	return nil
}

// SweepExpired removes expired messages from the ledger.
func (a *Account) SweepExpired() (int, error) {
	n, err := a.ledger.SweepExpired()
	if err == nil && n > 0 && a.recorder != nil {
		a.recorder.MessagesExpired(a.number, n)
	}
	return n, err
}
