package ledger

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonletto/sigrecv/internal/entity"
	"github.com/leonletto/sigrecv/internal/message"
	"github.com/leonletto/sigrecv/internal/store"
	"github.com/leonletto/sigrecv/internal/timestamp"
	"github.com/leonletto/sigrecv/internal/types"
)

func ts(ms int64) timestamp.Timestamp { return timestamp.FromMillis(ms) }

type fixture struct {
	dir    *entity.Directory
	ledger *Ledger
	path   string
	bob    *entity.Contact
	clock  *atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "messages.json")
	f := &fixture{path: path, clock: &atomic.Int64{}}
	f.reopen(t)
	return f
}

// reopen builds a fresh directory and ledger over the same snapshot file.
func (f *fixture) reopen(t *testing.T) {
	t.Helper()
	dir, err := entity.NewDirectory(types.Address{Number: "+15550001"})
	require.NoError(t, err)
	st, err := store.NewFileStore(f.path)
	require.NoError(t, err)
	l, err := Open(Options{
		Store:    st,
		Resolver: dir,
		Now:      func() timestamp.Timestamp { return ts(f.clock.Load()) },
	})
	require.NoError(t, err)
	_, bob := dir.GetOrAddContact(types.Address{Number: "+15550002"})
	f.dir, f.ledger, f.bob = dir, l, bob
}

func (f *fixture) sent(t *testing.T, at int64) *message.Sent {
	t.Helper()
	m := message.NewSent(f.dir.Self(), f.bob, nil, ts(at))
	require.NoError(t, f.ledger.Append(m))
	return m
}

func (f *fixture) received(t *testing.T, at int64) *message.Received {
	t.Helper()
	m := message.NewReceived(f.bob, f.dir.Self(), nil, ts(at))
	require.NoError(t, f.ledger.Append(m))
	return m
}

func (f *fixture) receipt(kind message.ReceiptKind, when int64, targets ...int64) *message.Receipt {
	var tt []timestamp.Timestamp
	for _, t := range targets {
		tt = append(tt, ts(t))
	}
	return message.NewReceipt(f.bob, f.dir.Self(), nil, ts(when), kind, ts(when), tt)
}

func TestOpenEmpty(t *testing.T) {
	f := newFixture(t)
	assert.Empty(t, f.ledger.Messages())
	assert.Empty(t, f.ledger.Unmatched())
}

func TestOpenCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"messages":[{"messageType":"sent"}]}`), 0600))

	dir, err := entity.NewDirectory(types.Address{Number: "+15550001"})
	require.NoError(t, err)
	st, err := store.NewFileStore(path)
	require.NoError(t, err)
	_, err = Open(Options{Store: st, Resolver: dir})
	assert.ErrorIs(t, err, store.ErrCorrupt)
}

func TestAppendRoutesAndTouches(t *testing.T) {
	f := newFixture(t)
	_, dev := f.dir.GetOrAddDevice(f.bob, 3)

	recv := message.NewReceived(f.bob, f.dir.Self(), dev, ts(500))
	require.NoError(t, f.ledger.Append(recv))
	require.NoError(t, f.ledger.Append(message.NewTyping(f.bob, f.dir.Self(), dev, ts(400), message.TypingStarted)))
	require.NoError(t, f.ledger.Append(message.NewStory(f.bob, f.dir.Self(), dev, ts(450))))
	require.NoError(t, f.ledger.Append(message.NewSync(f.dir.Self(), nil, ts(460), message.SyncContacts)))

	assert.Len(t, f.ledger.Messages(), 1)
	assert.Len(t, f.ledger.Typing(), 1)
	assert.Len(t, f.ledger.Stories(), 1)
	assert.Len(t, f.ledger.Syncs(), 1)

	assert.Equal(t, int64(500), f.bob.LastSeen().Millis())
	assert.Equal(t, int64(500), dev.LastSeen().Millis())

	err := f.ledger.Append(message.NewReceipt(f.bob, f.dir.Self(), nil, ts(1), message.ReceiptRead, ts(1), nil))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestReceiptBatchScenario(t *testing.T) {
	f := newFixture(t)
	m50 := f.sent(t, 50)
	m70 := f.sent(t, 70)

	matched, err := f.ledger.ReconcileReceipt(f.receipt(message.ReceiptRead, 100, 50, 60, 70))
	require.NoError(t, err)
	assert.Equal(t, 2, matched)

	for _, m := range []*message.Sent{m50, m70} {
		assert.True(t, m.Read)
		require.NotNil(t, m.ReadAt)
		assert.Equal(t, int64(100), m.ReadAt.Millis())
	}

	unmatched := f.ledger.Unmatched()
	require.Len(t, unmatched, 1)
	assert.Same(t, f.bob, unmatched[0].Sender)
	assert.Equal(t, []timestamp.Timestamp{ts(60)}, unmatched[0].Targets)

	m60 := f.sent(t, 60)
	_, err = f.ledger.Retry()
	require.NoError(t, err)

	assert.True(t, m60.Read)
	assert.Equal(t, int64(100), m60.ReadAt.Millis())
	assert.Empty(t, f.ledger.Unmatched())
}

func TestReceiptBatchCounts(t *testing.T) {
	f := newFixture(t)
	for _, at := range []int64{1, 2, 3} {
		f.sent(t, at)
	}

	matched, err := f.ledger.ReconcileReceipt(f.receipt(message.ReceiptDelivered, 10, 1, 2, 3, 4, 5))
	require.NoError(t, err)
	assert.Equal(t, 3, matched)
	assert.Len(t, f.ledger.Unmatched(), 2)

	// A second receipt walks the buffer too; nothing new matches.
	matched, err = f.ledger.ReconcileReceipt(f.receipt(message.ReceiptRead, 11, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, matched)
	assert.Len(t, f.ledger.Unmatched(), 2)
}

func TestReceiptsAreIdempotent(t *testing.T) {
	f := newFixture(t)
	m := f.sent(t, 10)

	_, err := f.ledger.ReconcileReceipt(f.receipt(message.ReceiptDelivered, 20, 10))
	require.NoError(t, err)
	_, err = f.ledger.ReconcileReceipt(f.receipt(message.ReceiptDelivered, 15, 10))
	require.NoError(t, err)
	_, err = f.ledger.ReconcileReceipt(f.receipt(message.ReceiptDelivered, 30, 10))
	require.NoError(t, err)

	assert.True(t, m.Delivered)
	assert.Equal(t, int64(20), m.DeliveredAt.Millis())
	assert.False(t, m.Read)
}

func TestReceiptOrderIndependence(t *testing.T) {
	run := func(t *testing.T, split bool) *message.Sent {
		f := newFixture(t)
		f.sent(t, 10)
		a := f.receipt(message.ReceiptDelivered, 100, 10, 20)
		b := f.receipt(message.ReceiptRead, 110, 10, 20)
		c := f.receipt(message.ReceiptViewed, 120, 20)

		for _, r := range []*message.Receipt{a, b} {
			_, err := f.ledger.ReconcileReceipt(r)
			require.NoError(t, err)
		}
		if split {
			m20 := f.sent(t, 20)
			_, err := f.ledger.ReconcileReceipt(c)
			require.NoError(t, err)
			return m20
		}
		_, err := f.ledger.ReconcileReceipt(c)
		require.NoError(t, err)
		m20 := f.sent(t, 20)
		_, err = f.ledger.Retry()
		require.NoError(t, err)
		return m20
	}

	x := run(t, true)
	y := run(t, false)
	assert.Equal(t, x.Delivered, y.Delivered)
	assert.Equal(t, x.DeliveredAt, y.DeliveredAt)
	assert.Equal(t, x.ReadAt, y.ReadAt)
	assert.Equal(t, x.ViewedAt, y.ViewedAt)
	assert.True(t, x.Viewed)
}

func TestUnmatchedBufferIsCapped(t *testing.T) {
	f := newFixture(t)
	st, err := store.NewFileStore(filepath.Join(t.TempDir(), "m.json"))
	require.NoError(t, err)
	l, err := Open(Options{Store: st, Resolver: f.dir, MaxUnmatchedReceipts: 3})
	require.NoError(t, err)

	_, err = l.ReconcileReceipt(f.receipt(message.ReceiptDelivered, 1, 1, 2, 3, 4, 5))
	require.NoError(t, err)

	got := l.Unmatched()
	require.Len(t, got, 3)
	assert.Equal(t, ts(3), got[0].Targets[0])
	assert.Equal(t, ts(5), got[2].Targets[0])
}

func TestUnmatchedSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.ReconcileReceipt(f.receipt(message.ReceiptRead, 100, 60))
	require.NoError(t, err)

	f.reopen(t)
	require.Len(t, f.ledger.Unmatched(), 1)

	m := f.sent(t, 60)
	assert.True(t, m.Read, "appending the target resolves the buffered receipt")
	assert.Empty(t, f.ledger.Unmatched())
}

func TestReconcileReaction(t *testing.T) {
	f := newFixture(t)
	target := f.sent(t, 10)
	self := f.dir.Self()

	// Posted in the one-to-one conversation with bob, on our own message.
	r := message.NewReaction(f.bob, self, nil, ts(20), "👍", self, ts(10), false)
	found, err := f.ledger.ReconcileReaction(r)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, target.Reactions.Len())

	remove := message.NewReaction(f.bob, self, nil, ts(30), "👍", self, ts(10), true)
	found, err = f.ledger.ReconcileReaction(remove)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 0, target.Reactions.Len())

	found, err = f.ledger.ReconcileReaction(remove)
	assert.True(t, found)
	assert.ErrorIs(t, err, message.ErrNoReaction)
}

func TestReactionScopedToConversation(t *testing.T) {
	f := newFixture(t)
	self := f.dir.Self()
	_, g := f.dir.GetOrAddGroup("g1")
	f.sent(t, 10)

	// Same author and send time, but posted in a group: no match.
	r := message.NewReaction(f.bob, g, nil, ts(20), "👍", self, ts(10), false)
	found, err := f.ledger.ReconcileReaction(r)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 1, f.ledger.PendingCount())
}

func TestReactionBeforeTarget(t *testing.T) {
	f := newFixture(t)
	self := f.dir.Self()

	r := message.NewReaction(self, f.bob, nil, ts(20), "❤️", f.bob, ts(10), false)
	found, err := f.ledger.ReconcileReaction(r)
	require.NoError(t, err)
	assert.False(t, found)
	require.Len(t, f.ledger.Pending(), 1)

	f.reopen(t)
	require.Len(t, f.ledger.Pending(), 1)

	target := f.received(t, 10)
	assert.Empty(t, f.ledger.Pending())
	live, ok := target.Reactions.From(f.dir.Self())
	require.True(t, ok)
	assert.Equal(t, "❤️", live.Emoji)
}

func TestFindConversation(t *testing.T) {
	f := newFixture(t)
	_, carol := f.dir.GetOrAddContact(types.Address{Number: "+15550003"})
	_, g := f.dir.GetOrAddGroup("g1")

	out := f.sent(t, 1)
	in := f.received(t, 2)
	require.NoError(t, f.ledger.Append(message.NewReceived(carol, f.dir.Self(), nil, ts(3))))
	require.NoError(t, f.ledger.Append(message.NewReceived(f.bob, g, nil, ts(4))))

	in.MarkRead(ts(5))
	out.MarkDelivered(ts(6))

	assert.Len(t, f.ledger.FindConversation(f.bob, FilterNone), 2)
	assert.Len(t, f.ledger.FindConversation(g, FilterNone), 1)
	assert.Equal(t, []message.Message{in}, f.ledger.FindConversation(f.bob, FilterRead))
	assert.Equal(t, []message.Message{out}, f.ledger.FindConversation(f.bob, FilterUnread|FilterDelivered))
	assert.Empty(t, f.ledger.FindConversation(f.bob, FilterRead|FilterUnread))

	assert.Len(t, f.ledger.FindBySender(f.bob), 2)
	assert.Len(t, f.ledger.FindBySendTime(ts(3)), 1)

	key := message.ConversationWith(f.bob)
	assert.Same(t, in, f.ledger.Find(f.bob, ts(2), key))
	assert.Nil(t, f.ledger.Find(f.bob, ts(2), message.ConversationWith(carol)))
	assert.Same(t, out, f.ledger.FindQuoted(&message.Quote{Author: f.dir.Self(), Timestamp: ts(1)}, key))
}

func TestReconcileReadSync(t *testing.T) {
	f := newFixture(t)
	m := f.received(t, 10)
	m.ExpiresIn = time.Minute

	s := message.NewSync(f.dir.Self(), nil, ts(50), message.SyncReadMessages)
	s.ReadMessages = []message.ReadRef{{Sender: f.bob, Timestamp: ts(10)}, {Sender: f.bob, Timestamp: ts(99)}}

	changed, err := f.ledger.ReconcileReadSync(s)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	assert.True(t, m.Read)
	assert.Equal(t, int64(50), m.ReadAt.Millis())
	assert.Equal(t, int64(60050), m.ExpiresAt.Millis())

	changed, err = f.ledger.ReconcileReadSync(s)
	require.NoError(t, err)
	assert.Zero(t, changed)

	_, err = f.ledger.ReconcileReadSync(message.NewSync(f.dir.Self(), nil, ts(1), message.SyncContacts))
	assert.Error(t, err)
}

func TestReconcileReadSyncGroupMessage(t *testing.T) {
	f := newFixture(t)
	_, g := f.dir.GetOrAddGroup("g1")
	m := message.NewReceived(f.bob, g, nil, ts(500))
	m.ExpiresIn = time.Second
	require.NoError(t, f.ledger.Append(m))

	s := message.NewSync(f.dir.Self(), nil, ts(600), message.SyncReadMessages)
	s.ReadMessages = []message.ReadRef{{Sender: f.bob, Timestamp: ts(500)}}

	changed, err := f.ledger.ReconcileReadSync(s)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	assert.True(t, m.Read)
	require.NotNil(t, m.ExpiresAt)
	assert.Equal(t, int64(1600), m.ExpiresAt.Millis())
}

func TestReconcileReadSyncPrefersDirectConversation(t *testing.T) {
	f := newFixture(t)
	_, g := f.dir.GetOrAddGroup("g1")
	inGroup := message.NewReceived(f.bob, g, nil, ts(500))
	require.NoError(t, f.ledger.Append(inGroup))
	direct := f.received(t, 500)

	s := message.NewSync(f.dir.Self(), nil, ts(600), message.SyncReadMessages)
	s.ReadMessages = []message.ReadRef{{Sender: f.bob, Timestamp: ts(500)}}

	changed, err := f.ledger.ReconcileReadSync(s)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	assert.True(t, direct.Read)
	assert.False(t, inGroup.Read)
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	m := f.received(t, 10)
	m.ExpiresIn = time.Second
	keep := f.received(t, 11)
	_, err := f.ledger.MarkReceived(m, message.ReceiptViewed, ts(100))
	require.NoError(t, err)

	f.clock.Store(1099)
	removed, err := f.ledger.SweepExpired()
	require.NoError(t, err)
	assert.Zero(t, removed)

	f.clock.Store(1100)
	removed, err = f.ledger.SweepExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []message.Message{keep}, f.ledger.Messages())

	removed, err = f.ledger.SweepExpired()
	require.NoError(t, err)
	assert.Zero(t, removed)

	f.reopen(t)
	assert.Len(t, f.ledger.Messages(), 1)
	assert.Empty(t, f.ledger.FindBySendTime(ts(10)))
}

func TestGateExcludesReceiveDuringSend(t *testing.T) {
	var g Gate
	g.BeginSend()
	assert.True(t, g.Sending())

	entered := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = g.Receive(func() error {
			close(entered)
			return nil
		})
		close(done)
	}()

	select {
	case <-entered:
		t.Fatal("receive ran while a send was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	g.EndSend()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("receive did not run after send finished")
	}
	assert.False(t, g.Sending())
}
