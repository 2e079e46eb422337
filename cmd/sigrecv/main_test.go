package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonletto/sigrecv/internal/entity"
	"github.com/leonletto/sigrecv/internal/jsonl"
	"github.com/leonletto/sigrecv/internal/message"
	"github.com/leonletto/sigrecv/internal/paths"
	"github.com/leonletto/sigrecv/internal/receiver"
	"github.com/leonletto/sigrecv/internal/rpc/rpctest"
	"github.com/leonletto/sigrecv/internal/timestamp"
	"github.com/leonletto/sigrecv/internal/types"
)

const (
	selfNumber = "+15550001"
	bobNumber  = "+15550002"
)

type cli struct {
	config  string
	dataDir string
}

func newCLI(t *testing.T, srv *rpctest.Server) *cli {
	t.Helper()
	dir := t.TempDir()
	c := &cli{config: filepath.Join(dir, paths.ConfigFileName), dataDir: filepath.Join(dir, "data")}
	yaml := fmt.Sprintf(`daemon:
  address: %s
  poll_interval: 10ms
  call_timeout: 5s
data:
  dir: %s
  backend: file
log:
  level: error
  format: json
accounts:
  - number: "%s"
`, srv.Address(), c.dataDir, selfNumber)
	require.NoError(t, os.WriteFile(c.config, []byte(yaml), 0o600))
	return c
}

func (c *cli) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", c.config, "--env-file", filepath.Join(t.TempDir(), "none.env")}, args...))
	err := root.Execute()
	return out.String(), err
}

func sendOK(at int64) rpctest.Handler {
	return func(json.RawMessage) (any, error) {
		return map[string]any{
			"timestamp": at,
			"results": []map[string]any{
				{"recipientAddress": map[string]any{"number": bobNumber}, "type": message.SendSuccess},
			},
		}, nil
	}
}

func TestSendThenList(t *testing.T) {
	srv := rpctest.NewServer(t)
	srv.Handle("send", sendOK(1000))
	c := newCLI(t, srv)

	out, err := c.run(t, "send", "--to", bobNumber, "hello bob")
	require.NoError(t, err)
	assert.Contains(t, out, "Sent to "+bobNumber+" at 1000")

	out, err = c.run(t, "messages")
	require.NoError(t, err)
	assert.Contains(t, out, "hello bob")
	assert.Contains(t, out, "-> "+bobNumber)

	out, err = c.run(t, "--json", "messages", "--to", bobNumber)
	require.NoError(t, err)
	var listed []messageJSON
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, "sent", listed[0].Type)
	assert.Equal(t, int64(1000), listed[0].Timestamp)
	assert.Equal(t, "hello bob", listed[0].Summary)
}

func TestSendRequiresRecipient(t *testing.T) {
	srv := rpctest.NewServer(t)
	c := newCLI(t, srv)

	_, err := c.run(t, "send", "hello")
	assert.ErrorContains(t, err, "recipient is required")
	assert.Empty(t, srv.Requests())
}

func TestUnknownAccount(t *testing.T) {
	srv := rpctest.NewServer(t)
	c := newCLI(t, srv)

	_, err := c.run(t, "--account", "+15559999", "messages")
	assert.ErrorContains(t, err, "not configured")
}

func TestReact(t *testing.T) {
	srv := rpctest.NewServer(t)
	srv.Handle("send", sendOK(1000))
	srv.Handle("sendReaction", sendOK(1100))
	c := newCLI(t, srv)

	_, err := c.run(t, "send", "--to", bobNumber, "hello bob")
	require.NoError(t, err)

	out, err := c.run(t, "react", "--to", bobNumber, "--timestamp", "1000", "🎉")
	require.NoError(t, err)
	assert.Contains(t, out, "🎉")

	out, err = c.run(t, "messages")
	require.NoError(t, err)
	assert.Contains(t, out, "hello bob 🎉")

	_, err = c.run(t, "react", "--to", bobNumber, "--timestamp", "999", "🎉")
	assert.ErrorContains(t, err, "no message")
}

func TestReplay(t *testing.T) {
	srv := rpctest.NewServer(t)
	c := newCLI(t, srv)

	journal := filepath.Join(t.TempDir(), "journal.jsonl")
	w, err := jsonl.NewWriter(journal)
	require.NoError(t, err)
	for i, body := range []string{"one", "two"} {
		at := timestamp.FromMillis(int64(1000 + i))
		frame, err := json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"method":  "receive",
			"params": map[string]any{
				"account": selfNumber,
				"envelope": &types.Envelope{
					SourceNumber: bobNumber,
					SourceDevice: 1,
					Timestamp:    at,
					DataMessage:  &types.DataMessage{Timestamp: at, Message: body},
				},
			},
		})
		require.NoError(t, err)
		require.NoError(t, w.Append(receiver.JournalEntry{ReceivedAt: time.Now(), Account: selfNumber, Frame: frame}))
	}
	require.NoError(t, w.Append(receiver.JournalEntry{Account: selfNumber, Line: "{", Error: "unexpected EOF"}))
	require.NoError(t, w.Close())

	out, err := c.run(t, "replay", "--print", journal)
	require.NoError(t, err)
	assert.Contains(t, out, "Replayed 2 frame(s), skipped 1")
	assert.Contains(t, out, "["+selfNumber+"]")

	out, err = c.run(t, "messages", "--unread")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "one")
	assert.Contains(t, lines[1], "two")
	assert.Empty(t, srv.Requests())
}

func TestFormatterLine(t *testing.T) {
	dir, err := entity.NewDirectory(types.Address{Number: selfNumber})
	require.NoError(t, err)
	_, bob := dir.GetOrAddContact(types.Address{Number: bobNumber, Name: "Bob"})
	_, group := dir.GetOrAddGroup("group-1")
	group.SetName("Friends")

	sentAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := formatter{now: func() time.Time { return sentAt.Add(2 * time.Minute) }}

	received := message.NewReceived(bob, group, nil, timestamp.FromTime(sentAt))
	received.Body = "lunch?"
	received.Attachments = 1
	received.MarkRead(timestamp.FromTime(sentAt))
	assert.Equal(t, "2 minutes ago Bob -> #Friends: lunch? (+1 attachment(s))  [read]", f.Line(received))

	typing := message.NewTyping(bob, dir.Self(), nil, timestamp.FromTime(sentAt), message.TypingStopped)
	typing.Synthesized = true
	assert.Equal(t, "2 minutes ago Bob -> "+selfNumber+": typing stopped (inferred)", f.Line(typing))

	receipt := message.NewReceipt(bob, dir.Self(), nil, timestamp.FromTime(sentAt), message.ReceiptRead,
		timestamp.FromTime(sentAt), []timestamp.Timestamp{timestamp.FromMillis(1), timestamp.FromMillis(2)})
	assert.Contains(t, f.Line(receipt), "read receipt for 2 message(s)")

	colored := formatter{color: true, now: f.now}
	line := colored.Line(received)
	assert.True(t, strings.HasPrefix(line, ansiDim+"2 minutes ago"+ansiReset))
	assert.Contains(t, line, ansiGreen+"[read]"+ansiReset)
}

func TestColorDisabledForBuffers(t *testing.T) {
	assert.False(t, colorEnabled(&bytes.Buffer{}))
	t.Setenv("NO_COLOR", "1")
	assert.False(t, colorEnabled(os.Stdout))
}
