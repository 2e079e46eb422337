package receiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/leonletto/sigrecv/internal/jsonl"
	"github.com/leonletto/sigrecv/internal/rpc"
)

// JournalEntry is one line of the inbound frame journal. Frame holds the
// frame as received; lines that were not valid JSON are kept verbatim in
// Line with the decode error.
type JournalEntry struct {
	ReceivedAt time.Time       `json:"receivedAt"`
	Account    string          `json:"account"`
	Frame      json.RawMessage `json:"frame,omitempty"`
	Line       string          `json:"line,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// journalFrame records notifications only; responses to the engine's own
// requests are not part of the receive stream.
func (e *Engine) journalFrame(f *rpc.Frame) {
	if e.journal == nil || !f.IsNotification() {
		return
	}
	e.writeJournal(JournalEntry{ReceivedAt: time.Now().UTC(), Account: e.account, Frame: f.Raw})
}

func (e *Engine) journalLine(line []byte, cause error) {
	if e.journal == nil {
		return
	}
	e.writeJournal(JournalEntry{
		ReceivedAt: time.Now().UTC(),
		Account:    e.account,
		Line:       string(line),
		Error:      cause.Error(),
	})
}

func (e *Engine) writeJournal(entry JournalEntry) {
	if err := e.journal.Append(entry); err != nil {
		e.log.Warn("journal append failed", zap.String("path", e.journal.Path()), zap.Error(err))
	}
}

// ReplayStats summarizes a journal replay.
type ReplayStats struct {
	Frames  int
	Skipped int
	Stopped bool
}

// Replay feeds a journal through the processing path without a daemon
// connection, rebuilding ledger state and firing listeners as the live
// engine would. Entries for other accounts and undecodable lines are
// skipped. Replay stops early when a listener asks to stop, and fails on
// the same errors that would stop the live engine. The engine must not be
// running.
func (e *Engine) Replay(ctx context.Context, r *jsonl.Reader) (ReplayStats, error) {
	var stats ReplayStats
	if state := e.State(); state != StateCreated && state != StateStopped {
		return stats, fmt.Errorf("replay: engine is %s", state)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines, errCh := r.Stream(streamCtx)
	for line := range lines {
		var entry JournalEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			stats.Skipped++
			e.log.Warn("skipping undecodable journal line", zap.Error(err))
			continue
		}
		if entry.Account != "" && entry.Account != e.account {
			stats.Skipped++
			continue
		}
		if len(entry.Frame) == 0 {
			stats.Skipped++
			continue
		}
		var f rpc.Frame
		if err := json.Unmarshal(entry.Frame, &f); err != nil {
			stats.Skipped++
			e.log.Warn("skipping undecodable journaled frame", zap.Error(err))
			continue
		}
		f.Raw = entry.Frame

		stats.Frames++
		stop, err := e.ProcessFrame(&f)
		if err != nil {
			return stats, fmt.Errorf("replay frame %d: %w", stats.Frames, err)
		}
		if stop {
			stats.Stopped = true
			return stats, nil
		}
	}
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		return stats, fmt.Errorf("replay: %w", err)
	}
	return stats, ctx.Err()
}
