// Package jsonl appends records to and reads records from JSON Lines files.
// The receive engine uses it to journal raw inbound frames for replay.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// maxLine bounds a single record. Envelopes with inline previews can be
// large.
const maxLine = 4 << 20

// Writer appends one JSON document per line, holding an exclusive lock on
// the file for each write.
type Writer struct {
	path string
	mu   sync.Mutex
	file *os.File
}

// NewWriter opens path for appending, creating it and its parent
// directories if needed.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) //nolint:gosec // G304 - path from account data dir
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return &Writer{path: path, file: f}, nil
}

// Path returns the file being written.
func (w *Writer) Path() string {
	return w.path
}

// Append marshals record and writes it as one line.
func (w *Writer) Append(record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return fmt.Errorf("append to %s: writer closed", w.path)
	}

	fd := int(w.file.Fd()) //nolint:gosec // fd fits in int
	if err := syscall.Flock(fd, syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock file: %w", err)
	}
	defer func() { _ = syscall.Flock(fd, syscall.LOCK_UN) }()

	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("append line: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync file: %w", err)
	}
	return nil
}

// Close releases the file handle. Later appends fail.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Reader reads a JSON Lines file.
type Reader struct {
	path string
}

// NewReader returns a reader for an existing file.
func NewReader(path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	return &Reader{path: path}, nil
}

// ReadAll returns every non-empty line.
func (r *Reader) ReadAll() ([]json.RawMessage, error) {
	var lines []json.RawMessage
	err := r.each(context.Background(), func(line json.RawMessage) bool {
		lines = append(lines, line)
		return true
	})
	return lines, err
}

// Stream sends each line on the returned channel, closing it at end of file
// or when ctx is canceled. A read failure is sent on the error channel.
func (r *Reader) Stream(ctx context.Context) (<-chan json.RawMessage, <-chan error) {
	ch := make(chan json.RawMessage)
	errCh := make(chan error, 1)

	go func() {
		defer close(ch)
		defer close(errCh)
		err := r.each(ctx, func(line json.RawMessage) bool {
			select {
			case ch <- line:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil {
			errCh <- err
		}
	}()
	return ch, errCh
}

func (r *Reader) each(ctx context.Context, fn func(json.RawMessage) bool) error {
	file, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	fd := int(file.Fd()) //nolint:gosec // fd fits in int
	if err := syscall.Flock(fd, syscall.LOCK_SH); err != nil {
		return fmt.Errorf("lock file: %w", err)
	}
	defer func() { _ = syscall.Flock(fd, syscall.LOCK_UN) }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer.
		msg := make(json.RawMessage, len(line))
		copy(msg, line)
		if !fn(msg) {
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan file: %w", err)
	}
	return nil
}
