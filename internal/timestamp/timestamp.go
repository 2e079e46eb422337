// Package timestamp provides the millisecond instant used on the daemon wire.
package timestamp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Timestamp is an immutable instant with millisecond precision. The zero
// value is the Unix epoch; optional timestamps are carried as *Timestamp so
// that null and absent survive a round trip.
type Timestamp struct {
	ms int64
}

// FromMillis builds a Timestamp from epoch milliseconds.
func FromMillis(ms int64) Timestamp {
	return Timestamp{ms: ms}
}

// FromTime truncates t to milliseconds.
func FromTime(t time.Time) Timestamp {
	return Timestamp{ms: t.UnixMilli()}
}

// Now returns the current instant.
func Now() Timestamp {
	return FromTime(time.Now())
}

// Ptr returns a pointer to a copy of ts, for optional fields.
func Ptr(ts Timestamp) *Timestamp {
	return &ts
}

// Millis returns the epoch millisecond value.
func (ts Timestamp) Millis() int64 {
	return ts.ms
}

// Time converts to a UTC time.Time.
func (ts Timestamp) Time() time.Time {
	return time.UnixMilli(ts.ms).UTC()
}

// Before reports whether ts is strictly before other.
func (ts Timestamp) Before(other Timestamp) bool {
	return ts.ms < other.ms
}

// After reports whether ts is strictly after other.
func (ts Timestamp) After(other Timestamp) bool {
	return ts.ms > other.ms
}

// Equal reports whether both instants have the same millisecond value.
func (ts Timestamp) Equal(other Timestamp) bool {
	return ts.ms == other.ms
}

// Compare returns -1, 0 or +1.
func (ts Timestamp) Compare(other Timestamp) int {
	switch {
	case ts.ms < other.ms:
		return -1
	case ts.ms > other.ms:
		return 1
	default:
		return 0
	}
}

// Add returns ts shifted by d, truncated to milliseconds.
func (ts Timestamp) Add(d time.Duration) Timestamp {
	return Timestamp{ms: ts.ms + d.Milliseconds()}
}

// IsZero reports whether ts is the epoch.
func (ts Timestamp) IsZero() bool {
	return ts.ms == 0
}

// String renders the instant in RFC 3339 with milliseconds.
func (ts Timestamp) String() string {
	return ts.Time().Format("2006-01-02T15:04:05.000Z07:00")
}

// MarshalJSON encodes the instant as a bare integer.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return strconv.AppendInt(nil, ts.ms, 10), nil
}

// UnmarshalJSON accepts an integer, or a float with no fractional part as
// some daemon builds emit. null decodes as the zero Timestamp.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		ts.ms = 0
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if v, err := n.Int64(); err == nil {
		ts.ms = v
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if f != float64(int64(f)) {
		return fmt.Errorf("timestamp: fractional millis %v", f)
	}
	ts.ms = int64(f)
	return nil
}

// Min returns the earlier of a and b.
func Min(a, b Timestamp) Timestamp {
	if b.Before(a) {
		return b
	}
	return a
}
