package audit

import (
	"encoding/base64"
	"encoding/binary"
	"strings"
	"time"
)

const (
	cursorVersion = "v1"
	cursorSize    = 16
)

// Cursor is the decoded position of an event in an entity's log
type Cursor struct {
	Timestamp time.Time
	Sequence  int64
}

// EncodeEventKey builds the opaque, versioned event key for a position.
// Layout: "v1." + base64url(unix-nanos int64 BE | sequence int64 BE).
func EncodeEventKey(ts time.Time, seq int64) string {
	var buf [cursorSize]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(ts.UnixNano()))
	binary.BigEndian.PutUint64(buf[8:16], uint64(seq))
	return cursorVersion + "." + base64.RawURLEncoding.EncodeToString(buf[:])
}

// DecodeEventKey parses an event key produced by EncodeEventKey
func DecodeEventKey(key string) (Cursor, error) {
	version, payload, ok := strings.Cut(key, ".")
	if !ok {
		return Cursor{}, invalidArgument("DecodeEventKey", "malformed event key %q", key)
	}
	if version != cursorVersion {
		return Cursor{}, invalidArgument("DecodeEventKey", "unsupported event key version %q", version)
	}

	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil || len(raw) != cursorSize {
		return Cursor{}, invalidArgument("DecodeEventKey", "malformed event key %q", key)
	}

	return Cursor{
		Timestamp: time.Unix(0, int64(binary.BigEndian.Uint64(raw[0:8]))).UTC(),
		Sequence:  int64(binary.BigEndian.Uint64(raw[8:16])),
	}, nil
}

// Key re-encodes the cursor
func (c Cursor) Key() string {
	return EncodeEventKey(c.Timestamp, c.Sequence)
}

// comparePosition orders (timestamp, sequence) pairs
func comparePosition(ts1 time.Time, seq1 int64, ts2 time.Time, seq2 int64) int {
	n1, n2 := ts1.UnixNano(), ts2.UnixNano()
	switch {
	case n1 < n2:
		return -1
	case n1 > n2:
		return 1
	case seq1 < seq2:
		return -1
	case seq1 > seq2:
		return 1
	}
	return 0
}

// precedes reports whether the event sits strictly after the cursor
func (c Cursor) precedes(e *EntityAuditEvent) bool {
	return comparePosition(e.Timestamp, e.Sequence, c.Timestamp, c.Sequence) > 0
}
