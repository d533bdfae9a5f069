// Package history provides deterministic, resumable retrieval of ordered
// message history. The cursor is the (created_at, id) position of the
// last-seen message; the id tie-break keeps paging gap-free and
// duplicate-free even when messages share a timestamp.
package history

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/huddle/chat-backend/internal/fault"
)

// Cursor is an opaque position marker in a conversation's message
// ordering.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// IsZero reports whether the cursor marks no position (page from the
// latest message).
func (c Cursor) IsZero() bool {
	return c.ID == ""
}

// Encode serializes the cursor to an opaque URL-safe string.
func (c Cursor) Encode() string {
	if c.IsZero() {
		return ""
	}
	raw := fmt.Sprintf("%d|%s", c.CreatedAt.UnixNano(), c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses an opaque cursor string. An empty string decodes to
// the zero cursor. Malformed input is an Invalid fault, never a panic.
func DecodeCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fault.Wrap(fault.KindInvalid, "malformed cursor", err)
	}

	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return Cursor{}, fault.New(fault.KindInvalid, "malformed cursor")
	}

	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, fault.Wrap(fault.KindInvalid, "malformed cursor timestamp", err)
	}

	return Cursor{
		CreatedAt: time.Unix(0, nanos).UTC(),
		ID:        parts[1],
	}, nil
}

// EncodeOffset serializes a plain offset cursor, used by the detail-row
// listings (reactors, voters) whose ordering key is insertion order.
func EncodeOffset(offset int) string {
	if offset <= 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

// DecodeOffset parses an offset cursor. An empty string means the start.
func DecodeOffset(s string) (int, error) {
	if s == "" {
		return 0, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0, fault.Wrap(fault.KindInvalid, "malformed cursor", err)
	}
	offset, err := strconv.Atoi(string(raw))
	if err != nil || offset < 0 {
		return 0, fault.New(fault.KindInvalid, "malformed cursor")
	}
	return offset, nil
}
