package history

import (
	"testing"
	"time"

	"github.com/huddle/chat-backend/internal/fault"
)

func TestCursorRoundTrip(t *testing.T) {
	original := Cursor{
		CreatedAt: time.Date(2025, 6, 1, 12, 30, 0, 123456789, time.UTC),
		ID:        "6a1f0c9e-8f3d-4c52-9b6e-0d2f3a4b5c6d",
	}

	encoded := original.Encode()
	if encoded == "" {
		t.Fatal("non-zero cursor must encode to a non-empty string")
	}

	decoded, err := DecodeCursor(encoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decoded.CreatedAt.Equal(original.CreatedAt) {
		t.Errorf("created_at mismatch: expected %v, got %v", original.CreatedAt, decoded.CreatedAt)
	}
	if decoded.ID != original.ID {
		t.Errorf("id mismatch: expected %q, got %q", original.ID, decoded.ID)
	}
}

func TestCursor_Zero(t *testing.T) {
	var zero Cursor
	if !zero.IsZero() {
		t.Fatal("empty cursor must be zero")
	}
	if zero.Encode() != "" {
		t.Fatal("zero cursor must encode to the empty string")
	}

	decoded, err := DecodeCursor("")
	if err != nil {
		t.Fatalf("empty string must decode cleanly: %v", err)
	}
	if !decoded.IsZero() {
		t.Fatal("empty string must decode to the zero cursor")
	}
}

func TestDecodeCursor_Malformed(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"not base64", "!!!not-base64!!!"},
		{"no separator", "bm9zZXBhcmF0b3I"},          // "noseparator"
		{"bad timestamp", "YWJjfGRlZg"},              // "abc|def"
		{"empty id", "MTcwMDAwMDAwMDAwMDAwMDAwMHw"},  // "1700000000000000000|"
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeCursor(tc.input)
			if err == nil {
				t.Fatalf("expected error for %q, got nil", tc.input)
			}
			if !fault.Is(err, fault.KindInvalid) {
				t.Errorf("malformed cursor must be an invalid fault, got %v", err)
			}
		})
	}
}

func TestOffsetCursorRoundTrip(t *testing.T) {
	for _, offset := range []int{0, 1, 25, 1000} {
		encoded := EncodeOffset(offset)
		decoded, err := DecodeOffset(encoded)
		if err != nil {
			t.Fatalf("offset %d: unexpected error: %v", offset, err)
		}
		if decoded != offset {
			t.Errorf("offset %d: round-tripped to %d", offset, decoded)
		}
	}
}

func TestDecodeOffset_Malformed(t *testing.T) {
	for _, input := range []string{"!!!", "YWJj" /* "abc" */, "LTU" /* "-5" */} {
		_, err := DecodeOffset(input)
		if err == nil {
			t.Fatalf("expected error for %q, got nil", input)
		}
		if !fault.Is(err, fault.KindInvalid) {
			t.Errorf("malformed offset must be an invalid fault, got %v", err)
		}
	}
}

func TestClampLimit(t *testing.T) {
	cases := []struct {
		in   int
		want int
	}{
		{0, DefaultPageSize},
		{-3, DefaultPageSize},
		{1, 1},
		{MaxPageSize, MaxPageSize},
		{MaxPageSize + 1, MaxPageSize},
		{10000, MaxPageSize},
	}
	for _, tc := range cases {
		if got := clampLimit(tc.in); got != tc.want {
			t.Errorf("clampLimit(%d): expected %d, got %d", tc.in, tc.want, got)
		}
	}
}
