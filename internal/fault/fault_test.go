package fault

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	err := New(KindForbidden, "not a member")
	if KindOf(err) != KindForbidden {
		t.Fatalf("expected KindForbidden, got %v", KindOf(err))
	}

	if KindOf(errors.New("plain")) != KindUnknown {
		t.Fatal("plain errors must classify as KindUnknown")
	}
	if KindOf(nil) != KindUnknown {
		t.Fatal("nil must classify as KindUnknown")
	}
}

func TestKindOf_Wrapped(t *testing.T) {
	inner := New(KindContended, "lock timeout")
	outer := fmt.Errorf("sending message: %w", inner)

	if KindOf(outer) != KindContended {
		t.Fatalf("kind must survive wrapping, got %v", KindOf(outer))
	}
	if !Is(outer, KindContended) {
		t.Fatal("Is must see through wrapping")
	}
}

func TestWrap_RetainsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindCapacity, "storage pool exhausted", cause)

	if !errors.Is(err, cause) {
		t.Fatal("wrapped cause must be reachable via errors.Is")
	}
	if KindOf(err) != KindCapacity {
		t.Fatalf("expected KindCapacity, got %v", KindOf(err))
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(New(KindContended, "lock timeout")) {
		t.Error("contended must be retryable")
	}

	for _, kind := range []Kind{KindNotFound, KindForbidden, KindConflict, KindCapacity, KindThrottled, KindInvalid} {
		if Retryable(New(kind, "x")) {
			t.Errorf("%v must not be retryable", kind)
		}
	}
}

func TestWireCodes(t *testing.T) {
	cases := []struct {
		kind Kind
		want string
	}{
		{KindNotFound, "not_found"},
		{KindForbidden, "forbidden"},
		{KindContended, "contended"},
		{KindConflict, "conflict"},
		{KindCapacity, "capacity_exceeded"},
		{KindThrottled, "throttled"},
		{KindInvalid, "invalid"},
		{KindUnknown, "internal"},
	}
	for _, tc := range cases {
		if got := tc.kind.String(); got != tc.want {
			t.Errorf("kind %d: expected code %q, got %q", tc.kind, tc.want, got)
		}
	}
}

func TestThrottled_RetryAfter(t *testing.T) {
	err := Throttled("message quota exceeded", 7*time.Second)

	if KindOf(err) != KindThrottled {
		t.Fatalf("expected KindThrottled, got %v", KindOf(err))
	}
	if got := RetryAfterOf(err); got != 7*time.Second {
		t.Fatalf("expected retry-after 7s, got %v", got)
	}

	if RetryAfterOf(errors.New("plain")) != 0 {
		t.Error("plain errors carry no retry-after")
	}
}
