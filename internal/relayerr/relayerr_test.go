package relayerr

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestErrorIs(t *testing.T) {
	err := New(ErrFetch, "fetch since 42", io.ErrUnexpectedEOF)
	if !errors.Is(err, ErrFetch) {
		t.Error("expected errors.Is(err, ErrFetch)")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("expected cause to be reachable")
	}
	if errors.Is(err, ErrForward) {
		t.Error("unexpected match on ErrForward")
	}

	wrapped := fmt.Errorf("cycle: %w", err)
	if !errors.Is(wrapped, ErrFetch) {
		t.Error("kind lost through fmt.Errorf wrapping")
	}
	if KindOf(wrapped) != ErrFetch {
		t.Errorf("KindOf = %v, want ErrFetch", KindOf(wrapped))
	}
}

func TestErrorMessage(t *testing.T) {
	for _, tc := range []struct {
		err  *Error
		want string
	}{
		{New(ErrConfig, "", nil), "config error"},
		{New(ErrConfig, "load", nil), "config error: load"},
		{New(ErrForward, "", io.EOF), "forward error: EOF"},
		{New(ErrPersistence, "advance a2b", io.EOF), "persistence error: advance a2b: EOF"},
		{Errorf(ErrSerialization, "bad field %q", "x"), `serialization error: bad field "x"`},
	} {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("Error() = %q, want %q", got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want bool
	}{
		{nil, false},
		{io.EOF, false},
		{New(ErrFetch, "", nil), true},
		{New(ErrForward, "", nil), true},
		{New(ErrTransport, "", nil), true},
		{New(ErrPersistence, "", nil), true},
		{New(ErrSerialization, "", nil), false},
		{New(ErrConfig, "", nil), false},
	} {
		if got := Retryable(tc.err); got != tc.want {
			t.Errorf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
