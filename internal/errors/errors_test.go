package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppErrorFormat(t *testing.T) {
	err := New(ErrNetworkUnavailable, "no route to host")
	want := "[NETWORK_UNAVAILABLE] no route to host"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	wrapped := Wrap(errors.New("dial tcp: timeout"), ErrSyncTimeout, "push batch")
	if wrapped.Error() != "[SYNC_TIMEOUT] push batch: dial tcp: timeout" {
		t.Errorf("unexpected wrapped format: %q", wrapped.Error())
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, ErrDatabase, "save") != nil {
		t.Error("Wrap(nil, ...) should return nil")
	}
}

// Success paths across the tree do `return Wrap(err, ...)` straight into an
// error return, so the nil from Wrap must be an untyped interface nil, not a
// nil *AppError boxed in an interface.
func TestWrapNilThroughErrorInterface(t *testing.T) {
	save := func() error {
		return Wrap(nil, ErrSaveFailed, "insert row")
	}
	if err := save(); err != nil {
		t.Fatalf("Wrap(nil) through an error return = %#v, want nil", err)
	}
}

func TestCodeOf(t *testing.T) {
	inner := New(ErrEntityNotFound, "task missing")
	outer := fmt.Errorf("projecting event: %w", inner)

	if got := CodeOf(outer); got != ErrEntityNotFound {
		t.Errorf("CodeOf through wrap chain = %s, want %s", got, ErrEntityNotFound)
	}
	if got := CodeOf(errors.New("plain")); got != ErrInternal {
		t.Errorf("CodeOf(plain) = %s, want %s", got, ErrInternal)
	}
}

func TestIs(t *testing.T) {
	err := Wrap(New(ErrRateLimited, "429"), ErrRateLimited, "insert batch")
	if !Is(err, ErrRateLimited) {
		t.Error("expected Is to match ErrRateLimited")
	}
	if Is(err, ErrQuotaExceeded) {
		t.Error("Is matched the wrong code")
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		code ErrorCode
		want bool
	}{
		{ErrNetworkUnavailable, true},
		{ErrServerError, true},
		{ErrRateLimited, true},
		{ErrSyncTimeout, true},
		{ErrAuthRequired, false},
		{ErrQuotaExceeded, false},
		{ErrDataCorruption, false},
	}

	for _, tc := range cases {
		if got := Retryable(New(tc.code, "x")); got != tc.want {
			t.Errorf("Retryable(%s) = %v, want %v", tc.code, got, tc.want)
		}
	}
}
