package apperror

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorsIsMatchesByKind(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	err := New(RequestTimeout, "protoo.Request", cause)

	if !errors.Is(err, Sentinel(RequestTimeout)) {
		t.Fatal("expected errors.Is to match on kind")
	}
	if errors.Is(err, Sentinel(AuthFailed)) {
		t.Fatal("expected errors.Is to not match a different kind")
	}
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("boom")
	err := New(NativeException, "device.Load", cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected Unwrap to expose the original cause")
	}
}
