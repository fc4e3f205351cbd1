package internal

import (
	"errors"
	"os"
	"strings"
	"testing"
)

func TestAssertion(t *testing.T) {
	os.Setenv("COMPANION_DEBUG", "1")
	shouldPanic := true
	shouldNotPanic := false

	try(t, shouldNotPanic, func() {
		Assert("true does nothing", true)
	})
	try(t, shouldPanic, func() {
		Assert("false panics", false)
	})

	os.Setenv("COMPANION_DEBUG", "0")
	try(t, shouldNotPanic, func() {
		Assert("true does nothing", true)
	})
	try(t, shouldNotPanic, func() {
		Assert("false does not panic if COMPANION_DEBUG is not 1", false)
	})
}

func TestInvalidTransitionError(t *testing.T) {
	var err error = InvalidTransitionError("Setup", "REQUEST_SKILL_CHECK")
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("errors.As failed for %T", err)
	}
	if perr.Code != CodeInvalidTransition {
		t.Errorf("code: got %s want %s", perr.Code, CodeInvalidTransition)
	}
	if perr.CurrentState != "Setup" || perr.AttemptedType != "REQUEST_SKILL_CHECK" {
		t.Errorf("wrong fields: %+v", perr)
	}
	if !strings.Contains(err.Error(), "REQUEST_SKILL_CHECK") {
		t.Errorf("Error() missing attempted type: %s", err.Error())
	}
}

func try(t *testing.T, shouldPanic bool, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		err := recover()
		if err != nil {
			if shouldPanic {
				return
			}
			t.Fatalf("panic: %s", err)
		} else {
			if shouldPanic {
				t.Fatalf("function did not panic")
			}
		}
	}()
	fn()
}
