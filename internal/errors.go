package internal

import (
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Error codes sent in ERROR messages.
const (
	CodeInvalidTransition = "INVALID_STATE_TRANSITION"
	CodeUnknownMessage    = "UNKNOWN_MESSAGE"
	CodeMalformedMessage  = "MALFORMED_MESSAGE"
	CodeSchemaMismatch    = "SCHEMA_MISMATCH"
)

// ProtocolError is a protocol violation caused by a remote peer. It is never fatal to the local
// process: the handler which detects it logs it and, when the trigger was a remote action, turns
// it into an ERROR message addressed to the sender.
type ProtocolError struct {
	Code          string
	Message       string
	CurrentState  string
	AttemptedType string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s (state=%s attempted=%s)", e.Code, e.Message, e.CurrentState, e.AttemptedType)
}

// InvalidTransitionError returns a ProtocolError for a message which is not allowed in the current state.
func InvalidTransitionError(currentState, attemptedType string) *ProtocolError {
	return &ProtocolError{
		Code:          CodeInvalidTransition,
		Message:       fmt.Sprintf("%s is not allowed in state %s", attemptedType, currentState),
		CurrentState:  currentState,
		AttemptedType: attemptedType,
	}
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and COMPANION_DEBUG=1 then the program panics.
// If expr is false and COMPANION_DEBUG is unset or not '1' then the program logs an error along with
// a field which contains the file/line number of the caller/assertion of Assert.
// Assert should be used to verify invariants which should never be broken during normal functioning
// of the program, and shouldn't be used to log a normal error e.g network errors.
//
// The msg provided should be the expectation of the assert e.g:
//
//	Assert("state transition is allowed", canTransition(from, to))
//
// Which then produces:
//
//	assertion failed: state transition is allowed
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("COMPANION_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}
