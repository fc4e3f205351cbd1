package protocol

import "fmt"

// Relay close codes.
const (
	CloseNormal          = 1000
	CloseMalformedCode   = 4001
	CloseVersionMismatch = 4002
	CloseSessionNotFound = 4004
	CloseSessionExpired  = 4010
)

// CloseOutcome is what a transport close means for the connection.
type CloseOutcome struct {
	// If true, no reconnect is attempted.
	Terminal bool
	// If true, the persisted session must be deleted as the relay no longer knows it.
	ForgetSession bool
	// Human readable, shown to the user once.
	Reason string
}

// ClassifyClose maps a close code to its outcome. Unknown codes, including abnormal closure
// without a close frame, reconnect.
func ClassifyClose(code int, text string) CloseOutcome {
	switch code {
	case CloseNormal:
		return CloseOutcome{Terminal: true, Reason: "connection closed"}
	case CloseMalformedCode:
		return CloseOutcome{Terminal: true, Reason: "the relay rejected the session code"}
	case CloseVersionMismatch:
		return CloseOutcome{Terminal: true, Reason: "protocol version mismatch, please update"}
	case CloseSessionNotFound:
		return CloseOutcome{Terminal: true, ForgetSession: true, Reason: "session not found"}
	case CloseSessionExpired:
		return CloseOutcome{Terminal: true, ForgetSession: true, Reason: "session expired"}
	}
	reason := fmt.Sprintf("connection lost (%d)", code)
	if text != "" {
		reason = fmt.Sprintf("connection lost (%d: %s)", code, text)
	}
	return CloseOutcome{Reason: reason}
}
