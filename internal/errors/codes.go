// Package errors provides structured error handling for the raid core.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Identity errors
	CodeIdentityUnresolved   Code = "IDENTITY_UNRESOLVED"
	CodeIdentityTokenInvalid Code = "IDENTITY_TOKEN_INVALID"

	// Session state violations
	CodeSessionAlreadyActive  Code = "SESSION_ALREADY_ACTIVE"
	CodeSessionAlreadyEnded   Code = "SESSION_ALREADY_ENDED"
	CodeSessionPaused         Code = "SESSION_PAUSED"
	CodeSessionNotInProgress  Code = "SESSION_NOT_IN_PROGRESS"
	CodeSessionWrongMode      Code = "SESSION_WRONG_MODE"
	CodeSessionUnknownProblem Code = "SESSION_UNKNOWN_PROBLEM"

	// Selection errors
	CodeContentExhausted Code = "CONTENT_EXHAUSTED"

	// Clock errors
	CodeResumeClockSkew Code = "RESUME_CLOCK_SKEW"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// Retryable reports whether a client may safely retry the failed request
// without changing it. Terminal-session and identity conditions are not
// retryable; the client has to react, not repeat.
func (c Code) Retryable() bool {
	switch c {
	case CodeSessionPaused, CodeUnknown:
		return true
	default:
		return false
	}
}
