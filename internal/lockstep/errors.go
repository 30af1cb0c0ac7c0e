package lockstep

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes synchronizer errors.
type ErrorCode string

const (
	// ErrCodeDesync: tick or ack ids violate monotonic ordering.
	ErrCodeDesync ErrorCode = "DESYNC"

	// ErrCodeProtocol: malformed payload or unknown client id.
	ErrCodeProtocol ErrorCode = "PROTOCOL"

	// ErrCodeExecution: the machine failed while running an action.
	ErrCodeExecution ErrorCode = "EXECUTION"

	// ErrCodeRejected: the connection handler vetoed a join.
	ErrCodeRejected ErrorCode = "REJECTED"

	// ErrCodeLiveness: a client stayed silent past disconnectWait.
	ErrCodeLiveness ErrorCode = "LIVENESS"

	// ErrCodeState: the call does not fit the lifecycle (e.g. second connect).
	ErrCodeState ErrorCode = "STATE"

	// ErrCodeTransport: the connector failed to deliver a message.
	ErrCodeTransport ErrorCode = "TRANSPORT"
)

// SyncError is the single error shape delivered through EventError.
type SyncError struct {
	Code     ErrorCode
	Message  string
	ClientID ClientID
	TickID   int64
	Err      error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.TickID != 0 {
		msg = fmt.Sprintf("%s (client=%d, tick=%d)", msg, e.ClientID, e.TickID)
	} else {
		msg = fmt.Sprintf("%s (client=%d)", msg, e.ClientID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error, if any.
func (e *SyncError) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, client ClientID, tick int64, format string, args ...any) *SyncError {
	return &SyncError{Code: code, ClientID: client, TickID: tick, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of a SyncError anywhere in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsDesync reports whether err is a desync error.
func IsDesync(err error) bool { return CodeOf(err) == ErrCodeDesync }

// IsProtocol reports whether err is a protocol violation.
func IsProtocol(err error) bool { return CodeOf(err) == ErrCodeProtocol }

// IsExecution reports whether err came from the machine.
func IsExecution(err error) bool { return CodeOf(err) == ErrCodeExecution }

// IsRejected reports whether err is a rejected join.
func IsRejected(err error) bool { return CodeOf(err) == ErrCodeRejected }

// IsLiveness reports whether err is a forced disconnect of a silent client.
func IsLiveness(err error) bool { return CodeOf(err) == ErrCodeLiveness }

// IsState reports whether err is a lifecycle violation.
func IsState(err error) bool { return CodeOf(err) == ErrCodeState }

// IsTransport reports whether err came from the connector.
func IsTransport(err error) bool { return CodeOf(err) == ErrCodeTransport }
