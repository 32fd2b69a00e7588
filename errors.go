package fhemsync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrMalformedSnapshot  = errors.New("malformed snapshot")
	ErrNoToken            = errors.New("no csrf token")
	ErrStreamClosed       = errors.New("stream closed")
	ErrInvalidIdentity    = errors.New("invalid identity")
	ErrNotStarted         = errors.New("not started")
	ErrAlreadyStarted     = errors.New("already started")
	ErrStopped            = errors.New("stopped")
)

// CloseError reports the end of a stream connection.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("stream closed (%d): %s", e.Code, e.Reason)
}

func (e *CloseError) Unwrap() error { return ErrStreamClosed }

// CloseAbnormal is the close code reported when a connection dies without a
// close handshake.
const CloseAbnormal = 1006

// AsCloseError returns the close event an error from Stream.Read stands for.
// Errors that are not a *CloseError are transport failures, reported as an
// abnormal close.
func AsCloseError(err error) *CloseError {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce
	}
	return &CloseError{Code: CloseAbnormal, Reason: "The connection was closed abnormally, e.g., without sending or receiving a Close control frame."}
}
