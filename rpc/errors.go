package rpc

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RemoteError is an error reported by the remote dispatcher. Kind and
// Message cross the wire unchanged so callers can branch on the original
// failure type.
type RemoteError struct {
	Kind    string                 `json:"type,omitempty"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

// DecodeError marks a malformed envelope. Listeners log it and continue.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode envelope: %s", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ErrTimeout reports that no response arrived within the call timeout.
func ErrTimeout() error {
	return status.New(codes.DeadlineExceeded, "rpc request timeout").Err()
}

func IsTimeout(err error) bool {
	return status.Code(err) == codes.DeadlineExceeded
}

// ErrClosed reports an operation on a closed transport.
func ErrClosed() error {
	return status.New(codes.Canceled, "rpc transport closed").Err()
}
