package protocol

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code classifies the outcome of a bus operation.
type Code = codes.Code

// Status is the error type returned by bus operations for every recoverable
// failure. A nil error is an ok status.
type Status struct {
	Code    Code
	Message string
	cause   error
}

func NewStatus(code Code, format string, args ...any) *Status {
	return &Status{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapStatus builds a Status that keeps err reachable through errors.Is/As.
func WrapStatus(code Code, err error, msg string) *Status {
	return &Status{Code: code, Message: fmt.Sprintf("%s: %v", msg, err), cause: err}
}

func (s *Status) Error() string {
	return s.Code.String() + ": " + s.Message
}

func (s *Status) Unwrap() error { return s.cause }

// GRPCStatus lets status.FromError and status.Code see through a Status.
func (s *Status) GRPCStatus() *status.Status {
	return status.New(s.Code, s.Message)
}

// CodeOf extracts the code carried by err. nil is ok, errors that carry no
// status are internal.
func CodeOf(err error) Code {
	if err == nil {
		return codes.OK
	}
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}
	return codes.Internal
}
