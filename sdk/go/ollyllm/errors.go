// Package ollyllm provides a Go client for the ollyllm gRPC API.
package ollyllm

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FieldViolation names one invalid request field.
type FieldViolation struct {
	Field       string
	Description string
}

// Error represents an error returned by the ollyllm server with the gRPC
// code, the server's message and any structured details.
type Error struct {
	Code       codes.Code
	Message    string
	Violations []FieldViolation
	// RetryAfter is set when the server asked the caller to back off.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("ollyllm: %s: %s", e.Code, e.Message)
}

// fromStatus converts a gRPC error to *Error. Non-status errors (dial
// failures, local cancellation) are returned unchanged.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	e := &Error{Code: st.Code(), Message: st.Message()}
	for _, d := range st.Details() {
		switch v := d.(type) {
		case *errdetails.BadRequest:
			for _, fv := range v.GetFieldViolations() {
				e.Violations = append(e.Violations, FieldViolation{Field: fv.GetField(), Description: fv.GetDescription()})
			}
		case *errdetails.RetryInfo:
			e.RetryAfter = v.GetRetryDelay().AsDuration()
		}
	}
	return e
}

func hasCode(err error, code codes.Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsNotFound returns true if a referenced span, test version or queue entry does not exist.
func IsNotFound(err error) bool { return hasCode(err, codes.NotFound) }

// IsInvalidArgument returns true if the request was rejected by validation.
func IsInvalidArgument(err error) bool { return hasCode(err, codes.InvalidArgument) }

// IsAlreadyExists returns true if the resource was already created.
func IsAlreadyExists(err error) bool { return hasCode(err, codes.AlreadyExists) }

// IsFailedPrecondition returns true if a queue entry is not claimed by the caller.
func IsFailedPrecondition(err error) bool { return hasCode(err, codes.FailedPrecondition) }

// IsRateLimited returns true if the server rejected the call with ResourceExhausted.
func IsRateLimited(err error) bool { return hasCode(err, codes.ResourceExhausted) }

// IsUnavailable returns true for transient server or storage unavailability.
func IsUnavailable(err error) bool { return hasCode(err, codes.Unavailable) }

// Violations returns the field violations carried by err, if any.
func Violations(err error) []FieldViolation {
	var e *Error
	if errors.As(err, &e) {
		return e.Violations
	}
	return nil
}

// retryable reports whether a call that failed with err may be sent again.
func retryable(err error) bool {
	return IsUnavailable(err) || IsRateLimited(err)
}
