// Package ddberr normalizes every failure produced by a DynamoDB command into a
// single tagged error value that carries the request that caused it.
//
// Example:
//
//	_, err := effect.GetItem(params).Run(ctx, deps)
//	if ddberr.IsConditionalCheckFailed(err) {
//	    // handle the conflict
//	}
package ddberr

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
)

// Tag is the discriminator carried by every normalized error.
const Tag = "DynamoDbError"

// Service exception names callers commonly branch on.
const (
	ConditionalCheckFailed        = "ConditionalCheckFailedException"
	ProvisionedThroughputExceeded = "ProvisionedThroughputExceededException"
	RequestLimitExceeded          = "RequestLimitExceeded"
	Throttling                    = "ThrottlingException"
	TransactionCanceled           = "TransactionCanceledException"
	ResourceNotFound              = "ResourceNotFoundException"
)

// Error is the normalized failure of a DynamoDB command.
//
// Params holds the request exactly as the caller passed it, Name is the
// service exception name when the cause exposes one (Tag otherwise), and
// Cause is the original failure value, untouched.
type Error struct {
	Tag     string
	Params  any
	Name    string
	Message string
	Cause   any
}

func (e *Error) Error() string {
	if e.Name == "" || e.Name == e.Tag {
		return fmt.Sprintf("%s: %s", e.Tag, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Tag, e.Name, e.Message)
}

// Unwrap returns the cause when it is an error, so errors.Is and errors.As see
// through the normalized value.
func (e *Error) Unwrap() error {
	if err, ok := e.Cause.(error); ok {
		return err
	}
	return nil
}

// named is implemented by failure values that carry their own name.
type named interface {
	Name() string
}

// Normalize returns a function converting any failure value into an *Error
// bound to params. It never fails and never panics.
func Normalize(params any) func(x any) *Error {
	return func(x any) *Error {
		return &Error{
			Tag:     Tag,
			Params:  params,
			Name:    nameOf(x),
			Message: messageOf(x),
			Cause:   x,
		}
	}
}

// From is Normalize(params)(x).
func From(params any, x any) *Error {
	return Normalize(params)(x)
}

// apiError returns the service exception carried by x, if any.
func apiError(x any) (smithy.APIError, bool) {
	err, ok := x.(error)
	if !ok {
		return nil, false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() != "" {
		return apiErr, true
	}
	return nil, false
}

func nameOf(x any) string {
	if apiErr, ok := apiError(x); ok {
		return apiErr.ErrorCode()
	}
	if n, ok := x.(named); ok && n.Name() != "" {
		return n.Name()
	}
	return Tag
}

// messageOf prefers the service exception's own message so Name and Message
// describe the same failure.
func messageOf(x any) string {
	if apiErr, ok := apiError(x); ok && apiErr.ErrorMessage() != "" {
		return apiErr.ErrorMessage()
	}
	switch v := x.(type) {
	case nil:
		return "<nil>"
	case error:
		return v.Error()
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// As reports whether err is, or wraps, a normalized error.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HasName reports whether err is a normalized error with the given name.
func HasName(err error, name string) bool {
	e, ok := As(err)
	return ok && e.Name == name
}

// IsConditionalCheckFailed reports whether a condition expression rejected the write.
func IsConditionalCheckFailed(err error) bool {
	return HasName(err, ConditionalCheckFailed)
}

// IsThrottled reports whether the service rejected the request for capacity
// reasons. Such requests are safe to retry after a delay.
func IsThrottled(err error) bool {
	e, ok := As(err)
	if !ok {
		return false
	}
	switch e.Name {
	case ProvisionedThroughputExceeded, RequestLimitExceeded, Throttling:
		return true
	}
	return false
}
