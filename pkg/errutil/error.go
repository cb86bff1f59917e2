package errutil

import (
	"errors"
	"fmt"
)

type Detail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type BaseError struct {
	Code    CoreStatus `json:"code"`
	Message string     `json:"message"`
	Details []Detail   `json:"details,omitempty"`
	Err     error      `json:"-"`
}

func (e BaseError) Status() CoreStatus {
	return e.Code
}

func (e BaseError) JSON() interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"code":    e.Code,
			"message": e.messageWithErr(),
			"details": e.Details,
		},
	}
}

func (e BaseError) Unwrap() error {
	return e.Err
}

func (e BaseError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.messageWithErr())
}

func (e BaseError) messageWithErr() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

type Option func(*BaseError)

func WithDetails(details ...Detail) Option {
	return func(be *BaseError) { be.Details = details }
}

func WithErr(err error) Option {
	return func(be *BaseError) { be.Err = err }
}

func New(code CoreStatus, message string, opts ...Option) error {
	be := BaseError{Code: code, Message: message}
	for _, opt := range opts {
		opt(&be)
	}
	return be
}

func ValidationFailed(msg string, opts ...Option) error {
	return New(StatusValidationFailed, msg, opts...)
}

func NotFound(msg string, opts ...Option) error {
	return New(StatusNotFound, msg, opts...)
}

func BadRequest(msg string, opts ...Option) error {
	return New(StatusBadRequest, msg, opts...)
}

func Unauthorized(msg string, opts ...Option) error {
	return New(StatusUnauthorized, msg, opts...)
}

func Forbidden(msg string, opts ...Option) error {
	return New(StatusForbidden, msg, opts...)
}

func Conflict(msg string, opts ...Option) error {
	return New(StatusConflict, msg, opts...)
}

func TooManyRequests(msg string, opts ...Option) error {
	return New(StatusTooManyRequests, msg, opts...)
}

func Timeout(msg string, opts ...Option) error {
	return New(StatusTimeout, msg, opts...)
}

func BadGateway(msg string, opts ...Option) error {
	return New(StatusBadGateway, msg, opts...)
}

func Internal(msg string, opts ...Option) error {
	return New(StatusInternal, msg, opts...)
}

// StatusOf extracts the CoreStatus from any error in the chain, or
// StatusUnknown when the error carries no status.
func StatusOf(err error) CoreStatus {
	var be BaseError
	if errors.As(err, &be) {
		return be.Code
	}
	return StatusUnknown
}

// IsValidation reports whether err is a configuration/input error that must
// fail fast without side effects.
func IsValidation(err error) bool {
	s := StatusOf(err)
	return s == StatusValidationFailed || s == StatusBadRequest
}

// IsTransient reports whether err is a network/timeout/5xx failure worth
// retrying on a later pass.
func IsTransient(err error) bool {
	switch StatusOf(err) {
	case StatusTimeout, StatusGatewayTimeout, StatusBadGateway, StatusServiceUnavailable, StatusTooManyRequests:
		return true
	}
	return false
}

// IsPermanent reports whether err indicates a bad, expired, or revoked
// credential; callers deactivate the credential so later passes skip it.
func IsPermanent(err error) bool {
	switch StatusOf(err) {
	case StatusUnauthorized, StatusForbidden:
		return true
	}
	return false
}

// IsDuplicate reports a dedupe-hash collision within the configured window.
func IsDuplicate(err error) bool {
	return StatusOf(err) == StatusConflict
}
