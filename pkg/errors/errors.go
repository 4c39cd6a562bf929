// Package errors defines the sentinel errors of the ingestion pipeline and
// maps them to HTTP status codes.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrDecode             = errors.New("malformed input")
	ErrUnsafePath         = errors.New("unsafe path")
	ErrMalformedInput     = errors.New("unexpected input structure")
	ErrMissingIDField     = errors.New("id field missing")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrStore              = errors.New("document store error")
	ErrInvalidInput       = errors.New("invalid input")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrUnsupportedContent = errors.New("unsupported content")
	ErrInternal           = errors.New("internal error")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// Wrap attaches a sentinel to a lower-level error while keeping both in the
// errors.Is chain.
func Wrap(sentinel error, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrDecode),
		errors.Is(err, ErrUnsafePath),
		errors.Is(err, ErrMalformedInput),
		errors.Is(err, ErrMissingIDField),
		errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrUnsupportedContent):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusInternalServerError
	}
}
