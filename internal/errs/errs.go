// Package errs defines the error taxonomy shared by the scan and
// intervention engines and maps it onto transport status codes.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrModelNotLoaded   = errors.New("no model loaded")
	ErrUnknownComponent = errors.New("unknown component")
	ErrUnsupportedModel = errors.New("unsupported model")
	ErrUnsupportedLayer = errors.New("unsupported layer")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInternal         = errors.New("internal error")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, message string) *AppError {
	return &AppError{Err: sentinel, Message: message, StatusCode: statusFor(sentinel)}
}

func Newf(sentinel error, format string, args ...any) *AppError {
	return New(sentinel, fmt.Sprintf(format, args...))
}

// StatusCode maps err onto an HTTP status. An explicit AppError status wins.
func StatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.StatusCode != 0 {
		return appErr.StatusCode
	}
	return statusFor(err)
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsInputError(err):
		return http.StatusBadRequest
	case errors.Is(err, ErrModelNotLoaded):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// IsInputError reports whether err was caused by caller input rather than
// engine state.
func IsInputError(err error) bool {
	return errors.Is(err, ErrUnknownComponent) ||
		errors.Is(err, ErrUnsupportedModel) ||
		errors.Is(err, ErrUnsupportedLayer) ||
		errors.Is(err, ErrInvalidInput)
}
