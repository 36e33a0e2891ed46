package services

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind labels the broad failure class of a wrapped error.
type ErrorKind string

const (
	KindTransient         ErrorKind = "transient"
	KindResourceExhausted ErrorKind = "resource_exhausted"
	KindValidation        ErrorKind = "validation"
	KindIntegrity         ErrorKind = "integrity"
	KindNotFound          ErrorKind = "not_found"
	KindConfiguration     ErrorKind = "configuration"
	KindExternal          ErrorKind = "external"
	KindInternal          ErrorKind = "internal"
)

var (
	ErrTransient         = errors.New("transient failure")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrValidation        = errors.New("validation error")
	ErrIntegrity         = errors.New("integrity error")
	ErrNotFound          = errors.New("not found")
	ErrConfiguration     = errors.New("configuration error")
	ErrExternalTool      = errors.New("external service error")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Kind classifies an error by its sentinel marker.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrResourceExhausted):
		return KindResourceExhausted
	case errors.Is(err, ErrIntegrity):
		return KindIntegrity
	case errors.Is(err, ErrExternalTool):
		return KindExternal
	case errors.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindInternal
	}
}

// Retryable reports whether the error class is worth retrying. Validation,
// configuration, not-found and integrity failures never are.
func Retryable(err error) bool {
	switch Kind(err) {
	case KindTransient, KindResourceExhausted, KindExternal:
		return true
	default:
		return false
	}
}

// TruncateReason shortens an error message for persistence in a pipeline row.
func TruncateReason(err error, limit int) string {
	if err == nil {
		return ""
	}
	msg := strings.TrimSpace(err.Error())
	if limit <= 0 {
		limit = 240
	}
	runes := []rune(msg)
	if len(runes) <= limit {
		return msg
	}
	return string(runes[:limit]) + "..."
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
