package services

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// ErrKind classifies a service failure so the transport boundary can pick a
// response without inspecting messages.
type ErrKind string

const (
	ErrValidation    ErrKind = "validation"
	ErrNotAuthorized ErrKind = "not-authorized"
	ErrIneligible    ErrKind = "ineligible-product"
	ErrConflict      ErrKind = "conflict"
	ErrReplay        ErrKind = "replay"
	ErrNotFound      ErrKind = "not-found"
	ErrTransient     ErrKind = "transient"
	ErrRateLimited   ErrKind = "rate-limited"
	ErrBug           ErrKind = "bug"
)

// ServiceError is the typed failure raised by the core components.
type ServiceError struct {
	Kind   ErrKind
	Msg    string
	Fields map[string]string
	Err    error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *ServiceError) Unwrap() error { return e.Err }

func Errf(kind ErrKind, format string, args ...interface{}) *ServiceError {
	return &ServiceError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func WrapErr(kind ErrKind, err error, msg string) *ServiceError {
	return &ServiceError{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind; unclassified errors count as transient so the
// retry machinery treats them conservatively.
func KindOf(err error) ErrKind {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrTransient
}

// Terminal reports whether retrying can never help.
func Terminal(err error) bool {
	switch KindOf(err) {
	case ErrValidation, ErrNotAuthorized, ErrIneligible, ErrConflict, ErrNotFound, ErrBug:
		return true
	}
	return false
}

// HTTPStatus maps an error kind to the fiber status code.
func HTTPStatus(kind ErrKind) int {
	switch kind {
	case ErrValidation, ErrIneligible:
		return fiber.StatusBadRequest
	case ErrNotAuthorized:
		return fiber.StatusUnauthorized
	case ErrConflict:
		return fiber.StatusConflict
	case ErrReplay:
		return fiber.StatusOK
	case ErrNotFound:
		return fiber.StatusNotFound
	case ErrRateLimited:
		return fiber.StatusTooManyRequests
	default:
		return fiber.StatusInternalServerError
	}
}

// RespondError translates a service error at the fiber boundary.
func RespondError(c *fiber.Ctx, err error) error {
	kind := KindOf(err)
	body := fiber.Map{"error": string(kind), "cause": err.Error()}
	var se *ServiceError
	if errors.As(err, &se) && len(se.Fields) > 0 {
		body["fields"] = se.Fields
	}
	return c.Status(HTTPStatus(kind)).JSON(body)
}
