package face

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so the transport layer can map it to a status code.
type Kind string

const (
	KindFaceNotDetected     Kind = "FACE_NOT_DETECTED"
	KindMultipleFaces       Kind = "MULTIPLE_FACES_DETECTED"
	KindPoorQuality         Kind = "POOR_IMAGE_QUALITY"
	KindPersonNotFound      Kind = "PERSON_NOT_FOUND"
	KindPersonAlreadyExists Kind = "PERSON_ALREADY_EXISTS"
	KindModel               Kind = "MODEL_ERROR"
	KindStorage             Kind = "STORAGE_ERROR"
	KindValidation          Kind = "VALIDATION_ERROR"
	KindSessionNotFound     Kind = "SESSION_NOT_FOUND"
	KindInternal            Kind = "INTERNAL_SERVER_ERROR"
)

// Error is a classified failure. Reason carries the stable quality reason
// code when the error comes out of the quality gate.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so errors.Is(err, ErrPersonNotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// Sentinels for errors.Is checks.
var (
	ErrFaceNotDetected     = &Error{Kind: KindFaceNotDetected}
	ErrMultipleFaces       = &Error{Kind: KindMultipleFaces}
	ErrPoorQuality         = &Error{Kind: KindPoorQuality}
	ErrPersonNotFound      = &Error{Kind: KindPersonNotFound}
	ErrPersonAlreadyExists = &Error{Kind: KindPersonAlreadyExists}
	ErrModel               = &Error{Kind: KindModel}
	ErrStorage             = &Error{Kind: KindStorage}
	ErrValidation          = &Error{Kind: KindValidation}
	ErrSessionNotFound     = &Error{Kind: KindSessionNotFound}
)

// NewError creates a classified error without a cause.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// MessageOf returns the user facing message of a classified error.
// Unclassified errors get a generic message so internals never leak.
func MessageOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Message != "" {
		return fe.Message
	}
	return "An unexpected error occurred."
}
