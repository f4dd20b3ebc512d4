package relay

import "errors"

const (
	CodeValidation   = "validation"
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeInternal     = "internal"
)

// Error is the taxonomy carried across the relay core. NotFound, Forbidden,
// Conflict, and Unauthorized are expected caller conditions; Internal marks
// store failures that propagate with no partial-state guarantee.
type Error struct {
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func statusForCode(code string) int {
	switch code {
	case CodeValidation:
		return 400
	case CodeUnauthorized:
		return 401
	case CodeForbidden:
		return 403
	case CodeNotFound:
		return 404
	case CodeConflict:
		return 409
	default:
		return 500
	}
}

func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message, Status: statusForCode(code)}
}

// IsCode reports whether err is a relay Error with the given code.
func IsCode(err error, code string) bool {
	var re *Error
	return errors.As(err, &re) && re.Code == code
}
