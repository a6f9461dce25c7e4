// Package shared holds types every domain package depends on.
package shared

// DomainError is a business rule violation raised by an action. The
// dispatcher answers it with 400 and its message, so the message must be
// safe to show to callers.
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *DomainError) Error() string {
	return e.Message
}

// Is compares by code, so errors.Is matches a sentinel against a copy.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	return ok && t.Code == e.Code
}

// NewDomainError creates a domain error sentinel.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{Code: code, Message: message}
}
