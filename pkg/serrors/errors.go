package serrors

import "errors"

// BaseError is a coded error that survives wrapping; compare with errors.Is.
type BaseError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	LocaleKey string `json:"locale_key,omitempty"`

	// Parent is the broader error class this one belongs to.
	Parent error `json:"-"`
}

func (e *BaseError) Error() string {
	return e.Message
}

func (e *BaseError) Unwrap() error {
	return e.Parent
}

func NewError(code, message, localeKey string) *BaseError {
	return &BaseError{
		Code:      code,
		Message:   message,
		LocaleKey: localeKey,
	}
}

// NewKind returns a coded error that also matches parent under errors.Is.
func NewKind(parent *BaseError, code, message string) *BaseError {
	e := NewError(code, message, "")
	e.Parent = parent
	return e
}

// Code returns the code of the outermost BaseError in the chain, or "" if there is none.
func Code(err error) string {
	var be *BaseError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// ValidationErrors maps a field name to a human readable message.
type ValidationErrors map[string]string
