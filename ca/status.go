package ca

import "fmt"

// StatusCode classifies adapter failures. It mirrors the small taxonomy the
// request paths return: anything platform-specific is folded into Failed,
// anything the caller did wrong into InvalidParam.
type StatusCode string

const (
	Failed            StatusCode = "failed"              // generic platform-call failure
	InvalidParam      StatusCode = "invalid_param"       // null/empty required argument
	AdapterNotEnabled StatusCode = "adapter_not_enabled" // radio is off
	AllocFailed       StatusCode = "alloc_failed"        // queue/buffer capacity exhausted
	NotSupported      StatusCode = "not_supported"       // deliberately stubbed operation
)

// StatusError is any adapter-level failure. Callers compare with errors.Is
// against the predefined sentinels rather than matching message strings.
type StatusError struct {
	Code StatusCode
	Msg  string
}

func (e *StatusError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Is allows errors.Is to compare StatusError values by Code.
func (e *StatusError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*StatusError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Predefined sentinel errors for the status taxonomy.
var (
	ErrFailed            = &StatusError{Code: Failed}
	ErrInvalidParam      = &StatusError{Code: InvalidParam}
	ErrAdapterNotEnabled = &StatusError{Code: AdapterNotEnabled}
	ErrAllocFailed       = &StatusError{Code: AllocFailed}
	ErrNotSupported      = &StatusError{Code: NotSupported}
)

// Errorf wraps a code with a formatted message while keeping errors.Is
// comparability against the code's sentinel.
func Errorf(code StatusCode, format string, args ...interface{}) error {
	return &StatusError{Code: code, Msg: fmt.Sprintf(format, args...)}
}
