package utils

import (
	"errors"
	"strings"
)

var (
	ErrProviderFailure       = errors.New("provider request failed")
	ErrInvalidQuery          = errors.New("invalid search query")
	ErrEngineRejected        = errors.New("engine rejected transfer")
	ErrEngineFailure         = errors.New("engine transfer failed")
	ErrPersistenceFailure    = errors.New("persistence write failed")
	ErrPersistencePending    = errors.New("transition not yet persisted")
	ErrReconciliationFailure = errors.New("reconciliation failed")
	ErrNotFound              = errors.New("download not found")
	ErrInvalidTransition     = errors.New("invalid state transition")
	ErrInsufficientSpace     = errors.New("insufficient disk space")
	ErrDatabaseError         = errors.New("database operation failed")
	ErrConfigurationError    = errors.New("configuration error")
)

type WrappedError struct {
	Err     error
	Message string
	Context map[string]any
}

func (w *WrappedError) Error() string {
	if w.Message != "" {
		return w.Message + ": " + w.Err.Error()
	}
	return w.Err.Error()
}

func (w *WrappedError) Unwrap() error {
	return w.Err
}

func WrapError(err error, message string, ctx map[string]any) error {
	return &WrappedError{
		Err:     err,
		Message: message,
		Context: ctx,
	}
}

// ErrorContext merges the Context maps of every WrappedError in the chain, outermost wins.
func ErrorContext(err error) map[string]any {
	merged := make(map[string]any)
	for e := err; e != nil; e = errors.Unwrap(e) {
		w, ok := e.(*WrappedError)
		if !ok {
			continue
		}
		for k, v := range w.Context {
			if _, exists := merged[k]; !exists {
				merged[k] = v
			}
		}
	}
	return merged
}

// RootError returns the innermost error in the chain.
func RootError(err error) error {
	for e := err; e != nil; e = errors.Unwrap(e) {
		err = e
	}
	return err
}

// UserMessage reduces an error chain to the human-readable reason stored in Download.LastError
// and returned in API error bodies.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.Contains(msg, "invalid magnet") || strings.Contains(msg, "invalid info hash") {
		return "Invalid magnet link: hash must be 32 (base32) or 40 (hex) characters."
	}
	return msg
}
