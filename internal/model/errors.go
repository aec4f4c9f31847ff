package model

import (
	"errors"
	"strings"
)

// modelLoadError is returned when every load strategy failed.
type modelLoadError struct {
	ref      string
	attempts []string
	err      error
}

func (e modelLoadError) Error() string {
	msg := "model load failed for " + e.ref
	if len(e.attempts) > 0 {
		msg += " (tried " + strings.Join(e.attempts, ", ") + ")"
	}
	if e.err != nil {
		msg += ": " + e.err.Error()
	}
	return msg
}

func (e modelLoadError) Unwrap() error { return e.err }

// ErrModelLoad wraps the last load failure for ref.
func ErrModelLoad(ref string, attempts []string, cause error) error {
	return modelLoadError{ref: ref, attempts: attempts, err: cause}
}

// IsModelLoad reports whether err is a model load failure.
func IsModelLoad(err error) bool {
	var e modelLoadError
	return errors.As(err, &e)
}
