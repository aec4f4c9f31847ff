package tokenizer

import "errors"

// tokenizationError covers a missing pad token and any encoding failure.
type tokenizationError struct {
	msg string
	err error
}

func (e tokenizationError) Error() string {
	if e.err != nil {
		return "tokenization error: " + e.msg + ": " + e.err.Error()
	}
	return "tokenization error: " + e.msg
}

func (e tokenizationError) Unwrap() error { return e.err }

// ErrTokenization constructs a tokenization error; cause may be nil.
func ErrTokenization(msg string, cause error) error {
	return tokenizationError{msg: msg, err: cause}
}

// IsTokenization reports whether err (or anything it wraps) is a tokenization error.
func IsTokenization(err error) bool {
	var e tokenizationError
	return errors.As(err, &e)
}
