package lora

import "errors"

type attachError struct {
	msg string
	err error
}

func (e attachError) Error() string {
	if e.err != nil {
		return "adapter attach failed: " + e.msg + ": " + e.err.Error()
	}
	return "adapter attach failed: " + e.msg
}

func (e attachError) Unwrap() error { return e.err }

// ErrAdapterAttach is returned when an adapter cannot be applied to a model.
func ErrAdapterAttach(msg string, cause error) error {
	return attachError{msg: msg, err: cause}
}

func IsAdapterAttach(err error) bool {
	var e attachError
	return errors.As(err, &e)
}
