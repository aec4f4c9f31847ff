package inference

import "errors"

// inferenceError wraps any failure between reading the artifact and
// producing text.
type inferenceError struct {
	stage string
	err   error
}

func (e inferenceError) Error() string {
	return "inference failed (" + e.stage + "): " + e.err.Error()
}
func (e inferenceError) Unwrap() error { return e.err }

func ErrInference(stage string, cause error) error {
	return inferenceError{stage: stage, err: cause}
}

func IsInference(err error) bool {
	var e inferenceError
	return errors.As(err, &e)
}
