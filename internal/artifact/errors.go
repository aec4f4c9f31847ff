package artifact

import "errors"

type notFoundError struct {
	dir string
	msg string
}

func (e notFoundError) Error() string {
	return "artifact not found at " + e.dir + ": " + e.msg
}

type corruptError struct {
	dir string
	msg string
	err error
}

func (e corruptError) Error() string {
	s := "artifact at " + e.dir + " is corrupt: " + e.msg
	if e.err != nil {
		s += ": " + e.err.Error()
	}
	return s
}

func (e corruptError) Unwrap() error { return e.err }

type saveError struct {
	dir string
	err error
}

func (e saveError) Error() string {
	return "artifact save to " + e.dir + " failed: " + e.err.Error()
}
func (e saveError) Unwrap() error { return e.err }

func ErrNotFound(dir, msg string) error { return notFoundError{dir: dir, msg: msg} }

func ErrCorrupt(dir, msg string, cause error) error {
	return corruptError{dir: dir, msg: msg, err: cause}
}

func ErrSave(dir string, cause error) error { return saveError{dir: dir, err: cause} }

func IsNotFound(err error) bool {
	var e notFoundError
	return errors.As(err, &e)
}

func IsCorrupt(err error) bool {
	var e corruptError
	return errors.As(err, &e)
}

func IsSave(err error) bool {
	var e saveError
	return errors.As(err, &e)
}
