package dataset

import (
	"errors"
	"fmt"
)

type formatError struct {
	path string
	msg  string
	err  error
}

func (e formatError) Error() string {
	s := fmt.Sprintf("dataset format error in %s: %s", e.path, e.msg)
	if e.err != nil {
		s += ": " + e.err.Error()
	}
	return s
}

func (e formatError) Unwrap() error { return e.err }

// ErrDatasetFormat reports an unreadable file or missing columns.
func ErrDatasetFormat(path, msg string, cause error) error {
	return formatError{path: path, msg: msg, err: cause}
}

func IsDatasetFormat(err error) bool {
	var e formatError
	return errors.As(err, &e)
}

type emptyError struct {
	path  string
	stats Stats
}

func (e emptyError) Error() string {
	return fmt.Sprintf("dataset %s has no usable rows (%d read, %d dropped)", e.path, e.stats.Total, e.stats.Dropped)
}

// ErrEmptyDataset reports that no rows survived cleaning.
func ErrEmptyDataset(path string, stats Stats) error {
	return emptyError{path: path, stats: stats}
}

func IsEmptyDataset(err error) bool {
	var e emptyError
	return errors.As(err, &e)
}
