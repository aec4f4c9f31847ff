package cli

import (
	"github.com/spf13/pflag"

	"loratune/internal/config"
)

// readFlag stores the flag's value, default included, in dst.
func readFlag[T any](name string, get func(string) (T, error), dst *T) error {
	v, err := get(name)
	if err != nil {
		return config.ErrConfig("flag --"+name, err)
	}
	*dst = v
	return nil
}

// setFlag is readFlag for flags given on the command line only, so unset
// flags leave file and environment values alone.
func setFlag[T any](f *pflag.FlagSet, name string, get func(string) (T, error), dst *T) error {
	if !f.Changed(name) {
		return nil
	}
	return readFlag(name, get, dst)
}
