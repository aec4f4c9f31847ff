// Package registry resolves base model references and lists the model cache.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"loratune/internal/common/fsutil"
	"loratune/pkg/types"
)

const (
	configFile    = "config.json"
	mergeInfoFile = "merge_info.json"
)

type notFoundError struct{ ref string }

func (e notFoundError) Error() string { return "base model not found: " + e.ref }

// ErrNotFound builds the error Resolve returns for an unknown reference.
func ErrNotFound(ref string) error { return notFoundError{ref: ref} }

// IsNotFound reports whether err is an unknown-reference error.
func IsNotFound(err error) bool {
	var e notFoundError
	return errors.As(err, &e)
}

// CacheName maps an identifier like "org/name" to its cache directory name "org--name".
func CacheName(ref string) string {
	return strings.ReplaceAll(strings.Trim(ref, "/"), "/", "--")
}

// Resolve maps a reference to an absolute base-model directory. A reference
// naming an existing directory wins; otherwise the cache is consulted.
func Resolve(ref, cacheDir string) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", fmt.Errorf("empty base model reference")
	}
	p, err := fsutil.ExpandHome(ref)
	if err != nil {
		return "", err
	}
	if fsutil.IsDir(p) {
		return filepath.Abs(p)
	}
	if cacheDir != "" {
		base, err := fsutil.ExpandHome(cacheDir)
		if err != nil {
			return "", err
		}
		candidate := filepath.Join(base, CacheName(ref))
		if fsutil.IsDir(candidate) {
			return filepath.Abs(candidate)
		}
	}
	return "", ErrNotFound(ref)
}

// LoadDir scans a cache directory for base-model directories (those holding
// config.json). IDs are derived from directory names ("org--name" -> "org/name").
func LoadDir(dir string) ([]types.BaseModel, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.BaseModel
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		p := filepath.Join(abs, e.Name())
		var cfg struct {
			Architecture string `json:"architecture"`
			VocabSize    int    `json:"vocab_size"`
		}
		if err := fsutil.ReadJSON(filepath.Join(p, configFile), &cfg); err != nil {
			continue
		}
		models = append(models, types.BaseModel{
			ID:           strings.ReplaceAll(e.Name(), "--", "/"),
			Path:         p,
			Architecture: cfg.Architecture,
			VocabSize:    cfg.VocabSize,
			Merged:       fsutil.PathExists(filepath.Join(p, mergeInfoFile)),
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}
