package model

import (
	"fmt"
	"os"
	"path/filepath"

	"loratune/internal/common/fsutil"
	"loratune/internal/tokenizer"
)

// Files making up a base-model directory.
const (
	ConfigFile    = "config.json"
	WeightsFile   = "model.json"
	TokenizerFile = "tokenizer.json"
)

type weightsFile struct {
	Version int                    `json:"version"`
	State   map[string][][]float64 `json:"state"`
}

// SaveDir writes a base-model directory. Files are staged in a hidden
// sibling and swapped into place, so dir never holds a partial model.
// extras are additional JSON documents keyed by file name.
func SaveDir(dir string, m *Model, tok *tokenizer.Tokenizer, extras map[string]any) error {
	state, err := m.State()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("abs path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create parent: %w", err)
	}
	tmp := fsutil.TempSibling(abs, "tmp")
	if err := os.Mkdir(tmp, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = os.RemoveAll(tmp)
		}
	}()
	if err := fsutil.WriteJSON(filepath.Join(tmp, ConfigFile), m.Config()); err != nil {
		return err
	}
	if err := fsutil.WriteJSON(filepath.Join(tmp, WeightsFile), weightsFile{Version: 1, State: state}); err != nil {
		return err
	}
	if err := tok.Save(filepath.Join(tmp, TokenizerFile)); err != nil {
		return err
	}
	for name, doc := range extras {
		if err := fsutil.WriteJSON(filepath.Join(tmp, name), doc); err != nil {
			return err
		}
	}
	if err := fsutil.ReplaceDir(tmp, abs); err != nil {
		return err
	}
	ok = true
	return nil
}

// LoadDir reads a base-model directory written by SaveDir.
func LoadDir(dir string) (*Model, *tokenizer.Tokenizer, error) {
	var cfg Config
	if err := fsutil.ReadJSON(filepath.Join(dir, ConfigFile), &cfg); err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", ConfigFile, err)
	}
	var wf weightsFile
	if err := fsutil.ReadJSON(filepath.Join(dir, WeightsFile), &wf); err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", WeightsFile, err)
	}
	tok, err := tokenizer.Load(filepath.Join(dir, TokenizerFile))
	if err != nil {
		return nil, nil, err
	}
	if tok.VocabSize() != cfg.VocabSize {
		return nil, nil, fmt.Errorf("tokenizer vocab %d does not match model vocab %d", tok.VocabSize(), cfg.VocabSize)
	}
	m, err := FromState(cfg, wf.State)
	if err != nil {
		return nil, nil, err
	}
	return m, tok, nil
}
