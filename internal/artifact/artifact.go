// Package artifact reads and writes the adapter directory that couples
// training to inference.
//
// An artifact declares its own capability through artifact_state: an
// "adapter" holds an unmerged low-rank delta that must be applied to the
// recorded base model, a "merged" directory is itself a runnable base model.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"loratune/internal/common/fsutil"
	"loratune/internal/lora"
	"loratune/internal/tokenizer"
)

const (
	ConfigFile    = "adapter_config.json"
	WeightsFile   = "adapter_model.json"
	TokenizerFile = "tokenizer.json"
	MergeInfoFile = "merge_info.json"

	// files of a merged (dense) directory
	modelConfigFile  = "config.json"
	modelWeightsFile = "model.json"

	FormatVersion = 1
	PeftTypeLoRA  = "LORA"
)

// State is the declared capability of an artifact.
type State string

const (
	StateAdapter State = "adapter"
	StateMerged  State = "merged"
)

// Config is adapter_config.json (or merge_info.json for merged output).
type Config struct {
	FormatVersion int       `json:"format_version"`
	PeftType      string    `json:"peft_type"`
	BaseModel     string    `json:"base_model_name_or_path"`
	State         State     `json:"artifact_state"`
	RunID         string    `json:"run_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	// SourceArtifact is set on merged output.
	SourceArtifact string `json:"source_artifact,omitempty"`
	lora.Config
}

// NewConfig describes a freshly trained adapter.
func NewConfig(baseRef, runID string, lc lora.Config) Config {
	return Config{
		FormatVersion: FormatVersion,
		PeftType:      PeftTypeLoRA,
		BaseModel:     baseRef,
		State:         StateAdapter,
		RunID:         runID,
		CreatedAt:     time.Now().UTC(),
		Config:        lc,
	}
}

// MergeInfo derives the merge_info.json document for a merged directory.
func MergeInfo(src Config, sourceDir string) Config {
	c := src
	c.State = StateMerged
	c.SourceArtifact = sourceDir
	c.CreatedAt = time.Now().UTC()
	return c
}

type weightsFile struct {
	FormatVersion int          `json:"format_version"`
	Modules       lora.Weights `json:"modules"`
}

// Artifact is the in-memory form. Weights is nil for merged artifacts.
type Artifact struct {
	Dir       string
	Config    Config
	Weights   lora.Weights
	Tokenizer *tokenizer.Tokenizer
}

// File is an extra JSON document written alongside the artifact.
type File struct {
	Name  string
	Value any
}

// Write stores an adapter artifact at dir. Everything is written into a
// hidden sibling and renamed into place.
func Write(dir string, a Artifact, extras ...File) error {
	if strings.TrimSpace(a.Config.BaseModel) == "" {
		return ErrSave(dir, fmt.Errorf("empty base model reference"))
	}
	if a.Config.State != StateAdapter {
		return ErrSave(dir, fmt.Errorf("cannot write artifact_state %q as an adapter", a.Config.State))
	}
	if a.Tokenizer == nil {
		return ErrSave(dir, fmt.Errorf("missing tokenizer"))
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return ErrSave(dir, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return ErrSave(dir, err)
	}
	tmp := fsutil.TempSibling(abs, "tmp")
	if err := os.Mkdir(tmp, 0o755); err != nil {
		return ErrSave(dir, err)
	}
	done := false
	defer func() {
		if !done {
			_ = os.RemoveAll(tmp)
		}
	}()
	cfg := a.Config
	if cfg.FormatVersion == 0 {
		cfg.FormatVersion = FormatVersion
	}
	if cfg.PeftType == "" {
		cfg.PeftType = PeftTypeLoRA
	}
	docs := append([]File{
		{Name: ConfigFile, Value: cfg},
		{Name: WeightsFile, Value: weightsFile{FormatVersion: FormatVersion, Modules: a.Weights}},
	}, extras...)
	for _, d := range docs {
		if err := fsutil.WriteJSON(filepath.Join(tmp, d.Name), d.Value); err != nil {
			return ErrSave(dir, err)
		}
	}
	if err := a.Tokenizer.Save(filepath.Join(tmp, TokenizerFile)); err != nil {
		return ErrSave(dir, err)
	}
	if err := fsutil.ReplaceDir(tmp, abs); err != nil {
		return ErrSave(dir, err)
	}
	done = true
	return nil
}

// ReadConfig reads only the declared configuration.
func ReadConfig(dir string) (Config, error) {
	if !fsutil.IsDir(dir) {
		return Config{}, ErrNotFound(dir, "no such directory")
	}
	name := ConfigFile
	if !fsutil.PathExists(filepath.Join(dir, name)) && fsutil.PathExists(filepath.Join(dir, MergeInfoFile)) {
		name = MergeInfoFile
	}
	p := filepath.Join(dir, name)
	if !fsutil.PathExists(p) {
		if !fsutil.PathExists(filepath.Join(dir, WeightsFile)) {
			return Config{}, ErrNotFound(dir, "no "+WeightsFile)
		}
		return Config{}, ErrCorrupt(dir, "missing "+ConfigFile, nil)
	}
	var cfg Config
	if err := fsutil.ReadJSON(p, &cfg); err != nil {
		return Config{}, ErrCorrupt(dir, "parse "+name, err)
	}
	if strings.TrimSpace(cfg.BaseModel) == "" {
		return Config{}, ErrCorrupt(dir, "base_model_name_or_path is empty", nil)
	}
	switch cfg.State {
	case StateAdapter, StateMerged:
	case "":
		// older artifacts without a declared state are adapters
		cfg.State = StateAdapter
	default:
		return Config{}, ErrCorrupt(dir, fmt.Sprintf("unknown artifact_state %q", cfg.State), nil)
	}
	if name == MergeInfoFile && cfg.State != StateMerged {
		return Config{}, ErrCorrupt(dir, MergeInfoFile+" must declare artifact_state merged", nil)
	}
	return cfg, nil
}

// Read loads an artifact. Adapter weights are required only for the adapter
// state; merged directories must carry dense model files instead.
func Read(dir string) (Artifact, error) {
	cfg, err := ReadConfig(dir)
	if err != nil {
		return Artifact{}, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Artifact{}, ErrNotFound(dir, err.Error())
	}
	a := Artifact{Dir: abs, Config: cfg}
	required := []string{WeightsFile, TokenizerFile}
	if cfg.State == StateMerged {
		required = []string{modelConfigFile, modelWeightsFile, TokenizerFile}
	}
	for _, f := range required {
		if !fsutil.PathExists(filepath.Join(dir, f)) {
			return Artifact{}, ErrNotFound(dir, "no "+f)
		}
	}
	if cfg.State == StateAdapter {
		var wf weightsFile
		if err := fsutil.ReadJSON(filepath.Join(dir, WeightsFile), &wf); err != nil {
			return Artifact{}, ErrCorrupt(dir, "parse "+WeightsFile, err)
		}
		if len(wf.Modules) == 0 {
			return Artifact{}, ErrCorrupt(dir, WeightsFile+" holds no modules", nil)
		}
		a.Weights = wf.Modules
	}
	tok, err := tokenizer.Load(filepath.Join(dir, TokenizerFile))
	if err != nil {
		return Artifact{}, ErrCorrupt(dir, "parse "+TokenizerFile, err)
	}
	a.Tokenizer = tok
	return a, nil
}
