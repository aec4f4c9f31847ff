package cli

import (
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"

	"github.com/spf13/cobra"

	"loratune/internal/artifact"
	"loratune/internal/common/fsutil"
	"loratune/internal/dataset"
	"loratune/internal/model"
	"loratune/internal/registry"
	"loratune/internal/tokenizer"
	"loratune/pkg/types"
)

func newBaseCmd(a *app) *cobra.Command {
	baseCmd := &cobra.Command{Use: "base", Short: "Manage base models", RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("base requires a subcommand: init|list")
	}}

	initCmd := &cobra.Command{
		Use:     "init <output-dir>",
		Short:   "Create a randomly initialized base model whose tokenizer covers a dataset",
		Example: "  loratune base init ~/.cache/loratune/models/acme--tiny --corpus data/chat.csv",
		Args:    cobra.ExactArgs(1),
	}
	def := model.DefaultConfig()
	initCmd.Flags().String("corpus", "", "Dataset whose prompts and responses seed the tokenizer vocabulary")
	initCmd.Flags().String("tokenizer", tokenizer.ModeChar, "Tokenizer mode: char|bpe")
	initCmd.Flags().String("bpe-encoding", tokenizer.DefaultBPEEncoding, "tiktoken encoding for bpe mode")
	initCmd.Flags().Int("n-layer", def.NLayer, "Transformer layers")
	initCmd.Flags().Int("n-embd", def.NEmbd, "Embedding width")
	initCmd.Flags().Int("n-head", def.NHead, "Attention heads")
	initCmd.Flags().Int("block-size", def.BlockSize, "Maximum context length")
	initCmd.Flags().Int64("seed", 42, "Initialization seed")
	_ = initCmd.MarkFlagRequired("corpus")
	initCmd.RunE = func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		var corpus, mode, enc string
		var seed int64
		mc := model.DefaultConfig()
		if err := errors.Join(
			readFlag("corpus", f.GetString, &corpus),
			readFlag("tokenizer", f.GetString, &mode),
			readFlag("bpe-encoding", f.GetString, &enc),
			readFlag("seed", f.GetInt64, &seed),
			readFlag("n-layer", f.GetInt, &mc.NLayer),
			readFlag("n-embd", f.GetInt, &mc.NEmbd),
			readFlag("n-head", f.GetInt, &mc.NHead),
			readFlag("block-size", f.GetInt, &mc.BlockSize),
		); err != nil {
			return err
		}
		examples, _, err := dataset.Load(corpus, dataset.Options{Delimiter: a.cfg.DelimiterRune()}, a.log)
		if err != nil {
			return err
		}
		var tok *tokenizer.Tokenizer
		switch mode {
		case tokenizer.ModeChar:
			tok = tokenizer.NewChar(dataset.Corpus(examples))
		case tokenizer.ModeBPE:
			if tok, err = tokenizer.NewBPE(enc, dataset.Corpus(examples)); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown tokenizer mode %q (want %s or %s)", mode, tokenizer.ModeChar, tokenizer.ModeBPE)
		}
		mc.VocabSize = tok.VocabSize()
		m, err := model.New(mc, rand.New(rand.NewSource(seed)))
		if err != nil {
			return err
		}
		out, err := fsutil.ExpandHome(args[0])
		if err != nil {
			return err
		}
		if err := model.SaveDir(out, m, tok, nil); err != nil {
			return artifact.ErrSave(out, err)
		}
		abs, _ := filepath.Abs(out)
		a.log.Info().Str("path", abs).Int("vocab_size", mc.VocabSize).Str("tokenizer", mode).Msg("base model initialized")
		return a.printJSON(types.BaseModel{ID: filepath.Base(abs), Path: abs, Architecture: mc.Architecture, VocabSize: mc.VocabSize})
	}

	listCmd := &cobra.Command{Use: "list", Short: "List base models in the cache directory", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := a.cacheDir()
		if err != nil {
			return err
		}
		models := []types.BaseModel{}
		if fsutil.IsDir(dir) {
			found, err := registry.LoadDir(dir)
			if err != nil {
				return err
			}
			models = append(models, found...)
		}
		return a.printJSON(models)
	}}

	baseCmd.AddCommand(initCmd, listCmd)
	return baseCmd
}

func newArtifactCmd(a *app) *cobra.Command {
	artifactCmd := &cobra.Command{Use: "artifact", Short: "Inspect adapter artifacts", RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("artifact requires a subcommand: inspect")
	}}
	inspectCmd := &cobra.Command{Use: "inspect <artifact-dir>", Short: "Print the artifact's adapter configuration", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := artifact.ReadConfig(args[0])
		if err != nil {
			return err
		}
		return a.printJSON(cfg)
	}}
	artifactCmd.AddCommand(inspectCmd)
	return artifactCmd
}
