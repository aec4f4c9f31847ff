package cli

import (
	"bufio"
	"errors"

	"github.com/spf13/cobra"

	"loratune/internal/config"
	"loratune/internal/inference"
	"loratune/internal/model"
)

func inferParams(c config.Config) inference.Params {
	i := c.Infer
	return inference.Params{
		MaxLength:    i.MaxLength,
		TopK:         i.TopK,
		TopP:         i.TopP,
		Temperature:  i.Temperature,
		Seed:         i.Seed,
		ChatTemplate: i.ChatTemplate,
		Device:       i.Device,
		Precision:    i.Precision,
	}
}

func addInferFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int("max-length", 0, "Maximum total tokens, prompt included")
	f.Int("top-k", 0, "Keep the k most likely tokens (0 disables)")
	f.Float64("top-p", 0, "Nucleus sampling mass")
	f.Float64("temperature", 0, "Sampling temperature")
	f.Int64("seed", 0, "Sampling seed (0 seeds from the clock)")
	f.Bool("chat-template", false, "Wrap the prompt in the training chat template")
	f.String("device", "", "Device: auto|cpu")
	f.String("precision", "", "Precision: float32|float64")
}

func applyInferFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if err := errors.Join(
		setFlag(f, "max-length", f.GetInt, &cfg.Infer.MaxLength),
		setFlag(f, "top-k", f.GetInt, &cfg.Infer.TopK),
		setFlag(f, "top-p", f.GetFloat64, &cfg.Infer.TopP),
		setFlag(f, "temperature", f.GetFloat64, &cfg.Infer.Temperature),
		setFlag(f, "seed", f.GetInt64, &cfg.Infer.Seed),
		setFlag(f, "chat-template", f.GetBool, &cfg.Infer.ChatTemplate),
		setFlag(f, "device", f.GetString, &cfg.Infer.Device),
		setFlag(f, "precision", f.GetString, &cfg.Infer.Precision),
	); err != nil {
		return err
	}
	return cfg.Validate()
}

func (a *app) runner() (inference.Runner, error) {
	cacheDir, err := a.cacheDir()
	if err != nil {
		return inference.Runner{}, config.ErrConfig("cache_dir", err)
	}
	return inference.Runner{Loader: model.LocalLoader{CacheDir: cacheDir}, Log: a.log}, nil
}

func newInferCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "infer <artifact-dir> <prompt>",
		Short:   "Generate text from a trained adapter or merged model",
		Example: "  loratune infer runs/chat/final_model \"hello there\"\n  loratune infer runs/chat/final_model \"hi\" --chat-template --seed 7",
		Args:    cobra.ExactArgs(2),
	}
	addInferFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg := a.cfg
		if err := applyInferFlags(cmd, &cfg); err != nil {
			return err
		}
		r, err := a.runner()
		if err != nil {
			return err
		}
		w := bufio.NewWriter(a.stdout)
		_, err = r.Run(cmd.Context(), args[0], args[1], inferParams(cfg), w, func() { _ = w.Flush() })
		return err
	}
	return cmd
}

func newMergeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge <artifact-dir> <output-dir>",
		Short: "Fold an adapter into its base model and save a standalone model",
		Args:  cobra.ExactArgs(2),
	}
	cmd.Flags().String("device", "", "Device: auto|cpu")
	cmd.Flags().String("precision", "", "Precision: float32|float64")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg := a.cfg
		if err := applyInferFlags(cmd, &cfg); err != nil {
			return err
		}
		r, err := a.runner()
		if err != nil {
			return err
		}
		out, err := r.Merge(cmd.Context(), args[0], args[1], inferParams(cfg))
		if err != nil {
			return err
		}
		return a.printJSON(map[string]string{"merged": out})
	}
	return cmd
}
