package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"loratune/internal/config"
	"loratune/internal/dataset"
	"loratune/internal/httpapi"
	"loratune/internal/lora"
	"loratune/internal/model"
	"loratune/internal/trainer"
	"loratune/pkg/types"
)

func trainArgs(c config.Config) trainer.Args {
	t := c.Train
	return trainer.Args{
		Epochs:         t.Epochs,
		BatchSize:      t.BatchSize,
		MaxLength:      t.MaxLength,
		LearningRate:   t.LearningRate,
		WarmupSteps:    t.WarmupSteps,
		WeightDecay:    t.WeightDecay,
		LoggingSteps:   t.LoggingSteps,
		SaveSteps:      t.SaveSteps,
		SaveTotalLimit: t.SaveTotalLimit,
		Seed:           t.Seed,
		Device:         t.Device,
		Precision:      t.Precision,
		LoRA: lora.Config{
			R:             c.LoRA.R,
			Alpha:         c.LoRA.Alpha,
			TargetModules: append([]string(nil), c.LoRA.TargetModules...),
			Dropout:       c.LoRA.Dropout,
			Bias:          c.LoRA.Bias,
			TaskType:      c.LoRA.TaskType,
		},
	}
}

func newTrainCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "train <base-model> <dataset> <output-dir>",
		Short:   "Fine-tune a LoRA adapter and write it to <output-dir>/final_model",
		Example: "  loratune train acme/tiny data/chat.csv runs/chat\n  loratune train ./models/tiny data/chat.tsv runs/chat --epochs 1 --progress-bar",
		Args:    cobra.ExactArgs(3),
	}
	f := cmd.Flags()
	f.Int("epochs", 0, "Number of training epochs")
	f.Int("batch-size", 0, "Examples per optimizer step")
	f.Int("max-length", 0, "Token length examples are padded or truncated to")
	f.Float64("learning-rate", 0, "Peak learning rate")
	f.Int("save-steps", 0, "Write a checkpoint every N optimizer steps")
	f.Int("save-total-limit", 0, "Checkpoints to keep (0 keeps all)")
	f.Int64("seed", 0, "Random seed")
	f.String("device", "", "Device: auto|cpu")
	f.String("precision", "", "Precision: float32|float64")
	f.Int("lora-r", 0, "Adapter rank")
	f.Float64("lora-alpha", 0, "Adapter scaling numerator")
	f.StringSlice("target-modules", nil, "Module name suffixes to adapt, or all-linear")
	f.String("delimiter", "", `Dataset field separator (default by extension; "\t" for tab)`)
	f.Bool("progress-bar", false, "Draw a progress bar on stderr")
	f.String("metrics-file", "", "Write Prometheus metrics to this textfile when the run ends")
	f.String("status-addr", "", "Serve /status, /events and /metrics on this address while training")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg := a.cfg
		f := cmd.Flags()
		if err := errors.Join(
			setFlag(f, "epochs", f.GetInt, &cfg.Train.Epochs),
			setFlag(f, "batch-size", f.GetInt, &cfg.Train.BatchSize),
			setFlag(f, "max-length", f.GetInt, &cfg.Train.MaxLength),
			setFlag(f, "learning-rate", f.GetFloat64, &cfg.Train.LearningRate),
			setFlag(f, "save-steps", f.GetInt, &cfg.Train.SaveSteps),
			setFlag(f, "save-total-limit", f.GetInt, &cfg.Train.SaveTotalLimit),
			setFlag(f, "seed", f.GetInt64, &cfg.Train.Seed),
			setFlag(f, "device", f.GetString, &cfg.Train.Device),
			setFlag(f, "precision", f.GetString, &cfg.Train.Precision),
			setFlag(f, "lora-r", f.GetInt, &cfg.LoRA.R),
			setFlag(f, "lora-alpha", f.GetFloat64, &cfg.LoRA.Alpha),
			setFlag(f, "target-modules", f.GetStringSlice, &cfg.LoRA.TargetModules),
			setFlag(f, "delimiter", f.GetString, &cfg.Train.Delimiter),
			setFlag(f, "progress-bar", f.GetBool, &cfg.Train.ProgressBar),
			setFlag(f, "metrics-file", f.GetString, &cfg.MetricsFile),
			setFlag(f, "status-addr", f.GetString, &cfg.Status.Addr),
		); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		cacheDir, err := a.cacheDir()
		if err != nil {
			return config.ErrConfig("cache_dir", err)
		}

		var sink trainer.ProgressSink = trainer.NewJSONLinesSink(a.stdout)
		if cfg.Train.ProgressBar {
			sink = trainer.MultiSink{sink, trainer.NewBarSink(a.stderr)}
		}
		opts := trainer.Options{
			Args:    trainArgs(cfg),
			Loader:  model.LocalLoader{CacheDir: cacheDir},
			Sink:    sink,
			Logger:  a.log,
			Metrics: trainer.NewMetrics(),
			Dataset: dataset.Options{Delimiter: cfg.DelimiterRune()},
			RunID:   uuid.NewString(),
		}
		var tracker *httpapi.Tracker
		if cfg.Status.Addr != "" {
			tracker = httpapi.NewTracker(opts.RunID)
			opts.Sink = trainer.MultiSink{sink, tracker}
			opts.OnTransition = func(_, to trainer.State) { tracker.SetState(string(to)) }
			mux := httpapi.NewMux(tracker, httpapi.Options{Registry: opts.Metrics.Registry, Logger: a.log, CORSOrigins: cfg.Status.CORSOrigins})
			srv, err := httpapi.Start(cfg.Status.Addr, mux, a.log)
			if err != nil {
				return config.ErrConfig("status.addr", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(ctx)
			}()
		}
		tr, err := trainer.New(opts)
		if err != nil {
			return config.ErrConfig("train", err)
		}
		res, runErr := tr.Run(cmd.Context(), trainer.Job{BaseModel: args[0], DatasetPath: args[1], OutputDir: args[2]})
		if tracker != nil {
			tracker.Finish(res.FinalModelPath, runErr)
		}
		if cfg.MetricsFile != "" {
			if err := tr.Metrics().WriteTextfile(cfg.MetricsFile); err != nil {
				a.log.Warn().Err(err).Str("path", cfg.MetricsFile).Msg("write metrics textfile")
			}
		}
		if runErr != nil {
			return runErr
		}
		_, err = fmt.Fprintln(a.stdout, types.FinalModelPathPrefix+res.FinalModelPath)
		return err
	}
	return cmd
}
