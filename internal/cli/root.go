// Package cli assembles the loratune command tree.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"loratune/internal/common/fsutil"
	"loratune/internal/config"
	"loratune/internal/logging"
)

// app carries state shared by subcommands once the root pre-run resolved it.
type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	envFile    string
	logLevel   string
	logFormat  string

	cfg config.Config
	log zerolog.Logger
}

func (a *app) cacheDir() (string, error) { return fsutil.ExpandHome(a.cfg.CacheDir) }

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// NewRootCmd builds the command tree writing results to stdout and
// diagnostics to stderr.
func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	return buildRootCmdWith(newApp(stdout, stderr))
}

func newApp(stdout, stderr io.Writer) *app {
	a := &app{stdout: stdout, stderr: stderr, cfg: config.Default()}
	a.log, _ = logging.New(stderr, "info", "console")
	return a
}

func buildRootCmdWith(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "loratune",
		Short:         "Fine-tune low-rank adapters and run inference with them",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Config file (.yaml, .yml, .json or .toml)")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", "", "Load LORATUNE_* variables from a .env file first")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug|info|warn|error|off (defaults LORATUNE_LOG_LEVEL or info)")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "Log format: console|json")
	root.PersistentFlags().String("cache-dir", "", "Base model cache directory (defaults LORATUNE_CACHE_DIR)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if a.envFile != "" {
			if err := config.LoadEnvFile(a.envFile); err != nil {
				return config.ErrConfig("env-file", err)
			}
		}
		cfg, err := config.Resolve(a.configPath)
		if err != nil {
			return err
		}
		if a.logLevel != "" {
			cfg.Log.Level = a.logLevel
		}
		if a.logFormat != "" {
			cfg.Log.Format = a.logFormat
		}
		if f := cmd.Flags().Lookup("cache-dir"); f != nil && f.Changed {
			cfg.CacheDir = f.Value.String()
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		log, err := logging.New(a.stderr, cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return config.ErrConfig("log", err)
		}
		a.cfg, a.log = cfg, log
		return nil
	}

	root.AddCommand(newTrainCmd(a), newInferCmd(a), newMergeCmd(a), newBaseCmd(a), newArtifactCmd(a))

	completionCmd := &cobra.Command{Use: "completion", Short: "Generate the autocompletion script for the specified shell"}
	completionCmd.AddCommand(&cobra.Command{Use: "bash", Short: "Bash completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenBashCompletion(a.stdout) }})
	completionCmd.AddCommand(&cobra.Command{Use: "zsh", Short: "Zsh completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenZshCompletion(a.stdout) }})
	completionCmd.AddCommand(&cobra.Command{Use: "fish", Short: "Fish completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenFishCompletion(a.stdout, true) }})
	root.AddCommand(completionCmd)

	return root
}

// MainWithArgs runs the command tree and returns the process exit code.
func MainWithArgs(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := newApp(stdout, stderr)
	root := buildRootCmdWith(a)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		if a.log.GetLevel() == zerolog.Disabled {
			fmt.Fprintln(stderr, "error:", err)
		} else {
			a.log.Error().Err(err).Msg("command failed")
		}
		return 1
	}
	return 0
}

// Main returns an exit code for use by cmd/loratune.
func Main(ctx context.Context) int {
	return MainWithArgs(ctx, os.Args[1:], os.Stdout, os.Stderr)
}
