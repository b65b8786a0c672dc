// Package cli implements the genovec command line tool.
package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sanonone/genovec/internal/config"
	"github.com/sanonone/genovec/pkg/engine"
)

// app carries the state shared by the subcommands.
type app struct {
	cfgFile  string
	dataDir  string
	logLevel string
	envFile  string

	cfg config.Config
	log *slog.Logger
}

// NewRootCommand creates the root command
func NewRootCommand(version, commit, date string) *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "genovec",
		Short: "Embedded vector index for genomic similarity search",
		Long: `genovec manages a single-file HNSW vector index: import records with
metadata, run filtered nearest-neighbor queries, inspect and compact the index
and measure query latency.

Configuration comes from a YAML file (--config), GENOVEC_* environment variables
and a .env file in the working directory.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&a.dataDir, "data-dir", "d", "", "data directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before the configuration")

	// Add subcommands
	rootCmd.AddCommand(a.newInitCommand())
	rootCmd.AddCommand(a.newImportCommand())
	rootCmd.AddCommand(a.newSearchCommand())
	rootCmd.AddCommand(a.newGetCommand())
	rootCmd.AddCommand(a.newDeleteCommand())
	rootCmd.AddCommand(a.newStatsCommand())
	rootCmd.AddCommand(a.newCompactCommand())
	rootCmd.AddCommand(a.newBenchCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, date))

	return rootCmd
}

func (a *app) setup(cmd *cobra.Command) error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", a.envFile, err)
		}
	}
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	if a.dataDir != "" {
		cfg.DataDir = a.dataDir
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
		if _, err := cfg.LogLevel(); err != nil {
			return err
		}
	}
	a.cfg = cfg
	a.log = cfg.NewLogger(cmd.ErrOrStderr())
	slog.SetDefault(a.log)
	return nil
}

// open opens the engine for a one-shot command: background maintenance is
// off and pending writes are saved on Close.
func (a *app) open(mutate func(*engine.Options)) (*engine.Engine, error) {
	opts, err := a.cfg.EngineOptions(a.log)
	if err != nil {
		return nil, err
	}
	opts.AutoSaveInterval = 0
	opts.CompactThreshold = 0
	opts.RefineBatch = 0
	opts.SaveOnClose = true
	if mutate != nil {
		mutate(&opts)
	}
	return engine.Open(opts)
}

func (a *app) snapshotPath() string {
	name := a.cfg.SnapshotFile
	if name == "" {
		name = engine.DefaultOptions("", 0).SnapshotFile
	}
	return filepath.Join(a.cfg.DataDir, name)
}

// snapshotExists reports whether the configured data directory holds an index.
func (a *app) snapshotExists() bool {
	_, err := os.Stat(a.snapshotPath())
	return err == nil
}

func newVersionCommand(version, commit, date string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			if version == "dev" || version == "" {
				version = "development"
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "genovec %s (%s) built on %s\n", version, commit, date)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
