// Package cmd wires the caw CLI: the root command, the long-running
// daemon, and the workflow subcommands.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cawdev/caw/internal/config"
	"github.com/cawdev/caw/internal/log"
	"github.com/cawdev/caw/internal/store"
)

var (
	version = "dev"

	flagDebug     bool
	flagRepo      string
	flagDBMode    string
	flagCycle     string
	flagTransport string
	flagPort      int
)

var rootCmd = &cobra.Command{
	Use:           "caw",
	Short:         "Orchestrate fleets of coding agents over shared SQLite state",
	Long:          "caw plans multi-task workflows, schedules them across agent runners,\nand drives the resulting branches through review and merge.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false,
		"enable debug logging to .caw/debug.log")
	rootCmd.PersistentFlags().StringVar(&flagRepo, "repo", "",
		"repository path (default: config, env, or current directory)")
	rootCmd.PersistentFlags().StringVar(&flagDBMode, "db-mode", "",
		"database location: per-repo or global")
	rootCmd.PersistentFlags().StringVar(&flagCycle, "cycle", "",
		"pr cycle mode: auto, hitl, or off")
	rootCmd.PersistentFlags().StringVar(&flagTransport, "transport", "",
		"daemon transport: stdio or http")
	rootCmd.PersistentFlags().IntVar(&flagPort, "port", 0,
		"daemon port for the http transport")
}

// SetVersion records the build version shown by --version.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute runs the CLI. Errors are printed once, here.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "caw:", err)
		return err
	}
	return nil
}

// loadConfig layers flags over env over .caw/config.json over defaults.
func loadConfig() (*config.Config, error) {
	repoPath := flagRepo
	if repoPath == "" {
		repoPath = os.Getenv("CAW_REPO_PATH")
	}
	if repoPath == "" {
		var err error
		repoPath, err = os.Getwd()
		if err != nil {
			return nil, err
		}
	}

	cfg, err := config.Load(config.ConfigPath(repoPath))
	if err != nil {
		return nil, err
	}

	cfg.RepoPath = repoPath
	if flagDBMode != "" {
		cfg.DBMode = flagDBMode
	}
	if flagCycle != "" {
		cfg.PR.Cycle = flagCycle
	}
	if flagTransport != "" {
		cfg.Transport = flagTransport
	}
	if flagPort != 0 {
		cfg.Port = flagPort
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// initLogging turns on the debug log when asked to. The returned cleanup
// is safe to call even when logging stayed off.
func initLogging(cfg *config.Config) func() {
	if !flagDebug && os.Getenv("CAW_DEBUG") == "" {
		return func() {}
	}
	logPath := filepath.Join(cfg.StateDir(), "debug.log")
	if err := os.MkdirAll(cfg.StateDir(), 0o750); err != nil {
		fmt.Fprintln(os.Stderr, "caw: cannot create state dir:", err)
		return func() {}
	}
	cleanup, err := log.Init(logPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "caw: cannot open debug log:", err)
		return func() {}
	}
	return cleanup
}

// openStore opens the workflow database for the resolved config.
func openStore(cfg *config.Config) (*store.Store, error) {
	path, err := store.ResolvePath(cfg.DBMode, cfg.RepoPath)
	if err != nil {
		return nil, err
	}
	return store.Open(path)
}
