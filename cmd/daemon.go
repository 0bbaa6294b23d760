package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/cawdev/caw/internal/config"
	"github.com/cawdev/caw/internal/domain"
	"github.com/cawdev/caw/internal/ids"
	"github.com/cawdev/caw/internal/infrastructure/sqlite"
	"github.com/cawdev/caw/internal/log"
	"github.com/cawdev/caw/internal/prcycle"
	"github.com/cawdev/caw/internal/runner"
	"github.com/cawdev/caw/internal/session"
	"github.com/cawdev/caw/internal/store"
	"github.com/cawdev/caw/internal/tracing"
	"github.com/cawdev/caw/internal/vcs"
	"github.com/cawdev/caw/internal/watcher"
)

const (
	heartbeatInterval = 10 * time.Second
	reapInterval      = 30 * time.Second
	sessionTimeout    = 60 * time.Second
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the orchestration daemon",
	Long: "Registers a daemon session, runs agent pools for ready workflows,\n" +
		"reaps stale sessions, and reacts to database changes from other\n" +
		"processes.",
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cleanupLog := initLogging(cfg)
	defer cleanupLog()

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	tracingCfg := cfg.Tracing
	if tracingCfg.Enabled && tracingCfg.Exporter == "file" && tracingCfg.FilePath == "" {
		tracingCfg.FilePath = filepath.Join(cfg.StateDir(), "traces", "traces.jsonl")
	}
	traces, err := tracing.NewProvider(tracingCfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = traces.Shutdown(shutdownCtx)
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := ids.NewClock()
	registry := session.NewRegistry(s, clock)
	sess, err := registry.Register(ctx, session.RegisterParams{
		PID:      os.Getpid(),
		IsDaemon: true,
	})
	if err != nil {
		return fmt.Errorf("register daemon session: %w", err)
	}
	defer func() {
		if err := registry.Deregister(context.Background(), sess.ID); err != nil {
			log.ErrorErr(log.CatSession, "daemon deregister failed", err, "session", sess.ID)
		}
	}()
	log.Info(log.CatSession, "daemon session registered", "session", sess.ID, "pid", os.Getpid())

	git := vcs.NewGit(cfg.RepoPath)
	spawner := runner.NewExecSpawner(cfg.Agent.Runtime)
	cycle := prcycle.New(s, clock, git, spawner)
	cycle.CLIMode = flagCycle
	cycle.FileConfig = map[string]any{"pr": map[string]any{"cycle": cfg.PR.Cycle}}

	poolCfg := runner.DefaultPoolConfig()
	poolCfg.WorkspaceRoot = filepath.Join(cfg.StateDir(), "workspaces")
	poolCfg.AgentRuntime = cfg.Agent.Runtime
	poolCfg.Tracer = traces.Tracer()
	var poolVCS vcs.VCS
	if cfg.Agent.AutoSetup {
		poolVCS = git
	}
	pools := runner.NewRegistry(s, clock, spawner, poolVCS, cycle, poolCfg)
	defer pools.StopAll()

	dbWatch, err := watcher.New(watcher.DefaultConfig(s.Path()))
	if err != nil {
		return err
	}
	defer func() { _ = dbWatch.Stop() }()
	dbChanged, err := dbWatch.Start()
	if err != nil {
		return err
	}

	cfgChanged := watchConfigFile(ctx, config.ConfigPath(cfg.RepoPath))

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	reap := time.NewTicker(reapInterval)
	defer reap.Stop()

	startPools(ctx, s, clock, pools)

	for {
		select {
		case <-ctx.Done():
			log.Info(log.CatSession, "daemon shutting down")
			return nil

		case <-heartbeat.C:
			if err := registry.Heartbeat(sess.ID); err != nil {
				log.ErrorErr(log.CatSession, "heartbeat failed", err, "session", sess.ID)
			}

		case <-reap.C:
			report, err := registry.CleanupStale(ctx, sessionTimeout.Milliseconds())
			if err != nil {
				log.ErrorErr(log.CatSession, "reap failed", err)
				continue
			}
			if report.SessionsRemoved > 0 || report.AgentsOfflined > 0 {
				log.Info(log.CatSession, "reaped stale actors",
					"sessions", report.SessionsRemoved,
					"locks", report.LocksReleased,
					"agents", report.AgentsOfflined,
					"claims", report.ClaimsReleased)
				pools.WakeAll()
			}

		case <-dbChanged:
			log.Debug(log.CatWatch, "database changed")
			pools.WakeAll()
			startPools(ctx, s, clock, pools)

		case <-cfgChanged:
			fresh, err := config.Load(config.ConfigPath(cfg.RepoPath))
			if err != nil {
				log.ErrorErr(log.CatConfig, "config reload failed", err)
				continue
			}
			cycle.FileConfig = map[string]any{"pr": map[string]any{"cycle": fresh.PR.Cycle}}
			log.Info(log.CatConfig, "config reloaded", "pr.cycle", fresh.PR.Cycle)
		}
	}
}

// startPools launches a pool for every workflow with runnable work.
func startPools(ctx context.Context, s *store.Store, clock ids.Clock, pools *runner.Registry) {
	workflows := sqlite.NewWorkflowRepo(s, clock)
	for _, status := range []domain.WorkflowStatus{domain.WorkflowReady, domain.WorkflowInProgress} {
		list, err := workflows.List(sqlite.ListFilter{Status: status})
		if err != nil {
			log.ErrorErr(log.CatPool, "workflow scan failed", err)
			return
		}
		for _, w := range list {
			pools.Start(ctx, w.ID)
		}
	}
}

// watchConfigFile emits on writes to the config file. A missing file or
// watch failure yields a channel that never fires.
func watchConfigFile(ctx context.Context, path string) <-chan struct{} {
	out := make(chan struct{}, 1)
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.ErrorErr(log.CatWatch, "config watcher unavailable", err)
		return out
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		log.ErrorErr(log.CatWatch, "config watch failed", err, "path", path)
		_ = fsw.Close()
		return out
	}

	go func() {
		defer func() { _ = fsw.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != filepath.Base(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case <-fsw.Errors:
			}
		}
	}()
	return out
}
