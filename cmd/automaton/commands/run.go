package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/automaton/am"
	"github.com/teranos/automaton/automation"
	"github.com/teranos/automaton/bridge"
	"github.com/teranos/automaton/db"
	"github.com/teranos/automaton/errors"
	"github.com/teranos/automaton/logger"
	"github.com/teranos/automaton/schedfile"
	"github.com/teranos/automaton/sym"
)

// shutdownTimeout bounds how long HTTP servers get to drain.
const shutdownTimeout = 5 * time.Second

var (
	runSchedulesFile string
	runDBPath        string
)

// RunCmd starts the engine and keeps it running until interrupted.
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: sym.Engine + " Run the automation engine",
	Long: sym.Engine + ` run - Run the automation engine

Restores persisted schedules, loads the optional definitions file, and
processes events until SIGINT or SIGTERM. With the bridge enabled, remote
clients push events over WebSocket and receive executions; otherwise
executions are logged.

Examples:
  automaton run --schedules schedules.toml
  automaton run -v --log-json`,
	RunE: runRun,
}

func init() {
	RunCmd.Flags().StringVar(&runSchedulesFile, "schedules", "", "Schedule definitions file (json, toml or yaml); overrides schedules.file")
	RunCmd.Flags().StringVar(&runDBPath, "db", "", "Database path; overrides database.path")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	log := logger.Logger

	dbPath := runDBPath
	if dbPath == "" {
		dbPath = cfg.GetDatabasePath()
	}
	database, err := openDatabase(cfg, dbPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	versionUpdated, err := db.SwapAppVersion(ctx, database, cfg.Device.AppVersion)
	if err != nil {
		log.Warnw("Could not track app version", logger.FieldError, err)
	}

	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	// The bridge needs the feed and the executor needs the bridge
	var br *bridge.Server
	opts := runtimeOptions{VersionUpdated: versionUpdated}
	if reg != nil {
		opts.Registry = reg
	}
	if cfg.Bridge.Enabled {
		opts.Notify = func(ctx context.Context, data automation.ExecutionData, info automation.PreparedScheduleInfo) error {
			return br.Notify(ctx, data, info)
		}
	}
	rt := newRuntime(cfg, database, opts, log)
	defer func() {
		if err := rt.close(); err != nil {
			log.Warnw("Shutdown error", logger.FieldError, err)
		}
	}()

	var servers []*http.Server
	errChan := make(chan error, 2)

	if cfg.Bridge.Enabled {
		br = bridge.New(rt.feed, bridge.Options{
			AllowedOrigins: cfg.Bridge.AllowedOrigins,
			PingPeriod:     time.Duration(cfg.Bridge.PingSeconds) * time.Second,
		}, log)
		transitions, unsubscribe := rt.engine.Transitions()
		defer unsubscribe()
		go br.Forward(ctx, transitions)
		defer br.Stop()
		servers = append(servers, serve(cfg.GetBridgeAddress(), br.Handler(), errChan, log))
	}

	if !cfg.Engine.RestoreOnStart {
		if err := rt.discardSchedules(ctx); err != nil {
			return err
		}
	}
	if err := rt.engine.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start engine")
	}

	if reg != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		servers = append(servers, serve(cfg.GetMetricsAddress(), mux, errChan, log))
	}
	defer shutdownServers(servers, log)

	if path := schedulesFile(cfg); path != "" {
		watcher := schedfile.NewWatcher(path, rt.applyFile, log)
		if err := watcher.Reload(ctx); err != nil {
			return errors.Wrapf(err, "failed to load schedules from %s", path)
		}
		if cfg.Schedules.Watch {
			go func() {
				if err := watcher.Watch(ctx); err != nil {
					log.Warnw("Schedule file watching stopped", logger.FieldFile, path, logger.FieldError, err)
				}
			}()
		}
		pterm.Info.Printfln("%s Loaded %d schedules from %s", sym.Scheduled, len(watcher.Current().Schedules), path)
	}

	if cw := watchConfig(rt, log); cw != nil {
		defer cw.Stop()
	}

	rt.feed.Attach()
	defer rt.feed.Detach()
	pterm.Success.Printfln("%s Engine running (database %s)", sym.Open, dbPath)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return errors.Wrap(err, "server failed")
	case <-sigChan:
		pterm.Info.Printfln("%s Shutting down...", sym.Close)
		cancel()
		return nil
	}
}

func schedulesFile(cfg *am.Config) string {
	if runSchedulesFile != "" {
		return runSchedulesFile
	}
	return cfg.Schedules.File
}

// watchConfig applies engine.execution_paused whenever the config file
// changes. A missing config directory disables watching.
func watchConfig(rt *runtime, log *zap.SugaredLogger) *am.ConfigWatcher {
	path := am.WritablePath()
	cw, err := am.NewConfigWatcher(path, log)
	if err != nil {
		log.Debugw("Config watching disabled", logger.FieldPath, path, logger.FieldError, err)
		return nil
	}
	cw.OnReload(func(cfg *am.Config) error {
		rt.engine.SetExecutionPaused(cfg.Engine.ExecutionPaused)
		return nil
	})
	cw.Start()
	return cw
}

func serve(addr string, h http.Handler, errChan chan<- error, log *zap.SugaredLogger) *http.Server {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Infow("Listening", logger.FieldAddress, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- errors.Wrapf(err, "listen on %s", addr)
		}
	}()
	return srv
}

func shutdownServers(servers []*http.Server, log *zap.SugaredLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			log.Warnw("Server shutdown error", logger.FieldAddress, srv.Addr, logger.FieldError, err)
		}
	}
}
