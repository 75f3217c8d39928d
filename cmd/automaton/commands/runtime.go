package commands

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/teranos/automaton/am"
	"github.com/teranos/automaton/audience"
	"github.com/teranos/automaton/automation"
	"github.com/teranos/automaton/automation/delay"
	"github.com/teranos/automaton/automation/engine"
	"github.com/teranos/automaton/automation/executor"
	"github.com/teranos/automaton/automation/feed"
	"github.com/teranos/automaton/automation/preparer"
	"github.com/teranos/automaton/automation/remotedata"
	"github.com/teranos/automaton/automation/store"
	"github.com/teranos/automaton/automation/triggers"
	"github.com/teranos/automaton/db"
	"github.com/teranos/automaton/deferred"
	"github.com/teranos/automaton/errors"
	"github.com/teranos/automaton/limits"
	"github.com/teranos/automaton/logger"
	"github.com/teranos/automaton/metrics"
	"github.com/teranos/automaton/retryqueue"
	"github.com/teranos/automaton/schedfile"
)

// openDatabase opens and migrates the database at dbPath, or at the
// configured path when dbPath is empty.
func openDatabase(cfg *am.Config, dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		dbPath = cfg.GetDatabasePath()
	}
	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, nil
}

// runtimeOptions are the parts of the runtime that differ between the
// long-running engine and one-shot commands.
type runtimeOptions struct {
	// Notify receives executions. Nil logs them.
	Notify executor.NotifyFunc
	// Registry receives the engine's Prometheus collectors. Nil disables metrics.
	Registry prometheus.Registerer
	// VersionUpdated is reported on the feed's first attach.
	VersionUpdated string
}

// runtime is every component of a running engine, wired together.
type runtime struct {
	db      *sql.DB
	engine  *engine.Engine
	feed    *feed.Feed
	limits  *limits.Manager
	tracker *remotedata.Tracker
	log     *zap.SugaredLogger
}

func newRuntime(cfg *am.Config, database *sql.DB, opts runtimeOptions, log *zap.SugaredLogger) *runtime {
	log = logger.OrDefault(log)

	var delayOpts []delay.Option
	// Validate already rejected a malformed window
	if window, err := cfg.ExecutionWindow(); err == nil && window != nil {
		delayOpts = append(delayOpts, delay.WithExecutionWindow(window, time.Minute))
	}

	var sink metrics.Sink = metrics.NoopSink{}
	if opts.Registry != nil {
		sink = metrics.NewPrometheusSink(opts.Registry, log)
	}

	queue := retryqueue.New(cfg.RetryQueue(), log, retryqueue.WithRetryObserver(sink.QueueRetry))
	tracker := remotedata.NewTracker(remotedata.DefaultRefreshTimeout, log)
	limitManager := limits.NewManager(limits.NewSQLiteStore(database), log)
	checker := audience.NewChecker()

	prep := preparer.New(preparer.Deps{
		Queue:       queue,
		Remote:      tracker,
		Limits:      limitManager,
		Audience:    checker,
		Experiments: preparer.NewHoldouts(checker, time.Now),
		Device:      audience.StaticDeviceInfo{Info: cfg.DeviceInfo()},
		Resolver:    deferred.NewHTTPResolver(cfg.Resolver(), log),
		Actions:     preparer.Passthrough[json.RawMessage]{},
		Messages:    preparer.Passthrough[*automation.InAppMessage]{},
	}, log)

	notify := opts.Notify
	if notify == nil {
		notify = logNotify(log)
	}
	registry := executor.NewDelegateRegistry()
	registry.Register(automation.PayloadActions, executor.NotifyDelegate{Notify: notify})
	registry.Register(automation.PayloadInAppMessage, executor.NotifyDelegate{Notify: notify})

	var feedOpts []feed.Option
	if opts.VersionUpdated != "" {
		feedOpts = append(feedOpts, feed.WithVersionUpdated(opts.VersionUpdated))
	}
	events := feed.New(log, feedOpts...)

	var engineOpts []engine.Option
	if d := cfg.ExecuteRetryInterval(); d > 0 {
		engineOpts = append(engineOpts, engine.WithExecuteRetryInterval(d))
	}
	eng := engine.New(engine.Deps{
		Store:    store.NewSQLiteStore(database),
		Triggers: triggers.NewProcessor(triggers.NewSQLiteStateStore(database), log),
		Delays:   delay.NewProcessor(log, delayOpts...),
		Preparer: prep,
		Executor: executor.New(registry, tracker, nil, log),
		Events:   events,
		Metrics:  sink,
	}, log, engineOpts...)
	eng.SetExecutionPaused(cfg.Engine.ExecutionPaused)

	return &runtime{
		db:      database,
		engine:  eng,
		feed:    events,
		limits:  limitManager,
		tracker: tracker,
		log:     log,
	}
}

// logNotify is the execution sink used when no bridge is running.
func logNotify(log *zap.SugaredLogger) executor.NotifyFunc {
	return func(_ context.Context, data automation.ExecutionData, info automation.PreparedScheduleInfo) error {
		log.Infow("Executing schedule",
			logger.FieldScheduleID, info.ScheduleID,
			logger.FieldPayloadType, data.Type,
			logger.FieldTriggerSessionID, info.TriggerSessionID,
		)
		return nil
	}
}

// applyFile brings the engine in line with a definitions file. Schedules
// present in prev but missing from next are stopped, not cancelled, so their
// edit grace period still applies.
func (r *runtime) applyFile(ctx context.Context, next, prev schedfile.File) error {
	if err := r.limits.SetConstraints(ctx, next.Constraints); err != nil {
		return errors.Wrap(err, "apply frequency constraints")
	}
	if err := r.engine.UpsertSchedules(ctx, next.Schedules); err != nil {
		return err
	}
	if removed := next.Removed(prev); len(removed) > 0 {
		if err := r.engine.StopSchedules(ctx, removed...); err != nil {
			return errors.Wrap(err, "stop removed schedules")
		}
	}
	r.tracker.Refreshed(next.IDs()...)
	return nil
}

// discardSchedules cancels every stored schedule.
func (r *runtime) discardSchedules(ctx context.Context) error {
	schedules, err := r.engine.GetSchedules(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(schedules))
	for _, s := range schedules {
		ids = append(ids, s.ID)
	}
	if err := r.engine.CancelSchedules(ctx, ids...); err != nil {
		return errors.Wrap(err, "discard stored schedules")
	}
	r.log.Infow("Discarded stored schedules", logger.FieldCount, len(ids))
	return nil
}

// close flushes pending state and closes the database.
func (r *runtime) close() error {
	r.engine.Stop()
	r.feed.Close()
	r.limits.Flush(context.Background())
	return r.db.Close()
}
