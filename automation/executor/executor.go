// Package executor decides whether a prepared schedule can run and runs it
// through the delegate registered for its payload type.
package executor

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/automaton/automation"
	"github.com/teranos/automaton/logger"
)

// Delegate runs one payload type.
type Delegate interface {
	IsReady(ctx context.Context, data automation.ExecutionData, info automation.PreparedScheduleInfo) automation.ReadyResult
	Execute(ctx context.Context, data automation.ExecutionData, info automation.PreparedScheduleInfo) (automation.ExecuteResult, error)
	Interrupted(ctx context.Context, s automation.Schedule, info automation.PreparedScheduleInfo) automation.InterruptedBehavior
}

// CurrencyChecker reports whether a schedule definition is still current.
type CurrencyChecker interface {
	IsCurrent(ctx context.Context, s automation.Schedule) bool
}

// DelegateRegistry maps payload types to delegates.
type DelegateRegistry struct {
	mu        sync.RWMutex
	delegates map[automation.PayloadType]Delegate
}

// NewDelegateRegistry creates an empty registry.
func NewDelegateRegistry() *DelegateRegistry {
	return &DelegateRegistry{delegates: make(map[automation.PayloadType]Delegate)}
}

// Register adds a delegate. Registering a type twice panics.
func (r *DelegateRegistry) Register(kind automation.PayloadType, d Delegate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.delegates[kind]; exists {
		panic("executor: delegate already registered for " + string(kind))
	}
	r.delegates[kind] = d
}

// Get returns the delegate for kind.
func (r *DelegateRegistry) Get(kind automation.PayloadType) (Delegate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.delegates[kind]
	return d, ok
}

// Executor implements the ready checks and execution.
type Executor struct {
	registry  *DelegateRegistry
	remote    CurrencyChecker
	analytics MessageAnalytics
	log       *zap.SugaredLogger
}

// New creates an executor. A nil analytics records to the log.
func New(registry *DelegateRegistry, remote CurrencyChecker, analytics MessageAnalytics, log *zap.SugaredLogger) *Executor {
	log = logger.OrDefault(log).Named("executor")
	if analytics == nil {
		analytics = NewLogAnalytics(log)
	}
	return &Executor{registry: registry, remote: remote, analytics: analytics, log: log}
}

// IsReadyPrecheck checks only that the definition is current.
func (e *Executor) IsReadyPrecheck(ctx context.Context, s automation.Schedule) automation.ReadyResult {
	if !e.remote.IsCurrent(ctx, s) {
		return automation.ReadyResultInvalidate
	}
	return automation.ReadyResultReady
}

// IsReady asks the delegate, then counts the execution against the
// schedule's frequency constraints.
func (e *Executor) IsReady(ctx context.Context, p *automation.PreparedSchedule) automation.ReadyResult {
	d, ok := e.registry.Get(p.Data.Type)
	if !ok {
		e.log.Errorw("No delegate for payload", logger.FieldScheduleID, p.Info.ScheduleID, logger.FieldPayloadType, p.Data.Type)
		return automation.ReadyResultInvalidate
	}

	if r := d.IsReady(ctx, p.Data, p.Info); r != automation.ReadyResultReady {
		return r
	}

	if p.FrequencyChecker != nil && !p.FrequencyChecker.CheckAndIncrement() {
		e.log.Infow("Frequency limit reached at execution time", logger.FieldScheduleID, p.Info.ScheduleID)
		return automation.ReadyResultSkip
	}
	return automation.ReadyResultReady
}

// Execute runs the payload. A schedule held out by an experiment records a
// control resolution instead.
func (e *Executor) Execute(ctx context.Context, p *automation.PreparedSchedule) automation.ExecuteResult {
	log := e.log.With(logger.FieldScheduleID, p.Info.ScheduleID, logger.FieldPayloadType, p.Data.Type)

	if exp := p.Info.ExperimentResult; exp != nil && exp.IsMatch {
		log.Infow("Schedule held out by experiment", "experiment_id", exp.ExperimentID)
		e.analytics.RecordControlResolution(ctx, p.Info)
		return automation.ExecuteResultFinished
	}

	d, ok := e.registry.Get(p.Data.Type)
	if !ok {
		log.Errorw("No delegate for payload, will retry")
		return automation.ExecuteResultRetry
	}

	res, err := d.Execute(ctx, p.Data, p.Info)
	if err != nil {
		log.Warnw("Execution failed, will retry", logger.FieldError, err)
		return automation.ExecuteResultRetry
	}
	log.Debugw("Executed", logger.FieldResult, res)
	return res
}

// Interrupted handles a schedule found executing at startup.
func (e *Executor) Interrupted(ctx context.Context, s automation.Schedule, info automation.PreparedScheduleInfo) automation.InterruptedBehavior {
	kind := s.Type
	if kind == automation.PayloadDeferred && s.Deferred != nil {
		kind = s.Deferred.Type
	}
	if kind == automation.PayloadInAppMessage {
		e.analytics.RecordInterrupted(ctx, s, info)
	}

	d, ok := e.registry.Get(kind)
	if !ok {
		return automation.InterruptedFinish
	}
	return d.Interrupted(ctx, s, info)
}
