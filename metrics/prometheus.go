package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/teranos/automaton/automation"
	"github.com/teranos/automaton/logger"
)

const namespace = "automaton"

// PrometheusSink exports engine metrics. Registration failures are logged and
// the affected collector keeps working unregistered.
type PrometheusSink struct {
	log *zap.SugaredLogger

	transitions       *prometheus.CounterVec
	deleted           prometheus.Counter
	triggers          *prometheus.CounterVec
	prepareResults    *prometheus.CounterVec
	readyResults      *prometheus.CounterVec
	executeResults    *prometheus.CounterVec
	queueRetries      *prometheus.CounterVec
	pendingExecutions prometheus.Gauge
}

// NewPrometheusSink creates the collectors and registers them with reg.
func NewPrometheusSink(reg prometheus.Registerer, log *zap.SugaredLogger) *PrometheusSink {
	s := &PrometheusSink{log: logger.OrDefault(log).Named("metrics")}

	s.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "schedule_transitions_total",
		Help:      "Schedule state transitions.",
	}, []string{"from", "to"})
	s.deleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "schedules_deleted_total",
		Help:      "Schedule records deleted after finishing or cancellation.",
	})
	s.triggers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "triggers_fired_total",
		Help:      "Trigger goals reached, by execution type.",
	}, []string{"execution_type"})
	s.prepareResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "prepare_results_total",
		Help:      "Prepare outcomes.",
	}, []string{"outcome"})
	s.readyResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ready_results_total",
		Help:      "Ready check results.",
	}, []string{"result"})
	s.executeResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "execute_results_total",
		Help:      "Execution results.",
	}, []string{"result"})
	s.queueRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_retries_total",
		Help:      "Retrying queue operations that backed off, by operation kind.",
	}, []string{"operation"})
	s.pendingExecutions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_executions",
		Help:      "Prepared schedules waiting to execute.",
	})

	for _, c := range []prometheus.Collector{
		s.transitions, s.deleted, s.triggers, s.prepareResults,
		s.readyResults, s.executeResults, s.queueRetries, s.pendingExecutions,
	} {
		if err := reg.Register(c); err != nil {
			s.log.Warnw("Failed to register collector", logger.FieldError, err)
		}
	}
	return s
}

func (s *PrometheusSink) TransitionRecorded(from, to automation.State) {
	s.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (s *PrometheusSink) ScheduleDeleted() {
	s.deleted.Inc()
}

func (s *PrometheusSink) TriggerFired(executionType automation.ExecutionType) {
	s.triggers.WithLabelValues(string(executionType)).Inc()
}

func (s *PrometheusSink) PrepareResult(outcome automation.PrepareOutcome) {
	s.prepareResults.WithLabelValues(string(outcome)).Inc()
}

func (s *PrometheusSink) ReadyResult(result automation.ReadyResult) {
	s.readyResults.WithLabelValues(string(result)).Inc()
}

func (s *PrometheusSink) ExecuteResult(result automation.ExecuteResult) {
	s.executeResults.WithLabelValues(string(result)).Inc()
}

// QueueRetry labels by the part of the name before ":" so schedule IDs do
// not become label values.
func (s *PrometheusSink) QueueRetry(name string) {
	kind, _, _ := strings.Cut(name, ":")
	s.queueRetries.WithLabelValues(kind).Inc()
}

func (s *PrometheusSink) PendingExecutions(n int) {
	s.pendingExecutions.Set(float64(n))
}
