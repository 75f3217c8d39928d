package automation

import (
	"encoding/json"
	"time"
)

// TriggerContext describes the trigger that fired and the event that did it.
type TriggerContext struct {
	Type  TriggerType     `json:"type"`
	Goal  float64         `json:"goal"`
	Event json.RawMessage `json:"event,omitempty"`
}

// TriggeringInfo is attached to a record when it becomes triggered.
type TriggeringInfo struct {
	Context *TriggerContext `json:"context,omitempty"`
	Date    time.Time       `json:"date"`
}

// TriggerResult is emitted by the trigger processor when a goal is reached.
type TriggerResult struct {
	ScheduleID    string
	ExecutionType ExecutionType
	TriggerInfo   TriggeringInfo
}

// ExperimentResult is the holdout assignment for a schedule.
type ExperimentResult struct {
	ChannelID    string            `json:"channel_id,omitempty"`
	ContactID    string            `json:"contact_id,omitempty"`
	IsMatch      bool              `json:"is_match"`
	ExperimentID string            `json:"experiment_id,omitempty"`
	Reporting    []json.RawMessage `json:"reporting_metadata,omitempty"`
}

// PreparedScheduleInfo is persisted with a prepared record so an interrupted
// execution can be reported after restart.
type PreparedScheduleInfo struct {
	ScheduleID                    string            `json:"schedule_id"`
	ProductID                     string            `json:"product_id,omitempty"`
	Campaigns                     json.RawMessage   `json:"campaigns,omitempty"`
	ContactID                     string            `json:"contact_id,omitempty"`
	ExperimentResult              *ExperimentResult `json:"experiment_result,omitempty"`
	ReportingContext              json.RawMessage   `json:"reporting_context,omitempty"`
	TriggerSessionID              string            `json:"trigger_session_id"`
	Priority                      int               `json:"priority"`
	AdditionalAudienceCheckResult bool              `json:"additional_audience_check_result"`
}

// ExecutionData is the payload handed to an executor delegate. Value is
// whatever the payload preparer produced for Type.
type ExecutionData struct {
	Type  PayloadType
	Value any
}

// FrequencyChecker is a snapshot over a schedule's frequency constraints.
type FrequencyChecker interface {
	IsOverLimit() bool
	CheckAndIncrement() bool
}

// PreparedSchedule is the short-lived result of prepare, consumed once by execute.
type PreparedSchedule struct {
	Info             PreparedScheduleInfo
	Data             ExecutionData
	FrequencyChecker FrequencyChecker
}

// PrepareOutcome is the disposition of a prepare attempt.
type PrepareOutcome string

const (
	PrepareOutcomePrepared   PrepareOutcome = "prepared"
	PrepareOutcomeInvalidate PrepareOutcome = "invalidate"
	PrepareOutcomeCancel     PrepareOutcome = "cancel"
	PrepareOutcomeSkip       PrepareOutcome = "skip"
	PrepareOutcomePenalize   PrepareOutcome = "penalize"
)

// PrepareResult carries Prepared only when Outcome is prepared.
type PrepareResult struct {
	Outcome  PrepareOutcome
	Prepared *PreparedSchedule
}

// ReadyResult is the answer to "can this prepared schedule run now".
type ReadyResult string

const (
	ReadyResultReady      ReadyResult = "ready"
	ReadyResultNotReady   ReadyResult = "not_ready"
	ReadyResultSkip       ReadyResult = "skip"
	ReadyResultInvalidate ReadyResult = "invalidate"
)

// ExecuteResult is the outcome of running a payload.
type ExecuteResult string

const (
	ExecuteResultFinished ExecuteResult = "finished"
	ExecuteResultRetry    ExecuteResult = "retry"
	ExecuteResultCancel   ExecuteResult = "cancel"
)

// InterruptedBehavior decides what happens to a record found executing at startup.
type InterruptedBehavior string

const (
	InterruptedRetry  InterruptedBehavior = "retry"
	InterruptedFinish InterruptedBehavior = "finish"
)

// Transition is published every time a record's persisted state changes.
type Transition struct {
	ScheduleID string    `json:"schedule_id"`
	Group      string    `json:"group,omitempty"`
	From       State     `json:"from"`
	To         State     `json:"to"`
	Date       time.Time `json:"date"`
	Deleted    bool      `json:"deleted,omitempty"`
}
