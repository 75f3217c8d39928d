// Package preparer turns a triggered schedule into a prepared schedule, or
// decides it should be invalidated, skipped, penalized or cancelled.
//
// Every prepare runs inside the retrying queue under the schedule's ID, so a
// schedule never has two prepare attempts in flight.
package preparer

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/automaton/audience"
	"github.com/teranos/automaton/automation"
	"github.com/teranos/automaton/deferred"
	"github.com/teranos/automaton/errors"
	"github.com/teranos/automaton/limits"
	"github.com/teranos/automaton/logger"
	"github.com/teranos/automaton/retryqueue"
)

// deferredResultKey caches a resolved deferred payload across retries.
const deferredResultKey = "deferred_result"

// RemoteDataAccess reports whether the source behind a schedule is current.
type RemoteDataAccess interface {
	RequiresUpdate(ctx context.Context, s automation.Schedule) bool
	WaitFullRefresh(ctx context.Context, s automation.Schedule) error
	BestEffortRefresh(ctx context.Context, s automation.Schedule) bool
	NotifyOutdated(ctx context.Context, s automation.Schedule)
	ContactID(s automation.Schedule) string
}

// AudienceEvaluator matches a selector against a device snapshot.
type AudienceEvaluator interface {
	Evaluate(ctx context.Context, sel *audience.Selector, created time.Time, info audience.DeviceInfo) (bool, error)
}

// Delegate prepares one payload kind and releases whatever it cached.
type Delegate[In, Out any] interface {
	Prepare(ctx context.Context, data In, info automation.PreparedScheduleInfo) (Out, error)
	Cancelled(ctx context.Context, scheduleID string)
}

type (
	ActionPreparer  = Delegate[json.RawMessage, json.RawMessage]
	MessagePreparer = Delegate[*automation.InAppMessage, *automation.InAppMessage]
)

// Passthrough prepares a payload by returning it unchanged.
type Passthrough[T any] struct{}

func (Passthrough[T]) Prepare(_ context.Context, data T, _ automation.PreparedScheduleInfo) (T, error) {
	return data, nil
}

func (Passthrough[T]) Cancelled(context.Context, string) {}

// Deps are the preparer's collaborators. Experiments, Actions and Messages
// may be nil; a schedule needing a missing delegate fails with ErrNoDelegate.
type Deps struct {
	Queue       *retryqueue.Queue
	Remote      RemoteDataAccess
	Limits      *limits.Manager
	Audience    AudienceEvaluator
	Experiments ExperimentManager
	Device      audience.DeviceInfoProvider
	Resolver    deferred.Resolver
	Actions     ActionPreparer
	Messages    MessagePreparer
}

// Preparer runs the prepare algorithm.
type Preparer struct {
	Deps
	log     *zap.SugaredLogger
	timeNow func() time.Time
}

// Option configures a Preparer.
type Option func(*Preparer)

// WithClock overrides time.Now. Used for schedules without a created date.
func WithClock(now func() time.Time) Option {
	return func(p *Preparer) { p.timeNow = now }
}

// New creates a preparer.
func New(deps Deps, log *zap.SugaredLogger, opts ...Option) *Preparer {
	p := &Preparer{
		Deps:    deps,
		log:     logger.OrDefault(log).Named("preparer"),
		timeNow: time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// deferredPayload is the body returned by a deferred resolve.
type deferredPayload struct {
	AudienceMatch bool                     `json:"audience_match"`
	Type          automation.PayloadType   `json:"type,omitempty"`
	Actions       json.RawMessage          `json:"actions,omitempty"`
	Message       *automation.InAppMessage `json:"message,omitempty"`
}

func parseDeferred(b []byte) (deferredPayload, error) {
	var p deferredPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return p, errors.Wrap(err, "decode deferred payload")
	}
	return p, nil
}

// Prepare resolves the schedule's payload. The error is non-nil only for
// programmer errors and context cancellation.
func (p *Preparer) Prepare(
	ctx context.Context,
	s automation.Schedule,
	tc *automation.TriggerContext,
	triggerSessionID string,
) (automation.PrepareResult, error) {
	if err := p.checkDelegates(s); err != nil {
		return automation.PrepareResult{}, err
	}

	log := p.log.With(logger.FieldScheduleID, s.ID, logger.FieldTriggerSessionID, triggerSessionID)
	log.Debugw("Preparing schedule", logger.FieldPayloadType, s.Type)

	res, err := retryqueue.Run(ctx, p.Queue, "schedule: "+s.ID, s.Priority,
		func(ctx context.Context, st *retryqueue.State) (retryqueue.Result[automation.PrepareResult], error) {
			return p.attempt(ctx, log, st, s, tc, triggerSessionID)
		})
	if err != nil {
		return automation.PrepareResult{}, err
	}
	log.Debugw("Prepare finished", logger.FieldResult, res.Outcome)
	return res, nil
}

func (p *Preparer) checkDelegates(s automation.Schedule) error {
	kind := s.Type
	if kind == automation.PayloadDeferred {
		if s.Deferred == nil {
			return errors.WithDetailf(errors.Wrap(errors.ErrInvalidSchedule, "missing deferred data"), "schedule_id=%s", s.ID)
		}
		kind = s.Deferred.Type
	}
	switch kind {
	case automation.PayloadActions:
		if p.Actions == nil {
			return errors.Wrapf(errors.ErrNoDelegate, "no action preparer for %s", s.ID)
		}
	case automation.PayloadInAppMessage:
		if p.Messages == nil {
			return errors.Wrapf(errors.ErrNoDelegate, "no message preparer for %s", s.ID)
		}
	default:
		return errors.WithDetailf(errors.Wrapf(errors.ErrInvalidSchedule, "unsupported payload type %q", kind), "schedule_id=%s", s.ID)
	}
	return nil
}

func outcome(o automation.PrepareOutcome) automation.PrepareResult {
	return automation.PrepareResult{Outcome: o}
}

func missOutcome(s automation.Schedule) automation.PrepareOutcome {
	switch s.Audience.Behavior() {
	case automation.MissCancel:
		return automation.PrepareOutcomeCancel
	case automation.MissSkip:
		return automation.PrepareOutcomeSkip
	default:
		return automation.PrepareOutcomePenalize
	}
}

func (p *Preparer) attempt(
	ctx context.Context,
	log *zap.SugaredLogger,
	st *retryqueue.State,
	s automation.Schedule,
	tc *automation.TriggerContext,
	triggerSessionID string,
) (retryqueue.Result[automation.PrepareResult], error) {
	type result = retryqueue.Result[automation.PrepareResult]

	if p.Remote.RequiresUpdate(ctx, s) {
		log.Infow("Schedule requires a refresh, invalidating")
		if err := p.Remote.WaitFullRefresh(ctx, s); err != nil {
			return result{}, err
		}
		return retryqueue.Success(outcome(automation.PrepareOutcomeInvalidate)), nil
	}

	if !p.Remote.BestEffortRefresh(ctx, s) {
		log.Infow("Schedule out of date, invalidating")
		return retryqueue.Success(outcome(automation.PrepareOutcomeInvalidate)), nil
	}

	checker, err := p.Limits.FrequencyChecker(ctx, s.FrequencyConstraintIDs)
	if err != nil {
		log.Warnw("Frequency checker unavailable, invalidating", logger.FieldError, err)
		p.Remote.NotifyOutdated(ctx, s)
		return retryqueue.Success(outcome(automation.PrepareOutcomeInvalidate)), nil
	}
	if checker.IsOverLimit() {
		log.Infow("Schedule over frequency limit, skipping")
		return retryqueue.SuccessIgnoringOrder(outcome(automation.PrepareOutcomeSkip)), nil
	}

	device, err := p.Device.Snapshot(ctx)
	if err != nil {
		return result{}, errors.Wrap(err, "device snapshot")
	}
	if contact := p.Remote.ContactID(s); contact != "" {
		device.ContactID = contact
	}

	if s.Audience != nil {
		created := p.timeNow()
		if s.Created != nil {
			created = *s.Created
		}
		match, err := p.Audience.Evaluate(ctx, &s.Audience.Selector, created, device)
		if err != nil {
			log.Warnw("Audience evaluation failed, treating as a miss", logger.FieldError, err)
		}
		if !match {
			o := missOutcome(s)
			log.Infow("Audience did not match", logger.FieldResult, o)
			return retryqueue.SuccessIgnoringOrder(outcome(o)), nil
		}
	}

	var experiment *automation.ExperimentResult
	if p.Experiments != nil && s.IsInAppMessageType() && !s.BypassHoldoutGroups {
		experiment, err = p.Experiments.Evaluate(ctx, MessageInfo{
			MessageType: s.EffectiveMessageType(),
			Campaigns:   s.Campaigns,
		}, device)
		if err != nil {
			return result{}, errors.Wrap(err, "evaluate experiments")
		}
	}

	info := automation.PreparedScheduleInfo{
		ScheduleID:                    s.ID,
		ProductID:                     s.ProductID,
		Campaigns:                     s.Campaigns,
		ContactID:                     device.ContactID,
		ExperimentResult:              experiment,
		ReportingContext:              s.ReportingContext,
		TriggerSessionID:              triggerSessionID,
		Priority:                      s.Priority,
		AdditionalAudienceCheckResult: true,
	}

	switch s.Type {
	case automation.PayloadActions:
		return p.prepareActions(ctx, s.Actions, info, checker)
	case automation.PayloadInAppMessage:
		return p.prepareMessage(ctx, log, s.Message, info, checker)
	}
	return p.prepareDeferred(ctx, log, st, s, tc, device, info, checker)
}

func prepared(info automation.PreparedScheduleInfo, kind automation.PayloadType, value any, checker automation.FrequencyChecker) automation.PrepareResult {
	return automation.PrepareResult{
		Outcome: automation.PrepareOutcomePrepared,
		Prepared: &automation.PreparedSchedule{
			Info:             info,
			Data:             automation.ExecutionData{Type: kind, Value: value},
			FrequencyChecker: checker,
		},
	}
}

func (p *Preparer) prepareActions(
	ctx context.Context,
	actions json.RawMessage,
	info automation.PreparedScheduleInfo,
	checker automation.FrequencyChecker,
) (retryqueue.Result[automation.PrepareResult], error) {
	out, err := p.Actions.Prepare(ctx, actions, info)
	if err != nil {
		return retryqueue.Result[automation.PrepareResult]{}, errors.Wrap(err, "prepare actions")
	}
	return retryqueue.Success(prepared(info, automation.PayloadActions, out, checker)), nil
}

func (p *Preparer) prepareMessage(
	ctx context.Context,
	log *zap.SugaredLogger,
	msg *automation.InAppMessage,
	info automation.PreparedScheduleInfo,
	checker automation.FrequencyChecker,
) (retryqueue.Result[automation.PrepareResult], error) {
	if !msg.IsValid() {
		log.Warnw("Invalid message, skipping")
		return retryqueue.Success(outcome(automation.PrepareOutcomeSkip)), nil
	}
	out, err := p.Messages.Prepare(ctx, msg, info)
	if err != nil {
		return retryqueue.Result[automation.PrepareResult]{}, errors.Wrap(err, "prepare message")
	}
	return retryqueue.Success(prepared(info, automation.PayloadInAppMessage, out, checker)), nil
}

func (p *Preparer) prepareDeferred(
	ctx context.Context,
	log *zap.SugaredLogger,
	st *retryqueue.State,
	s automation.Schedule,
	tc *automation.TriggerContext,
	device audience.DeviceInfo,
	info automation.PreparedScheduleInfo,
	checker automation.FrequencyChecker,
) (retryqueue.Result[automation.PrepareResult], error) {
	if device.ChannelID == "" {
		log.Debugw("No channel ID yet, retrying deferred schedule")
		return retryqueue.Retry[automation.PrepareResult](), nil
	}

	if cached, ok := st.Get(deferredResultKey); ok {
		return p.preparePayload(ctx, log, s.Deferred.Type, cached.(deferredPayload), info, checker)
	}

	if p.Resolver == nil {
		return retryqueue.Result[automation.PrepareResult]{}, errors.Wrapf(errors.ErrNoDelegate, "no deferred resolver for %s", s.ID)
	}

	res, err := deferred.Resolve(ctx, p.Resolver, deferred.Request{
		URL:               s.Deferred.URL,
		ChannelID:         device.ChannelID,
		ContactID:         device.ContactID,
		TriggerContext:    tc,
		Language:          device.Language(),
		Country:           device.Country(),
		NotificationOptIn: device.NotificationOptIn,
		AppVersion:        device.AppVersion,
	}, parseDeferred)
	if err != nil {
		return retryqueue.Result[automation.PrepareResult]{}, err
	}

	log = log.With(logger.FieldURL, s.Deferred.URL, logger.FieldStatus, res.Status)

	switch res.Status {
	case deferred.StatusSuccess:
		if !res.Value.AudienceMatch {
			o := missOutcome(s)
			log.Infow("Deferred audience did not match", logger.FieldResult, o)
			return retryqueue.SuccessIgnoringOrder(outcome(o)), nil
		}
		st.Set(deferredResultKey, res.Value)
		return p.preparePayload(ctx, log, s.Deferred.Type, res.Value, info, checker)

	case deferred.StatusTimedOut:
		if s.Deferred.ShouldRetryOnTimeout() {
			return retryqueue.Retry[automation.PrepareResult](), nil
		}
		log.Infow("Deferred resolve timed out, penalizing")
		return retryqueue.SuccessIgnoringOrder(outcome(automation.PrepareOutcomePenalize)), nil

	case deferred.StatusOutOfDate, deferred.StatusNotFound:
		log.Infow("Deferred payload stale, invalidating")
		p.Remote.NotifyOutdated(ctx, s)
		return retryqueue.Success(outcome(automation.PrepareOutcomeInvalidate)), nil

	default:
		if res.RetryAfter > 0 {
			return retryqueue.RetryAfter[automation.PrepareResult](res.RetryAfter), nil
		}
		return retryqueue.Retry[automation.PrepareResult](), nil
	}
}

func (p *Preparer) preparePayload(
	ctx context.Context,
	log *zap.SugaredLogger,
	kind automation.PayloadType,
	payload deferredPayload,
	info automation.PreparedScheduleInfo,
	checker automation.FrequencyChecker,
) (retryqueue.Result[automation.PrepareResult], error) {
	switch kind {
	case automation.PayloadActions:
		if len(payload.Actions) == 0 {
			return retryqueue.Retry[automation.PrepareResult](), nil
		}
		return p.prepareActions(ctx, payload.Actions, info, checker)
	default:
		if payload.Message == nil {
			return retryqueue.Retry[automation.PrepareResult](), nil
		}
		msg := *payload.Message
		msg.Source = "remote-data"
		return p.prepareMessage(ctx, log, &msg, info, checker)
	}
}

// Cancelled releases anything the payload preparer cached for the schedule.
func (p *Preparer) Cancelled(ctx context.Context, s automation.Schedule) {
	if s.IsInAppMessageType() {
		if p.Messages != nil {
			p.Messages.Cancelled(ctx, s.ID)
		}
		return
	}
	if p.Actions != nil {
		p.Actions.Cancelled(ctx, s.ID)
	}
}
