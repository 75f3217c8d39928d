// Package deferred resolves schedule payloads that live behind a URL and are
// only fetched at prepare time.
package deferred

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/automaton/automation"
	"github.com/teranos/automaton/errors"
	"github.com/teranos/automaton/internal/httpclient"
	"github.com/teranos/automaton/logger"
)

// Status classifies a resolve attempt.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusTimedOut       Status = "timed_out"
	StatusOutOfDate      Status = "out_of_date"
	StatusNotFound       Status = "not_found"
	StatusRetriableError Status = "retriable_error"
)

// Request identifies the device asking for a deferred payload.
type Request struct {
	URL               string
	ChannelID         string
	ContactID         string
	TriggerContext    *automation.TriggerContext
	Language          string
	Country           string
	NotificationOptIn bool
	AppVersion        string
}

// Response is the raw outcome of a resolve. Body is set only on success.
type Response struct {
	Status     Status
	Body       []byte
	RetryAfter time.Duration
	StatusCode int
}

// Resolver fetches deferred payloads. The error is reserved for context
// cancellation; every other failure is expressed through Status.
type Resolver interface {
	Resolve(ctx context.Context, req Request) (Response, error)
}

// Result is a Response with its body parsed into T.
type Result[T any] struct {
	Status     Status
	Value      T
	RetryAfter time.Duration
	StatusCode int
}

// Resolve calls r and parses a successful body with parse. A body that fails
// to parse is reported as retriable.
func Resolve[T any](ctx context.Context, r Resolver, req Request, parse func([]byte) (T, error)) (Result[T], error) {
	resp, err := r.Resolve(ctx, req)
	if err != nil {
		return Result[T]{}, err
	}
	out := Result[T]{Status: resp.Status, RetryAfter: resp.RetryAfter, StatusCode: resp.StatusCode}
	if resp.Status != StatusSuccess {
		return out, nil
	}
	v, err := parse(resp.Body)
	if err != nil {
		out.Status = StatusRetriableError
		return out, nil
	}
	out.Value = v
	return out, nil
}

// Config tunes the HTTP resolver.
type Config struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	AllowPrivateIPs   bool
}

func DefaultConfig() Config {
	return Config{Timeout: 15 * time.Second, RequestsPerSecond: 2, Burst: 4}
}

// HTTPResolver POSTs the device state to the deferred URL. It remembers
// redirect targets and URLs the server declared outdated.
type HTTPResolver struct {
	client  *httpclient.SaferClient
	limiter *rate.Limiter
	log     *zap.SugaredLogger
	timeNow func() time.Time

	mu        sync.Mutex
	locations map[string]string
	outdated  map[string]bool
}

// NewHTTPResolver creates a resolver. Zero config fields take DefaultConfig values.
func NewHTTPResolver(cfg Config, log *zap.SugaredLogger) *HTTPResolver {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	return &HTTPResolver{
		client: httpclient.New(httpclient.Options{
			Timeout:         cfg.Timeout,
			AllowPrivateIPs: cfg.AllowPrivateIPs,
		}),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		log:       logger.OrDefault(log).Named("deferred"),
		timeNow:   time.Now,
		locations: make(map[string]string),
		outdated:  make(map[string]bool),
	}
}

type triggerBody struct {
	Type  automation.TriggerType `json:"type"`
	Goal  float64                `json:"goal"`
	Event json.RawMessage        `json:"event,omitempty"`
}

type stateOverrides struct {
	AppVersion        string `json:"app_version,omitempty"`
	NotificationOptIn bool   `json:"notification_opt_in"`
	LocaleLanguage    string `json:"locale_language,omitempty"`
	LocaleCountry     string `json:"locale_country,omitempty"`
}

type requestBody struct {
	Platform       string         `json:"platform"`
	ChannelID      string         `json:"channel_id"`
	ContactID      string         `json:"contact_id,omitempty"`
	StateOverrides stateOverrides `json:"state_overrides"`
	Trigger        *triggerBody   `json:"trigger,omitempty"`
}

// Resolve POSTs the device state to req.URL, or to the location a previous
// 307 or 429 pointed at. Transport failures and an exhausted rate limiter
// report StatusTimedOut; a 409 marks the URL out of date for later calls.
// One 307 without Retry-After is followed immediately. The error is non-nil
// only when ctx is done.
func (r *HTTPResolver) Resolve(ctx context.Context, req Request) (Response, error) {
	return r.resolve(ctx, req, true)
}

func (r *HTTPResolver) resolve(ctx context.Context, req Request, allowRedirect bool) (Response, error) {
	target := r.target(req.URL)
	if r.isOutdated(target) {
		return Response{Status: StatusOutOfDate}, nil
	}

	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{Status: StatusTimedOut}, nil
	}

	resp, body, err := r.post(ctx, target, req)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		r.log.Debugw("Deferred request failed", logger.FieldURL, target, logger.FieldError, err)
		return Response{Status: StatusTimedOut}, nil
	}

	r.log.Debugw("Deferred response", logger.FieldURL, target, logger.FieldStatus, resp.StatusCode)
	out := Response{StatusCode: resp.StatusCode}

	switch resp.StatusCode {
	case http.StatusOK:
		if len(body) == 0 {
			out.Status = StatusRetriableError
			return out, nil
		}
		out.Status = StatusSuccess
		out.Body = body
	case http.StatusNotFound:
		out.Status = StatusNotFound
	case http.StatusConflict:
		r.markOutdated(target)
		out.Status = StatusOutOfDate
	case http.StatusTooManyRequests:
		if loc := location(resp, target); loc != "" {
			r.setLocation(req.URL, loc)
		}
		out.Status = StatusRetriableError
		out.RetryAfter = r.retryAfter(resp)
	case http.StatusTemporaryRedirect:
		out.Status = StatusRetriableError
		loc := location(resp, target)
		if loc == "" {
			return out, nil
		}
		r.setLocation(req.URL, loc)
		if d := r.retryAfter(resp); d > 0 {
			out.RetryAfter = d
			return out, nil
		}
		if allowRedirect {
			return r.resolve(ctx, req, false)
		}
	default:
		out.Status = StatusRetriableError
	}
	return out, nil
}

func (r *HTTPResolver) post(ctx context.Context, target string, req Request) (*http.Response, []byte, error) {
	body := requestBody{
		Platform:  "go",
		ChannelID: req.ChannelID,
		ContactID: req.ContactID,
		StateOverrides: stateOverrides{
			AppVersion:        req.AppVersion,
			NotificationOptIn: req.NotificationOptIn,
			LocaleLanguage:    req.Language,
			LocaleCountry:     req.Country,
		},
	}
	if tc := req.TriggerContext; tc != nil {
		body.Trigger = &triggerBody{Type: tc.Type, Goal: tc.Goal, Event: tc.Event}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, nil, errors.Wrap(err, "encode deferred request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(b))
	if err != nil {
		return nil, nil, errors.Wrap(err, "build deferred request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, nil, errors.Wrap(err, "read deferred response")
	}
	return resp, data, nil
}

func (r *HTTPResolver) target(raw string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if loc, ok := r.locations[raw]; ok {
		return loc
	}
	return raw
}

func (r *HTTPResolver) setLocation(raw, loc string) {
	r.mu.Lock()
	r.locations[raw] = loc
	r.mu.Unlock()
}

func (r *HTTPResolver) isOutdated(u string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outdated[u]
}

func (r *HTTPResolver) markOutdated(u string) {
	r.mu.Lock()
	r.outdated[u] = true
	r.mu.Unlock()
}

// location resolves the Location header against the request URL.
func location(resp *http.Response, base string) string {
	raw := resp.Header.Get("Location")
	if raw == "" {
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	return b.ResolveReference(ref).String()
}

// retryAfter parses Retry-After as seconds or an HTTP date.
func (r *HTTPResolver) retryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(raw); err == nil {
		if d := t.Sub(r.timeNow()); d > 0 {
			return d
		}
	}
	return 0
}
