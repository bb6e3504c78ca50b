// Package scheduler drives the Live Activity lifecycle: cron-triggered and
// HTTP-triggered transitions, each fanning a push out to every registered
// token of the target kind.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/classpush/internal/liveactivity"
	"github.com/lalithlochan/classpush/internal/metrics"
	"github.com/lalithlochan/classpush/internal/observ"
)

// State is the lifecycle state of the current school day.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Source identifies what triggered a transition.
type Source string

const (
	SourceCron Source = "cron"
	SourceHTTP Source = "http"
)

// Gateway mirrors push.Gateway.
type Gateway interface {
	Send(ctx context.Context, token liveactivity.PushToken, payload liveactivity.Payload) (liveactivity.DeliveryResult, error)
}

// CycleReporter receives the aggregate of every completed fan-out.
type CycleReporter interface {
	Report(ctx context.Context, result liveactivity.FanOutResult) error
}

// DefaultReportTimeout bounds the reporter call at the end of a fan-out.
const DefaultReportTimeout = 3 * time.Second

type Config struct {
	// Concurrency bounds in-flight sends within one fan-out.
	Concurrency int
	// ReportTimeout bounds how long a cycle waits on its reporter.
	ReportTimeout time.Duration
}

type Option func(*Scheduler)

// WithReporter publishes every cycle aggregate to r.
func WithReporter(r CycleReporter) Option {
	return func(s *Scheduler) { s.reporter = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler owns no persistent state: each cycle reads a token snapshot from
// the store. The in-memory lifecycle state is informational and only gates
// cron wake ticks.
type Scheduler struct {
	store    liveactivity.TokenStore
	gateway  Gateway
	window   *ScheduleWindow
	config   Config
	logger   *zap.Logger
	reporter CycleReporter
	now      func() time.Time

	mu               sync.RWMutex
	state            State
	lastTransitionAt time.Time
	lastCycle        *liveactivity.FanOutResult
}

func New(store liveactivity.TokenStore, gateway Gateway, window *ScheduleWindow, cfg Config, logger *zap.Logger, opts ...Option) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = DefaultReportTimeout
	}

	s := &Scheduler{
		store:   store,
		gateway: gateway,
		window:  window,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	now := s.now()
	s.state = StateIdle
	if window.InSession(now) {
		s.state = StateActive
	}
	s.lastTransitionAt = now
	metrics.SetSchedulerState(int(s.state))

	return s
}

// Start registers the start, stop and wake jobs and blocks until ctx is
// cancelled. It returns once in-flight jobs have finished.
func (s *Scheduler) Start(ctx context.Context) error {
	cronLogger := observ.NewCronLogger(s.logger)
	c := cron.New(
		cron.WithLocation(s.window.Location()),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger)),
	)

	// Jobs outlive a cancelled ctx so a fan-out in progress at shutdown
	// still completes every send.
	jobCtx := context.WithoutCancel(ctx)

	jobs := []struct {
		spec string
		run  func()
	}{
		{s.window.StartSpec(), func() { s.runCron(jobCtx, liveactivity.EventStart) }},
		{s.window.StopSpec(), func() { s.runCron(jobCtx, liveactivity.EventEnd) }},
		{s.window.WakeSpec(), func() { s.wakeTick(jobCtx) }},
	}
	for _, j := range jobs {
		if _, err := c.AddFunc(j.spec, j.run); err != nil {
			return fmt.Errorf("register cron job %q: %w", j.spec, err)
		}
	}

	c.Start()
	status := s.Status()
	s.logger.Info("scheduler started",
		zap.String("state", status.State.String()),
		zap.String("timezone", status.Timezone),
		zap.Time("next_start", status.NextStart),
		zap.Time("next_stop", status.NextStop),
		zap.Timep("next_wake", status.NextWake),
	)

	<-ctx.Done()
	s.logger.Info("scheduler stopping")
	<-c.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) wakeTick(ctx context.Context) {
	now := s.now()
	if s.State() != StateActive {
		s.logger.Debug("wake tick skipped", zap.String("reason", "not active"))
		return
	}
	if !s.window.ShouldWake(now) {
		s.logger.Debug("wake tick skipped", zap.String("reason", "outside wake window"), zap.Time("at", now))
		return
	}
	s.runCron(ctx, liveactivity.EventWake)
}

func (s *Scheduler) runCron(ctx context.Context, event liveactivity.Event) {
	if _, err := s.TriggerTransition(ctx, event, SourceCron); err != nil {
		s.logger.Error("cron cycle failed",
			zap.String("event", string(event)),
			zap.Error(err),
		)
	}
}

// TriggerTransition applies event and fans it out. It never rejects on state:
// a repeated end while idle fans out again and succeeds. Errors are returned
// only for unknown events, malformed payloads and store failures.
func (s *Scheduler) TriggerTransition(ctx context.Context, event liveactivity.Event, source Source) (liveactivity.FanOutResult, error) {
	if !event.Valid() {
		return liveactivity.FanOutResult{}, fmt.Errorf("%w: %q", liveactivity.ErrUnknownEvent, event)
	}

	switch event {
	case liveactivity.EventStart:
		s.transition(StateStarting, event)
	case liveactivity.EventEnd:
		if st := s.State(); st == StateActive || st == StateStarting {
			s.transition(StateStopping, event)
		}
	}

	result, err := s.fanOut(ctx, event, source)

	// Starting always settles to Active, even when the fan-out failed, so
	// the day's wake ticks keep retrying.
	switch event {
	case liveactivity.EventStart:
		s.transition(StateActive, event)
	case liveactivity.EventEnd:
		if s.State() == StateStopping {
			s.transition(StateIdle, event)
		}
	}

	return result, err
}

func (s *Scheduler) transition(to State, event liveactivity.Event) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.lastTransitionAt = s.now()
	s.mu.Unlock()

	metrics.SetSchedulerState(int(to))
	if from != to {
		s.logger.Info("lifecycle transition",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.String("event", string(event)),
		)
	}
}

// fanOut sends one payload to every token of the event's target kind. Each
// delivery is independent; all of them finish before the aggregate returns.
func (s *Scheduler) fanOut(ctx context.Context, event liveactivity.Event, source Source) (liveactivity.FanOutResult, error) {
	startedAt := s.now()
	result := liveactivity.FanOutResult{
		CycleID:   uuid.NewString(),
		Event:     event,
		Source:    string(source),
		StartedAt: startedAt,
	}

	payload := liveactivity.NewPayload(event, startedAt)
	if err := payload.Validate(); err != nil {
		return result, err
	}

	kind := event.TargetKind()
	tokens, err := s.store.ListByKind(ctx, kind)
	if err != nil {
		s.logger.Error("fan-out aborted: token store unavailable",
			zap.String("cycle_id", result.CycleID),
			zap.String("event", string(event)),
			zap.Error(err),
		)
		if !errors.Is(err, liveactivity.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", liveactivity.ErrStoreUnavailable, err)
		}
		return result, err
	}

	results := make([]liveactivity.DeliveryResult, len(tokens))
	var g errgroup.Group
	g.SetLimit(s.config.Concurrency)

	for i, tok := range tokens {
		g.Go(func() error {
			results[i] = s.deliver(ctx, tok, payload)
			return nil
		})
	}
	_ = g.Wait()

	result.Attempted = len(tokens)
	for i, res := range results {
		metrics.RecordDelivery(string(event), string(res.Outcome))

		switch res.Outcome {
		case liveactivity.OutcomeDelivered:
			result.Delivered++
		case liveactivity.OutcomeInvalidToken:
			if s.prune(ctx, result.CycleID, tokens[i]) {
				result.InvalidRemoved++
			}
		default:
			result.TransientFailures++
		}
	}
	result.Duration = s.now().Sub(startedAt)

	metrics.RecordFanOut(string(event), string(source), result.Duration)
	s.logger.Info("fan-out complete",
		zap.String("cycle_id", result.CycleID),
		zap.String("event", string(event)),
		zap.String("source", string(source)),
		zap.String("kind", string(kind)),
		zap.Int("attempted", result.Attempted),
		zap.Int("delivered", result.Delivered),
		zap.Int("invalid_removed", result.InvalidRemoved),
		zap.Int("transient_failures", result.TransientFailures),
		zap.Duration("duration", result.Duration),
	)

	s.mu.Lock()
	last := result
	s.lastCycle = &last
	s.mu.Unlock()

	s.report(ctx, result)
	return result, nil
}

func (s *Scheduler) report(ctx context.Context, result liveactivity.FanOutResult) {
	if s.reporter == nil {
		return
	}
	reportCtx, cancel := context.WithTimeout(ctx, s.config.ReportTimeout)
	defer cancel()

	if err := s.reporter.Report(reportCtx, result); err != nil {
		s.logger.Warn("failed to report fan-out cycle",
			zap.String("cycle_id", result.CycleID),
			zap.Error(err),
		)
	}
}

// deliver sends to one token. A gateway error is folded into a transient
// result so one bad send never aborts the cycle.
func (s *Scheduler) deliver(ctx context.Context, tok liveactivity.PushToken, payload liveactivity.Payload) liveactivity.DeliveryResult {
	res, err := s.gateway.Send(ctx, tok, payload)
	if err != nil {
		s.logger.Warn("push send failed",
			zap.String("key", tok.Key().String()),
			zap.String("event", string(payload.Event)),
			zap.Error(err),
		)
		return liveactivity.DeliveryResult{
			Key:       tok.Key(),
			Outcome:   liveactivity.OutcomeTransientFailure,
			Timestamp: s.now(),
			Err:       err,
		}
	}
	if res.Key == (liveactivity.TokenKey{}) {
		res.Key = tok.Key()
	}
	return res
}

func (s *Scheduler) prune(ctx context.Context, cycleID string, tok liveactivity.PushToken) bool {
	removed, err := s.store.RemoveIfToken(ctx, tok.Key(), tok.Token)
	if err != nil {
		s.logger.Error("failed to prune invalid token",
			zap.String("cycle_id", cycleID),
			zap.String("key", tok.Key().String()),
			zap.Error(err),
		)
		return false
	}
	if !removed {
		s.logger.Info("invalid token already replaced, keeping record",
			zap.String("cycle_id", cycleID),
			zap.String("key", tok.Key().String()),
		)
		return false
	}

	metrics.RecordTokenPruned(string(tok.Kind))
	s.logger.Info("pruned invalid token",
		zap.String("cycle_id", cycleID),
		zap.String("key", tok.Key().String()),
	)
	return true
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Status is a point-in-time view for the diagnostic endpoint.
type Status struct {
	State            State                      `json:"state"`
	LastTransitionAt time.Time                  `json:"lastTransitionAt"`
	LastCycle        *liveactivity.FanOutResult `json:"lastCycle,omitempty"`
	NextStart        time.Time                  `json:"nextStart"`
	NextStop         time.Time                  `json:"nextStop"`
	NextWake         *time.Time                 `json:"nextWake,omitempty"`
	WakeInterval     string                     `json:"wakeInterval"`
	Timezone         string                     `json:"timezone"`
}

func (s *Scheduler) Status() Status {
	now := s.now()

	s.mu.RLock()
	st := Status{
		State:            s.state,
		LastTransitionAt: s.lastTransitionAt,
		WakeInterval:     s.window.WakeInterval().String(),
		Timezone:         s.window.Location().String(),
	}
	if s.lastCycle != nil {
		c := *s.lastCycle
		st.LastCycle = &c
	}
	s.mu.RUnlock()

	st.NextStart = s.window.NextStart(now)
	st.NextStop = s.window.NextStop(now)
	if w := s.window.NextWake(now); !w.IsZero() {
		st.NextWake = &w
	}
	return st
}
