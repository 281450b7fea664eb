// Package session owns the lifetime of one classification pipeline: the
// engine, the frame source and the scheduler that ties them together.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/Brownie44l1/live-classifier/internal/gate"
	"github.com/Brownie44l1/live-classifier/internal/model"
	"github.com/Brownie44l1/live-classifier/internal/pipelineerr"
	"github.com/Brownie44l1/live-classifier/internal/report"
	"github.com/Brownie44l1/live-classifier/internal/scheduler"
	"github.com/Brownie44l1/live-classifier/internal/source"
	"github.com/Brownie44l1/live-classifier/internal/topk"
)

const DefaultDrainTimeout = 10 * time.Second

// ErrBusy is returned when another inference holds the gate for longer than
// the caller is willing to wait.
var ErrBusy = errors.New("an inference is already in flight")

type EngineFactory func(ctx context.Context, accelerated bool) (model.Engine, error)

type SourceFactory func(ctx context.Context) (source.Source, error)

type Config struct {
	Period      time.Duration
	TopK        int
	Strategy    topk.Strategy
	Labels      model.LabelTable
	Accelerated bool

	DrainTimeout time.Duration

	Clock    clock.Clock
	Observer scheduler.Observer

	// Status, if set, is reset when a session starts so a fatal error from
	// the previous run does not linger.
	Status *report.Status
}

type Info struct {
	ID          uuid.UUID       `json:"id"`
	State       State           `json:"state"`
	Accelerated bool            `json:"accelerated"`
	Period      time.Duration   `json:"period_ns"`
	Stats       scheduler.Stats `json:"stats"`
}

type Session struct {
	cfg       Config
	newEngine EngineFactory
	newSource SourceFactory
	sink      report.Sink
	gate      *gate.Gate
	reducer   *topk.Reducer

	// baseCtx outlives the requests that start and stop the session.
	baseCtx context.Context

	state       atomic.Uint32
	accelerated atomic.Bool

	engineLocker sync.RWMutex
	engine       model.Engine

	locker    sync.Mutex
	id        uuid.UUID
	source    source.Source
	scheduler *scheduler.Scheduler
	lastStats scheduler.Stats
}

func New(
	ctx context.Context,
	cfg Config,
	newEngine EngineFactory,
	newSource SourceFactory,
	sink report.Sink,
) (*Session, error) {
	if newEngine == nil || newSource == nil {
		return nil, pipelineerr.Configuration("engine and source factories are required")
	}
	if len(cfg.Labels) == 0 {
		return nil, pipelineerr.Configuration("label table is empty")
	}
	if cfg.Period == 0 {
		cfg.Period = scheduler.DefaultPeriod
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if sink == nil {
		sink = report.Discard{}
	}

	s := &Session{
		cfg:       cfg,
		newEngine: newEngine,
		newSource: newSource,
		sink:      sink,
		gate:      gate.New("inference"),
		reducer:   topk.New(cfg.TopK, cfg.Strategy, cfg.Labels),
		baseCtx:   context.WithoutCancel(ctx),
	}
	s.state.Store(uint32(StateStopped))
	s.accelerated.Store(cfg.Accelerated)
	return s, nil
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) Accelerated() bool {
	return s.accelerated.Load()
}

func (s *Session) Labels() model.LabelTable {
	return s.cfg.Labels
}

func (s *Session) Info() Info {
	s.locker.Lock()
	defer s.locker.Unlock()
	info := Info{
		ID:          s.id,
		State:       s.State(),
		Accelerated: s.Accelerated(),
		Period:      s.cfg.Period,
		Stats:       s.lastStats,
	}
	if s.scheduler != nil {
		info.Stats = s.scheduler.Stats()
	}
	return info
}

// Start loads the engine if needed, opens the frame source and arms the
// scheduler. Failures are also published to the sink as error events.
func (s *Session) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(uint32(StateStopped), uint32(StateStarting)) {
		return pipelineerr.StatePrecondition("start", s.State().String())
	}

	s.locker.Lock()
	defer s.locker.Unlock()

	id := uuid.New()
	if err := s.startLocked(ctx, id); err != nil {
		s.state.Store(uint32(StateStopped))
		s.sink.PublishError(ctx, report.NewErrorEvent(id, err))
		return err
	}
	return nil
}

func (s *Session) startLocked(ctx context.Context, id uuid.UUID) (_err error) {
	engine, err := s.ensureEngine(ctx)
	if err != nil {
		return err
	}
	if n := engine.OutputSize(); n > 0 && n != len(s.cfg.Labels) {
		return pipelineerr.LabelMismatch(len(s.cfg.Labels), n)
	}

	src, err := s.newSource(ctx)
	if err != nil {
		return fmt.Errorf("unable to create the frame source: %w", err)
	}
	defer func() {
		if _err != nil {
			if err := src.Close(); err != nil {
				logger.Warnf(ctx, "unable to close the frame source: %v", err)
			}
		}
	}()

	runCtx := belt.WithField(s.baseCtx, "session", id.String())
	if err := src.Start(runCtx); err != nil {
		return fmt.Errorf("unable to start the frame source: %w", err)
	}

	sched, err := scheduler.New(scheduler.Config{
		SessionID: id,
		Period:    s.cfg.Period,
		Clock:     s.cfg.Clock,
		Gate:      s.gate,
		Source:    src,
		Engine:    engine,
		Reducer:   s.reducer,
		Sink:      s.sink,
		Observer:  s.cfg.Observer,
		OnFatal: func(ctx context.Context, err error) {
			go s.teardown(ctx, id, err)
		},
	})
	if err != nil {
		return err
	}

	if s.cfg.Status != nil {
		s.cfg.Status.SetText("Waiting for the first frame")
	}
	s.id = id
	s.source = src
	s.scheduler = sched
	s.state.Store(uint32(StateRunning))
	sched.Start(runCtx)
	logger.Infof(runCtx, "session started (period %v, accelerated %t)", s.cfg.Period, s.Accelerated())
	return nil
}

// Stop disarms the scheduler, waits for the in-flight frame and closes the
// frame source. The engine stays loaded. Stopping a stopped session is a
// no-op.
func (s *Session) Stop(ctx context.Context) error {
	if !s.state.CompareAndSwap(uint32(StateRunning), uint32(StateStopping)) {
		state := s.State()
		if state == StateStopped {
			return nil
		}
		return pipelineerr.StatePrecondition("stop", state.String())
	}

	s.locker.Lock()
	defer s.locker.Unlock()
	return s.stopLocked(ctx)
}

func (s *Session) stopLocked(ctx context.Context) error {
	defer s.state.Store(uint32(StateStopped))

	var result *multierror.Error
	s.scheduler.Stop()

	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	defer cancel()
	if err := s.scheduler.Drain(drainCtx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.source.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("unable to close the frame source: %w", err))
	}

	s.lastStats = s.scheduler.Stats()
	s.scheduler = nil
	s.source = nil
	logger.Infof(ctx, "session %s stopped", s.id)
	return result.ErrorOrNil()
}

// teardown stops the run identified by id after a fatal error. A newer run
// is left alone.
func (s *Session) teardown(ctx context.Context, id uuid.UUID, cause error) {
	logger.Errorf(ctx, "stopping the session: %v", cause)
	if !s.state.CompareAndSwap(uint32(StateRunning), uint32(StateStopping)) {
		return
	}

	s.locker.Lock()
	defer s.locker.Unlock()
	if s.id != id {
		s.state.Store(uint32(StateRunning))
		return
	}
	if err := s.stopLocked(ctx); err != nil {
		logger.Errorf(ctx, "unable to stop the session cleanly: %v", err)
	}
}

// Toggle starts a stopped session and stops a running one.
func (s *Session) Toggle(ctx context.Context) (State, error) {
	switch state := s.State(); state {
	case StateStopped:
		return StateRunning, s.Start(ctx)
	case StateRunning:
		return StateStopped, s.Stop(ctx)
	default:
		return state, pipelineerr.StatePrecondition("toggle", state.String())
	}
}

// SetAccelerated reloads the engine with the new device hint. A running
// session is restarted around the reload.
func (s *Session) SetAccelerated(ctx context.Context, accelerated bool) error {
	state := s.State()
	if state != StateStopped && state != StateRunning {
		return pipelineerr.StatePrecondition("switch device", state.String())
	}
	if s.accelerated.Load() == accelerated && s.loaded() {
		return nil
	}

	wasRunning := state == StateRunning
	if wasRunning {
		if err := s.Stop(ctx); err != nil {
			return fmt.Errorf("unable to stop the session for an engine reload: %w", err)
		}
	}

	if err := s.reloadEngine(ctx, accelerated); err != nil {
		s.sink.PublishError(ctx, report.NewErrorEvent(uuid.Nil, err))
		return err
	}

	if wasRunning {
		return s.Start(ctx)
	}
	return nil
}

// Classify evaluates a single frame outside of the schedule. It shares the
// admission gate with the scheduler and fails with ErrBusy instead of
// waiting.
func (s *Session) Classify(ctx context.Context, frame *model.Frame) (topk.Result, time.Duration, error) {
	if !s.gate.TryEnter() {
		return nil, 0, ErrBusy
	}
	defer s.gate.Exit()

	if _, err := s.ensureEngine(ctx); err != nil {
		return nil, 0, err
	}

	s.engineLocker.RLock()
	defer s.engineLocker.RUnlock()
	if s.engine == nil {
		return nil, 0, pipelineerr.Configuration("the engine was unloaded")
	}

	startedAt := s.cfg.Clock.Now()
	scores, err := s.engine.Evaluate(ctx, frame)
	elapsed := s.cfg.Clock.Since(startedAt)
	if err != nil {
		return nil, elapsed, err
	}
	if len(scores) != len(s.cfg.Labels) {
		return nil, elapsed, pipelineerr.LabelMismatch(len(s.cfg.Labels), len(scores))
	}
	return s.reducer.TopK(scores), elapsed, nil
}

func (s *Session) loaded() bool {
	s.engineLocker.RLock()
	defer s.engineLocker.RUnlock()
	return s.engine != nil
}

func (s *Session) ensureEngine(ctx context.Context) (model.Engine, error) {
	s.engineLocker.Lock()
	defer s.engineLocker.Unlock()
	if s.engine != nil {
		return s.engine, nil
	}
	return s.openEngineLocked(ctx)
}

// reloadEngine waits for the in-flight frame, if any, so the engine is
// never closed under a worker still evaluating on it.
func (s *Session) reloadEngine(ctx context.Context, accelerated bool) error {
	if err := s.enterForTeardown(ctx); err != nil {
		return fmt.Errorf("unable to reload the engine: %w", err)
	}
	defer s.gate.Exit()

	s.engineLocker.Lock()
	defer s.engineLocker.Unlock()
	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			logger.Warnf(ctx, "unable to close the previous engine: %v", err)
		}
		s.engine = nil
	}
	s.accelerated.Store(accelerated)
	_, err := s.openEngineLocked(ctx)
	return err
}

func (s *Session) enterForTeardown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	defer cancel()
	if err := s.gate.Enter(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}
	return nil
}

func (s *Session) openEngineLocked(ctx context.Context) (model.Engine, error) {
	accelerated := s.accelerated.Load()
	engine, err := s.newEngine(ctx, accelerated)
	if err != nil {
		return nil, fmt.Errorf("unable to load the engine (accelerated: %t): %w", accelerated, err)
	}
	logger.Debugf(ctx, "engine loaded (accelerated: %t, outputs: %d)", accelerated, engine.OutputSize())
	s.engine = engine
	return engine, nil
}

// Close stops the session and unloads the engine. If a frame is still being
// evaluated after the drain timeout, the engine is left loaded and an error
// is returned.
func (s *Session) Close(ctx context.Context) error {
	var result *multierror.Error
	if err := s.Stop(ctx); err != nil {
		result = multierror.Append(result, err)
	}

	if err := s.enterForTeardown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("unable to unload the engine: %w", err))
		return result.ErrorOrNil()
	}
	defer s.gate.Exit()

	s.engineLocker.Lock()
	defer s.engineLocker.Unlock()
	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("unable to close the engine: %w", err))
		}
		s.engine = nil
	}
	return result.ErrorOrNil()
}
