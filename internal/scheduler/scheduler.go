// Package scheduler samples frames at a fixed period and feeds them through
// the inference engine, one at a time.
//
// Every tick tries to enter the admission gate. A tick that finds the gate
// busy is dropped on the spot: the scheduler never queues frames behind a
// slow engine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/google/uuid"

	"github.com/Brownie44l1/live-classifier/internal/gate"
	"github.com/Brownie44l1/live-classifier/internal/model"
	"github.com/Brownie44l1/live-classifier/internal/pipelineerr"
	"github.com/Brownie44l1/live-classifier/internal/report"
	"github.com/Brownie44l1/live-classifier/internal/source"
	"github.com/Brownie44l1/live-classifier/internal/topk"
)

const DefaultPeriod = 66 * time.Millisecond

var ErrWorkerPanic = errors.New("frame worker panicked")

type Config struct {
	SessionID uuid.UUID
	Period    time.Duration

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// Gate defaults to a private gate. Pass a shared one to serialize
	// scheduled frames with other engine users.
	Gate *gate.Gate

	Source  source.Source
	Engine  model.Engine
	Reducer *topk.Reducer
	Sink    report.Sink

	Observer Observer

	// OnFatal is called from the worker, with the gate held, after a fatal
	// error event was published. It must not wait for the worker.
	OnFatal func(ctx context.Context, err error)
}

type Scheduler struct {
	cfg Config

	locker   sync.Mutex
	cancel   context.CancelFunc
	loopDone chan struct{}
	inFlight chan struct{}

	ticks      atomic.Uint64
	dropped    atomic.Uint64
	idle       atomic.Uint64
	captures   atomic.Uint64
	inferences atomic.Uint64
	failures   atomic.Uint64
}

func New(cfg Config) (*Scheduler, error) {
	if cfg.Period == 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.Period < 0 {
		return nil, pipelineerr.Configuration("sampling period must be positive, got %v", cfg.Period)
	}
	switch {
	case cfg.Source == nil:
		return nil, pipelineerr.Configuration("frame source is not set")
	case cfg.Engine == nil:
		return nil, pipelineerr.Configuration("inference engine is not set")
	case cfg.Reducer == nil:
		return nil, pipelineerr.Configuration("result reducer is not set")
	case cfg.Sink == nil:
		return nil, pipelineerr.Configuration("report sink is not set")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Gate == nil {
		cfg.Gate = gate.New("inference")
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	return &Scheduler{cfg: cfg}, nil
}

func (s *Scheduler) Period() time.Duration {
	return s.cfg.Period
}

func (s *Scheduler) Running() bool {
	s.locker.Lock()
	defer s.locker.Unlock()
	return s.cancel != nil
}

// Start arms the ticker. Calling it on a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.locker.Lock()
	defer s.locker.Unlock()
	if s.cancel != nil {
		return
	}

	ticker := s.cfg.Clock.Ticker(s.cfg.Period)
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.loopDone = make(chan struct{})

	logger.Debugf(ctx, "scheduler started with period %v", s.cfg.Period)
	go s.loop(loopCtx, ticker, s.loopDone)
}

// Stop disarms the ticker and returns once no further tick can fire. A frame
// already in flight keeps running; use Drain to wait for it.
func (s *Scheduler) Stop() {
	s.locker.Lock()
	cancel, loopDone := s.cancel, s.loopDone
	s.cancel, s.loopDone = nil, nil
	s.locker.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-loopDone
}

// Drain waits for the in-flight frame, if any.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.locker.Lock()
	inFlight := s.inFlight
	s.locker.Unlock()

	if inFlight == nil {
		return nil
	}
	select {
	case <-inFlight:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for the in-flight frame: %w", ctx.Err())
	}
}

func (s *Scheduler) loop(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	defer s.ticks.Add(1)

	if !s.cfg.Source.IsStreaming() {
		s.idle.Add(1)
		s.cfg.Observer.ObserveTick(TickIdle)
		return
	}
	if !s.cfg.Gate.TryEnter() {
		s.dropped.Add(1)
		s.cfg.Observer.ObserveTick(TickDropped)
		logger.Tracef(ctx, "gate '%s' is busy, dropping the tick", s.cfg.Gate.Name())
		return
	}
	s.cfg.Observer.ObserveTick(TickAdmitted)

	done := make(chan struct{})
	s.locker.Lock()
	s.inFlight = done
	s.locker.Unlock()

	go s.work(context.WithoutCancel(ctx), done)
}

func (s *Scheduler) work(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.cfg.Gate.Exit()
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		logger.FromCtx(ctx).
			WithField("error_event_exception_stack_trace", string(debug.Stack())).
			Errorf("frame worker panicked: %v", r)
		s.fail(ctx, fmt.Errorf("%w: %v", ErrWorkerPanic, r))
	}()

	frame, err := s.cfg.Source.Capture(ctx)
	if err != nil {
		if !errors.Is(err, pipelineerr.ErrCapture) {
			err = fmt.Errorf("%w: %w", pipelineerr.ErrCapture, err)
		}
		s.fail(ctx, err)
		return
	}
	s.captures.Add(1)

	startedAt := s.cfg.Clock.Now()
	scores, err := s.cfg.Engine.Evaluate(ctx, frame)
	elapsed := s.cfg.Clock.Since(startedAt)
	if err != nil {
		if !errors.Is(err, pipelineerr.ErrInference) {
			err = fmt.Errorf("%w: %w", pipelineerr.ErrInference, err)
		}
		s.fail(ctx, err)
		return
	}
	s.inferences.Add(1)
	s.cfg.Observer.ObserveInference(elapsed)

	if len(scores) != len(s.cfg.Reducer.Labels) {
		s.fail(ctx, pipelineerr.LabelMismatch(len(s.cfg.Reducer.Labels), len(scores)))
		return
	}

	s.cfg.Sink.Publish(ctx, report.Report{
		SessionID:   s.cfg.SessionID,
		FrameSeq:    frame.Seq,
		Elapsed:     elapsed,
		CompletedAt: s.cfg.Clock.Now(),
		TopK:        s.cfg.Reducer.TopK(scores),
		Scores:      scores,
	})
}

func (s *Scheduler) fail(ctx context.Context, err error) {
	s.failures.Add(1)
	ev := report.NewErrorEvent(s.cfg.SessionID, err)
	ev.At = s.cfg.Clock.Now()
	s.cfg.Observer.ObserveFailure(ev)
	s.cfg.Sink.PublishError(ctx, ev)
	if ev.Fatal && s.cfg.OnFatal != nil {
		s.cfg.OnFatal(ctx, err)
	}
}

type Stats struct {
	Ticks      uint64 `json:"ticks"`
	Dropped    uint64 `json:"dropped"`
	Idle       uint64 `json:"idle"`
	Captures   uint64 `json:"captures"`
	Inferences uint64 `json:"inferences"`
	Failures   uint64 `json:"failures"`
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Ticks:      s.ticks.Load(),
		Dropped:    s.dropped.Load(),
		Idle:       s.idle.Load(),
		Captures:   s.captures.Load(),
		Inferences: s.inferences.Load(),
		Failures:   s.failures.Load(),
	}
}
