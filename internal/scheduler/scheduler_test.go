package scheduler

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/live-classifier/internal/gate"
	"github.com/Brownie44l1/live-classifier/internal/model"
	"github.com/Brownie44l1/live-classifier/internal/pipelineerr"
	"github.com/Brownie44l1/live-classifier/internal/report"
	"github.com/Brownie44l1/live-classifier/internal/source"
	"github.com/Brownie44l1/live-classifier/internal/topk"
)

const period = 66 * time.Millisecond

type fakeSource struct {
	streaming atomic.Bool
	captures  atomic.Int64
	seq       atomic.Uint64

	locker sync.Mutex
	errs   []error
}

func newFakeSource() *fakeSource {
	s := &fakeSource{}
	s.streaming.Store(true)
	return s
}

func (s *fakeSource) Start(context.Context) error { return nil }
func (s *fakeSource) IsStreaming() bool           { return s.streaming.Load() }
func (s *fakeSource) Close() error                { return nil }

func (s *fakeSource) Capture(context.Context) (*model.Frame, error) {
	s.captures.Add(1)
	s.locker.Lock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		s.locker.Unlock()
		return nil, err
	}
	s.locker.Unlock()
	return &model.Frame{
		Data:   make([]byte, 4),
		Width:  1,
		Height: 1,
		Format: model.PixelFormatRGBA8,
		Seq:    s.seq.Add(1),
	}, nil
}

type fakeEngine struct {
	scores model.ScoreVector

	// release, if set, blocks every Evaluate until a value is received.
	release chan struct{}
	panicOn atomic.Bool

	calls   atomic.Int64
	active  atomic.Int64
	maxSeen atomic.Int64
}

func (e *fakeEngine) Evaluate(ctx context.Context, _ *model.Frame) (model.ScoreVector, error) {
	e.calls.Add(1)
	n := e.active.Add(1)
	defer e.active.Add(-1)
	for {
		prev := e.maxSeen.Load()
		if n <= prev || e.maxSeen.CompareAndSwap(prev, n) {
			break
		}
	}
	if e.panicOn.Load() {
		panic("engine bug")
	}
	if e.release != nil {
		<-e.release
	}
	return append(model.ScoreVector(nil), e.scores...), nil
}

func (e *fakeEngine) OutputSize() int { return len(e.scores) }
func (e *fakeEngine) Close() error    { return nil }

type recordingSink struct {
	locker  sync.Mutex
	reports []report.Report
	events  []report.ErrorEvent
}

func (s *recordingSink) Publish(_ context.Context, r report.Report) {
	s.locker.Lock()
	defer s.locker.Unlock()
	s.reports = append(s.reports, r)
}

func (s *recordingSink) PublishError(_ context.Context, ev report.ErrorEvent) {
	s.locker.Lock()
	defer s.locker.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) Reports() []report.Report {
	s.locker.Lock()
	defer s.locker.Unlock()
	return append([]report.Report(nil), s.reports...)
}

func (s *recordingSink) Events() []report.ErrorEvent {
	s.locker.Lock()
	defer s.locker.Unlock()
	return append([]report.ErrorEvent(nil), s.events...)
}

type fixture struct {
	clock  *clock.Mock
	source *fakeSource
	engine *fakeEngine
	sink   *recordingSink
	gate   *gate.Gate
	fatals atomic.Int64
	sched  *Scheduler
}

func newFixture(t *testing.T, labels model.LabelTable, scores model.ScoreVector) *fixture {
	t.Helper()
	f := &fixture{
		clock:  clock.NewMock(),
		source: newFakeSource(),
		engine: &fakeEngine{scores: scores},
		sink:   &recordingSink{},
		gate:   gate.New("test"),
	}
	sched, err := New(Config{
		Period:  period,
		Clock:   f.clock,
		Gate:    f.gate,
		Source:  f.source,
		Engine:  f.engine,
		Reducer: topk.New(topk.DefaultK, topk.StrategyFirstFit, labels),
		Sink:    f.sink,
		OnFatal: func(context.Context, error) { f.fatals.Add(1) },
	})
	require.NoError(t, err)
	f.sched = sched
	t.Cleanup(sched.Stop)
	return f
}

// tick advances the mock clock by one period and waits until the scheduler
// has handled the resulting tick.
func (f *fixture) tick(t *testing.T) {
	t.Helper()
	want := f.sched.Stats().Ticks + 1
	f.clock.Add(period)
	require.Eventually(t, func() bool {
		return f.sched.Stats().Ticks >= want
	}, time.Second, time.Millisecond)
}

func (f *fixture) waitIdleGate(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return !f.gate.Held() }, time.Second, time.Millisecond)
}

var (
	sixLabels = model.LabelTable{"A", "B", "C", "D", "E", "F"}
	sixScores = model.ScoreVector{0.9, 0.1, 0.95, 0.2, 0.3, 0.05}
)

func TestSchedulerPublishesReducedResult(t *testing.T) {
	f := newFixture(t, sixLabels, sixScores)
	f.sched.Start(context.Background())

	f.tick(t)
	f.waitIdleGate(t)

	reports := f.sink.Reports()
	require.Len(t, reports, 1)
	labels := make([]string, 0, len(reports[0].TopK))
	for _, e := range reports[0].TopK {
		labels = append(labels, e.Label)
	}
	assert.Equal(t, []string{"C", "E", "F", "", ""}, labels)
	assert.Equal(t, uint64(1), reports[0].FrameSeq)
	assert.Empty(t, f.sink.Events())
}

func TestSchedulerDropsTicksWhileBusy(t *testing.T) {
	f := newFixture(t, sixLabels, sixScores)
	f.engine.release = make(chan struct{})
	f.sched.Start(context.Background())

	f.tick(t)
	require.Eventually(t, func() bool { return f.engine.calls.Load() == 1 }, time.Second, time.Millisecond)

	for i := 0; i < 9; i++ {
		f.tick(t)
	}

	stats := f.sched.Stats()
	assert.Equal(t, uint64(10), stats.Ticks)
	assert.Equal(t, uint64(9), stats.Dropped)
	assert.Equal(t, int64(1), f.source.captures.Load(), "a dropped tick must not capture")
	assert.Equal(t, int64(1), f.engine.calls.Load(), "a dropped tick must not evaluate")

	f.engine.release <- struct{}{}
	f.waitIdleGate(t)
	assert.Len(t, f.sink.Reports(), 1)

	f.tick(t)
	require.Eventually(t, func() bool { return f.engine.calls.Load() == 2 }, time.Second, time.Millisecond)
	f.engine.release <- struct{}{}
	f.waitIdleGate(t)

	assert.Len(t, f.sink.Reports(), 2)
	assert.Equal(t, int64(1), f.engine.maxSeen.Load())
}

func TestSchedulerNeverEvaluatesConcurrently(t *testing.T) {
	f := newFixture(t, sixLabels, sixScores)
	f.sched.Start(context.Background())

	for i := 0; i < 50; i++ {
		f.tick(t)
	}
	f.sched.Stop()
	require.NoError(t, f.sched.Drain(context.Background()))

	assert.Equal(t, int64(1), f.engine.maxSeen.Load())
	stats := f.sched.Stats()
	assert.Equal(t, uint64(50), stats.Ticks)
	assert.Equal(t, stats.Ticks, stats.Dropped+stats.Inferences)
	assert.Len(t, f.sink.Reports(), int(stats.Inferences))
}

func TestSchedulerStopDuringFlight(t *testing.T) {
	f := newFixture(t, sixLabels, sixScores)
	f.engine.release = make(chan struct{})
	f.sched.Start(context.Background())

	f.tick(t)
	require.Eventually(t, func() bool { return f.engine.calls.Load() == 1 }, time.Second, time.Millisecond)

	f.sched.Stop()
	f.sched.Stop()
	assert.False(t, f.sched.Running())

	f.engine.release <- struct{}{}
	require.NoError(t, f.sched.Drain(context.Background()))

	assert.Len(t, f.sink.Reports(), 1)

	ticks := f.sched.Stats().Ticks
	f.clock.Add(10 * period)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, ticks, f.sched.Stats().Ticks)
	assert.Equal(t, int64(1), f.source.captures.Load())
	assert.Len(t, f.sink.Reports(), 1)
}

func TestSchedulerDrainHonorsContext(t *testing.T) {
	f := newFixture(t, sixLabels, sixScores)
	f.engine.release = make(chan struct{})
	f.sched.Start(context.Background())

	f.tick(t)
	require.Eventually(t, func() bool { return f.engine.calls.Load() == 1 }, time.Second, time.Millisecond)
	f.sched.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, f.sched.Drain(ctx), context.Canceled)

	f.engine.release <- struct{}{}
	require.NoError(t, f.sched.Drain(context.Background()))
}

func TestSchedulerReportsErrorsAndKeepsGoing(t *testing.T) {
	f := newFixture(t, sixLabels, sixScores)
	f.source.errs = []error{errors.New("usb reset")}
	f.sched.Start(context.Background())

	f.tick(t)
	f.waitIdleGate(t)
	f.tick(t)
	f.waitIdleGate(t)

	events := f.sink.Events()
	require.Len(t, events, 1)
	assert.ErrorIs(t, events[0].Err, pipelineerr.ErrCapture)
	assert.False(t, events[0].Fatal)
	assert.Len(t, f.sink.Reports(), 1)
	assert.True(t, f.sched.Running())
	assert.Zero(t, f.fatals.Load())
	assert.Equal(t, uint64(1), f.sched.Stats().Failures)
}

func TestSchedulerIdleWhenNotStreaming(t *testing.T) {
	f := newFixture(t, sixLabels, sixScores)
	f.source.streaming.Store(false)
	f.sched.Start(context.Background())

	f.tick(t)
	f.tick(t)

	stats := f.sched.Stats()
	assert.Equal(t, uint64(2), stats.Idle)
	assert.Zero(t, f.source.captures.Load())
	assert.Empty(t, f.sink.Reports())
	assert.Empty(t, f.sink.Events())
}

func TestSchedulerLabelMismatchIsFatal(t *testing.T) {
	f := newFixture(t, model.LabelTable{"A", "B"}, model.ScoreVector{0.1, 0.2, 0.7})
	f.sched.Start(context.Background())

	f.tick(t)
	f.waitIdleGate(t)

	assert.Empty(t, f.sink.Reports())
	events := f.sink.Events()
	require.Len(t, events, 1)
	assert.True(t, events[0].Fatal)
	var cfgErr *pipelineerr.ConfigurationError
	assert.ErrorAs(t, events[0].Err, &cfgErr)
	assert.Equal(t, int64(1), f.fatals.Load())
}

func TestSchedulerRecoversWorkerPanic(t *testing.T) {
	f := newFixture(t, sixLabels, sixScores)
	f.engine.panicOn.Store(true)
	f.sched.Start(context.Background())

	f.tick(t)
	f.waitIdleGate(t)

	events := f.sink.Events()
	require.Len(t, events, 1)
	assert.ErrorIs(t, events[0].Err, ErrWorkerPanic)

	f.engine.panicOn.Store(false)
	f.tick(t)
	f.waitIdleGate(t)
	assert.Len(t, f.sink.Reports(), 1)
}

func TestSchedulerRestart(t *testing.T) {
	f := newFixture(t, sixLabels, sixScores)
	f.sched.Start(context.Background())
	f.sched.Start(context.Background())
	f.tick(t)
	f.waitIdleGate(t)
	f.sched.Stop()

	f.sched.Start(context.Background())
	f.tick(t)
	f.waitIdleGate(t)

	assert.Len(t, f.sink.Reports(), 2)
}

func TestNewValidatesConfig(t *testing.T) {
	reducer := topk.New(0, topk.StrategyUndefined, sixLabels)

	_, err := New(Config{Engine: &fakeEngine{}, Reducer: reducer, Sink: report.Discard{}})
	var cfgErr *pipelineerr.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	_, err = New(Config{Period: -time.Second, Source: newFakeSource(), Engine: &fakeEngine{}, Reducer: reducer, Sink: report.Discard{}})
	require.ErrorAs(t, err, &cfgErr)

	s, err := New(Config{Source: newFakeSource(), Engine: &fakeEngine{}, Reducer: reducer, Sink: report.Discard{}})
	require.NoError(t, err)
	assert.Equal(t, DefaultPeriod, s.Period())
}

func TestSchedulerReportsDeadCamera(t *testing.T) {
	failing, err := exec.LookPath("false")
	if err != nil {
		t.Skip("no 'false' binary to stand in for a failing ffmpeg")
	}

	ctx := context.Background()
	camera := source.NewFFmpeg(source.FFmpegConfig{FFmpegPath: failing, Width: 2, Height: 1})
	require.NoError(t, camera.Start(ctx))
	t.Cleanup(func() { _ = camera.Close() })

	sink := &recordingSink{}
	clk := clock.NewMock()
	sched, err := New(Config{
		Period:  period,
		Clock:   clk,
		Source:  camera,
		Engine:  &fakeEngine{scores: sixScores},
		Reducer: topk.New(topk.DefaultK, topk.StrategyFirstFit, sixLabels),
		Sink:    sink,
	})
	require.NoError(t, err)
	sched.Start(ctx)
	t.Cleanup(sched.Stop)

	require.Eventually(t, func() bool {
		clk.Add(period)
		return len(sink.Events()) > 0
	}, 5*time.Second, time.Millisecond)

	ev := sink.Events()[0]
	assert.ErrorIs(t, ev.Err, pipelineerr.ErrCapture)
	assert.Contains(t, ev.Message(), "device disconnected")
	assert.False(t, ev.Fatal)
	assert.True(t, sched.Running())
}
