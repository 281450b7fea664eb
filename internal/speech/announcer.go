// Package speech announces the top prediction out loud.
//
// Notifications never queue: while one is playing, further results are
// dropped, the same way the scheduler drops ticks.
package speech

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/facebookincubator/go-belt/tool/logger"

	"github.com/Brownie44l1/live-classifier/internal/gate"
	"github.com/Brownie44l1/live-classifier/internal/report"
	"github.com/Brownie44l1/live-classifier/internal/topk"
)

const DefaultLikelyThreshold = 0.75

// Phrase is the sentence spoken for a result slot.
func Phrase(entry topk.Entry, likelyThreshold float32) string {
	if entry.Confidence > likelyThreshold {
		return fmt.Sprintf("This is likely a %s", entry.Label)
	}
	return fmt.Sprintf("This might be a %s", entry.Label)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*Audio, error)
}

// Player plays a clip and returns once playback finished.
type Player interface {
	Play(ctx context.Context, audio *Audio) error
}

type Announcer struct {
	Synthesizer     Synthesizer
	Player          Player
	LikelyThreshold float32

	gate    *gate.Gate
	enabled atomic.Bool

	// locker orders wg.Add in Publish against wg.Wait in Close.
	locker sync.Mutex
	closed bool
	wg     sync.WaitGroup

	spoken     atomic.Uint64
	suppressed atomic.Uint64
}

var _ report.Sink = (*Announcer)(nil)

func NewAnnouncer(synth Synthesizer, player Player, enabled bool) *Announcer {
	a := &Announcer{
		Synthesizer:     synth,
		Player:          player,
		LikelyThreshold: DefaultLikelyThreshold,
		gate:            gate.New("speech"),
	}
	a.enabled.Store(enabled)
	return a
}

func (a *Announcer) SetEnabled(enabled bool) {
	a.enabled.Store(enabled)
}

func (a *Announcer) Enabled() bool {
	return a.enabled.Load()
}

// Playing reports whether a notification is being synthesized or played.
func (a *Announcer) Playing() bool {
	return a.gate.Held()
}

func (a *Announcer) Spoken() uint64 {
	return a.spoken.Load()
}

func (a *Announcer) Suppressed() uint64 {
	return a.suppressed.Load()
}

// Publish announces slot 0 unless a notification is already playing.
func (a *Announcer) Publish(ctx context.Context, r report.Report) {
	if !a.enabled.Load() {
		return
	}
	top, ok := r.TopK.Top()
	if !ok {
		return
	}

	a.locker.Lock()
	defer a.locker.Unlock()
	if a.closed {
		return
	}
	if !a.gate.TryEnter() {
		a.suppressed.Add(1)
		logger.Tracef(ctx, "a notification is still playing, skipping '%s'", top.Label)
		return
	}

	phrase := Phrase(top, a.LikelyThreshold)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.gate.Exit()
		if err := a.say(ctx, phrase); err != nil {
			logger.Warnf(ctx, "unable to announce '%s': %v", phrase, err)
			return
		}
		a.spoken.Add(1)
	}()
}

func (a *Announcer) PublishError(context.Context, report.ErrorEvent) {}

func (a *Announcer) say(ctx context.Context, phrase string) error {
	audio, err := a.Synthesizer.Synthesize(ctx, phrase)
	if err != nil {
		return fmt.Errorf("unable to synthesize: %w", err)
	}
	if err := a.Player.Play(ctx, audio); err != nil {
		return fmt.Errorf("unable to play: %w", err)
	}
	return nil
}

// Close waits for the current notification and disables further ones.
func (a *Announcer) Close() error {
	a.locker.Lock()
	a.closed = true
	a.locker.Unlock()
	a.wg.Wait()
	return nil
}
