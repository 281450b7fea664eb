package report

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Brownie44l1/live-classifier/internal/model"
	"github.com/Brownie44l1/live-classifier/internal/pipelineerr"
	"github.com/Brownie44l1/live-classifier/internal/topk"
)

// Report describes one completed inference.
type Report struct {
	SessionID   uuid.UUID
	FrameSeq    uint64
	Elapsed     time.Duration
	CompletedAt time.Time
	TopK        topk.Result
	Scores      model.ScoreVector
}

func (r Report) ElapsedMs() float64 {
	return float64(r.Elapsed) / float64(time.Millisecond)
}

type ErrorEvent struct {
	SessionID uuid.UUID
	Err       error
	// Fatal errors leave the session stopped and stay on the status line.
	Fatal bool
	At    time.Time
}

func NewErrorEvent(sessionID uuid.UUID, err error) ErrorEvent {
	return ErrorEvent{
		SessionID: sessionID,
		Err:       err,
		Fatal:     pipelineerr.IsFatal(err),
		At:        time.Now(),
	}
}

func (e ErrorEvent) Message() string {
	if e.Err == nil {
		return "error: <nil>"
	}
	return "error: " + e.Err.Error()
}

// Sink consumes inference results. Publish is called once per completed
// inference, in completion order.
type Sink interface {
	Publish(ctx context.Context, r Report)
	PublishError(ctx context.Context, ev ErrorEvent)
}

type Multi []Sink

var _ Sink = Multi(nil)

func (m Multi) Publish(ctx context.Context, r Report) {
	for _, s := range m {
		s.Publish(ctx, r)
	}
}

func (m Multi) PublishError(ctx context.Context, ev ErrorEvent) {
	for _, s := range m {
		s.PublishError(ctx, ev)
	}
}

type Discard struct{}

var _ Sink = Discard{}

func (Discard) Publish(context.Context, Report)          {}
func (Discard) PublishError(context.Context, ErrorEvent) {}
