package report

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/facebookincubator/go-belt/tool/logger"
)

const DefaultQueueSize = 16

type item struct {
	report *Report
	event  *ErrorEvent
}

// Dispatcher moves reporting off the caller's goroutine. A single consumer
// goroutine drains a FIFO queue, so sinks observe events in the order they
// were published.
type Dispatcher struct {
	sink  Sink
	queue chan item

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

var _ Sink = (*Dispatcher)(nil)

func NewDispatcher(ctx context.Context, sink Sink, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	d := &Dispatcher{
		sink:   sink,
		queue:  make(chan item, queueSize),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go d.loop(context.WithoutCancel(ctx))
	return d
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case it := <-d.queue:
			d.deliver(ctx, it)
		case <-d.closed:
			for {
				select {
				case it := <-d.queue:
					d.deliver(ctx, it)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, it item) {
	defer func() {
		if r := recover(); r != nil {
			logger.FromCtx(ctx).
				WithField("error_event_exception_stack_trace", string(debug.Stack())).
				Errorf("report sink panicked: %v", r)
		}
	}()
	switch {
	case it.report != nil:
		d.sink.Publish(ctx, *it.report)
	case it.event != nil:
		d.sink.PublishError(ctx, *it.event)
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, it item) {
	select {
	case <-d.closed:
		logger.Warnf(ctx, "report dispatcher is closed, dropping %s", it)
		return
	default:
	}
	select {
	case d.queue <- it:
	case <-d.closed:
		logger.Warnf(ctx, "report dispatcher is closed, dropping %s", it)
	}
}

func (it item) String() string {
	if it.report != nil {
		return fmt.Sprintf("report for frame %d", it.report.FrameSeq)
	}
	if it.event != nil {
		return fmt.Sprintf("error event '%s'", it.event.Message())
	}
	return "<empty>"
}

// Publish may block when the queue is full. The scheduler holds its gate
// while publishing, so a slow sink throttles sampling instead of losing
// results.
func (d *Dispatcher) Publish(ctx context.Context, r Report) {
	d.enqueue(ctx, item{report: &r})
}

func (d *Dispatcher) PublishError(ctx context.Context, ev ErrorEvent) {
	d.enqueue(ctx, item{event: &ev})
}

// Close delivers whatever is queued and stops the consumer.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	<-d.done
	return nil
}
