package report

import (
	"context"

	"github.com/facebookincubator/go-belt/tool/logger"
)

type Log struct{}

var _ Sink = Log{}

func (Log) Publish(ctx context.Context, r Report) {
	top, ok := r.TopK.Top()
	if !ok {
		logger.Debugf(ctx, "frame %d: no prediction (%v)", r.FrameSeq, r.Elapsed)
		return
	}
	logger.Debugf(ctx, "frame %d: %s (%.1f%%) in %v", r.FrameSeq, top.Label, top.Confidence*100, r.Elapsed)
}

func (Log) PublishError(ctx context.Context, ev ErrorEvent) {
	if ev.Fatal {
		logger.Errorf(ctx, "fatal: %v", ev.Err)
		return
	}
	logger.Warnf(ctx, "%v", ev.Err)
}
