package scheduler

import (
	"fmt"
	"time"

	"github.com/Brownie44l1/live-classifier/internal/report"
)

type TickOutcome uint

const (
	TickUndefined = TickOutcome(iota)
	TickAdmitted
	TickDropped
	TickIdle
)

func (o TickOutcome) String() string {
	switch o {
	case TickUndefined:
		return "<undefined>"
	case TickAdmitted:
		return "admitted"
	case TickDropped:
		return "dropped"
	case TickIdle:
		return "idle"
	default:
		return fmt.Sprintf("<unexpected_value_%d>", uint(o))
	}
}

// Observer receives scheduler events as they happen. Implementations must
// be cheap: they run on the ticker and worker goroutines.
type Observer interface {
	ObserveTick(outcome TickOutcome)
	ObserveInference(elapsed time.Duration)
	ObserveFailure(ev report.ErrorEvent)
}

type NopObserver struct{}

var _ Observer = NopObserver{}

func (NopObserver) ObserveTick(TickOutcome)          {}
func (NopObserver) ObserveInference(time.Duration)   {}
func (NopObserver) ObserveFailure(report.ErrorEvent) {}
