// Package gate implements a non-blocking single-flight admission gate.
//
// The gate is used for backpressure: a caller that cannot enter skips its
// work instead of waiting for the current holder.
package gate

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Brownie44l1/live-classifier/internal/pipelineerr"
)

const enterPollInterval = 5 * time.Millisecond

type Gate struct {
	name string
	held atomic.Bool
}

func New(name string) *Gate {
	return &Gate{name: name}
}

func (g *Gate) Name() string {
	return g.name
}

// TryEnter acquires the gate if nobody holds it. It never waits.
func (g *Gate) TryEnter() bool {
	return g.held.CompareAndSwap(false, true)
}

// Enter polls until the gate is acquired or ctx is done. Teardown paths use
// it to wait out the current holder; the sampling path must use TryEnter.
func (g *Gate) Enter(ctx context.Context) error {
	if g.TryEnter() {
		return nil
	}
	ticker := time.NewTicker(enterPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for gate '%s': %w", g.name, ctx.Err())
		case <-ticker.C:
			if g.TryEnter() {
				return nil
			}
		}
	}
}

// Exit releases the gate. Calling it without a matching successful TryEnter
// panics.
func (g *Gate) Exit() {
	if !g.held.CompareAndSwap(true, false) {
		panic(pipelineerr.GateNotHeld(g.name))
	}
}

func (g *Gate) Held() bool {
	return g.held.Load()
}
