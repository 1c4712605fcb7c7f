// Package clock paces the emulator core against wall-clock time on a
// dedicated worker goroutine, decoupling the frontend UI thread from the
// core's step loop the way the teacher's headless runner decouples ROM
// running from rendering.
package clock

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// TCyclesPerFrame is the nominal number of T-cycles the core advances per
// video frame on DMG hardware (154 scanlines * 456 dots).
const TCyclesPerFrame = 70224

// FrameHz is the DMG's real refresh rate, close to but not exactly 60Hz.
const FrameHz = 59.7275

// FramePeriod is the wall-clock duration of one frame at FrameHz.
var frameHzRuntime = FrameHz
var FramePeriod = time.Duration(float64(time.Second) / frameHzRuntime)

// Stepper advances the emulator core by one frame's worth of T-cycles. It is
// implemented by *machine.Machine; kept as an interface here so this package
// never imports machine.
type Stepper interface {
	StepFrame()
}

// Clock drives a Stepper at FrameHz on its own goroutine. Start is
// idempotent while running; Stop is cooperative and returns once the worker
// has exited after finishing whatever step is in flight.
type Clock struct {
	step Stepper

	group  *errgroup.Group
	cancel context.CancelFunc

	// frameHook, if set, is invoked after every StepFrame call. Used by
	// headless/debug tooling to observe frame boundaries without polling.
	frameHook func()
}

// New builds a Clock that paces s at the standard DMG frame rate.
func New(s Stepper) *Clock {
	return &Clock{step: s}
}

// SetFrameHook installs a callback invoked on the worker goroutine after
// each StepFrame call returns. Must be called before Start.
func (c *Clock) SetFrameHook(fn func()) {
	c.frameHook = fn
}

// Start spawns the pacing worker. It returns immediately; call Stop (or
// cancel ctx) to end the loop. Calling Start while already running is a
// no-op.
func (c *Clock) Start(ctx context.Context) {
	if c.group != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	c.cancel = cancel
	c.group = g

	g.Go(func() error {
		c.run(gctx)
		return nil
	})
}

// Stop requests the worker to exit at the next frame boundary and blocks
// until it has. Safe to call even if Start was never called.
func (c *Clock) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	_ = c.group.Wait()
	c.group = nil
	c.cancel = nil
}

// run is the pacing loop: step one frame, then sleep off whatever's left of
// the frame period. If a frame overruns by more than one full period, the
// backlog is dropped rather than caught up, per the emulator's "advance
// forever, best effort" contract.
func (c *Clock) run(ctx context.Context) {
	next := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.step.StepFrame()
		if c.frameHook != nil {
			c.frameHook()
		}

		next = next.Add(FramePeriod)
		now := time.Now()
		if now.After(next.Add(FramePeriod)) {
			// More than one frame behind: resync instead of bursting to
			// catch up.
			next = now
			continue
		}
		if d := next.Sub(now); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}
}
