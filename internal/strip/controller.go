// Package strip owns the rendered pixel buffer and is the only path by which
// frames reach the device. Smooth fills are serialized through a busy flag;
// a background loop re-sends the buffer so the strip converges after a
// reconnect.
package strip

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"adastrip-controller/internal/colormath"
	"adastrip-controller/internal/logger"
	"adastrip-controller/internal/transition"

	gcerrors "github.com/gruntwork-io/go-commons/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

var ErrBufferLength = errors.New("strip: buffer length does not match LED count")

const (
	DefaultRefreshInterval = 500 * time.Millisecond
	DefaultPollInterval    = 500 * time.Millisecond
)

// Writer is the device side of the controller.
type Writer interface {
	Ready() bool
	Write(ctx context.Context, frame []byte) error
}

type Options struct {
	LEDCount        int
	RefreshInterval time.Duration
	PollInterval    time.Duration
	Engine          *transition.Engine
	Clock           clock.Clock
}

// Controller renders pixel buffers to a Writer.
type Controller struct {
	writer  Writer
	engine  *transition.Engine
	clock   clock.Clock
	count   int
	refresh time.Duration
	poll    time.Duration
	log     *logrus.Entry

	mu  sync.Mutex
	buf colormath.Buffer

	busy atomic.Bool

	// writeMu orders frames on the wire the same way they were produced.
	writeMu sync.Mutex
}

// New returns a controller whose buffer starts all black.
func New(writer Writer, opts Options) (*Controller, error) {
	if opts.LEDCount <= 0 {
		return nil, fmt.Errorf("strip: invalid LED count %d", opts.LEDCount)
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Engine == nil {
		opts.Engine = transition.New(opts.Clock)
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	return &Controller{
		writer:  writer,
		engine:  opts.Engine,
		clock:   opts.Clock,
		count:   opts.LEDCount,
		refresh: opts.RefreshInterval,
		poll:    opts.PollInterval,
		log:     logger.For("strip"),
		buf:     colormath.Uniform(colormath.Black, opts.LEDCount),
	}, nil
}

// LEDCount returns the fixed buffer length.
func (c *Controller) LEDCount() int {
	return c.count
}

// Buffer returns a copy of the current pixel buffer.
func (c *Controller) Buffer() colormath.Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Clone()
}

// Busy reports whether a smooth fill is in progress.
func (c *Controller) Busy() bool {
	return c.busy.Load()
}

// Run pushes the current buffer once and then keeps re-sending it every
// refresh interval while the device is ready and no fill is running. It
// returns when ctx is done.
func (c *Controller) Run(ctx context.Context) {
	defer gcerrors.Recover(func(cause error) {
		c.log.WithError(cause).Error("Refresh loop panicked")
	})

	c.Refresh(ctx)

	timer := c.clock.NewTimer(c.refresh)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C():
			if c.writer.Ready() && !c.busy.Load() {
				c.Refresh(ctx)
			}
			timer.Reset(c.refresh)
		}
	}
}

// SmoothFillWithColor transitions every pixel to color. If another fill is
// running, it polls until that one has finished; waiters are not queued in
// any particular order. A started fill always runs to completion unless ctx
// is cancelled.
func (c *Controller) SmoothFillWithColor(ctx context.Context, color colormath.Color) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.busy.Store(false)

	target := colormath.Uniform(color, c.count)
	log := c.log.WithField("target", color.Hex())
	log.Debug("Starting transition")

	final, err := c.engine.Run(ctx, c.Buffer(), target, func(ctx context.Context, frame colormath.Buffer, _, _ int) error {
		c.setBuffer(frame)
		c.Refresh(ctx)
		return nil
	})
	if err != nil {
		return err
	}

	c.setBuffer(final)
	c.Refresh(ctx)
	log.Debug("Transition finished")
	return nil
}

// FillWithMatrix replaces the buffer and pushes it right away. It does not
// wait for a running smooth fill; callers mixing both must coordinate.
func (c *Controller) FillWithMatrix(ctx context.Context, buf colormath.Buffer) error {
	if len(buf) != c.count {
		return fmt.Errorf("%w: got %d, want %d", ErrBufferLength, len(buf), c.count)
	}
	c.setBuffer(buf.Clone())
	c.Refresh(ctx)
	return nil
}

// Refresh writes the current buffer to the device. It does nothing while the
// device is not ready; write failures are logged and left for the next
// refresh to repair.
func (c *Controller) Refresh(ctx context.Context) {
	if !c.writer.Ready() {
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	frame := colormath.EncodeFrame(c.Buffer())
	if err := c.writer.Write(ctx, frame); err != nil {
		c.log.WithError(err).Debug("Refresh skipped")
	}
}

func (c *Controller) acquire(ctx context.Context) error {
	for !c.busy.CompareAndSwap(false, true) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(c.poll):
		}
	}
	return nil
}

func (c *Controller) setBuffer(buf colormath.Buffer) {
	c.mu.Lock()
	c.buf = buf
	c.mu.Unlock()
}
