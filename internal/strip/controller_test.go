package strip

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"adastrip-controller/internal/colormath"
	"adastrip-controller/internal/transition"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"k8s.io/utils/clock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder keeps every frame it receives, in order.
type recorder struct {
	mu     sync.Mutex
	ready  atomic.Bool
	frames [][]byte
	fail   error
	delay  time.Duration
}

func newRecorder() *recorder {
	r := &recorder{}
	r.ready.Store(true)
	return r
}

func (r *recorder) Ready() bool { return r.ready.Load() }

func (r *recorder) Write(_ context.Context, frame []byte) error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.frames = append(r.frames, append([]byte(nil), frame...))
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// firstPixels decodes pixel 0 of every recorded frame.
func (r *recorder) firstPixels() []colormath.Color {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]colormath.Color, 0, len(r.frames))
	for _, f := range r.frames {
		p := f[len(colormath.FrameHeader):]
		out = append(out, colormath.Color{R: p[0], G: p[1], B: p[2]})
	}
	return out
}

func newTestController(t *testing.T, w Writer, leds int) *Controller {
	t.Helper()
	clk := clock.RealClock{}
	c, err := New(w, Options{
		LEDCount:        leds,
		RefreshInterval: 5 * time.Millisecond,
		PollInterval:    2 * time.Millisecond,
		Engine:          &transition.Engine{Steps: transition.DefaultSteps, Interval: time.Millisecond, Clock: clk},
		Clock:           clk,
	})
	require.NoError(t, err)
	return c
}

func TestNewRejectsEmptyStrip(t *testing.T) {
	_, err := New(newRecorder(), Options{LEDCount: 0})
	assert.Error(t, err)
}

func TestSmoothFillWritesEveryStep(t *testing.T) {
	rec := newRecorder()
	c := newTestController(t, rec, 3)

	target := colormath.Color{R: 100, G: 40, B: 200}
	require.NoError(t, c.SmoothFillWithColor(context.Background(), target))

	// 20 steps plus the final exact frame.
	assert.Equal(t, 21, rec.count())
	assert.True(t, c.Buffer().Equal(colormath.Uniform(target, 3)))
	assert.False(t, c.Busy())

	pixels := rec.firstPixels()
	assert.Equal(t, target, pixels[len(pixels)-1])
}

func TestConcurrentFillsDoNotInterleave(t *testing.T) {
	rec := newRecorder()
	rec.delay = 200 * time.Microsecond
	c := newTestController(t, rec, 2)

	red := colormath.Color{R: 200}
	green := colormath.Color{G: 200}

	var wg sync.WaitGroup
	for _, col := range []colormath.Color{red, green} {
		wg.Add(1)
		go func(col colormath.Color) {
			defer wg.Done()
			assert.NoError(t, c.SmoothFillWithColor(context.Background(), col))
		}(col)
	}
	wg.Wait()

	pixels := rec.firstPixels()
	require.Len(t, pixels, 42)

	// Whichever fill won ran alone: its 21 frames only move its own
	// channel, and the loser starts from the winner's final color.
	first, second := func(p colormath.Color) uint8 { return p.R }, func(p colormath.Color) uint8 { return p.G }
	if pixels[0].G > 0 {
		first, second = second, first
	}
	for i := 0; i < 21; i++ {
		assert.Zero(t, second(pixels[i]), "frame %d leaked the second fill", i)
		if i > 0 {
			assert.GreaterOrEqual(t, first(pixels[i]), first(pixels[i-1]))
		}
	}
	assert.Equal(t, uint8(200), first(pixels[20]))
	for i := 21; i < 42; i++ {
		assert.Positive(t, second(pixels[i]), "frame %d", i)
		assert.LessOrEqual(t, first(pixels[i]), first(pixels[i-1]))
	}
	assert.Zero(t, first(pixels[41]))
	assert.Equal(t, uint8(200), second(pixels[41]))
}

func TestFillSkipsWritesWhenNotReady(t *testing.T) {
	rec := newRecorder()
	rec.ready.Store(false)
	c := newTestController(t, rec, 4)

	target := colormath.Color{B: 255}
	require.NoError(t, c.SmoothFillWithColor(context.Background(), target))

	assert.Zero(t, rec.count())
	assert.True(t, c.Buffer().Equal(colormath.Uniform(target, 4)), "buffer must hold the intended color")
}

func TestWriteErrorsDoNotSurface(t *testing.T) {
	rec := newRecorder()
	rec.fail = errors.New("not ready")
	c := newTestController(t, rec, 1)

	assert.NoError(t, c.SmoothFillWithColor(context.Background(), colormath.Color{R: 1}))
	assert.NoError(t, c.FillWithMatrix(context.Background(), colormath.Buffer{{G: 9}}))
}

func TestFillWithMatrix(t *testing.T) {
	rec := newRecorder()
	c := newTestController(t, rec, 3)

	buf := colormath.Buffer{{R: 1, G: 2, B: 3}, {R: 1, G: 2, B: 3}, {R: 1, G: 2, B: 3}}
	require.NoError(t, c.FillWithMatrix(context.Background(), buf))

	require.Equal(t, 1, rec.count())
	want := append(append([]byte(nil), colormath.FrameHeader[:]...), 1, 2, 3, 1, 2, 3, 1, 2, 3)
	rec.mu.Lock()
	assert.Equal(t, want, rec.frames[0])
	rec.mu.Unlock()

	buf[0] = colormath.Black
	assert.Equal(t, colormath.Color{R: 1, G: 2, B: 3}, c.Buffer()[0], "controller must keep its own copy")

	err := c.FillWithMatrix(context.Background(), colormath.Buffer{{}})
	assert.ErrorIs(t, err, ErrBufferLength)
}

func TestSmoothFillCancelledWhileWaiting(t *testing.T) {
	c := newTestController(t, newRecorder(), 1)
	c.busy.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.SmoothFillWithColor(ctx, colormath.Color{R: 5}), context.DeadlineExceeded)
	c.busy.Store(false)
}

func TestRunRefreshesPeriodically(t *testing.T) {
	rec := newRecorder()
	c := newTestController(t, rec, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return rec.count() >= 3 }, time.Second, time.Millisecond)

	rec.ready.Store(false)
	time.Sleep(10 * time.Millisecond)
	stalled := rec.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stalled, rec.count(), "no refresh while the device is not ready")

	rec.ready.Store(true)
	require.Eventually(t, func() bool { return rec.count() > stalled }, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestRunSkipsRefreshWhileBusy(t *testing.T) {
	rec := newRecorder()
	c := newTestController(t, rec, 2)
	c.busy.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	// Only the initial unconditional refresh goes out.
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, rec.count())

	cancel()
	<-done
}
