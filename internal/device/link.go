// Package device owns the serial connection to the LED strip. A Link finds the
// configured device, opens it, watches it for errors and rebuilds the whole
// connection from discovery whenever anything goes wrong.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"adastrip-controller/internal/logger"

	gcerrors "github.com/gruntwork-io/go-commons/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"
)

var (
	ErrNotReady       = errors.New("device: link not ready")
	ErrAlreadyRunning = errors.New("device: link already running")
	ErrDeviceNotFound = errors.New("device: not found")
	ErrOpenFailed     = errors.New("device: open failed")
	ErrWriteFailed    = errors.New("device: write failed")
	ErrDeviceClosed   = errors.New("device: closed")
)

const (
	DefaultBaudRate = 115200
	DefaultBackoff  = ConstantBackoff(5 * time.Second)
)

// State is a step of the link lifecycle.
type State int

const (
	StateIdle State = iota
	StateDiscovering
	StateOpening
	StateReady
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateOpening:
		return "opening"
	case StateReady:
		return "ready"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// Config tunes a Link.
type Config struct {
	Path     string
	BaudRate int

	// Backoff spaces out discovery and open retries.
	Backoff Backoff

	// WriteRate caps frames per second; zero means unlimited.
	WriteRate  float64
	WriteBurst int

	Clock clock.Clock

	// OnStatusChange is called whenever readiness flips.
	OnStatusChange func(ready bool)
}

// Link is a self-healing connection to one serial device.
type Link struct {
	cfg     Config
	driver  Driver
	clock   clock.Clock
	limiter *rate.Limiter
	log     *logrus.Entry

	mu       sync.Mutex
	state    State
	port     Port
	gen      uint64
	sessions int
	running  bool

	// failed wakes Run when the current session must be torn down.
	failed chan struct{}

	// writeMu keeps frames whole on the wire.
	writeMu   sync.Mutex
	monitorWG sync.WaitGroup
}

// NewLink creates a Link for cfg.Path. Nothing happens until Run is called.
func NewLink(driver Driver, cfg Config) *Link {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}

	limit := rate.Inf
	if cfg.WriteRate > 0 {
		limit = rate.Limit(cfg.WriteRate)
	}
	burst := cfg.WriteBurst
	if burst <= 0 {
		burst = 1
	}

	return &Link{
		cfg:     cfg,
		driver:  driver,
		clock:   cfg.Clock,
		limiter: rate.NewLimiter(limit, burst),
		log:     logger.For("device").WithField("path", cfg.Path),
		failed:  make(chan struct{}, 1),
	}
}

// Ready reports whether writes currently reach a live connection.
func (l *Link) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StateReady
}

// State returns the current lifecycle step.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Sessions returns how many times the device has been opened successfully.
func (l *Link) Sessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessions
}

// Run drives discovery, open and recovery until ctx is done. It never gives up
// on the device.
func (l *Link) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	l.running = true
	l.mu.Unlock()

	defer func() {
		l.teardown()
		l.mu.Lock()
		l.running = false
		l.state = StateIdle
		l.mu.Unlock()
	}()

	failures := 0
	for {
		path, err := l.discover(ctx)
		if err != nil {
			return nil
		}

		port, err := l.open(path)
		if err != nil {
			l.log.WithError(err).Error("Failed to open device, retrying")
			l.setState(StateRecovering)
			delay := l.cfg.Backoff.Delay(failures)
			failures++
			if !l.wait(ctx, delay) {
				return nil
			}
			continue
		}
		failures = 0

		l.activate(port)

		select {
		case <-ctx.Done():
			return nil
		case <-l.failed:
		}

		l.log.Warn("Recreating the serial connection")
		l.teardown()
	}
}

// Reconnect forces the current session through teardown and rediscovery.
// Calling it while no session is ready is a no-op.
func (l *Link) Reconnect() {
	l.mu.Lock()
	gen := l.gen
	l.mu.Unlock()
	l.fail(gen, errors.New("reconnect requested"))
}

// Write sends one frame. It fails with ErrNotReady when no session is ready
// and never retries: a failed write only schedules recovery.
func (l *Link) Write(ctx context.Context, frame []byte) error {
	l.mu.Lock()
	if l.state != StateReady {
		l.mu.Unlock()
		return ErrNotReady
	}
	port, gen := l.port, l.gen
	l.mu.Unlock()

	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	n, err := port.Write(frame)
	if err == nil && n < len(frame) {
		err = io.ErrShortWrite
	}
	if err != nil {
		l.fail(gen, err)
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// discover polls the port list until the configured path shows up.
func (l *Link) discover(ctx context.Context) (string, error) {
	l.setState(StateDiscovering)

	for attempt := 0; ; attempt++ {
		ports, err := l.driver.List()
		if err != nil {
			l.log.WithError(err).Error("Error finding device")
		} else if path, ok := matchPath(ports, l.cfg.Path); ok {
			l.log.Info("Device found")
			return path, nil
		} else {
			l.log.WithField("attempt", attempt).Info("Device not found, retrying")
		}

		if !l.wait(ctx, l.cfg.Backoff.Delay(attempt)) {
			return "", ctx.Err()
		}
	}
}

func (l *Link) open(path string) (Port, error) {
	l.setState(StateOpening)
	port, err := l.driver.Open(path, l.cfg.BaudRate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	return port, nil
}

// activate publishes port as the live session and starts watching it.
func (l *Link) activate(port Port) {
	// A signal left over from the previous session must not kill this one.
	select {
	case <-l.failed:
	default:
	}

	l.mu.Lock()
	l.gen++
	gen := l.gen
	l.port = port
	l.state = StateReady
	l.sessions++
	l.mu.Unlock()

	l.log.WithField("session", gen).Info("Port opened successfully")
	l.notify(true)

	l.monitorWG.Add(1)
	go l.monitor(gen, port)
}

// monitor reads from the port so that an unplugged device or a closed handle
// is noticed even while nothing is being written.
func (l *Link) monitor(gen uint64, port Port) {
	defer l.monitorWG.Done()
	defer gcerrors.Recover(func(cause error) {
		l.log.WithError(cause).Error("Port monitor panicked")
		l.fail(gen, cause)
	})

	buf := make([]byte, 64)
	for {
		n, err := port.Read(buf)
		if err != nil {
			l.fail(gen, fmt.Errorf("%w: %v", ErrDeviceClosed, err))
			return
		}
		if n > 0 {
			l.log.WithField("bytes", n).Debug("Read from device")
		}
	}
}

// fail marks session gen as broken and wakes Run. Only the first call for a
// given live session has any effect.
func (l *Link) fail(gen uint64, cause error) {
	l.mu.Lock()
	if gen != l.gen || l.state != StateReady {
		l.mu.Unlock()
		return
	}
	l.state = StateRecovering
	l.mu.Unlock()

	l.log.WithError(cause).Error("Port error")
	l.notify(false)

	select {
	case l.failed <- struct{}{}:
	default:
	}
}

// teardown releases the current port and waits for its monitor to exit.
func (l *Link) teardown() {
	l.mu.Lock()
	port := l.port
	l.port = nil
	wasReady := l.state == StateReady
	if l.state != StateIdle {
		l.state = StateRecovering
	}
	l.mu.Unlock()

	if wasReady {
		l.notify(false)
	}
	if port != nil {
		// Serialize with an in-flight write before pulling the handle.
		l.writeMu.Lock()
		if err := port.Close(); err != nil {
			l.log.WithError(err).Debug("Close warning")
		}
		l.writeMu.Unlock()
	}
	l.monitorWG.Wait()
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Link) notify(ready bool) {
	if l.cfg.OnStatusChange != nil {
		l.cfg.OnStatusChange(ready)
	}
}

// wait sleeps for d unless ctx ends first. It reports whether the sleep completed.
func (l *Link) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-l.clock.After(d):
		return true
	}
}
