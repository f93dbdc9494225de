// Package watchdog checks that the network is reachable. The controller is a
// remote-control surface, so losing connectivity is treated as fatal by the
// caller.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"adastrip-controller/internal/logger"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

var ErrConnectivityLost = errors.New("watchdog: connectivity lost")

// Checker performs one reachability check.
type Checker func(ctx context.Context) error

// TCPCheck dials target (host:port) and closes the connection right away.
func TCPCheck(target string, timeout time.Duration) Checker {
	return func(ctx context.Context) error {
		dialer := net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// Watchdog runs a Checker on a fixed interval.
type Watchdog struct {
	check    Checker
	interval time.Duration
	clock    clock.Clock
	log      *logrus.Entry
}

func New(check Checker, interval time.Duration, clk clock.Clock) *Watchdog {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Watchdog{
		check:    check,
		interval: interval,
		clock:    clk,
		log:      logger.For("watchdog"),
	}
}

// Run checks every interval until ctx is done or a check fails. The first
// failure is returned wrapped in ErrConnectivityLost.
func (w *Watchdog) Run(ctx context.Context) error {
	timer := w.clock.NewTimer(w.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C():
		}

		if err := w.check(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.WithError(err).Error("No internet connection")
			return fmt.Errorf("%w: %v", ErrConnectivityLost, err)
		}
		w.log.Debug("Connectivity ok")
		timer.Reset(w.interval)
	}
}
