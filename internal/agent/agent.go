package agent

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"adastrip-controller/internal/config"
	"adastrip-controller/internal/core"
	"adastrip-controller/internal/device"
	"adastrip-controller/internal/logger"
	"adastrip-controller/internal/lua"
	"adastrip-controller/internal/mqtt"
	"adastrip-controller/internal/scheduler"
	"adastrip-controller/internal/server"
	"adastrip-controller/internal/store"
	"adastrip-controller/internal/strip"
	"adastrip-controller/internal/transition"
	"adastrip-controller/internal/watchdog"

	gcerrors "github.com/gruntwork-io/go-commons/errors"
	"github.com/sirupsen/logrus"
)

type Agent struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config
	wg     sync.WaitGroup
	log    *logrus.Entry

	state          *core.State
	eventBus       *core.EventBus
	commandChannel core.CommandChannel

	link       *device.Link
	strip      *strip.Controller
	store      *store.FileStore
	router     *Router
	luaEngine  *lua.Engine
	scheduler  *scheduler.Scheduler
	server     *server.Server
	mqttClient *mqtt.Client
	watchdog   *watchdog.Watchdog
}

func NewAgent(cfg *config.Config) (*Agent, error) {
	ctx, cancel := context.WithCancel(context.Background())

	a := &Agent{
		ctx:            ctx,
		cancel:         cancel,
		config:         cfg,
		log:            logger.For("agent"),
		eventBus:       core.NewEventBus(),
		commandChannel: make(core.CommandChannel, 20),
	}

	a.store = store.New(cfg.StateFile)
	a.state = core.NewState(a.store.Load())
	a.log.WithField("file", a.store.Path()).Debug("Loaded persisted state")

	a.link = device.NewLink(
		device.SerialDriver{ReadTimeout: config.Duration(cfg.Device.ReadTimeout)},
		device.Config{
			Path:       cfg.Device.Path,
			BaudRate:   cfg.Device.BaudRate,
			Backoff:    deviceBackoff(cfg.Device),
			WriteRate:  cfg.Device.WriteRateLimit,
			WriteBurst: cfg.Device.WriteRateBurst,
			OnStatusChange: func(ready bool) {
				a.eventBus.Publish(core.DeviceStatus(ready))
			},
		},
	)

	engine := transition.New(nil)
	engine.Steps = cfg.Strip.TransitionSteps
	engine.Interval = config.Duration(cfg.Strip.StepInterval)

	sc, err := strip.New(a.link, strip.Options{
		LEDCount:        cfg.Device.LEDCount,
		RefreshInterval: config.Duration(cfg.Strip.RefreshInterval),
		PollInterval:    config.Duration(cfg.Strip.BusyPollInterval),
		Engine:          engine,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	a.strip = sc

	a.luaEngine = lua.NewEngine(a.strip, cfg.PatternsDir, a.eventBus)

	// The scheduler feeds the command loop, so it needs the channel up front.
	a.scheduler = scheduler.NewScheduler(a.commandChannel, cfg.SchedulesFile)

	a.router = NewRouter(a.state, a.store, a.strip, a.eventBus, a.luaEngine, a.scheduler, a.link)

	a.server = server.NewServer(a.router, a.state, a.eventBus, cfg.Server.Port, cfg.Server.AllowedOrigins)

	// Optional, nil when disabled.
	a.mqttClient = mqtt.NewClient(cfg, a.router, a.eventBus, a.luaEngine.GetPatternList)

	if !cfg.Watchdog.Disabled {
		a.watchdog = watchdog.New(
			watchdog.TCPCheck(cfg.Watchdog.Target, config.Duration(cfg.Watchdog.Timeout)),
			config.Duration(cfg.Watchdog.Interval),
			nil,
		)
	}

	return a, nil
}

// deviceBackoff picks the link retry strategy configured for the device.
func deviceBackoff(cfg config.DeviceConfig) device.Backoff {
	base := config.Duration(cfg.RetryDelay)
	if cfg.Backoff == config.BackoffExponential {
		return device.ExponentialBackoff{Base: base, Max: config.Duration(cfg.MaxRetryDelay)}
	}
	return device.ConstantBackoff(base)
}

// Run starts every component and blocks until Shutdown is called or the
// watchdog reports lost connectivity, in which case that error is returned.
func (a *Agent) Run() error {
	fatal := make(chan error, 1)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.listenEvents()
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.link.Run(a.ctx); err != nil {
			a.log.WithError(err).Error("Device link stopped")
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.strip.Run(a.ctx)
	}()

	// Show the persisted state as soon as the link comes up.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.router.Restore(a.ctx); err != nil {
			a.log.WithError(err).Warn("Could not restore persisted state")
		}
	}()

	if a.mqttClient != nil {
		go func() {
			if err := a.mqttClient.Connect(); err != nil {
				a.log.WithError(err).Error("MQTT setup error")
			}
		}()
	}

	a.scheduler.Start()

	a.log.WithField("port", a.config.Server.Port).Info("Agent socket listening")
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.WithError(err).Error("Server error")
		}
	}()

	if a.watchdog != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.watchdog.Run(a.ctx); err != nil {
				fatal <- err
			}
		}()
	}

	a.log.Info("Agent orchestrator ready")
	return a.loop(a.ctx, fatal)
}

// loop executes scheduled commands until ctx ends or a fatal error arrives.
func (a *Agent) loop(ctx context.Context, fatal <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			a.log.Info("Agent orchestrator shutting down")
			return nil
		case err := <-fatal:
			a.log.WithError(err).Error("Fatal condition, stopping")
			return err
		case cmd := <-a.commandChannel:
			if res := a.router.Dispatch(ctx, cmd); !res.OK {
				a.log.WithError(res.Err).WithField("type", cmd.Type).Warn("Scheduled command failed")
			}
		}
	}
}

// listenEvents keeps the shared state in step with the device and the Lua engine.
func (a *Agent) listenEvents() {
	defer gcerrors.Recover(func(cause error) {
		a.log.WithError(cause).Error("Event listener panicked")
	})

	sub := a.eventBus.Subscribe(core.DeviceConnectedEvent, core.PatternChangedEvent)
	defer sub.Close()

	for {
		select {
		case <-a.ctx.Done():
			return
		case event := <-sub.C:
			switch event.Type {
			case core.DeviceConnectedEvent:
				a.state.SetConnection(event.Connected)
				// The strip refresh loop resends the buffer once the link is back.
				a.log.WithFields(logrus.Fields{
					"connected": event.Connected,
					"sessions":  a.link.Sessions(),
				}).Info("Device status changed")

			case core.PatternChangedEvent:
				a.state.SetRunningPattern(event.Pattern)
				a.router.Invalidate()
			}
		}
	}
}

func (a *Agent) Shutdown() {
	a.scheduler.Stop()
	_ = a.server.Shutdown(context.Background())
	if a.mqttClient != nil {
		a.mqttClient.Disconnect()
	}
	a.luaEngine.Close()
	a.cancel()
	a.wg.Wait()
}
