package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"canvasbot/internal/canvas"
	"canvasbot/internal/config"
	"canvasbot/internal/eventbus"
	"canvasbot/internal/health"
	"canvasbot/internal/metrics"
	"canvasbot/internal/notifier"
	"canvasbot/internal/poller"
	"canvasbot/internal/storage"
	logx "canvasbot/pkg/logx"
	"canvasbot/pkg/systemd"
)

// recentDeliveries is how many sends /healthz lists.
const recentDeliveries = 20

type App struct {
	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	canvas  *canvas.Client
	notif   *notifier.Service
	alerts  *notifier.Service
	poller  *poller.Poller
	metrics *metrics.Metrics
	health  *health.Server

	// stallAfter is how long without a completed cycle before the
	// watchdog stops pinging.
	stallAfter time.Duration
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	// Operator alerts go through their own webhook sender so a broken
	// announcement channel doesn't swallow the errors about it.
	var alerts *notifier.Service
	var sender logx.Sender
	if acfg, ok := mapAlertConfig(cfg); ok {
		alerts = notifier.New(acfg, logx.Nop(), nil)
		sender = alerts
	}
	logSvc, log := logx.New(mapLogConfig(cfg), sender)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	ccfg, err := mapCanvasConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	client, err := canvas.New(ccfg, log.With(logx.String("comp", "canvas")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	notif := notifier.New(ncfg, log.With(logx.String("comp", "notifier")), bus)

	pcfg, err := mapPollerConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		canvas:  client,
		notif:   notif,
		alerts:  alerts,
		metrics: metrics.New(),

		stallAfter: stallWindow(pcfg.Schedule, time.Now()),
	}
	p, err := poller.New(pcfg, poller.Deps{
		Source:    client,
		Sender:    notif,
		Store:     store,
		Bus:       bus,
		Log:       log,
		Heartbeat: a.heartbeat,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.poller = p
	a.metrics.RegisterSeen(func() float64 { return float64(p.Status().Seen) })
	a.health = health.New(mapHealthConfig(cfg), log, func() any { return p.Status() }, a.metrics.Handler())
	a.health.SetRecent(func() any { return notif.Recent(recentDeliveries) })

	log.Info("config loaded",
		logx.String("path", cfgm.Path()),
		logx.String("canvas", ccfg.Domain),
		logx.Int("courses", len(pcfg.Courses)),
		logx.String("interval", pcfg.Schedule.Raw),
		logx.Bool("initial_send", pcfg.InitialSend),
	)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Status() poller.Status { return a.poller.Status() }

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error { return validate(cfg) })

	// Subscribers attach before the poller starts publishing.
	mevents, munsub := a.bus.Subscribe(256)
	a.sup.Go0("metrics", func(c context.Context) {
		defer munsub()
		a.metrics.Run(c, mevents)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	a.health.Start(a.sup.Context())

	// Only a seen-set load failure comes back from Run; it is fatal.
	a.sup.Go("poller", a.poller.Run)

	if d := systemd.WatchdogInterval(); d > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) { a.watchdog(c, d/2) })
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	systemd.Ready()
	a.log.Info("app started")
	return nil
}

// heartbeat runs after every poll cycle.
func (a *App) heartbeat() {
	st := a.poller.Status()
	systemd.Status(fmt.Sprintf("cycle %d, %d courses, %d seen, %d sent", st.Cycles, st.Courses, st.Seen, st.Sent))
}

// watchdog pings systemd while the poll loop keeps completing cycles.
// A loop stuck for longer than stallAfter stops the pings.
func (a *App) watchdog(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			st := a.poller.Status()
			ref := st.LastCycle
			if ref.IsZero() {
				ref = st.Started
			}
			if ref.IsZero() || now.Sub(ref) < a.stallAfter {
				systemd.Watchdog()
			} else {
				a.log.Warn("poll loop stalled; withholding watchdog ping", logx.Time("last_cycle", st.LastCycle))
			}
		}
	}
}

// stallWindow is two schedule gaps plus slack for slow fetches and pacing.
func stallWindow(s poller.Schedule, now time.Time) time.Duration {
	first := s.Next(now)
	gap := s.Next(first).Sub(first)
	return 2*gap + 5*time.Minute
}

func (a *App) reloadLoop(ctx context.Context, sub chan *Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
		// Coalesce bursts: keep only the latest config.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}
		if newCfg == nil {
			continue
		}
		a.applyConfig(lastApplied, newCfg)
		lastApplied = newCfg
	}
}

// applyConfig applies the hot-reloadable sections and warns about the rest.
func (a *App) applyConfig(prev, next *Config) {
	sections, attrs := SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if acfg, ok := mapAlertConfig(next); ok {
		if a.alerts == nil {
			a.alerts = notifier.New(acfg, logx.Nop(), nil)
		} else {
			a.alerts.Apply(acfg)
		}
		a.logs.SetSender(a.alerts)
	} else {
		a.logs.SetSender(nil)
	}
	a.logs.Apply(mapLogConfig(next))

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid discord config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}

	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config changes require a restart to take effect", logx.String("sections", strings.Join(pending, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	systemd.Stopping()
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	a.step(ctx, "health", time.Second, func(c context.Context) error { a.health.Stop(c); return nil })
	a.step(ctx, "supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.Any("status", a.poller.Status()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max (and by ctx's deadline).
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
