package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"ticksched/internal/config"
	"ticksched/internal/eventbus"
	"ticksched/internal/history"
	"ticksched/internal/observability/pprof"
	"ticksched/internal/producer"
	"ticksched/internal/runtime/supervisor"
	logx "ticksched/pkg/logx"
	"ticksched/pkg/systemd"
	"ticksched/pkg/tickloop"
)

// App is the ticksched daemon: one tick loop fed by cron producers, with
// outcome history, a debug server and systemd notification around it.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	loop     *tickloop.Scheduler
	store    history.Store
	producer *producer.Service
	pprof    *pprof.Service
	sd       *systemd.Notifier

	recorder  *history.Recorder
	recCancel context.CancelFunc

	heartbeatEvery atomic.Int64 // time.Duration
	lastBeat       time.Time    // loop goroutine only
	unsubs         []func()
	started        time.Time
}

// Status is the /statusz document.
type Status struct {
	Uptime        string             `json:"uptime"`
	Loop          tickloop.Snapshot  `json:"loop"`
	Jobs          []producer.JobInfo `json:"jobs"`
	Supervisor    []supervisor.Stats `json:"supervisor"`
	Recent        []history.Record   `json:"recent,omitempty"`
	WatchdogPings uint64             `json:"watchdog_pings,omitempty"`
	EventsDropped uint64             `json:"events_dropped,omitempty"`
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	loop := tickloop.New(
		tickloop.WithName(cfg.Loop.Name),
		tickloop.WithInterval(cfg.Loop.TickInterval()),
		tickloop.WithPollMode(tickloop.ParsePollMode(cfg.Loop.PollMode)),
		tickloop.WithLockOSThread(cfg.Loop.LockOSThread),
		tickloop.WithLogger(logSvc.Logger().With(logx.String("comp", "tickloop"))),
		tickloop.WithBus(bus),
	)

	hc, err := mapHistoryConfig(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	store, err := history.Open(hc, logSvc.Logger().With(logx.String("comp", "history")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	if store != nil {
		log.Info("history enabled", logx.String("driver", hc.Driver), logx.Int("size", hc.Size))
	}

	prod := producer.New(loop, logSvc.Logger().With(logx.String("comp", "producer")), producer.WithStartupSpread(true))
	if err := prod.Apply(cfg.Jobs); err != nil {
		closeStore(store)
		logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		loop:     loop,
		store:    store,
		producer: prod,
		sd:       systemd.NewNotifier(cfg.Systemd.Notify, cfg.Systemd.Watchdog, logSvc.Logger()),
	}
	a.heartbeatEvery.Store(int64(cfg.Loop.Heartbeat()))

	pc, err := mapPprofConfig(cfg)
	if err != nil {
		closeStore(store)
		logSvc.Close()
		return nil, err
	}
	a.pprof = pprof.New(pc, logSvc.Logger(), func() any { return a.Status(context.Background()) })
	return a, nil
}

// Loop exposes the tick loop so callers can enqueue work of their own.
func (a *App) Loop() *tickloop.Scheduler { return a.loop }

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

func (a *App) Status(ctx context.Context) Status {
	st := Status{
		Loop:          a.loop.Snapshot(),
		Jobs:          a.producer.Snapshot(),
		WatchdogPings: a.sd.Pings(),
		EventsDropped: a.bus.Dropped(),
	}
	if !a.started.IsZero() {
		st.Uptime = time.Since(a.started).Truncate(time.Second).String()
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
	}
	if a.store != nil {
		if recent, err := a.store.Recent(ctx, 20); err == nil {
			st.Recent = recent
		}
	}
	return st
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.started = time.Now()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := mapHistoryConfig(cfg); err != nil {
			return err
		}
		if _, err := mapPprofConfig(cfg); err != nil {
			return err
		}
		return a.producer.Validate(cfg.Jobs)
	})

	a.lastBeat = a.started
	a.unsubs = append(a.unsubs, a.loop.Subscribe(a.heartbeat))
	if a.sd.WatchdogPeriod() > 0 {
		// Fed from the loop goroutine, so a stalled loop starves the watchdog.
		a.unsubs = append(a.unsubs, a.loop.Subscribe(func() { a.sd.Ping(time.Now()) }))
	}

	// Subscribed before the loop starts and outlives the supervisor context,
	// so outcomes of items drained at Stop still reach the journal.
	if a.store != nil {
		a.recorder = history.NewRecorder(a.store, a.bus, a.log.With(logx.String("comp", "history")))
	}

	if err := a.loop.Start(); err != nil {
		if a.recorder != nil {
			a.recorder.Close()
		}
		return fmt.Errorf("start tick loop: %w", err)
	}
	a.sup.Go("loop.watch", func(c context.Context) error {
		select {
		case <-c.Done():
			return nil
		case <-a.loop.Done():
			if c.Err() != nil {
				return nil
			}
			return errors.New("tick loop stopped unexpectedly")
		}
	})

	if a.recorder != nil {
		recCtx, recCancel := context.WithCancel(context.Background())
		a.recCancel = recCancel
		a.sup.GoRestart("history.recorder", func(context.Context) error { return a.recorder.Run(recCtx) }, 5*time.Second)
	}

	a.producer.Start(a.sup.Context())
	a.pprof.Start(a.sup.Context())

	// Debug-level event log; task events are frequent.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
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
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sd.Ready()
	a.sd.Status("running")
	snap := a.loop.Snapshot()
	a.log.Info("app started",
		logx.String("loop", snap.Name),
		logx.Duration("interval", snap.Interval),
		logx.String("poll_mode", snap.PollMode.String()),
		logx.Int("jobs", len(a.producer.Snapshot())),
	)
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, jobsChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(jobsChanged) > 0 {
		a.log.Debug("job config changes detected", logx.Any("jobs", jobsChanged))
	}
	if fields := restartRequired(oldCfg, newCfg); len(fields) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("fields", strings.Join(fields, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if d := newCfg.Loop.TickInterval(); d != a.loop.Interval() {
		a.loop.SetInterval(d)
	}
	a.heartbeatEvery.Store(int64(newCfg.Loop.Heartbeat()))

	if err := a.producer.Apply(newCfg.Jobs); err != nil {
		a.log.Warn("invalid jobs config; keeping previous", logx.Err(err))
	}

	if pc, err := mapPprofConfig(newCfg); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
	} else {
		a.pprof.Reconfigure(ctx, pc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// restartRequired lists changed settings that only take effect at startup.
func restartRequired(oldCfg, newCfg *config.Config) []string {
	var out []string
	if oldCfg.Loop.Name != newCfg.Loop.Name {
		out = append(out, "loop.name")
	}
	if oldCfg.Loop.PollMode != newCfg.Loop.PollMode {
		out = append(out, "loop.poll_mode")
	}
	if oldCfg.Loop.LockOSThread != newCfg.Loop.LockOSThread {
		out = append(out, "loop.lock_os_thread")
	}
	if oldCfg.History != newCfg.History {
		out = append(out, "history")
	}
	if oldCfg.Systemd != newCfg.Systemd {
		out = append(out, "systemd")
	}
	return out
}

// heartbeat runs as a tick subscriber on the loop goroutine.
func (a *App) heartbeat() {
	every := time.Duration(a.heartbeatEvery.Load())
	if every <= 0 {
		return
	}
	now := time.Now()
	if now.Sub(a.lastBeat) < every {
		return
	}
	a.lastBeat = now
	snap := a.loop.Snapshot()
	a.log.Info("loop heartbeat",
		logx.Uint64("ticks", snap.Ticks),
		logx.Int("queue", snap.QueueLen),
		logx.Uint64("completed", snap.Completed),
		logx.Uint64("faulted", snap.Faulted),
		logx.Uint64("cancelled", snap.Cancelled),
		logx.Uint64("subscriber_failures", snap.SubscriberFailures),
	)
	a.sd.Status("ticks=%d queue=%d completed=%d faulted=%d", snap.Ticks, snap.QueueLen, snap.Completed, snap.Faulted)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Producers first so nothing new is enqueued while the loop drains.
	a.step(ctx, "producer", 2*time.Second, func(c context.Context) error { a.producer.Stop(c); return nil })
	a.step(ctx, "tickloop", 3*time.Second, func(c context.Context) error {
		for _, unsub := range a.unsubs {
			unsub()
		}
		a.loop.Cancel()
		return a.loop.WaitContext(c)
	})
	// The loop has published its last event; let the recorder flush and exit.
	if a.recCancel != nil {
		a.recCancel()
	}
	a.step(ctx, "pprof", 1*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })

	// Wait for supervised goroutines (config watch/reload, recorder, event log).
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.step(ctx, "history", 1*time.Second, func(c context.Context) error {
		if a.recorder != nil {
			// Covers a recorder that never got to run before the supervisor was cancelled.
			a.recorder.Flush(c)
			a.recorder.Close()
		}
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	snap := a.loop.Snapshot()
	a.log.Info("stopped", logx.Uint64("ticks", snap.Ticks), logx.Uint64("completed", snap.Completed))
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

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
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn MUST honor stepCtx; if it doesn't, log when it eventually returns.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}

func closeStore(s history.Store) {
	if s != nil {
		_ = s.Close()
	}
}
