package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"

	"pewcast/internal/announce"
	"pewcast/internal/config"
	"pewcast/internal/eventbus"
	"pewcast/internal/outbox"
	"pewcast/internal/platform/telegram"
	"pewcast/internal/platform/wire"
	rtsup "pewcast/internal/runtime/supervisor"
	"pewcast/internal/storage"
	"pewcast/internal/text"
	kit "pewcast/internal/transport"
	tgadapter "pewcast/internal/transport/telegram/adapter"
	"pewcast/internal/transport/telegram/router"
	logx "pewcast/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	// telegram side; all nil when telegram is disabled
	adapter *tgadapter.Adapter
	outbox  *outbox.Service
	router  *router.Router
	tg      *telegram.Family

	// wire side; server is nil when the endpoint is disabled
	bridge  *wire.Bridge
	wireFam *wire.Family
	server  *wire.Server

	renderer *text.TranslationRenderer
	announce *announce.Service
	updates  chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	var ad *tgadapter.Adapter
	if cfg.Telegram.Enabled {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ad, err = tgadapter.New(tgadapter.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: pollTimeout,
		}, logx.NewConsole("INFO").With(logx.String("comp", "telegram.adapter")))
		if err != nil {
			return nil, err
		}
	}

	var sink logx.ChatSink
	if ad != nil {
		sink = ad
	}
	logSvc, log := logx.New(mapLogConfig(cfg, sink != nil), sink)
	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	fallback := defaultLocale(cfg)
	cat, err := loadCatalog(cfg)
	if err != nil {
		return nil, err
	}
	renderer := text.NewTranslationRenderer(cat)

	a := &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  ad,
		renderer: renderer,
		updates:  make(chan kit.Update, 256),
	}

	// The wire family exists even without the endpoint so the bridge
	// state and status stay meaningful.
	wcfg, native, wireOn, err := mapWireConfig(cfg, fallback)
	if err != nil {
		return nil, err
	}
	if native == 0 {
		native = wire.ProtocolComponents
	}
	a.bridge = wire.NewBridge(bridgeProtocol(cfg), native, cfg.Bridge.Enabled)
	a.wireFam = wire.NewFamily(native, a.bridge, renderer, bus, log)
	if wireOn {
		a.server = wire.NewServer(wcfg, a.wireFam, log)
	}
	targets := []announce.Target{{Family: wire.FamilyName, Audience: a.wireFam.Directory().Audience}}

	if ad != nil {
		ocfg, err := mapOutboxConfig(cfg)
		if err != nil {
			return nil, err
		}
		var dedup outbox.DedupStore
		if store != nil {
			dedup = store
		}
		a.outbox = outbox.New(ocfg, ad, log.With(logx.String("comp", "outbox")), bus, dedup)
		a.tg = telegram.NewFamily(telegram.Options{
			Sender:   a.outbox,
			Direct:   ad,
			Renderer: renderer,
			Store:    store,
			Fallback: fallback,
			Bus:      bus,
			Log:      log,
		})
		a.router = router.New(log, ad, cfg.Telegram.OwnerUserIDs)
		a.router.OnMembership(a.onMembership)
		if store != nil {
			a.router.SetAuditor(store)
		}
		if err := a.registerCommands(); err != nil {
			return nil, err
		}
		targets = append(targets, announce.Target{Family: telegram.FamilyName, Audience: a.tg.Directory().Audience})
	}

	var auditor announce.Auditor
	if store != nil {
		auditor = store
	}
	a.announce = announce.New(log, bus, auditor, targets...)
	if err := a.announce.Apply(cfg.Announce); err != nil {
		return nil, err
	}
	return a, nil
}

// loadCatalog returns nil when no catalog is configured.
func loadCatalog(cfg *config.Config) (*text.Catalog, error) {
	path := strings.TrimSpace(cfg.Locale.Catalog)
	if path == "" {
		return nil, nil
	}
	cat, err := text.LoadCatalog(path, defaultLocale(cfg))
	if err != nil {
		return nil, fmt.Errorf("locale.catalog: %w", err)
	}
	return cat, nil
}

// reloadCatalog swaps the catalog used by every receiver's renderer.
// Components already sent are not re-rendered.
func (a *App) reloadCatalog(cfg *config.Config) error {
	cat, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	a.renderer.SetCatalog(cat)
	return nil
}

// validate rejects configs that would fail to apply, so a bad hot reload
// keeps the previous config.
func validate(cfg *config.Config) error {
	return errors.Join(
		cfg.Validate(),
		announce.Validate(cfg.Announce),
		func() error { _, err := mapOutboxConfig(cfg); return err }(),
		func() error { _, _, err := mapStorageConfig(cfg); return err }(),
		func() error { _, _, _, err := mapWireConfig(cfg, language.English); return err }(),
		func() error { _, err := loadCatalog(cfg); return err }(),
	)
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

// WireAddr returns the bound wire endpoint address, or "" when disabled.
func (a *App) WireAddr() string {
	if a.server == nil {
		return ""
	}
	return a.server.Addr()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	runCtx := a.sup.Context()

	if a.tg != nil {
		if _, err := a.tg.Restore(runCtx); err != nil {
			a.log.Warn("restoring chats failed", logx.Err(err))
		}
	}
	if a.outbox != nil && a.outbox.Enabled() {
		a.outbox.Start(runCtx)
	}
	if a.adapter != nil {
		if err := a.adapter.Start(runCtx, a.updates); err != nil {
			return err
		}
		if err := a.adapter.UpdateMenuCommands(runCtx, a.router.Menu()); err != nil {
			a.log.Warn("command menu update failed", logx.Err(err))
		}
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.router.DispatchLoop(c, a.updates)
		})
	}
	if a.tg != nil {
		forbidden, unsubForbidden := a.bus.Subscribe(32, eventbus.OutboxForbidden)
		a.sup.Go0("telegram.prune", func(c context.Context) {
			defer unsubForbidden()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-forbidden:
					if !ok {
						return
					}
					if ev, ok := e.Data.(outbox.Event); ok {
						a.onMembership(c, kit.Membership{ChatID: ev.ChatID, Status: "forbidden"})
					}
				}
			}
		})
	}
	if a.server != nil {
		if err := a.server.Start(runCtx); err != nil {
			return err
		}
	}
	a.announce.Start(runCtx)

	events, unsubEvents := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsubEvents()
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

	changes, unsubChanges := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer unsubChanges()
		for {
			select {
			case <-c.Done():
				return
			case ch, ok := <-changes:
				if !ok {
					return
				}
				// Coalesce bursts into one change.
				for drained := false; !drained; {
					select {
					case next, ok := <-changes:
						if !ok {
							return
						}
						ch = ch.Merge(next)
					default:
						drained = true
					}
				}
				a.applyConfig(c, ch)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Bool("telegram", a.adapter != nil),
		logx.String("wire", a.WireAddr()),
		logx.Bool("bridge", a.bridge.Enabled()),
	)
	return nil
}

func (a *App) applyConfig(ctx context.Context, ch config.Change) {
	prev, next := ch.Old, ch.New
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range []string{"storage", "wire"} {
		if ch.Has(s) {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}
	if ch.Has("locale") || ch.Has(config.SectionCatalog) {
		if prev.Locale.Default != next.Locale.Default {
			a.log.Warn("locale.default changed; restart required")
		}
		if err := a.reloadCatalog(next); err != nil {
			a.log.Warn("catalog reload failed; keeping previous", logx.Err(err))
		} else {
			a.log.Info("catalog reloaded", logx.String("path", next.Locale.Catalog))
		}
	}
	if ch.Has("telegram") {
		if prev.Telegram.Enabled != next.Telegram.Enabled || prev.Telegram.Token != next.Telegram.Token {
			a.log.Warn("telegram connection settings changed; restart required")
		}
		if a.router != nil {
			a.router.SetOwners(next.Telegram.OwnerUserIDs)
		}
	}

	a.logs.Apply(mapLogConfig(next, a.adapter != nil))

	if a.outbox != nil && ch.Has("outbox") {
		if ocfg, err := mapOutboxConfig(next); err != nil {
			a.log.Warn("invalid outbox config; keeping previous", logx.Err(err))
		} else {
			was := a.outbox.Enabled()
			a.outbox.Apply(ocfg)
			switch {
			case was && !ocfg.Enabled:
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.outbox.Stop(stopCtx)
				cancel()
				a.log.Info("outbox disabled via config")
			case !was && ocfg.Enabled:
				a.outbox.Start(ctx)
				a.log.Info("outbox enabled via config")
			}
			// Handler availability depends on the outbox switch.
			if was != ocfg.Enabled {
				a.tg.Directory().RebindAll()
			}
		}
	}

	if ch.Has("bridge") {
		if next.Bridge.Protocol != prev.Bridge.Protocol {
			a.log.Warn("bridge.protocol changed; restart required")
		}
		a.wireFam.SetBridge(next.Bridge.Enabled)
	}

	if ch.Has("announce") {
		if err := a.announce.Apply(next.Announce); err != nil {
			a.log.Warn("invalid announce config; keeping previous", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		var cancel context.CancelFunc
		if max > 0 {
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Announcements first: running countdowns hide their bars while the
	// receivers are still connected.
	step("announce", 2*time.Second, func(c context.Context) error { a.announce.Stop(c); return nil })
	step("wire", 3*time.Second, func(c context.Context) error {
		if a.server != nil {
			return a.server.Stop(c)
		}
		a.wireFam.Directory().DisconnectAll()
		return nil
	})
	if a.tg != nil {
		step("telegram.audiences", time.Second, func(context.Context) error {
			a.tg.Directory().DisconnectAll()
			return nil
		})
		step("outbox", 3*time.Second, func(c context.Context) error { a.outbox.Stop(c); return nil })
		step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	}

	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// Status summarizes receivers and delivery for /status.
func (a *App) Status() string {
	state := "off"
	if a.bridge.Enabled() {
		state = "on"
	}
	lines := []string{
		fmt.Sprintf("wire: %d receivers (native protocol %d)", a.wireFam.Directory().Len(), a.wireFam.Native()),
		fmt.Sprintf("bridge: %s (protocol %d)", state, a.bridge.Protocol()),
	}
	if a.tg != nil {
		st := a.outbox.Stats()
		lines = append(lines,
			fmt.Sprintf("telegram: %d chats", a.tg.Directory().Len()),
			fmt.Sprintf("outbox: running=%v queued=%d sent=%d failed=%d dropped=%d", st.Running, st.Queued, st.Sent, st.Failed, st.Dropped),
		)
	}
	if n := a.bus.Dropped(); n > 0 {
		lines = append(lines, fmt.Sprintf("events dropped: %d", n))
	}
	if a.sup != nil {
		c := a.sup.Counters()
		lines = append(lines, fmt.Sprintf("tasks: %d active, %d restarts, %d panics", c.Active, c.Restarts, c.Panics))
	}
	return strings.Join(lines, "\n")
}

// Broadcast sends msg to every connected receiver of every family.
func (a *App) Broadcast(msg text.Component) int {
	aud := a.wireFam.Directory().Audience()
	if a.tg != nil {
		aud = append(aud, a.tg.Directory().Audience()...)
	}
	aud.SendMessage(msg)
	return len(aud)
}
