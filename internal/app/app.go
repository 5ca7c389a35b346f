// Package app wires the daemon together: storage, security, the
// outbound sender, the scheduling registry, and the control API. Its
// own logic is thin; it defines the handshake between the registry
// and its external collaborators.
package app

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"

	"sasd/internal/config"
	"sasd/internal/person"
	"sasd/internal/registry"
	"sasd/internal/rpc"
	"sasd/internal/rule"
	"sasd/internal/security"
	"sasd/internal/storage"
	"sasd/internal/timefmt"
	"sasd/internal/transport"
	"sasd/pkg/logx"
)

type App struct {
	cfgMgr    *config.Manager
	log       logx.Logger
	logCloser io.Closer

	store storage.Store
	sec   *security.Security
	reg   *registry.Registry
	api   *rpc.Server

	// sender is swapped when the api-key or telephone setting changes.
	senderMu sync.RWMutex
	sender   transport.Sender

	watchCancel context.CancelFunc
	cfgSub      chan *config.Config
}

// New reads the config file and builds the (unstarted) app.
func New(cfgPath string) (*App, error) {
	boot := logx.NewConsole("info")
	mgr := config.NewManager(cfgPath, boot)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, err
	}

	log, closer, err := logx.New(logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.ConsoleLog(),
		File:    logx.FileConfig{Enabled: cfg.Log.File != "", Path: cfg.Log.File},
	})
	if err != nil {
		return nil, err
	}

	return &App{cfgMgr: mgr, log: log, logCloser: closer}, nil
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgMgr.Get()

	loc, err := timefmt.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return err
	}
	busy, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	store, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, loc, a.log)
	if err != nil {
		return err
	}
	a.store = store

	// The persisted timezone setting wins over the config default.
	if tz, err := store.GetSetting(ctx, storage.SettingTimezone); err == nil && tz != "" {
		if l, err := timefmt.LoadLocation(tz); err == nil {
			store.SetLocation(l)
		} else {
			a.log.Warn("ignoring invalid persisted timezone", logx.String("tz", tz), logx.Err(err))
		}
	}

	a.sec = security.New(store, security.DefaultParams, a.log)
	if err := a.sec.EnsureAdmin(ctx); err != nil {
		return err
	}

	if err := a.rebuildSender(ctx); err != nil {
		return err
	}

	reap, err := config.ParseDurationOrDefault("scheduler.reap_interval", cfg.Scheduler.ReapInterval, time.Minute)
	if err != nil {
		return err
	}
	a.reg = registry.New(registry.Config{ReapInterval: reap}, delivery{a}, a.recordExecuted, a.log)
	if err := a.reg.Start(ctx); err != nil {
		return err
	}

	if err := a.scheduleAll(ctx); err != nil {
		return err
	}

	a.api = rpc.NewServer(rpc.Config{Addr: cfg.API.Addr}, store, a.sec, rpc.Hooks{
		RuleChanged:     a.onRuleChanged,
		RuleRemoving:    a.onRuleRemoving,
		TimezoneChanged: a.onTimezoneChanged,
		SenderChanged:   a.rebuildSender,
	}, a.log)
	if err := a.api.Start(ctx); err != nil {
		return err
	}

	wctx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel
	go func() {
		if err := a.cfgMgr.Watch(wctx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()
	a.cfgSub = a.cfgMgr.Subscribe(1)
	go a.applyReloads(a.cfgSub)

	// No-op outside systemd.
	_, _ = sd.SdNotify(false, sd.SdNotifyReady)
	a.log.Info("daemon started", logx.String("addr", cfg.API.Addr))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = sd.SdNotify(false, sd.SdNotifyStopping)
	if a.watchCancel != nil {
		a.watchCancel()
	}
	if a.cfgSub != nil {
		a.cfgMgr.Unsubscribe(a.cfgSub)
	}
	if a.api != nil {
		a.api.Stop(ctx)
	}
	if a.reg != nil {
		a.reg.Stop(ctx)
	}
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
	return err
}

// applyReloads consumes committed config reloads. Most of the config
// is fixed at startup; the log level is the runtime-adjustable part.
func (a *App) applyReloads(sub chan *config.Config) {
	for cfg := range sub {
		a.log.SetLevel(cfg.Log.Level)
		a.log.Info("config reload applied", logx.String("log_level", cfg.Log.Level))
	}
}

// scheduleAll seeds the registry with every persisted rule.
func (a *App) scheduleAll(ctx context.Context) error {
	rules, err := a.store.ListRules(ctx, 0, 0)
	if err != nil {
		return err
	}
	for _, r := range rules {
		if err := a.reg.Upsert(r); err != nil {
			return err
		}
	}
	a.log.Info("rules scheduled", logx.Int("count", len(rules)))
	return nil
}

// ---- registry callbacks ----

// delivery adapts the current sender to the scheduling loop. The
// indirection lets the sender be replaced at runtime without touching
// running loops.
type delivery struct{ app *App }

func (d delivery) Deliver(ctx context.Context, rcpt person.Person, message string) error {
	d.app.senderMu.RLock()
	s := d.app.sender
	d.app.senderMu.RUnlock()
	return s.SendSMS(ctx, rcpt.Telephone, message)
}

func (a *App) recordExecuted(ctx context.Context, r *rule.Rule) error {
	last, ok := r.LastExecuted()
	if !ok {
		return errors.New("app: rule reported executed without a timestamp")
	}
	return a.store.SetRuleLastExecuted(ctx, r.ID(), last)
}

// ---- rpc hooks ----

func (a *App) onRuleChanged(ctx context.Context, id int64) error {
	r, err := a.store.GetRule(ctx, id)
	if err != nil {
		return err
	}
	return a.reg.Upsert(r)
}

func (a *App) onRuleRemoving(_ context.Context, id int64) {
	a.reg.Remove(id)
}

// onTimezoneChanged re-derives every active schedule under the new
// location. Stored naive timestamps change meaning with the zone, so
// the rules are reloaded and their tasks replaced wholesale.
func (a *App) onTimezoneChanged(ctx context.Context, name string) error {
	loc, err := timefmt.LoadLocation(name)
	if err != nil {
		return err
	}
	a.store.SetLocation(loc)
	a.log.Info("timezone changed; rescheduling all rules", logx.String("tz", name))
	return a.scheduleAll(ctx)
}

// rebuildSender derives the outbound sender from persisted settings,
// falling back to the config file, and to a dry-run log sender when
// no API key is available.
func (a *App) rebuildSender(ctx context.Context) error {
	cfg := a.cfgMgr.Get()

	apiKey, err := a.store.GetSetting(ctx, storage.SettingAPIKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	from, err := a.store.GetSetting(ctx, storage.SettingTelephone)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if apiKey == "" {
		apiKey = cfg.Telnyx.APIKey
	}
	if from == "" {
		from = cfg.Telnyx.FromNumber
	}

	var sender transport.Sender
	if apiKey == "" || from == "" {
		a.log.Warn("no sms api key or from number configured; using dry-run sender")
		sender = transport.LogSender{Log: a.log}
	} else {
		timeout, _ := config.ParseDurationField("telnyx.timeout", cfg.Telnyx.Timeout)
		sender = transport.NewTelnyx(transport.TelnyxConfig{
			APIKey:     apiKey,
			FromNumber: from,
			RatePerSec: cfg.Telnyx.RatePerSec,
			Timeout:    timeout,
		}, a.log)
	}

	a.senderMu.Lock()
	a.sender = sender
	a.senderMu.Unlock()
	return nil
}
