// Package app wires the server's subsystems into one process and owns their
// lifecycle.
//
// Startup sequence:
//  1. Load config.json (surfacing migration warnings)
//  2. Open the data stores; the data directory is created owner-only
//  3. Bind the HTTP listener: client API, frps plugin callback, health, metrics
//  4. Start the frps supervisor (non-fatal; the listener stays up regardless)
//  5. Rebuild the reject set from terminal keys within the 24h horizon
//  6. Start the expiry scheduler plus maintenance jobs
//  7. Connect the chat bot (transport + dispatcher)
//  8. Announce startup and consume the post-update marker
//
// Shutdown runs the reverse dance once, with a hard 15 second ceiling:
// offline broadcast, bot, HTTP, schedulers, probes, frps.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AerNos/firefrp-server/internal/api"
	"github.com/AerNos/firefrp-server/internal/bot"
	"github.com/AerNos/firefrp-server/internal/config"
	"github.com/AerNos/firefrp-server/internal/credential"
	"github.com/AerNos/firefrp-server/internal/expiry"
	"github.com/AerNos/firefrp-server/internal/frps"
	"github.com/AerNos/firefrp-server/internal/metrics"
	"github.com/AerNos/firefrp-server/internal/motd"
	"github.com/AerNos/firefrp-server/internal/plugin"
	"github.com/AerNos/firefrp-server/internal/ports"
	"github.com/AerNos/firefrp-server/internal/store"
	"github.com/AerNos/firefrp-server/internal/update"
	"github.com/AerNos/firefrp-server/internal/version"
)

const (
	// shutdownCeiling bounds the whole teardown; exceeding it force-exits.
	shutdownCeiling = 15 * time.Second

	// offlineTimeout is how long the offline broadcast may take before the
	// bot is torn down anyway.
	offlineTimeout = 3 * time.Second

	announceTimeout = 15 * time.Second
	notifyTimeout   = 10 * time.Second

	// rejectHorizon mirrors the rebuild window: terminal keys older than
	// this are denied by store lookup, not by the in-memory set.
	rejectHorizon     = 24 * time.Hour
	rejectPruneEvery  = time.Hour
	limiterSweepEvery = 5 * time.Minute
)

// Options configure New.
type Options struct {
	// RootDir holds config.json and the bin/ and data/ directories.
	RootDir string
	Logger  *zap.Logger
}

// App owns every subsystem of the running server.
//
// The zero value is not usable — create instances with New.
type App struct {
	log     *zap.Logger
	rootDir string

	cfg     *config.Config
	st      *store.Store
	metrics *metrics.Metrics
	rejects *credential.RejectSet
	creds   *credential.Service
	limiter *api.RateLimiter

	httpSrv    *http.Server
	sup        *frps.Supervisor
	sched      *expiry.Scheduler
	prober     *motd.Prober
	transport  *bot.Transport
	dispatcher *bot.Dispatcher
	updater    *update.Updater

	botCancel context.CancelFunc
	botDone   sync.WaitGroup

	quit     chan struct{}
	quitOnce sync.Once
	stopOnce sync.Once
}

// New loads the configuration and stores under opts.RootDir and builds the
// full object graph. Nothing is bound or spawned yet; call Run.
func New(opts Options) (*App, error) {
	log := opts.Logger
	a := &App{
		log:     log,
		rootDir: opts.RootDir,
		quit:    make(chan struct{}),
	}

	// --- Config ---
	// Load surfaces migration and placeholder warnings through the logger.
	cfg, err := config.Load(filepath.Join(opts.RootDir, "config.json"), log)
	if err != nil {
		return nil, err
	}
	a.cfg = cfg

	// --- Stores ---
	st, err := store.Open(a.dataDir(), log)
	if err != nil {
		return nil, err
	}
	a.st = st

	f := cfg.Get()
	alloc, err := ports.New(f.PortRangeStart, f.PortRangeEnd)
	if err != nil {
		return nil, err
	}

	a.metrics = metrics.New()
	a.rejects = credential.NewRejectSet()
	a.creds = credential.New(credential.Config{
		Store:     st,
		Allocator: alloc,
		Rejects:   a.rejects,
		Metrics:   a.metrics,
		Logger:    log,
		KeyPrefix: f.KeyPrefix,
	})
	a.limiter = api.NewRateLimiter()

	// --- Chat bot ---
	a.transport = bot.NewTransport(bot.Options{
		Config:  cfg,
		Metrics: a.metrics,
		Logger:  log,
	})

	// --- Motd prober ---
	a.prober = motd.New(motd.Options{
		PublicAddr: f.Server.PublicAddr,
		Notify:     a.notifyProbe,
		Logger:     log,
	})

	// --- HTTP surface ---
	pluginHandler := plugin.New(plugin.Options{
		Credentials:        a.creds,
		Rejects:            a.rejects,
		Metrics:            a.metrics,
		Logger:             log,
		NotifyConnected:    a.transport.NotifyTunnelConnected,
		NotifyDisconnected: a.transport.NotifyTunnelDisconnected,
		ScheduleProbe:      a.prober.Schedule,
		CancelProbe:        a.prober.Cancel,
	})
	a.httpSrv = &http.Server{
		Handler: api.NewRouter(api.RouterConfig{
			Credentials: a.creds,
			Config:      cfg,
			Metrics:     a.metrics,
			Limiter:     a.limiter,
			Logger:      log,
			Plugin:      pluginHandler,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// --- frps supervisor ---
	a.sup = frps.New(frps.Options{
		BinDir:   filepath.Join(opts.RootDir, "bin"),
		DataDir:  a.dataDir(),
		Settings: a.frpsSettings,
		Logger:   log,
		Metrics:  a.metrics,
	})

	// --- Schedulers, updater, dispatcher ---
	sched, err := expiry.New(a.creds, log)
	if err != nil {
		return nil, err
	}
	a.sched = sched

	a.updater = update.New(update.Options{
		Config:  cfg,
		DataDir: a.dataDir(),
		Logger:  log,
	})

	a.dispatcher = bot.NewDispatcher(bot.DispatcherOptions{
		Events:      a.transport.Events(),
		Sender:      a.transport,
		Config:      cfg,
		Credentials: a.creds,
		Supervisor:  a.sup,
		Update:      a.runUpdate,
		Logger:      log,
	})

	return a, nil
}

// Run binds the listener, starts every subsystem, and blocks until ctx is
// canceled or an internal exit is requested (self-update). It returns after
// the graceful shutdown has finished.
func (a *App) Run(ctx context.Context) error {
	f := a.cfg.Get()

	// The listener comes up before frps so the plugin endpoint answers as
	// soon as the subprocess connects.
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", f.ServerPort))
	if err != nil {
		return fmt.Errorf("app: bind http listener: %w", err)
	}
	a.log.Info("http listener bound", zap.Int("port", f.ServerPort))
	go func() {
		if err := a.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("http server failed", zap.Error(err))
		}
	}()

	// frps startup is not fatal and not waited for: a missing binary or a
	// slow download must not keep the control plane offline.
	go func() {
		if err := a.sup.Start(context.Background()); err != nil {
			a.log.Error("frps failed to start", zap.Error(err))
		}
	}()

	n := a.rejects.RebuildFromStore(a.st, rejectHorizon, time.Now().UTC())
	a.log.Info("reject set rebuilt", zap.Int("keys", n))

	if err := a.startScheduler(); err != nil {
		a.sup.Stop()
		return err
	}

	botCtx, cancel := context.WithCancel(context.Background())
	a.botCancel = cancel
	a.botDone.Add(2)
	go func() {
		defer a.botDone.Done()
		a.transport.Run(botCtx)
	}()
	go func() {
		defer a.botDone.Done()
		a.dispatcher.Run(botCtx)
	}()

	go a.announceStartup()

	select {
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
	case <-a.quit:
		a.log.Info("exit requested")
	}
	a.Shutdown()
	return nil
}

// startScheduler starts the TTL sweep and registers the maintenance jobs
// that ride on the same scheduler.
func (a *App) startScheduler() error {
	if err := a.sched.Start(); err != nil {
		return err
	}
	err := a.sched.AddMaintenance("rejectset-prune", rejectPruneEvery, func() {
		a.rejects.Prune(rejectHorizon, time.Now().UTC())
	})
	if err != nil {
		return err
	}
	return a.sched.AddMaintenance("ratelimit-sweep", limiterSweepEvery, func() {
		a.limiter.Sweep()
	})
}

// RequestExit asks a running app to shut down and let the process exit, as
// after a successful self-update. Safe to call more than once.
func (a *App) RequestExit() {
	a.quitOnce.Do(func() { close(a.quit) })
}

// Shutdown tears the subsystems down in order. Idempotent; callable from
// any goroutine. If the teardown exceeds its ceiling the process is
// force-exited.
func (a *App) Shutdown() {
	a.stopOnce.Do(a.shutdown)
}

func (a *App) shutdown() {
	watchdog := time.AfterFunc(shutdownCeiling, func() {
		a.log.Error("graceful shutdown exceeded ceiling, forcing exit")
		os.Exit(1)
	})
	defer watchdog.Stop()

	// Announce first, while the transport still runs.
	ctx, cancel := context.WithTimeout(context.Background(), offlineTimeout)
	a.transport.Broadcast(ctx, fmt.Sprintf("%s 已下线", a.serverName()))
	cancel()

	if a.botCancel != nil {
		a.botCancel()
	}
	a.botDone.Wait()

	hctx, hcancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := a.httpSrv.Shutdown(hctx); err != nil {
		a.log.Warn("http shutdown", zap.Error(err))
	}
	hcancel()

	if err := a.sched.Stop(); err != nil {
		a.log.Warn("scheduler stop", zap.Error(err))
	}
	a.prober.CancelAll()
	a.sup.Stop()

	a.log.Info("shutdown complete")
}

// announceStartup broadcasts the online notice and, after an update, the
// completion notice carried by the marker file.
func (a *App) announceStartup() {
	ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
	defer cancel()

	a.transport.Broadcast(ctx, fmt.Sprintf("%s 已上线，版本 %s", a.serverName(), version.Version))
	if v, ok := update.ConsumeMarker(a.dataDir(), version.Version, a.log); ok {
		a.transport.Broadcast(ctx, fmt.Sprintf("更新完成，当前版本 %s", v))
	}
}

// runUpdate is the dispatcher's update hook. It runs on the goroutine
// cmdUpdate spawns; a successful install ends the process through Run's
// normal return path so the external supervisor restarts the new binary.
func (a *App) runUpdate(notify func(string)) {
	ok, err := a.updater.Run(context.Background(), notify)
	if err != nil {
		a.log.Error("self-update failed", zap.Error(err))
		notify("更新失败，请检查服务端日志")
		return
	}
	if ok {
		a.log.Info("update installed, restarting")
		a.RequestExit()
	}
}

// notifyProbe relays a finished motd probe run to the tunnel's origin group.
func (a *App) notifyProbe(res motd.Result) {
	var text string
	if res.OK {
		text = fmt.Sprintf("%s 的我的世界服务器已就绪\nMOTD: %s | 在线 %d/%d | %s",
			res.UserName, res.Status.Description, res.Status.Online, res.Status.Max, res.Status.Version)
	} else {
		text = fmt.Sprintf("%s 的我的世界服务器在 %d 次探测后仍未响应，请确认服务端已启动",
			res.UserName, res.Attempts)
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := a.transport.SendGroupMessage(ctx, res.GroupID, res.UserID, text); err != nil {
		a.log.Warn("motd notification failed",
			zap.String("tunnel_id", res.TunnelID), zap.Error(err))
	}
}

// frpsSettings maps the live config onto the subprocess settings. The
// plugin callback port is the server's own HTTP port.
func (a *App) frpsSettings() frps.Settings {
	f := a.cfg.Get()
	return frps.Settings{
		FrpVersion:    f.FrpVersion,
		BindAddr:      f.Frps.BindAddr,
		BindPort:      f.Frps.BindPort,
		AuthToken:     f.Frps.AuthToken,
		AdminAddr:     f.Frps.AdminAddr,
		AdminPort:     f.Frps.AdminPort,
		AdminUser:     f.Frps.AdminUser,
		AdminPassword: f.Frps.AdminPassword,
		PortStart:     f.PortRangeStart,
		PortEnd:       f.PortRangeEnd,
		PluginPort:    f.ServerPort,
	}
}

func (a *App) dataDir() string { return filepath.Join(a.rootDir, "data") }

func (a *App) serverName() string {
	if name := a.cfg.Get().Server.Name; name != "" {
		return name
	}
	return "FireFrp"
}
