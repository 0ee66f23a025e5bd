package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gorm.io/gorm"

	"tpn/config"
	"tpn/internal/api"
	"tpn/internal/challenge"
	"tpn/internal/cmdrun"
	"tpn/internal/db"
	"tpn/internal/health"
	"tpn/internal/lease"
	"tpn/internal/logs"
	"tpn/internal/middleware"
	"tpn/internal/netns"
	"tpn/internal/repo"
	"tpn/internal/reserve"
	"tpn/internal/verify"
)

type App struct {
	cfg        *config.Config
	db         *gorm.DB
	clock      clock.Clock
	Router     *mux.Router
	httpServer *http.Server

	// фоновые задачи режима, стартуют в Run
	jobs []func(ctx context.Context)

	ctx    context.Context
	cancel context.CancelFunc
}

func (a *App) Initialize(cfg *config.Config) error {
	a.cfg = cfg
	a.clock = clock.NewClock()

	/* 1) Логи */
	logs.Init(logs.Options{
		Level:  a.cfg.Logging.Level,
		Format: a.cfg.Logging.Format,
		File:   a.cfg.Logging.File,
	})

	/* 2) DB */
	d, err := db.Open(a.cfg.Database.Driver, a.cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("db open failed: %w", err)
	}
	if err := db.Migrate(d); err != nil {
		return fmt.Errorf("db migrate failed: %w", err)
	}
	a.db = d

	/* 3) Router + middleware */
	a.Router = mux.NewRouter().StrictSlash(true)
	a.Router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.LoggerMW,
	)
	a.Router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	checks := map[string]health.Check{"db": health.DB(a.db)}
	table := reserve.New(a.clock)

	/* 4) Доменные маршруты по режиму */
	var deps api.Deps
	switch a.cfg.Mode {
	case config.ModeMiner:
		deps, err = a.minerDeps(table, checks)
	case config.ModeValidator:
		deps, err = a.validatorDeps(table)
	default:
		err = fmt.Errorf("unknown mode %q", a.cfg.Mode)
	}
	if err != nil {
		return err
	}
	health.RegisterRoutes(a.Router, checks)
	api.RegisterRoutes(a.Router, api.NewHandler(deps), a.cfg.Server.SharedSecret)

	_ = a.Router.Walk(func(rt *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		if len(methods) == 0 {
			methods = []string{"ANY"}
		}
		logs.Logger.Debugf("route: %-6v %s", methods, path)
		return nil
	})
	return nil
}

func (a *App) minerDeps(table *reserve.Table, checks map[string]health.Check) (api.Deps, error) {
	m := a.cfg.Miner
	pool := lease.NewFSServer(afero.NewOsFs(), m.WireGuardDir, cmdrun.ExecRunner{}, m.RestartCommand)
	alloc := lease.NewAllocator(repo.NewLeaseStore(a.db), pool, table, a.clock, lease.Options{
		LockTTL:     m.LockTTL,
		LockPoll:    m.LockPoll,
		LockWait:    m.LockWait,
		ReadyWindow: m.ReadyWindow,
		ReadyPoll:   m.ReadyPoll,
	})
	svc := lease.NewService(alloc, pool, a.clock, lease.ServiceOptions{
		PeerCount:      m.PeerCount,
		ValidatorSlots: m.ValidatorSlots,
		ReadRetries:    m.ReadRetries,
		ReadCooldown:   m.ReadCooldown,
	})
	checks["wireguard"] = func(context.Context) error {
		if pool.Count(m.PeerCount) == 0 {
			return errors.New("no peer configs in wireguard dir")
		}
		return nil
	}
	logs.Logger.WithFields(logrus.Fields{"dir": m.WireGuardDir, "peers": m.PeerCount}).Info("miner mode")
	return api.Deps{Leases: svc}, nil
}

func (a *App) validatorDeps(table *reserve.Table) (api.Deps, error) {
	v := a.cfg.Validator
	resolver, err := netns.NewDNSResolver(v.DNSServers, 5*time.Second)
	if err != nil {
		return api.Deps{}, fmt.Errorf("dns resolver: %w", err)
	}
	nameserver, err := netip.ParseAddr(v.Nameserver)
	if err != nil {
		return api.Deps{}, fmt.Errorf("validator.nameserver: %w", err)
	}
	prov := netns.New(cmdrun.ExecRunner{}, afero.NewOsFs(), table, a.clock, netns.Options{
		ConfigDir:       v.ConfigDir,
		ResolvDir:       v.ResolvDir,
		Nameserver:      nameserver,
		EgressInterface: v.EgressInterface,
		ProbeTimeout:    v.ProbeTimeout,
		IDTTL:           v.IDTTL,
		IDAttempts:      v.IDAttempts,
		IDBackoff:       v.IDBackoff,
		IPPoll:          v.IPPoll,
	})

	ledger := challenge.NewLedger(repo.NewChallengeStore(a.db), a.clock, a.cfg.Challenge.CacheTTL)
	statuses := repo.NewStatusStore(a.db)
	verifier, err := verify.New(ledger, prov, resolver, statuses, repo.NewVerificationStore(a.db), v.PublicURL)
	if err != nil {
		return api.Deps{}, err
	}
	if r := a.cfg.Challenge.Retention; r > 0 {
		a.jobs = append(a.jobs, func(ctx context.Context) { a.pruneChallenges(ctx, ledger, r) })
	}
	logs.Logger.WithFields(logrus.Fields{"public_url": v.PublicURL, "probe_timeout": v.ProbeTimeout}).Info("validator mode")
	return api.Deps{Ledger: ledger, Verifier: verifier, Statuses: statuses, PublicURL: v.PublicURL, TrustProxy: v.TrustProxy}, nil
}

// pruneChallenges раз в час удаляет challenge старше retention.
func (a *App) pruneChallenges(ctx context.Context, ledger *challenge.Ledger, retention time.Duration) {
	t := a.clock.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			n, err := ledger.Prune(ctx, retention)
			if err != nil {
				logs.Logger.WithError(err).Warn("prune challenges")
				continue
			}
			logs.Logger.WithField("deleted", n).Debug("pruned old challenges")
		}
	}
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return fmt.Errorf("server not initialized")
	}

	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		logs.Logger.Infof("shutdown signal: %s", s)
		a.cancel()
	}()

	for _, job := range a.jobs {
		go job(a.ctx)
	}

	a.httpServer = &http.Server{
		Addr:              bind,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return a.ctx },
	}

	errc := make(chan error, 1)
	go func() {
		logs.Logger.Infof("HTTP listening on %s (mode=%s)", bind, a.cfg.Mode)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	var runErr error
	select {
	case <-a.ctx.Done():
	case runErr = <-errc:
		a.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(ctx); err != nil {
		logs.Logger.Errorf("http shutdown: %v", err)
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	return runErr
}
