// Command sortied is the Sortie daemon. It opens the store, wires the task,
// proposal and fleet services, runs the local agent runtimes and serves the
// admin API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/GoCodeAlone/sortie/activity"
	"github.com/GoCodeAlone/sortie/agent"
	"github.com/GoCodeAlone/sortie/brain"
	"github.com/GoCodeAlone/sortie/cloud"
	"github.com/GoCodeAlone/sortie/comms"
	"github.com/GoCodeAlone/sortie/config"
	"github.com/GoCodeAlone/sortie/events"
	"github.com/GoCodeAlone/sortie/fleet"
	"github.com/GoCodeAlone/sortie/internal/version"
	"github.com/GoCodeAlone/sortie/policy"
	"github.com/GoCodeAlone/sortie/proposal"
	"github.com/GoCodeAlone/sortie/schedule"
	"github.com/GoCodeAlone/sortie/server"
	"github.com/GoCodeAlone/sortie/server/api"
	"github.com/GoCodeAlone/sortie/server/ws"
	"github.com/GoCodeAlone/sortie/store"
	"github.com/GoCodeAlone/sortie/task"
	"github.com/GoCodeAlone/sortie/tools"
	"github.com/GoCodeAlone/sortie/vault"
)

var (
	configPath = flag.String("config", "", "path to sortie.yaml (defaults only when empty)")
	hashPass   = flag.String("hash-password", "", "print the bcrypt hash of a password for auth.admin_pass and exit")
)

func main() {
	flag.Parse()

	if *hashPass != "" {
		h, err := server.HashPassword(*hashPass)
		if err != nil {
			log.Fatalf("hash password: %v", err)
		}
		fmt.Println(h)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting sortied",
		"version", version.Version,
		"commit", version.Commit,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("sortied failed", "err", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// loadConfig reads and validates the daemon configuration.
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config %s:\n%w", path, err)
	}
	return *cfg, nil
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	if cfg.Store.Driver == "" || cfg.Store.Driver == string(store.SQLite) {
		if dir := filepath.Dir(cfg.Store.DSN); cfg.Store.DSN != ":memory:" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return fmt.Errorf("create database dir: %w", err)
			}
		}
	}
	db, err := store.Open(ctx, store.Config{
		Driver:       store.Dialect(cfg.Store.Driver),
		DSN:          cfg.Store.DSN,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close() //nolint:errcheck

	hub := ws.NewHub(logger)
	activityLog := activity.NewLog(logger, activity.StoreRecorder{Store: db}, hub)
	closeSinks, err := addSinks(ctx, cfg.Activity, activityLog, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	router := comms.NewRouter(db)
	unsubscribe := router.Subscribe("", hub.OnMessage)
	defer unsubscribe()

	tasks := task.NewRegistry(db, db, activityLog, logger)
	gate := policy.NewGatekeeper(db, logger)
	proposals := proposal.NewManager(proposal.Config{
		Store:    db,
		Gate:     gate,
		Missions: tasks,
		Members:  db,
		Chat:     router,
		Activity: activityLog,
		Logger:   logger,
	})
	tasks.Observe(events.NewDispatcher(db, proposals, router, logger))

	secrets, err := vault.Open(cfg.Vault, logger)
	if err != nil {
		return err
	}
	if err := secrets.LoadAll(ctx); err != nil {
		logger.Warn("vault preload failed", "err", err)
	}
	brains := brain.NewFactory(brain.FactoryConfig{
		DefaultProvider: cfg.Brain.Provider,
		DefaultModel:    cfg.Brain.Model,
		APIKey:          cfg.Brain.APIKey,
		KeyName:         cfg.Brain.KeyName,
		BaseURL:         cfg.Brain.BaseURL,
		Timeout:         cfg.Brain.Timeout,
		Secrets:         secrets,
		Logger:          logger,
	})

	toolbox := tools.NewRegistry(&tools.TaskLookup{Tasks: tasks}, &tools.TaskList{Tasks: tasks})
	if cfg.Tools.WebFetch {
		web := tools.NewWebFetch(cfg.Tools.Headless, cfg.Tools.BrowserTimeout)
		if web.Available() {
			defer web.Close() //nolint:errcheck
			toolbox.Register(web)
		} else {
			logger.Warn("web_fetch disabled: no Chrome or Chromium binary found")
		}
	}

	machines, closeMachines, err := newMachines(ctx, cfg.Fleet)
	if err != nil {
		return err
	}
	defer closeMachines()

	supervisor := agent.NewSupervisor(agent.RuntimeConfig{
		Agents:   db,
		Tasks:    tasks,
		Chat:     router,
		Brains:   brains,
		Tools:    toolbox,
		Redactor: secrets.Redactor(),
		Settings: cfg.Runtime,
		Logger:   logger,
	})
	defer supervisor.StopAll()

	fleetMgr := fleet.NewManager(fleet.Config{
		Agents:   db,
		Workload: db,
		Machines: machines,
		Launcher: rootLauncher{ctx: ctx, sup: supervisor},
		Logger:   logger,
	})
	if err := seedAgents(ctx, cfg, db, fleetMgr, supervisor, logger); err != nil {
		return err
	}

	sched := schedule.New(logger)
	reaper := fleet.NewReaper(db, machines, cfg.Fleet.IdleTimeout, logger)
	if err := sched.Add(schedule.Duty{Name: "reaper", Interval: cfg.Fleet.ReapInterval, Run: reaper.Run}); err != nil {
		return err
	}
	go func() { _ = sched.Run(ctx) }()

	srv := server.New(cfg, &api.Handlers{
		Tasks:     tasks,
		Proposals: proposals,
		Policies:  gate,
		Fleet:     fleetMgr,
		Chat:      router,
		Running:   supervisor.Running,
		Logger:    logger,
		Version:   version.Version,
	}, hub, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server stop error", "err", err)
	}
	return nil
}

// addSinks attaches the optional Redis and AMQP activity sinks. The returned
// func closes whichever were opened.
func addSinks(ctx context.Context, cfg config.ActivityConfig, l *activity.Log, logger *slog.Logger) (func(), error) {
	var closers []func() error
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	if cfg.RedisAddr != "" {
		rs, err := activity.NewRedisStream(ctx, activity.RedisStreamConfig{
			Address:  cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.RedisStream,
			MaxLen:   cfg.RedisMaxLen,
		})
		if err != nil {
			return closeAll, fmt.Errorf("activity redis sink: %w", err)
		}
		l.Add(rs)
		closers = append(closers, rs.Close)
		logger.Info("activity redis sink enabled", "addr", cfg.RedisAddr, "stream", cfg.RedisStream)
	}
	if cfg.AMQPURL != "" {
		q, err := activity.NewAMQP(activity.AMQPConfig{URL: cfg.AMQPURL, Queue: cfg.AMQPQueue, Durable: true})
		if err != nil {
			closeAll()
			return func() {}, fmt.Errorf("activity amqp sink: %w", err)
		}
		l.Add(q)
		closers = append(closers, q.Close)
		logger.Info("activity amqp sink enabled", "queue", cfg.AMQPQueue)
	}
	return closeAll, nil
}

func newMachines(ctx context.Context, cfg config.FleetConfig) (cloud.Machines, func(), error) {
	if cfg.Machines != "docker" {
		return cloud.NewNoop(), func() {}, nil
	}
	d, err := cloud.NewDocker(ctx, cfg.Docker)
	if err != nil {
		return nil, nil, fmt.Errorf("docker machines: %w", err)
	}
	return d, func() { _ = d.Close() }, nil
}

// rootLauncher starts runtimes under the daemon context so an agent hired
// through the API outlives the request that hired it.
type rootLauncher struct {
	ctx context.Context
	sup *agent.Supervisor
}

func (l rootLauncher) Start(_ context.Context, agentID string) error {
	return l.sup.Start(l.ctx, agentID)
}

func (l rootLauncher) Stop(agentID string) error { return l.sup.Stop(agentID) }

// seedAgents hires configured agents missing from the org and then starts
// a runtime for every agent of the org.
func seedAgents(ctx context.Context, cfg config.Config, db *store.DB, fm *fleet.Manager, sup *agent.Supervisor, logger *slog.Logger) error {
	org := cfg.Auth.OrgID
	existing, err := db.ListAgents(ctx, org)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	byName := make(map[string]bool, len(existing))
	for _, a := range existing {
		byName[strings.ToLower(a.Name)] = true
	}
	for _, ac := range cfg.Agents {
		if byName[strings.ToLower(ac.Name)] {
			continue
		}
		a, err := fm.Hire(ctx, org, fleet.HireInput{
			Name:     ac.Name,
			Role:     ac.Role,
			Soul:     ac.Soul,
			TeamID:   ac.TeamID,
			Provider: ac.Provider,
			Model:    ac.Model,
		})
		if err != nil {
			return fmt.Errorf("seed agent %s: %w", ac.Name, err)
		}
		logger.Info("seeded agent", "agent_id", a.ID, "agent", a.Name, "role", a.Role)
	}

	running := make(map[string]bool)
	for _, id := range sup.Running() {
		running[id] = true
	}
	var ids []string
	for _, a := range existing {
		if !running[a.ID] {
			ids = append(ids, a.ID)
		}
	}
	if err := sup.StartAll(ctx, ids); err != nil {
		logger.Warn("some agents failed to start", "err", err)
	}
	logger.Info("agents running", "count", len(sup.Running()))
	return nil
}
