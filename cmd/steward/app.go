package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/steward-sh/steward/pkg/approval"
	"github.com/steward-sh/steward/pkg/audit"
	"github.com/steward-sh/steward/pkg/config"
	"github.com/steward-sh/steward/pkg/cycle"
	"github.com/steward-sh/steward/pkg/dispatch"
	"github.com/steward-sh/steward/pkg/engine"
	"github.com/steward-sh/steward/pkg/limiter"
	"github.com/steward-sh/steward/pkg/plan"
	"github.com/steward-sh/steward/pkg/render"
	"github.com/steward-sh/steward/pkg/store"
	"github.com/steward-sh/steward/pkg/watcher"
)

// watcherIntake throttles how fast any one watcher may file plans.
var watcherIntake = limiter.Policy{RPM: 60, Burst: 10, TTLSeconds: 600}

// app holds the wired component graph shared by every subcommand.
type app struct {
	cfg          *config.Config
	store        store.Store
	auditLog     audit.Log
	recorder     *audit.Recorder
	limiter      limiter.Store
	renderer     *render.Renderer
	registry     *dispatch.Registry
	validator    *dispatch.PayloadValidator
	engine       *engine.Engine
	orchestrator *cycle.Orchestrator
	gate         *approval.Gate
	runners      []*watcher.Runner
	closers      []func() error
}

// newApp builds the component graph from environment configuration.
func newApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	setupLogging(cfg.LogLevel)

	if err := a.openStore(); err != nil {
		return nil, err
	}
	if err := a.openAudit(); err != nil {
		a.Close()
		return nil, err
	}
	a.recorder = audit.NewRecorder(a.auditLog)

	if cfg.RedisAddr != "" {
		a.limiter = limiter.NewRedisStore(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0)
	} else {
		a.limiter = limiter.NewLocalStore()
	}

	a.renderer = render.New(cfg.RenderDir)

	validator, err := dispatch.LoadSchemaDir(envOr("SCHEMA_DIR", "schemas"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load payload schemas: %w", err)
	}
	a.validator = validator

	a.registry = dispatch.NewRegistry()
	if err := a.registerExecutors(); err != nil {
		a.Close()
		return nil, err
	}

	a.engine = engine.New(a.store, a.recorder, a.registry, a.validator, engine.Config{
		AttemptTimeout: cfg.AttemptTimeout,
		WaitTimeout:    cfg.WaitTimeout,
	})

	var policy *approval.Policy
	if cfg.ApprovalPolicy != "" {
		policy, err = approval.NewPolicy(cfg.ApprovalPolicy)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("approval policy: %w", err)
		}
	}
	if cfg.ApprovalKey != "" {
		verifier, err := approval.NewJWTVerifier([]byte(cfg.ApprovalKey))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.gate = approval.NewGate(a.store, a.recorder, verifier, policy, a.renderer)
	}

	units, unitTimeout, err := a.buildUnits()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.orchestrator = cycle.New(a.store, a.recorder, units, unitTimeout)

	return a, nil
}

func (a *app) openStore() error {
	switch a.cfg.DatabaseDriver {
	case "sqlite":
		s, err := store.OpenSQLite(a.cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		a.store = s
		a.closers = append(a.closers, s.Close)
	case "postgres":
		if a.cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
		db, err := sql.Open("postgres", a.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		s, err := store.NewPostgresStore(db)
		if err != nil {
			_ = db.Close()
			return fmt.Errorf("init postgres store: %w", err)
		}
		a.store = s
		a.closers = append(a.closers, db.Close)
	default:
		return fmt.Errorf("unknown database driver %q", a.cfg.DatabaseDriver)
	}
	return nil
}

// openAudit keeps the hash-chained audit log in a local sqlite file
// regardless of the plan store driver. The chain is an append-only
// local artifact; export moves it to object storage.
func (a *app) openAudit() error {
	path := envOr("AUDIT_SQLITE_PATH", "steward_audit.db")
	log, err := audit.OpenSQLite(path)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	a.auditLog = log
	a.closers = append(a.closers, log.Close)
	return nil
}

// registerExecutors wires a subprocess executor per channel from
// EXECUTOR_<CHANNEL> env vars, e.g. EXECUTOR_MAIL="send-mail --live".
func (a *app) registerExecutors() error {
	channels := []plan.Channel{
		plan.ChannelMail, plan.ChannelSocial, plan.ChannelForum,
		plan.ChannelChat, plan.ChannelERP,
	}
	for _, ch := range channels {
		raw := os.Getenv("EXECUTOR_" + strings.ToUpper(string(ch)))
		if raw == "" {
			continue
		}
		exec, err := dispatch.NewSubprocessExecutor(strings.Fields(raw), a.cfg.AttemptTimeout)
		if err != nil {
			return fmt.Errorf("executor for channel %s: %w", ch, err)
		}
		a.registry.Register(ch, exec)
	}
	return nil
}

// buildUnits assembles the cycle sequence: profile watchers first so
// fresh observations enter the same pass, then refresh, report, drain
// and the sweeps, plus any profile-declared command units.
func (a *app) buildUnits() ([]cycle.Unit, time.Duration, error) {
	var profile *config.CycleProfile
	if path := os.Getenv("CYCLE_PROFILE"); path != "" {
		var err error
		profile, err = config.LoadCycleProfile(path)
		if err != nil {
			return nil, 0, err
		}
	}

	var units []cycle.Unit
	if profile != nil {
		for _, pw := range profile.Watchers {
			w, err := watcher.NewSubprocessWatcher(pw.Name, pw.Argv, a.cfg.UnitTimeout)
			if err != nil {
				return nil, 0, err
			}
			r := watcher.NewRunner(w, a.store, a.recorder, a.limiter, watcherIntake, a.validator, a.renderer)
			a.runners = append(a.runners, r)
			units = append(units, r)
		}
	}

	retention := time.Duration(a.cfg.ArchiveAfterDays) * 24 * time.Hour
	units = append(units,
		cycle.RefreshUnit(a.store, a.recorder, time.Now),
		cycle.ReportUnit(a.store),
		cycle.DrainUnit(a.store, a.engine),
		cycle.ReapUnit(a.engine),
		cycle.ArchiveUnit(a.store, retention, time.Now),
	)

	unitTimeout := a.cfg.UnitTimeout
	if profile != nil {
		if profile.UnitTimeout > 0 {
			unitTimeout = profile.UnitTimeout.Std()
		}
		for _, pu := range profile.Units {
			u, err := cycle.NewCommandUnit(pu.Name, pu.Argv)
			if err != nil {
				return nil, 0, err
			}
			units = append(units, u)
		}
	}
	return units, unitTimeout, nil
}

// Close releases everything the app opened, last-opened first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
