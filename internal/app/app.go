// Package app wires the process once at startup: database, bus subscribers,
// lifecycle engine, escalation pipeline and optional external services. Every
// bus handler is registered before the bus is sealed, so nothing can publish
// before its subscribers exist.
package app

import (
	"context"
	"database/sql"
	"log/slog"

	"dutyline/internal/bus"
	"dutyline/internal/config"
	"dutyline/internal/db"
	"dutyline/internal/engine"
	"dutyline/internal/events"
	"dutyline/internal/ledger"
	"dutyline/internal/migrate"
	"dutyline/internal/notify"
	"dutyline/internal/pipeline"
	"dutyline/internal/repo"
	"dutyline/internal/storage"
)

type App struct {
	DB       *sql.DB
	Config   *config.Config
	Bus      *bus.Bus
	Engine   engine.Engine
	Pipeline pipeline.Pipeline
	Ledger   ledger.Ledger
	Sender   notify.Sender
	Store    *storage.ProofStore
	Log      *slog.Logger

	discord *notify.Discord
}

type Options struct {
	Workspace    string
	DiscordToken string
	Logger       *slog.Logger
}

func New(ctx context.Context, opts Options) (*App, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}

	a := &App{DB: conn, Config: cfg, Log: log}
	r := repo.Repo{DB: conn}

	a.Bus = bus.New()
	audit := events.Writer{DB: conn}
	if err := a.Bus.SubscribeAll(audit.Handler()); err != nil {
		conn.Close()
		return nil, err
	}
	a.Ledger = ledger.New(r)
	if err := ledger.Register(a.Bus, a.Ledger); err != nil {
		conn.Close()
		return nil, err
	}
	if cfg.Notify.Enabled && opts.DiscordToken != "" {
		d, err := notify.NewDiscord(opts.DiscordToken)
		if err != nil {
			conn.Close()
			return nil, err
		}
		a.discord = d
		a.Sender = d
		if err := notify.Register(a.Bus, a.Sender, cfg); err != nil {
			conn.Close()
			return nil, err
		}
	}
	a.Bus.Seal()

	a.Engine = engine.New(conn, a.Bus, cfg)
	a.Engine.Log = log
	a.Pipeline = pipeline.New(a.Engine, a.Sender, cfg)
	a.Pipeline.Log = log

	if cfg.Storage.Bucket != "" {
		store, err := storage.New(ctx, cfg)
		if err != nil {
			log.Warn("proof storage unavailable", "err", err)
		} else {
			a.Store = store
		}
	}
	return a, nil
}

func (a *App) Close() error {
	if a.discord != nil {
		_ = a.discord.Close()
	}
	return a.DB.Close()
}
