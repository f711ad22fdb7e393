package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/BoozeLee/conduit/internal/agent/process"
	"github.com/BoozeLee/conduit/internal/common/config"
	"github.com/BoozeLee/conduit/internal/common/logger"
	"github.com/BoozeLee/conduit/internal/common/tracing"
	"github.com/BoozeLee/conduit/internal/events"
	"github.com/BoozeLee/conduit/internal/gateway"
	"github.com/BoozeLee/conduit/internal/orchestrator"
	"github.com/BoozeLee/conduit/internal/repro/replay"
	"github.com/BoozeLee/conduit/internal/repro/tape"
	"github.com/BoozeLee/conduit/internal/session"
	"github.com/BoozeLee/conduit/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func serveCommand() *command {
	return &command{
		name:    "serve",
		usage:   "conduit serve [flags]",
		summary: "Run the orchestrator and the HTTP/WebSocket relay.",
		flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
			configFlags(fs)
			fs.Int("port", 0, "HTTP port")
			fs.String("agent", "", "default backend: claude, codex or gemini")
			fs.String("repro-mode", "", "off, record, replay or replay-then-continue-live")
			fs.Float64("speed", 0, "replay speed factor; 0 replays without delays")
			fs.String("tape", "", "tape to replay (default: the data directory's tape)")
			return fs
		},
		run: func(fs *pflag.FlagSet, _ []string) error {
			cfg, log, err := loadConfig(fs)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			tapePath, _ := fs.GetString("tape")
			if tapePath == "" {
				tapePath = cfg.TapePath()
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, tapePath, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, tapePath string, log *logger.Logger) error {
	log.Info("starting conduit",
		zap.String("data_dir", cfg.DataDir),
		zap.String("repro_mode", cfg.Repro.Mode),
		zap.Bool("tracing", tracing.Enabled()))
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tracing.Shutdown(sctx); err != nil {
			log.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	pool, err := storage.OpenPool(cfg.DBPath())
	if err != nil {
		return err
	}
	defer func() { _ = pool.Close() }()
	store, err := storage.NewSessionStore(pool)
	if err != nil {
		return err
	}
	if n, err := store.MarkAbandoned(ctx); err != nil {
		return fmt.Errorf("mark abandoned sessions: %w", err)
	} else if n > 0 {
		log.Info("sessions from a previous run marked abandoned", zap.Int64("count", n))
	}

	eventBus, closeBus, err := events.Provide(cfg.NATS, log)
	if err != nil {
		return err
	}
	defer closeBus()

	opts := orchestrator.Options{
		Agents:   cfg.Agents,
		Session:  cfg.Session,
		ReadOnly: cfg.Repro.Mode == config.ReproModeReplay,
		Spawner:  session.SupervisorSpawner{Supervisor: process.NewSupervisor(cfg.Session.MaxLineBytes, log)},
		Store:    store,
		Bus:      eventBus,
		Logger:   log,
	}
	if cfg.Repro.Recording() {
		rec, err := tape.Open(cfg.DataDir, nil, log)
		if err != nil {
			return err
		}
		defer func() {
			if err := rec.Close(); err != nil {
				log.Error("failed to close tape", zap.Error(err))
			}
		}()
		opts.Recorder = rec
		log.Info("recording sessions", zap.String("tape", rec.Path()))
	}
	orch, err := orchestrator.New(opts)
	if err != nil {
		return err
	}

	if cfg.Repro.Replaying() {
		go runReplay(ctx, orch, cfg, tapePath, log)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	gw := gateway.New(orch, eventBus, log)
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      gw.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("relay listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down conduit")
	case runErr = <-serveErr:
		log.Error("relay stopped", zap.Error(runErr))
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	gw.Close()
	if err := server.Shutdown(sctx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := orch.Shutdown(sctx); err != nil {
		log.Error("orchestrator shutdown error", zap.Error(err))
	}
	return runErr
}

func runReplay(ctx context.Context, orch *orchestrator.Orchestrator, cfg *config.Config, tapePath string, log *logger.Logger) {
	r := replay.New(replay.OrchestratorTarget{Orchestrator: orch}, replay.Options{
		Speed:        cfg.Repro.Speed,
		ContinueLive: cfg.Repro.Mode == config.ReproModeContinueLive,
		Logger:       log,
	})
	res, err := r.ReplayFile(ctx, tapePath)
	if err != nil {
		log.Error("replay failed", zap.String("tape", tapePath), zap.Error(err))
		return
	}
	log.Info("replay complete",
		zap.Strings("sessions", res.Sessions),
		zap.Int("entries", res.Replayed),
		zap.Bool("continued_live", res.WentLive))
}
