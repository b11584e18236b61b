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

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hostdeck/hostdeck/internal/activity"
	"github.com/hostdeck/hostdeck/internal/api"
	"github.com/hostdeck/hostdeck/internal/auth"
	"github.com/hostdeck/hostdeck/internal/config"
	"github.com/hostdeck/hostdeck/internal/executor"
	"github.com/hostdeck/hostdeck/internal/logging"
	"github.com/hostdeck/hostdeck/internal/session"
	"github.com/hostdeck/hostdeck/internal/websocket"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the console server (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

// server holds the wired components of a running console.
type server struct {
	cfg        *config.Config
	tokens     *auth.TokenService
	activities *activity.Registry
	sessions   *session.Registry
	executor   *executor.Service
	ws         *websocket.Handler
	router     *api.Router
}

func newServer(cfg *config.Config) (*server, error) {
	tokens, err := auth.NewTokenService(cfg.TokenSecret, cfg.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("token service: %w", err)
	}

	operations, err := config.LoadOperations(cfg.OperationsFile)
	if err != nil {
		return nil, fmt.Errorf("load operations: %w", err)
	}

	activities := activity.NewRegistry(activity.WithHistorySize(cfg.HistorySize))
	sessions := session.NewRegistry(activities)
	activities.SetNotifier(sessions)

	svc := executor.NewService(activities, sessions)
	svc.SetSudoTimeout(cfg.CurrentSudoTimeout())

	commands := executor.NewCommandRunner(operations)
	for _, name := range operations.Types() {
		t := activity.Type(name)
		if !t.Valid() || t == activity.TypeDeployment {
			log.Warn().Str("operation", name).Msg("Ignoring operation with unknown activity type")
			continue
		}
		svc.Register(t, commands)
	}
	svc.Register(activity.TypeDeployment, executor.NewDeployRunner())

	ws := websocket.NewHandler(activities, sessions, cfg.AllowedOrigins)
	router := api.NewRouter(api.Options{
		Tokens:     tokens,
		Verifier:   auth.NewStaticVerifier(cfg.AuthUser, cfg.AuthPass),
		Activities: activities,
		Sessions:   sessions,
		Executor:   svc,
		WebSocket:  ws,
		Version:    Version,
	})

	return &server{
		cfg:        cfg,
		tokens:     tokens,
		activities: activities,
		sessions:   sessions,
		executor:   svc,
		ws:         ws,
		router:     router,
	}, nil
}

// shutdown aborts the running operation first so attached observers receive
// its end event, then closes the remaining connections.
func (s *server) shutdown(ctx context.Context) {
	s.router.Stop()
	if err := s.executor.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Running operation did not stop before shutdown deadline")
	}
	s.ws.Hub().CloseAll()
	s.sessions.CloseAll()
}

func runServer(ctx context.Context) error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "hostdeck",
	})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "hostdeck",
	})

	srv, err := newServer(cfg)
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher, err := config.NewConfigWatcher(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher, .env changes will require restart")
	} else {
		watcher.OnChange(func(settings config.RuntimeSettings) {
			logging.SetGlobalLevel(settings.LogLevel)
			srv.executor.SetSudoTimeout(settings.SudoTimeout)
			log.Info().
				Str("log_level", settings.LogLevel).
				Dur("sudo_timeout", settings.SudoTimeout).
				Msg("Applied runtime configuration")
		})
		if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		}
		defer watcher.Stop()
	}

	// ReadHeaderTimeout only; a connection deadline would outlive the
	// WebSocket upgrade and cut long-lived streams.
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", httpServer.Addr).Str("version", Version).Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if addr := cfg.MetricsAddr(); addr != "" {
		metricsServer := newMetricsServer(addr)
		g.Go(func() error {
			return serveMetrics(gctx, metricsServer)
		})
	}

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-hup:
				log.Info().Msg("Received SIGHUP, reloading configuration")
				if watcher != nil {
					watcher.ReloadConfig()
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		srv.shutdown(shutdownCtx)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Server stopped")
	return err
}
