package app

import (
	"context"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"admission-gateway/internal/common/logging"
	"admission-gateway/internal/config"
	"admission-gateway/internal/server"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// Run is the main entry point for the application
func Run() error {
	// Load environment variables
	_ = godotenv.Load()

	if err := logging.InitGlobalLogger(); err != nil {
		return err
	}
	defer logging.MustSync()

	logging.Info("Starting admission gateway",
		logging.Int("cpus", runtime.NumCPU()),
	)

	// Load and validate configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logging.Error("Configuration validation failed", err)
		return err
	}

	app, err := New(cfg, nil)
	if err != nil {
		logging.Error("Failed to initialize application", err)
		return err
	}
	defer app.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		logging.Error("Server failed to start", err)
		return err
	}

	if err := app.Serve(ctx, listener); err != nil {
		logging.Error("Server exited with error", err)
		return err
	}

	logging.Info("Server exited")
	return nil
}

// Serve starts the load monitor and serves HTTP on l until ctx is cancelled
// or the server fails, then shuts the server down gracefully.
func (app *App) Serve(ctx context.Context, l net.Listener) error {
	srv := server.New(app.Handler(), app.Config.Port)

	g, gctx := errgroup.WithContext(ctx)

	app.Monitor.Start(gctx)

	g.Go(func() error {
		app.Logger.Info("Server listening", logging.String("address", l.Addr().String()))
		return srv.Serve(l)
	})

	g.Go(func() error {
		<-gctx.Done()
		app.Logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
