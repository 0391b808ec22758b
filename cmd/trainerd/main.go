// Command trainerd is the daemon that tracks training, tagging and download
// processes as jobs and serves job status and log streams over HTTP and
// WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mlforge/trainerd/internal/broadcast"
	"github.com/mlforge/trainerd/internal/jobs"
	"github.com/mlforge/trainerd/internal/jobs/logparse"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err.Error())
		os.Exit(1)
	}
}

func run() error {
	cfg := parseFlags()

	if err := cfg.validate(); err != nil {
		return err
	}

	fileCfg, err := loadFileConfig(cfg.configPath)
	if err != nil {
		return err
	}

	commands, err := fileCfg.commands()
	if err != nil {
		return err
	}

	patterns, err := logparse.Compile(fileCfg.Patterns)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.debug {
		level = slog.LevelDebug
	}

	baseHandler := slog.NewTextHandler(
		os.Stderr,
		&slog.HandlerOptions{Level: level},
	)

	// The broadcaster gets the plain handler: feeding its own log records
	// back through its queue would re-enter the queue mutex mid-broadcast.
	broadcaster := broadcast.New(slog.New(baseHandler))

	// Everything else logs through the broadcast handler so operational log
	// consumers on /api/logs see the daemon's records too.
	logger := slog.New(broadcast.NewLogHandler(baseHandler, broadcaster))

	manager := jobs.NewManager(
		logger,
		jobs.WithPatterns(patterns),
		jobs.WithLogCapacity(fileCfg.LogCapacity),
	)

	srv := newServer(
		manager,
		broadcaster,
		logger,
		commands,
		fileCfg.AllowedOrigins,
	)

	listener, err := net.Listen("tcp", net.JoinHostPort(cfg.host, cfg.port))
	if err != nil {
		return fmt.Errorf("listen on %s:%s: %w", cfg.host, cfg.port, err)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		os.Interrupt,
	)
	defer stop()

	logger.Info("trainerd listening", "addr", listener.Addr().String())

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.start(listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		if err := broadcaster.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			shutdownTimeout,
		)
		defer cancel()

		if err := srv.shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown http server", "err", err)
		}

		manager.Shutdown()

		return nil
	})

	return g.Wait()
}
