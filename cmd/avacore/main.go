// Package main is the entry point for the avacore service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/howard-nolan/avacore/internal/config"
	"github.com/howard-nolan/avacore/internal/dispatch"
	"github.com/howard-nolan/avacore/internal/logger"
	"github.com/howard-nolan/avacore/internal/metrics"
	"github.com/howard-nolan/avacore/internal/server"
	"github.com/howard-nolan/avacore/internal/telemetry"
)

func main() {
	os.Exit(run())
}

// run wires everything together and blocks until the server stops. The
// return value is the process exit code: 0 after a clean shutdown, 1 if the
// service could not start or stopped on an error.
func run() int {
	// Step 1: Configuration. Nothing is logged before this because the log
	// level comes from it.
	cfg, err := config.Load(config.Path())
	if err != nil {
		fmt.Fprintf(os.Stderr, "avacore: failed to load config: %v\n", err)
		return 1
	}

	log := logger.New(cfg.Log.Level)
	if cfg.SecretGenerated {
		log.Warn().Msg("SECRET_KEY not set, generated a random one; sessions will not survive a restart")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Step 2: Tracing. Export only happens when an OTLP endpoint is set;
	// failing to set it up is not a reason to refuse traffic.
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		log.Error().Err(err).Msg("tracing disabled")
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("shutting down tracing")
			}
		}()
	}

	// Step 3: Providers and the dispatcher.
	m := metrics.New()

	descs, err := cfg.Descriptors(http.DefaultClient)
	if err != nil {
		log.Error().Err(err).Msg("building providers")
		return 1
	}

	d, err := dispatch.New(descs,
		dispatch.WithLogger(log),
		dispatch.WithMetrics(m),
		dispatch.WithCredentialVars(config.CredentialEnvVars()...),
	)
	if err != nil {
		log.Error().Err(err).Msg("building dispatcher")
		return 1
	}
	logProviders(log, d)

	// Step 4: The dashboard directory has to be there before we accept
	// traffic, otherwise "/" would 404 forever.
	if err := checkStaticDir(cfg.Server.StaticDir); err != nil {
		log.Error().Err(err).Msg("static directory unusable")
		return 1
	}

	// Step 5: Bind. Listening separately from Serve turns "address in use"
	// into a startup error instead of a failure inside the serve goroutine.
	ln, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		log.Error().Err(err).Str("addr", cfg.Server.Addr()).Msg("failed to bind")
		return 1
	}

	srv := server.New(cfg, d, server.WithLogger(log), server.WithMetrics(m))
	httpServer := &http.Server{
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 6: Serve until a signal arrives, then drain.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", ln.Addr().String()).Msg("avacore listening")
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Shutdown doesn't know about hijacked socket connections.
		srv.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped")
		return 1
	}

	log.Info().Msg("server stopped")
	return 0
}

// checkStaticDir makes sure dir exists, is a directory and can be listed.
func checkStaticDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	if _, err := os.ReadDir(dir); err != nil {
		return err
	}
	return nil
}

// logProviders prints one line per slot so an operator can see at a glance
// which providers will be tried, and in what order.
func logProviders(log zerolog.Logger, d *dispatch.Dispatcher) {
	for i, p := range d.Providers() {
		log.Info().
			Int("order", i+1).
			Str("provider", p.Name).
			Str("model", p.Model).
			Bool("available", p.Available).
			Msg("provider slot")
	}
	if !d.Ready() {
		log.Warn().Strs("set_one_of", config.CredentialEnvVars()).Msg("no chat providers configured; chat requests will fail with NO_PROVIDERS")
	}
}
