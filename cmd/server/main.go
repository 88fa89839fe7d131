/*
Package main runs the finstream server.

The server polls an upstream transaction feed, keeps rolling windows of the
most recent events, recommends charts for the chart window and pushes every
update to websocket subscribers. A small HTTP API starts, stops and tunes the
stream, and a gRPC health service reports whether the feed is reachable.

Usage:

	go run ./cmd/server -config=finstream.yaml -addr=:8080 -autostream

Without a config file the server streams synthetic PaySim-shaped rows from an
in-memory feed.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"finstream/internal/config"
	"finstream/internal/cursor"
	"finstream/internal/feed"
	"finstream/internal/logger"
	"finstream/internal/service"
	"finstream/internal/stream"
	"finstream/internal/web"
)

// Command-line flags override the config file and environment.
var (
	configPath = flag.String("config", "", "Path to a YAML config file")
	addr       = flag.String("addr", "", "HTTP listen address")
	grpcAddr   = flag.String("grpc-addr", "", "gRPC health listen address; empty disables it")
	logLevel   = flag.String("log-level", "", "Log level (trace, debug, info, warn, error)")
	autoStream = flag.Bool("autostream", false, "Start streaming as soon as the server is up")
)

const healthPollInterval = 2 * time.Second

func main() {
	flag.Parse()

	// console logging until the configured logger is installed
	if err := logger.Setup("info", true); err != nil {
		panic(err)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := logger.Setup(cfg.Server.LogLevel, cfg.Server.Pretty); err != nil {
		log.Fatal().Err(err).Msg("invalid log level")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upstream, live, closeFeed, err := openFeed(ctx, cfg.Feed)
	if err != nil {
		log.Fatal().Err(err).Str("kind", cfg.Feed.Kind).Msg("failed to open feed")
	}
	defer closeFeed()

	streamService, err := newStreamService(cfg, upstream, live)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initiate stream service")
	}

	if err := streamService.Start(ctx, cfg.Server.AutoStream); err != nil {
		log.Fatal().Err(err).Msg("failed to start stream service")
	}
	defer streamService.Stop()

	httpServer := web.NewServer(cfg.Server.Addr, streamService)

	var grpcServer *grpc.Server
	if cfg.Server.GRPCAddr != "" {
		grpcServer, err = serveHealth(ctx, cfg.Server.GRPCAddr, streamService)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start health server")
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("initiating graceful shutdown")

		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer done()

		cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown incomplete")
		}
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
	}()

	log.Info().
		Str("addr", cfg.Server.Addr).
		Str("grpc_addr", cfg.Server.GRPCAddr).
		Str("feed", cfg.Feed.Kind).
		Str("live", cfg.Feed.Live).
		Dur("interval", cfg.Stream.Interval).
		Bool("autostream", cfg.Server.AutoStream).
		Msg("server starting")

	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("failed to serve")
	}
}

// loadConfig reads the config file and environment, then applies flags that
// were set explicitly.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Server.Addr = *addr
		case "grpc-addr":
			cfg.Server.GRPCAddr = *grpcAddr
		case "log-level":
			cfg.Server.LogLevel = *logLevel
		case "autostream":
			cfg.Server.AutoStream = *autoStream
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newStreamService(cfg *config.Config, upstream cursor.Feed, live stream.LiveSource) (*service.StreamService, error) {
	controllerCfg, err := cfg.Stream.Controller()
	if err != nil {
		return nil, err
	}

	dispatcher := service.NewDispatcher(service.DispatcherConfig{
		MaxTopicsAllowed: cfg.Server.MaxTopics,
		BufferSize:       cfg.Server.SubscriberBuffer,
	})

	opts := []stream.Option{stream.WithPublisher(dispatcher)}
	if live != nil {
		opts = append(opts, stream.WithLiveSource(live))
	}

	controller, err := stream.NewController(controllerCfg, upstream, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create controller: %w", err)
	}

	return service.NewStreamService(dispatcher, controller), nil
}

// openFeed connects the configured backend and live source. The returned
// func releases the backend.
func openFeed(ctx context.Context, cfg feed.Config) (cursor.Feed, stream.LiveSource, func(), error) {
	var (
		upstream cursor.Feed
		live     stream.LiveSource
		closeFn  = func() {}
	)

	switch cfg.Kind {
	case feed.KindMemory:
		mem := feed.NewMemory()
		if cfg.Synthetic.Enabled {
			gen := newGenerator(cfg.Synthetic)
			mem.Insert(gen.Rows(cfg.Synthetic.Preload)...)
			if cfg.Synthetic.Every > 0 && cfg.Synthetic.Batch > 0 {
				go gen.Run(ctx, mem, cfg.Synthetic.Every, cfg.Synthetic.Batch)
			}
		}
		upstream = mem
		if cfg.Live == feed.LiveMemory {
			live = mem
		}

	case feed.KindSQLite:
		f, err := feed.OpenSQLite(ctx, cfg.DSN, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		if cfg.Synthetic.Enabled {
			if err := seedSQLite(ctx, f, cfg.Synthetic); err != nil {
				f.Close()
				return nil, nil, nil, err
			}
		}
		upstream, closeFn = f, func() { f.Close() }

	case feed.KindPostgres:
		f, err := feed.OpenPostgres(ctx, cfg.DSN, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		upstream, closeFn = f, f.Close
		if cfg.Live == feed.LivePostgres {
			live = f
		}

	case feed.KindClickHouse:
		f, err := feed.OpenClickHouse(ctx, cfg.DSN, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		upstream, closeFn = f, func() { f.Close() }

	default:
		return nil, nil, nil, fmt.Errorf("%w: unknown feed kind %q", feed.ErrInvalidConfig, cfg.Kind)
	}

	switch cfg.Live {
	case feed.LiveWebsocket:
		live = feed.NewWebsocketSource(cfg.LiveEndpoint, cfg.LiveToken)
	case feed.LiveAMQP:
		live = feed.NewAMQPSource(cfg.AMQP)
	}

	return upstream, live, closeFn, nil
}

func newGenerator(s feed.SyntheticSettings) *feed.Synthetic {
	gc := feed.DefaultSyntheticConfig()
	if s.Seed != 0 {
		gc.Seed = s.Seed
	}
	gc.FraudRate = s.FraudRate
	// backdate the preload so generated rows keep advancing past now
	gc.Start = gc.Start.Add(-time.Duration(s.Preload) * gc.Step)
	return feed.NewSynthetic(gc)
}

// seedSQLite fills an empty table with synthetic rows and keeps appending in
// the background.
func seedSQLite(ctx context.Context, f *feed.SQLFeed, s feed.SyntheticSettings) error {
	n, err := f.Count(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Info().Int64("rows", n).Msg("sqlite feed already populated, skipping synthetic data")
		return nil
	}

	gen := newGenerator(s)
	if err := f.Insert(ctx, gen.Rows(s.Preload)...); err != nil {
		return fmt.Errorf("failed to seed sqlite feed: %w", err)
	}
	if s.Every <= 0 || s.Batch <= 0 {
		return nil
	}

	go func() {
		ticker := time.NewTicker(s.Every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := f.Insert(ctx, gen.Rows(s.Batch)...); err != nil && !errors.Is(err, context.Canceled) {
					log.Warn().Err(err).Msg("failed to append synthetic rows")
				}
			}
		}
	}()
	return nil
}

// serveHealth exposes grpc.health.v1 and keeps it in step with the stream.
func serveHealth(ctx context.Context, addr string, svc *service.StreamService) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			Time:              20 * time.Second,
			Timeout:           10 * time.Second,
		}),
	)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, healthServer)

	go func() {
		ticker := time.NewTicker(healthPollInterval)
		defer ticker.Stop()

		last := grpc_health_v1.HealthCheckResponse_UNKNOWN
		for {
			status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
			if svc.Healthy() {
				status = grpc_health_v1.HealthCheckResponse_SERVING
			}
			if status != last {
				healthServer.SetServingStatus("", status)
				healthServer.SetServingStatus("finstream.Stream", status)
				log.Info().Str("status", status.String()).Msg("health status changed")
				last = status
			}

			select {
			case <-ctx.Done():
				healthServer.Shutdown()
				return
			case <-ticker.C:
			}
		}
	}()

	go func() {
		log.Info().Str("addr", addr).Msg("grpc health server starting")
		if err := s.Serve(lis); err != nil {
			log.Error().Err(err).Msg("grpc health server stopped")
		}
	}()
	return s, nil
}
