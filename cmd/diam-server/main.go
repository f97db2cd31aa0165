// diam-server keeps clients' document viewports in sync with the
// annotation store over websockets.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"collabtext/diam/internal/bus"
	"collabtext/diam/internal/config"
	"collabtext/diam/internal/diff"
	"collabtext/diam/internal/store"
	"collabtext/diam/internal/syncsvc"
	"collabtext/diam/internal/transport"
	"collabtext/diam/internal/viewport"
)

const serviceType = "_diam._tcp"

var logger = loggo.GetLogger("diam.server")

func main() {
	if err := run(os.Args[1:]); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args, os.Getenv)
	if err != nil {
		return errors.Trace(err)
	}
	if err := loggo.ConfigureLoggers(cfg.LoggingConfig); err != nil {
		return errors.Annotate(err, "configuring logging")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Annotate(err, "connecting to database")
	}
	defer pool.Close()
	docs := store.New(pool)
	if err := docs.Migrate(ctx); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("connected to PostgreSQL")

	broker, closeBroker, err := openBroker(ctx, cfg.RedisAddr)
	if err != nil {
		return errors.Trace(err)
	}
	defer closeBroker()

	hub := transport.NewHub()
	metrics := syncsvc.NewMetrics()
	registry, err := viewport.NewRegistry(viewport.RegistryConfig{
		Clock:       clock.WallClock,
		IdleExpiry:  cfg.IdleExpiry,
		SessionLive: hub.Live,
		OnEvict:     metrics.Evicted,
	})
	if err != nil {
		return errors.Trace(err)
	}
	metrics.TrackRegistry(registry)

	service, err := syncsvc.NewService(syncsvc.Config{
		Registry:   registry,
		Renderer:   docs,
		Publisher:  broker,
		Authorizer: docs,
		Scopes:     docs.Scopes(),
		Differ:     diff.Engine{},
		Topics:     cfg.TopicScheme,
		Metrics:    metrics,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer service.Close()

	sweeper, err := viewport.NewSweeper(viewport.SweeperConfig{
		Registry: registry,
		Clock:    clock.WallClock,
		Interval: cfg.SweepInterval,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = worker.Stop(sweeper) }()

	listener, err := bus.NewEventListener(bus.ListenerConfig{
		Broker:   broker,
		Channel:  cfg.EventsChannel,
		Notifier: service,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = worker.Stop(listener) }()

	server, err := transport.NewServer(transport.Config{
		Service:         service,
		Feeds:           broker,
		Hub:             hub,
		PrincipalHeader: cfg.PrincipalHeader,
	})
	if err != nil {
		return errors.Trace(err)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		metrics,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	httpServer := &http.Server{
		Handler:           transport.NewRouter(server, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return errors.Annotatef(err, "listening on %s", cfg.ListenAddr)
	}
	if cfg.Advertise {
		shutdown, err := advertise(ln.Addr().(*net.TCPAddr).Port)
		if err != nil {
			logger.Warningf("mDNS advertisement failed: %v", err)
		} else {
			defer shutdown()
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(ln)
	}()
	logger.Infof("diam-server listening on %s (%s topics)", ln.Addr(), cfg.TopicScheme)

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	workerDied := make(chan error, 2)
	for _, w := range []worker.Worker{sweeper, listener} {
		go func(w worker.Worker) { workerDied <- w.Wait() }(w)
	}

	var result error
	select {
	case sig := <-exit:
		logger.Infof("signal caught: %v", sig)
	case err := <-serveErr:
		result = errors.Annotate(err, "serving HTTP")
	case err := <-workerDied:
		result = errors.Annotate(err, "worker stopped")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warningf("shutting down HTTP server: %v", err)
		_ = httpServer.Close()
	}
	return result
}

// openBroker connects to Redis, or falls back to an in-process bus when
// no address is configured.
func openBroker(ctx context.Context, addr string) (bus.Broker, func(), error) {
	if addr == "" {
		logger.Infof("no Redis address, running single-node")
		return bus.NewLocal(), func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, errors.Annotatef(err, "connecting to Redis at %s", addr)
	}
	logger.Infof("connected to Redis at %s", addr)
	return bus.NewRedis(rdb), func() { _ = rdb.Close() }, nil
}

func advertise(port int) (func(), error) {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("diam-%s", host),
		serviceType,
		"local.",
		port,
		[]string{"path=/ws"},
		nil,
	)
	if err != nil {
		return nil, errors.Trace(err)
	}
	logger.Infof("advertised %s on port %d", serviceType, port)
	return server.Shutdown, nil
}
