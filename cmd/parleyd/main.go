// Command parleyd serves the turn orchestrator over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/casualjim/parley"
	"github.com/casualjim/parley/artifact"
	"github.com/casualjim/parley/internal/broker"
	"github.com/casualjim/parley/internal/config"
	"github.com/casualjim/parley/internal/httpapi"
	"github.com/casualjim/parley/internal/logging"
	"github.com/casualjim/parley/internal/telemetry"
	"github.com/casualjim/parley/lease"
	"github.com/casualjim/parley/persist"
	"github.com/casualjim/parley/pkg/natsx"
	"github.com/casualjim/parley/pkg/slogx"
	"github.com/casualjim/parley/provider"
	"github.com/casualjim/parley/provider/openai"
	"github.com/casualjim/parley/provider/scripted"
	"github.com/casualjim/parley/streamstore"
	"github.com/casualjim/parley/tool"
	"github.com/gin-gonic/gin"
	_ "github.com/joho/godotenv/autoload"
	"github.com/nats-io/nats.go"
	"github.com/openai/openai-go/option"
	"github.com/redis/go-redis/v9"
)

// DemoModel answers with scripted events and needs no credentials.
const DemoModel = "demo"

func main() {
	configPath := flag.String("config", "", "path to a config file (default: ./parley.yaml if present)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("parleyd failed", slogx.Error(err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg.Log); err != nil {
		return err
	}
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("flush traces", slogx.Error(err))
		}
	}()

	deps, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	docs, err := artifact.NewController(deps.store, artifact.WithSnapshotEvery(cfg.Artifacts.SnapshotEvery))
	if err != nil {
		return err
	}
	tools, err := tool.NewRegistry(docs.Tools()...)
	if err != nil {
		return err
	}
	engine, err := tool.NewEngine(tools, tool.WithTimeout(cfg.Tools.Timeout))
	if err != nil {
		return err
	}

	options := []parley.Option{
		parley.WithTools(tools),
		parley.WithEngine(engine),
		parley.WithHooks(parley.LoggingHook(slog.Default())),
		parley.WithLeaseTTL(cfg.Turn.LeaseTTL),
		parley.WithMaxSteps(cfg.Turn.MaxSteps),
		parley.WithHistoryLimit(cfg.Turn.HistoryLimit),
		parley.WithFlushEvery(cfg.Assembler.FlushEvery),
		parley.WithReapAfter(cfg.Stream.Retention),
	}
	if cfg.Turn.Instructions != "" {
		options = append(options, parley.WithInstructions(cfg.Turn.Instructions))
	}
	if deps.bus != nil {
		options = append(options, parley.WithControlBus(deps.bus))
	}
	orch, err := parley.New(deps.streams, deps.leases, deps.store, models(cfg.OpenAI), options...)
	if err != nil {
		return err
	}

	api, err := httpapi.New(orch, deps.store, docs)
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: api.Router()}

	errc := make(chan error, 1)
	go func() {
		slog.Info("listening", slog.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := orch.Shutdown(sctx); err != nil {
		slog.Warn("stop turns", slogx.Error(err))
	}
	return srv.Shutdown(sctx)
}

// models registers the scripted demo model and, when an api key is
// configured, the OpenAI models.
func models(cfg config.OpenAIConfig) *provider.Registry {
	reg := provider.NewRegistry(provider.NewModel(DemoModel, scripted.New(scripted.Echo)))
	if cfg.APIKey == "" {
		return reg
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	reg.Register(openai.GPT4oMini(opts...))
	reg.Register(openai.GPT4o(opts...))
	return reg
}

type dependencies struct {
	streams streamstore.Store
	leases  lease.Manager
	store   *persist.Gorm
	bus     parley.ControlBus
	closers []io.Closer
}

func (d *dependencies) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			slog.Warn("close dependency", slogx.Error(err))
		}
	}
}

type closeFunc func()

func (f closeFunc) Close() error {
	f()
	return nil
}

// open connects the stores and the control bus. Redis backs streams and
// leases when configured, otherwise they live in memory and the instance
// must run alone. Stopping a turn owned by another instance needs NATS.
func open(ctx context.Context, cfg *config.Config) (*dependencies, error) {
	deps := &dependencies{}
	fail := func(err error) (*dependencies, error) {
		deps.Close()
		return nil, err
	}

	store, err := persist.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fail(err)
	}
	deps.store = store
	if sqlDB, err := store.DB().DB(); err == nil {
		deps.closers = append(deps.closers, sqlDB)
	}

	if cfg.Redis.URL != "" {
		ropts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fail(fmt.Errorf("parse redis url: %w", err))
		}
		client := redis.NewClient(ropts)
		deps.closers = append(deps.closers, client)
		if err := client.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("connect to redis: %w", err))
		}
		streams, err := streamstore.NewRedis(client,
			streamstore.WithKeyPrefix(cfg.Redis.Prefix+"stream:"),
			streamstore.WithRedisRetention(cfg.Stream.Retention),
			streamstore.WithRedisMaxLifetime(cfg.Stream.MaxLifetime),
		)
		if err != nil {
			return fail(err)
		}
		deps.streams = streams
		deps.leases = lease.NewRedis(client, cfg.Redis.Prefix+"lease:")
	} else {
		streams, err := streamstore.NewMemory(
			streamstore.WithRetention(cfg.Stream.Retention),
			streamstore.WithMaxLifetime(cfg.Stream.MaxLifetime),
		)
		if err != nil {
			return fail(err)
		}
		deps.closers = append(deps.closers, streams)
		deps.streams = streams
		deps.leases = lease.NewMemory()
	}

	if cfg.NATS.URL != "" {
		nc, err := natsx.Connect(cfg.NATS.URL)
		if err != nil {
			return fail(fmt.Errorf("connect to nats: %w", err))
		}
		deps.closers = append(deps.closers, closeFunc(func() { drain(nc) }))
		bus, err := broker.Bus[parley.Control](ctx, broker.NATS[parley.Control](nc), parley.ControlTopic)
		if err != nil {
			return fail(err)
		}
		deps.bus = bus
	}
	return deps, nil
}

func drain(nc *nats.Conn) {
	if err := nc.Drain(); err != nil {
		nc.Close()
	}
}
