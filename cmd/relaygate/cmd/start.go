package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/relaygate/relaygate/internal/adapter/inbound/http"
	"github.com/relaygate/relaygate/internal/adapter/inbound/ws"
	"github.com/relaygate/relaygate/internal/adapter/outbound/backend"
	"github.com/relaygate/relaygate/internal/adapter/outbound/memory"
	"github.com/relaygate/relaygate/internal/adapter/outbound/notify"
	"github.com/relaygate/relaygate/internal/adapter/outbound/redis"
	"github.com/relaygate/relaygate/internal/adapter/outbound/sqlite"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/domain/auth"
	"github.com/relaygate/relaygate/internal/domain/connection"
	"github.com/relaygate/relaygate/internal/domain/ratelimit"
	"github.com/relaygate/relaygate/internal/domain/router"
	"github.com/relaygate/relaygate/internal/domain/token"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/port/outbound"
	"github.com/relaygate/relaygate/internal/service"
	"github.com/relaygate/relaygate/internal/telemetry"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the broker",
	Long: `Start the relaygate HTTP and WebSocket broker.

HTTP clients call POST /{resource}/{action} (under server.base_path when set).
WebSocket clients connect to server.ws_path and send JSON frames carrying a
"command" field.

Examples:
  # Start with config file settings
  relaygate start

  # Start in development mode (debug logging, ephemeral token secret)
  relaygate start --dev

  # Start with a specific config file
  relaygate --config /path/to/config.yaml start`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (verbose logging, relaxed validation)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load configuration (without validation, so CLI flags can override first)
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := newLogger(cfg)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	return run(ctx, cfg, logger)
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// run wires every component and blocks until ctx is cancelled or the HTTP
// server fails.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "relaygate",
		ServiceVersion: Version,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("failed to flush telemetry", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	tokens, err := token.NewService(cfg.Token.Secret,
		token.WithIssuer(cfg.Token.Issuer),
		token.WithDefaultTTL(config.Duration(cfg.Token.TTL, token.DefaultTTL)),
		token.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to create token service: %w", err)
	}

	client, err := newBackendClient(cfg, m, logger)
	if err != nil {
		return err
	}

	limiter := memory.NewRateLimiterWithConfig(
		config.Duration(cfg.RateLimit.CleanupInterval, 5*time.Minute),
		config.Duration(cfg.RateLimit.MaxTTL, time.Hour),
		logger,
	)
	limiter.StartCleanup(ctx)
	defer limiter.Stop()

	r := router.New()
	service.RegisterRoutes(r, service.NewHandlers(service.HandlersConfig{
		Backend:  client,
		Tokens:   tokens,
		Store:    store,
		TokenTTL: config.Duration(cfg.Token.TTL, token.DefaultTTL),
	}), auth.BearerMiddleware(tokens))

	dispatcher := service.NewDispatcher(service.DispatcherConfig{
		Router:        r,
		Notifier:      newNotifier(cfg),
		NotifyTimeout: config.Duration(cfg.Notify.Timeout, service.DefaultNotifyTimeout),
		Metrics:       m,
		Logger:        logger,
	})
	defer dispatcher.Wait()

	registry := ws.NewRegistry()
	lifecycleCfg := service.LifecycleConfig{
		Store:      store,
		Dispatcher: dispatcher,
		Pusher:     registry,
		Metrics:    m,
		Logger:     logger,
	}
	if cfg.RateLimit.Enabled {
		lifecycleCfg.Limiter = limiter
		lifecycleCfg.FrameLimit = ratelimit.PerMinute(cfg.RateLimit.FrameRate)
	}
	lifecycle := service.NewLifecycleManager(lifecycleCfg)

	origins := cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	wsServer := ws.NewServer(lifecycle, registry,
		ws.WithOriginCheck(func(origin string) bool { return http.OriginAllowed(origins, origin) }),
		ws.WithMaxMessageBytes(cfg.WebSocket.MaxMessageBytes),
		ws.WithKeepalive(
			config.Duration(cfg.WebSocket.PingInterval, ws.DefaultPingInterval),
			config.Duration(cfg.WebSocket.PongWait, ws.DefaultPongWait),
		),
		ws.WithWriteWait(config.Duration(cfg.WebSocket.WriteWait, ws.DefaultWriteWait)),
		ws.WithLogger(logger),
	)

	opts := []http.Option{
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithBasePath(cfg.Server.BasePath),
		http.WithAllowedOrigins(origins),
		http.WithLogger(logger),
		http.WithShutdownTimeout(config.Duration(cfg.Server.ShutdownTimeout, 10*time.Second)),
		http.WithWebSocketHandler(cfg.Server.WSPath, wsServer),
		http.WithMetrics(m, reg),
		http.WithHealthChecker(http.NewHealthChecker(store, limiter, wsServer.Count, Version)),
	}
	if cfg.Server.BroadcastKey != "" {
		opts = append(opts, http.WithBroadcaster(service.NewBroadcastService(store, registry, m, logger), cfg.Server.BroadcastKey))
	}
	if cfg.RateLimit.Enabled {
		opts = append(opts, http.WithRateLimiter(limiter, ratelimit.PerMinute(cfg.RateLimit.IPRate)))
	}
	transport := http.NewHTTPTransport(dispatcher, opts...)

	logger.Info("relaygate starting",
		"version", Version,
		"http_addr", cfg.Server.HTTPAddr,
		"ws_path", cfg.Server.WSPath,
		"store", cfg.Store.Backend,
		"backend", cfg.Backend.BaseURL,
		"dev_mode", cfg.DevMode,
	)

	errCh := make(chan error, 1)
	go func() { errCh <- transport.Start(ctx) }()

	var serveErr error
	select {
	case serveErr = <-errCh:
		// Listener failed before shutdown was requested.
	case <-ctx.Done():
		serveErr = <-errCh
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), config.Duration(cfg.Server.ShutdownTimeout, 10*time.Second))
	defer cancel()
	if err := wsServer.Shutdown(drainCtx); err != nil && !errors.Is(err, ws.ErrServerClosed) {
		logger.Warn("websocket shutdown incomplete", "error", err)
	}

	if serveErr != nil {
		return fmt.Errorf("HTTP server failed: %w", serveErr)
	}
	logger.Info("relaygate stopped")
	return nil
}

// openStore creates the configured connection store and returns its
// release function.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (connection.Store, func(), error) {
	retention := config.Duration(cfg.Store.Retention, connection.DefaultRetention)
	cleanup := config.Duration(cfg.Store.CleanupInterval, time.Minute)

	switch cfg.Store.Backend {
	case config.StoreRedis:
		client, err := redis.NewClient(ctx, redis.Config{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		store := redis.NewConnectionStore(client, cfg.Store.Redis.KeyPrefix, retention, logger)
		return store, func() { _ = client.Close() }, nil

	case config.StoreSQLite:
		store, err := sqlite.Open(ctx, cfg.Store.SQLite.Path, retention, cleanup, logger)
		if err != nil {
			return nil, nil, err
		}
		store.StartCleanup(ctx)
		return store, func() {
			store.Stop()
			_ = store.Close()
		}, nil

	default:
		store := memory.NewConnectionStoreWithConfig(retention, cleanup, logger)
		store.StartCleanup(ctx)
		return store, store.Stop, nil
	}
}

func newBackendClient(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*backend.Client, error) {
	opts := []backend.Option{
		backend.WithTimeout(config.Duration(cfg.Backend.Timeout, 10*time.Second)),
		backend.WithRetries(
			cfg.Backend.MaxRetries,
			config.Duration(cfg.Backend.InitialBackoff, 200*time.Millisecond),
			config.Duration(cfg.Backend.MaxBackoff, 2*time.Second),
		),
		backend.WithMetrics(m),
		backend.WithLogger(logger),
	}
	if cfg.Backend.Breaker.Enabled {
		opts = append(opts, backend.WithBreaker(
			uint32(cfg.Backend.Breaker.MaxFailures),
			config.Duration(cfg.Backend.Breaker.OpenTimeout, 30*time.Second),
		))
	}
	client, err := backend.NewClient(cfg.Backend.BaseURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend client: %w", err)
	}
	return client, nil
}

func newNotifier(cfg *config.Config) outbound.Notifier {
	if cfg.Notify.SlackWebhookURL == "" {
		return notify.Nop{}
	}
	return notify.NewSlackNotifier(
		cfg.Notify.SlackWebhookURL,
		config.Duration(cfg.Notify.Timeout, 5*time.Second),
		notify.WithServiceName("relaygate"),
	)
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
