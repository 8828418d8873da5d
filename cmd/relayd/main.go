package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/basket/relay/internal/bus"
	"github.com/basket/relay/internal/config"
	"github.com/basket/relay/internal/executor"
	"github.com/basket/relay/internal/gateway"
	"github.com/basket/relay/internal/hub"
	otelPkg "github.com/basket/relay/internal/otel"
	"github.com/basket/relay/internal/persistence"
	"github.com/basket/relay/internal/telemetry"
	"github.com/basket/relay/internal/token"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Run the relay daemon

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  RELAY_HOME              Data directory (default: ~/.relayd)
  RELAY_BIND_ADDR         Listen address override
  RELAY_TOKEN_SECRET      Capability token signing secret
  SANDBOX_API_URL         Serverless sandbox runtime endpoint
  SANDBOX_API_TOKEN       Serverless sandbox runtime credential
`)
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		fatalStartup(nil, "E_HOME_CREATE", err)
	}

	logger, logLevel, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	if host, _, herr := net.SplitHostPort(cfg.BindAddr); herr == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	secret, err := loadTokenSecret(cfg)
	if err != nil {
		fatalStartup(logger, "E_TOKEN_SECRET", err)
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	tokens := token.NewService([]byte(secret), cfg.TokenTTL())

	h := hub.New(store, eventBus, logger)
	h.Start(ctx)
	defer h.Stop()

	dispatcher := executor.NewDispatcher(store, metrics, logger)
	if drv, derr := executor.NewContainerDriver(store, eventBus, tokens, metrics, executor.ContainerDriverConfig{
		Image:        cfg.Docker.Image,
		MemoryMB:     cfg.Docker.MemoryMB,
		Network:      cfg.Docker.Network,
		AgentCommand: cfg.Docker.AgentCommand,
		Workdir:      cfg.Docker.Workdir,
		RelayBaseURL: cfg.RelayBaseURL,
		GitProxyURL:  cfg.GitProxyURL,
	}, logger); derr != nil {
		logger.Warn("docker driver unavailable; docker sessions cannot spawn", "error", derr)
	} else {
		dispatcher.Register(persistence.EnvironmentDocker, drv)
	}
	if cfg.Serverless.BaseURL != "" {
		dispatcher.Register(persistence.EnvironmentServerless, executor.NewServerlessDriver(store, tokens, metrics, executor.ServerlessDriverConfig{
			BaseURL:       cfg.Serverless.BaseURL,
			Token:         cfg.Serverless.Token,
			BaseImage:     cfg.Serverless.BaseImage,
			ExecTimeoutMS: cfg.Serverless.ExecTimeoutMS,
			AgentCommand:  cfg.Serverless.AgentCommand,
			Workdir:       cfg.Serverless.Workdir,
			RelayBaseURL:  cfg.RelayBaseURL,
			GitProxyURL:   cfg.GitProxyURL,
		}, logger))
	} else {
		logger.Info("serverless runtime not configured; serverless sessions cannot spawn")
	}

	reaper, err := executor.NewReaper(executor.ReaperConfig{
		Store:      store,
		Dispatcher: dispatcher,
		Logger:     logger,
		Schedule:   cfg.Reaper.Schedule,
		IdleAfter:  cfg.IdleAfter(),
	})
	if err != nil {
		fatalStartup(logger, "E_REAPER_INIT", err)
	}
	reaper.Start(ctx)
	defer reaper.Stop()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			newCfg, lerr := config.Load()
			if lerr != nil {
				logger.Error("config reload failed; retaining previous config", "error", lerr)
				continue
			}
			// Only log level and the reaper threshold are hot-reloadable;
			// everything else needs a restart.
			logLevel.Set(telemetry.ParseLevel(newCfg.LogLevel))
			reaper.SetIdleAfter(newCfg.IdleAfter())
			logger.Info("config hot-reloaded", "log_level", newCfg.LogLevel, "idle_after_minutes", newCfg.Reaper.IdleAfterMinutes)
		}
	}()

	gw := gateway.New(gateway.Config{
		Store:             store,
		Hub:               h,
		Tokens:            tokens,
		Spawner:           dispatcher,
		Metrics:           metrics,
		Logger:            logger,
		AllowOrigins:      cfg.AllowOrigins,
		PendingFlushDelay: cfg.PendingFlushDelay(),
	})

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND",
				fmt.Errorf("%w\n\n  Another process is using %s. Stop it first or change bind_addr in config.yaml.", err, cfg.BindAddr))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "client_ws", "/ws/client/{tag}", "ingress_ws", "/ws/ingress/{tag}")
		if serr := server.Serve(ln); serr != nil && serr != http.ErrServerClosed {
			serverErr <- serr
		}
	}()
	if isatty.IsTerminal(os.Stderr.Fd()) {
		fmt.Fprintf(os.Stderr, "relayd %s listening on %s (home %s)\n", Version, cfg.BindAddr, cfg.HomeDir)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first; the deferred reaper/hub/store teardown follows.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"relayd","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// loadTokenSecret resolves the capability token signing secret: config or
// environment first, then a generated secret persisted on first run so
// restarts do not invalidate outstanding tokens.
func loadTokenSecret(cfg *config.Config) (string, error) {
	if s := strings.TrimSpace(cfg.TokenSecret); s != "" {
		return s, nil
	}
	secretPath := filepath.Join(cfg.HomeDir, "token.secret")
	if b, err := os.ReadFile(secretPath); err == nil {
		if s := strings.TrimSpace(string(b)); s != "" {
			return s, nil
		}
	}
	secret := uuid.NewString() + uuid.NewString()
	if err := os.WriteFile(secretPath, []byte(secret+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist token secret: %w", err)
	}
	slog.Info("token.secret generated", "path", secretPath)
	return secret, nil
}
