package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"crosstalk/internal/adapter"
	"crosstalk/internal/api"
	"crosstalk/internal/broadcast"
	"crosstalk/internal/config"
	"crosstalk/internal/event"
	"crosstalk/internal/logging"
	"crosstalk/internal/metrics"
	"crosstalk/internal/session"
	"crosstalk/internal/stream"
	"crosstalk/internal/transfer"
	"crosstalk/internal/version"
)

const httpShutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the settings file")
	envPath := flag.String("env", ".env", "path to the provider key file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		os.Stdout.WriteString("crosstalk " + version.Version + "\n")
		return
	}

	// Provider keys live in the environment; .env is optional.
	_ = godotenv.Load(*envPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("crosstalk: " + err.Error() + "\n")
		os.Exit(1)
	}

	level, ok := logging.ParseLevel(cfg.LogLevel)
	if !ok {
		level = logging.LevelInfo
	}
	logger := logging.New(level)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", map[string]string{"error": err.Error()})
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := adapter.NewRegistry()
	models, err := adapter.LoadCatalog(cfg.Catalog.Path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		logger.Warn("model catalog missing; starting with an empty catalog", map[string]string{
			"path": cfg.Catalog.Path,
		})
	} else {
		registry.SetCatalog(models)
	}

	registerProviders(cfg, registry, logger)

	if cfg.Catalog.Watch {
		watcher, err := adapter.WatchCatalog(cfg.Catalog.Path, registry, logger)
		if err != nil {
			logger.Warn("model catalog watch unavailable", map[string]string{"error": err.Error()})
		} else {
			defer watcher.Close()
		}
	}

	counters := &metrics.Registry{}
	store := session.NewStore(session.StoreOptions{Logger: logger})
	bus := event.NewBus[stream.Event](ctx, event.BusOptions{
		Name:     "stream",
		Registry: counters,
	})
	dispatcher := broadcast.NewDispatcher(broadcast.Options{
		Store:              store,
		Registry:           registry,
		Bus:                bus,
		Metrics:            counters,
		Logger:             logger,
		RequestTimeout:     cfg.RequestTimeout(),
		DefaultTemperature: cfg.Defaults.Temperature,
		DefaultMaxTokens:   cfg.Defaults.MaxTokens,
	})
	engine := transfer.NewEngine(transfer.Options{
		Store:        store,
		Dispatcher:   dispatcher,
		Bus:          bus,
		Metrics:      counters,
		Logger:       logger,
		CollapseRole: session.Role(cfg.Defaults.CollapseRole),
	})

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, api.RouterOptions{
		Store:          store,
		Dispatcher:     dispatcher,
		Engine:         engine,
		Registry:       registry,
		Bus:            bus,
		Metrics:        counters,
		Logger:         logger,
		AuthToken:      cfg.Server.AuthToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	logger.Info("crosstalk listening", map[string]string{
		"addr":      server.Addr,
		"providers": joinProviders(registry),
		"version":   version.Version,
	})

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", map[string]string{"error": err.Error()})
	}
	return nil
}

// registerProviders builds one streaming adapter per configured
// provider. Catalog prices are handed to the adapter so reported cost
// always matches the catalog the request was resolved against.
func registerProviders(cfg config.Config, registry *adapter.Registry, logger *logging.Logger) {
	for _, provider := range cfg.Providers {
		key := provider.APIKey()
		if key == "" && provider.APIKeyEnv != "" {
			logger.Warn("provider key not set", map[string]string{
				"provider": provider.Name,
				"env":      provider.APIKeyEnv,
			})
		}

		prices := make(map[string]float64)
		for _, model := range registry.Models() {
			if model.Provider == provider.Name {
				prices[adapter.BareModelID(model.ID)] = model.CostPer1KTokens
			}
		}

		registry.Register(provider.Name, adapter.NewOpenAI(adapter.OpenAIOptions{
			BaseURL:          provider.BaseURL,
			APIKey:           key,
			Timeout:          provider.Timeout(),
			PricePer1KTokens: prices,
			Logger:           logger,
		}))
		logger.Info("provider registered", map[string]string{
			"provider": provider.Name,
			"base_url": provider.BaseURL,
		})
	}
}

func joinProviders(registry *adapter.Registry) string {
	names := registry.Providers()
	joined := ""
	for i, name := range names {
		if i > 0 {
			joined += ","
		}
		joined += name
	}
	return joined
}
