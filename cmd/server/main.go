package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"offline-sync-service/internal/api"
	"offline-sync-service/internal/cache"
	"offline-sync-service/internal/config"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/metrics"
	"offline-sync-service/internal/network"
	"offline-sync-service/internal/remote"
	"offline-sync-service/internal/store"
	"offline-sync-service/internal/sync"
)

func main() {
	defaultPath := os.Getenv(config.EnvPrefix + "_CONFIG")
	if defaultPath == "" {
		defaultPath = "config.yaml"
	}
	var cfgPath string
	flag.StringVar(&cfgPath, "c", defaultPath, "config file path")
	flag.Parse()

	// Load Config
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Init Logger
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting offline sync service")

	// Local store
	localStore, err := store.NewSQLiteStore(store.SQLiteConfig{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout,
		MaxRetries:  cfg.Sync.MaxRetries,
	})
	if err != nil {
		logger.Log.Fatal("Failed to open local store", zap.Error(err))
	}
	defer localStore.Close()

	// Remote backend
	var backend remote.Backend = remote.Unconfigured{}
	if cfg.Remote.Type == "mysql" {
		db, err := remote.NewDatabase(cfg.Remote.MySQL)
		if err != nil {
			logger.Log.Fatal("Failed to init remote database", zap.Error(err))
		}
		defer db.Close()

		mysqlBackend, err := remote.NewMySQLBackend(db, cfg.Remote.Collections)
		if err != nil {
			logger.Log.Fatal("Invalid collection mapping", zap.Error(err))
		}
		backend = mysqlBackend
	}

	// Cache
	cacheCfg := cache.Config{
		MaxSize:    cfg.Cache.MaxSize,
		DefaultTTL: cfg.Cache.DefaultTTL,
	}
	switch cfg.Cache.Persistence {
	case "local":
		cacheCfg.Persister = cache.NewKVPersister(localStore)
	case "redis":
		redisPersister, err := cache.NewRedisPersister(cache.RedisSettings{
			Host:     cfg.Cache.Redis.Host,
			Port:     cfg.Cache.Redis.Port,
			Password: cfg.Cache.Redis.Password,
			Database: cfg.Cache.Redis.Database,
			Prefix:   cfg.Cache.Redis.Prefix,
			Timeout:  cfg.Cache.Redis.Timeout,
		})
		if err != nil {
			logger.Log.Fatal("Failed to init redis cache persistence", zap.Error(err))
		}
		defer redisPersister.Close()
		cacheCfg.Persister = redisPersister
	}
	dataCache := cache.New(cacheCfg)

	metrics.Register(prometheus.DefaultRegisterer)
	metrics.RegisterCache(prometheus.DefaultRegisterer, dataCache.Stats)

	// Init Sync Manager
	syncManager := sync.NewManager(sync.ManagerConfig{
		Sync:                 cfg.Sync,
		CacheCleanupInterval: cfg.Cache.CleanupInterval,
	}, localStore, dataCache, backend)
	if err := syncManager.Start(context.Background()); err != nil {
		logger.Log.Fatal("Failed to start sync manager", zap.Error(err))
	}

	// Connectivity signals
	var watchers []*network.Watcher
	if cfg.Connectivity.ProbeAddress != "" {
		watchers = append(watchers, network.NewProber(cfg.Connectivity.ProbeAddress,
			cfg.Connectivity.ProbeInterval, cfg.Connectivity.ProbeTimeout, syncManager.SetPlatformOnline))
	}
	if cfg.Remote.Type != "none" {
		watchers = append(watchers, network.NewPingWatcher(backend,
			cfg.Remote.PingInterval, cfg.Connectivity.ProbeTimeout, syncManager.SetStorageOnline))
	}
	for _, w := range watchers {
		w.Start()
	}

	// Init API
	handler := api.NewHandler(syncManager, api.Options{
		AuthToken:   cfg.Server.AuthToken,
		CorsOrigins: cfg.Server.CorsOrigins,
	})
	router := handler.Routes()

	// Start Server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Log.Warn("Server shutdown incomplete", zap.Error(err))
	}

	for _, w := range watchers {
		w.Stop()
	}
	syncManager.Stop()
}
