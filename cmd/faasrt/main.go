package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"faasrt/internal/admin"
	"faasrt/internal/admission"
	"faasrt/internal/artifact"
	"faasrt/internal/common/cache"
	"faasrt/internal/common/db"
	"faasrt/internal/common/mq"
	"faasrt/internal/common/storage"
	"faasrt/internal/invocation"
	"faasrt/internal/runtime/engine"
	"faasrt/pkg/utils/logger"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const defaultConfigPath = "configs/faasrt.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "faasrt exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func run(appCfg *AppConfig) error {
	ctx := context.Background()

	if err := applyLockdown(appCfg.Security); err != nil {
		return fmt.Errorf("apply lockdown: %w", err)
	}

	var (
		redisCache *cache.RedisCache
		statusRepo *invocation.StatusCache
		historyDB  invocation.Repository
		objStore   storage.ObjectStorage
		sinks      []engine.Sink
	)

	if appCfg.Redis.Enabled {
		rc, err := cache.NewRedisCacheWithConfig(&appCfg.Redis.Client)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		defer func() {
			_ = rc.Close()
		}()
		redisCache = rc
		statusRepo = invocation.NewStatusCache(redisCache, appCfg.Redis.StatusTTL, appCfg.Redis.RecentLen)
		sinks = append(sinks, statusRepo)
	}

	if appCfg.MySQL.Enabled {
		mysqlDB, err := db.NewMySQLWithConfig(&appCfg.MySQL.Database)
		if err != nil {
			return fmt.Errorf("init mysql: %w", err)
		}
		defer func() {
			_ = mysqlDB.Close()
		}()
		repo := invocation.NewMySQLRepository(mysqlDB)
		if appCfg.MySQL.EnsureSchema {
			if err := repo.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("ensure invocation schema: %w", err)
			}
		}
		historyDB = repo
		sinks = append(sinks, repo)
	}

	if appCfg.Kafka.Enabled {
		producer, err := mq.NewKafkaProducer(appCfg.Kafka.toMQConfig())
		if err != nil {
			return fmt.Errorf("init kafka: %w", err)
		}
		// closed by the engine's event dispatcher
		sinks = append(sinks, invocation.NewPublisher(producer, appCfg.Kafka.Topic))
	}

	if appCfg.Storage.Enabled {
		minioStore, err := storage.NewMinIOStorage(appCfg.Storage.MinIO)
		if err != nil {
			return fmt.Errorf("init minio: %w", err)
		}
		objStore = minioStore
	}

	loader, err := artifact.NewLoader(appCfg.Artifacts, objStore)
	if err != nil {
		return fmt.Errorf("init artifact loader: %w", err)
	}
	defer func() {
		if err := loader.Close(context.Background()); err != nil {
			logger.Warn(context.Background(), "close artifact loader failed", zap.Error(err))
		}
	}()

	auth, err := admin.NewAuthenticator(appCfg.Auth)
	if err != nil {
		return fmt.Errorf("init admin auth: %w", err)
	}

	engCfg := appCfg.engineConfig()
	engCfg.Sinks = sinks
	if appCfg.Admission.Enabled {
		engCfg.Admission = admission.NewLimiter(redisCache, appCfg.Admission.Config)
	}
	eng, err := engine.New(engCfg)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	if err := registerModules(ctx, eng, loader, appCfg.Modules); err != nil {
		_ = eng.Stop(ctx)
		return err
	}
	if err := eng.Start(ctx); err != nil {
		_ = eng.Stop(ctx)
		return fmt.Errorf("start engine: %w", err)
	}

	var ready atomic.Bool
	handler := admin.NewHandler(admin.Deps{
		Runtime:        eng,
		Loader:         loader,
		Invocations:    invocation.NewService(statusRepo, historyDB),
		Auth:           auth,
		Ready:          ready.Load,
		AllowedOrigins: appCfg.Server.AllowedOrigins,
	})
	httpServer := buildHTTPServer(appCfg.Server, handler)
	httpListener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		_ = eng.Stop(ctx)
		return fmt.Errorf("init http listener: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info(ctx, "admin http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(httpListener)
	}()

	var (
		grpcServer   *grpc.Server
		healthServer *health.Server
	)
	if appCfg.GRPC.Enabled {
		grpcListener, err := net.Listen("tcp", appCfg.GRPC.Addr)
		if err != nil {
			_ = httpServer.Close()
			_ = eng.Stop(ctx)
			return fmt.Errorf("init grpc listener: %w", err)
		}
		grpcServer = grpc.NewServer()
		healthServer = health.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		go func() {
			logger.Info(ctx, "grpc health server started", zap.String("addr", appCfg.GRPC.Addr))
			errCh <- grpcServer.Serve(grpcListener)
		}()
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}
	ready.Store(true)

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	ready.Store(false)
	if healthServer != nil {
		healthServer.Shutdown()
	}
	stopCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(stopCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	if err := eng.Stop(stopCtx); err != nil {
		logger.Error(ctx, "engine stop failed", zap.Error(err))
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	return nil
}

// registerModules loads and registers the modules listed in config. A module
// that fails to load aborts startup.
func registerModules(ctx context.Context, eng *engine.Engine, loader *artifact.Loader, modules []ModuleConfig) error {
	for _, m := range modules {
		unit, err := loader.Load(ctx, m.Spec, m.SHA256)
		if err != nil {
			return fmt.Errorf("load module %s: %w", m.Name, err)
		}
		info, err := eng.Register(m.Spec, unit)
		if err != nil {
			if cerr := unit.Close(ctx); cerr != nil {
				logger.Warn(ctx, "close unit failed", zap.String("module", m.Name), zap.Error(cerr))
			}
			return fmt.Errorf("register module %s: %w", m.Name, err)
		}
		logger.Info(ctx, "module loaded", zap.String("module", info.Name), zap.String("kind", info.Kind), zap.Int("port", info.Port))
	}
	return nil
}

func buildHTTPServer(cfg ServerConfig, handler *admin.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      admin.NewRouter(handler),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
