// Like Counter 文件服務
//
// 保存網站的按讚計數文件，提供條件寫入與 WebSocket 即時推送。
// 儲存、通知、限流各自可選記憶體或外部後端，組合由配置檔決定。
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
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/koopa0/system-design/14-like-counter/internal/document"
	"github.com/koopa0/system-design/14-like-counter/internal/document/migrations"
	"github.com/koopa0/system-design/14-like-counter/internal/limiter"
	"github.com/koopa0/system-design/14-like-counter/internal/notify"
	"github.com/koopa0/system-design/14-like-counter/internal/server"
	"github.com/koopa0/system-design/14-like-counter/pkg/logger"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "", "配置檔路徑（空白時使用預設值與環境變數）")
	flag.Parse()

	// .env 不存在時忽略
	_ = godotenv.Load()

	config, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, logCloser, err := logger.Init(logger.Options{
		Level:  config.Log.Level,
		Format: config.Log.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	if err := run(config, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*server.Config, error) {
	if path != "" {
		return server.LoadConfig(path)
	}

	config := server.DefaultConfig()
	config.ApplyEnv()
	if id := os.Getenv("LIKES_PROJECT_ID"); id != "" {
		config.Project.ID = id
	}
	if key := os.Getenv("LIKES_API_KEY"); key != "" {
		config.Project.APIKeys = []string{key}
	}
	if config.Rules == nil {
		config.Rules = map[string]server.Rule{
			"likes": {AllowRead: true, AllowWrite: true, MaxDelta: 1},
		}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// backends 依配置建立的後端，closers 依建立的反序關閉
type backends struct {
	store    document.Store
	notifier notify.Notifier
	limiter  limiter.Limiter
	registry *limiter.Registry
	closers  []io.Closer
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i].Close()
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func run(config *server.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := setupBackends(ctx, config, log)
	if err != nil {
		return err
	}
	defer b.Close()

	handler := server.NewHandler(config, b.store, b.notifier, b.limiter, log)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Server.Port),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: config.Server.ReadTimeout,
		ReadTimeout:       config.Server.ReadTimeout,
		IdleTimeout:       60 * time.Second,
	}
	// WriteTimeout 會切斷長連線的 WebSocket，寫入逾時改由每個 handler 控制

	if b.registry != nil {
		go pruneLoop(ctx, b.registry, config.RateLimit.Window, log)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("like counter server started",
			"port", config.Server.Port,
			"store", config.Store.Driver,
			"notifier", config.Notifier.Driver,
			"rate_limit", config.RateLimit.Driver,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Server.ShutdownTimeout)
	defer cancel()

	// 先結束 WebSocket 串流，Shutdown 不會等待被 hijack 的連線
	handler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", "error", err)
	}

	log.Info("server stopped")
	return nil
}

func setupBackends(ctx context.Context, config *server.Config, log *slog.Logger) (*backends, error) {
	b := &backends{}

	var redisClient *redis.Client
	needRedis := config.Store.Driver == server.DriverRedis ||
		config.Notifier.Driver == server.DriverRedis ||
		config.RateLimit.Driver == server.DriverRedis
	if needRedis {
		client, err := connectRedis(ctx, config)
		if err != nil {
			return nil, err
		}
		redisClient = client
		b.closers = append(b.closers, client)
		log.Info("connected to redis", "addr", config.Redis.Addr)
	}

	switch config.Store.Driver {
	case server.DriverPostgres:
		pool, err := connectPostgres(ctx, config, log)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, closerFunc(func() error { pool.Close(); return nil }))
		b.store = document.NewPostgresStore(pool, log)
	case server.DriverRedis:
		b.store = document.NewRedisStore(redisClient, log)
	default:
		b.store = document.NewMemoryStore()
	}

	switch config.Notifier.Driver {
	case server.DriverRedis:
		b.notifier = notify.NewRedisNotifier(redisClient, log)
	case server.DriverNATS:
		n, err := notify.NewNATSNotifier(config.NATS.URL, log)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		b.notifier = n
		log.Info("connected to nats", "url", config.NATS.URL)
	default:
		b.notifier = notify.NewHub()
	}
	b.closers = append(b.closers, b.notifier)

	switch config.RateLimit.Driver {
	case server.DriverRedis:
		b.limiter = limiter.NewRedisSlidingWindow(redisClient, config.RateLimit.Requests, config.RateLimit.Window)
	default:
		b.registry = limiter.NewRegistry(config.RateLimit.Requests, config.RateLimit.Window, nil)
		b.limiter = b.registry
	}

	return b, nil
}

func connectRedis(ctx context.Context, config *server.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Redis.Addr,
		Password:     config.Redis.Password,
		DB:           config.Redis.DB,
		PoolSize:     config.Redis.PoolSize,
		MinIdleConns: config.Redis.MinIdleConns,
		MaxRetries:   config.Redis.MaxRetries,
		ReadTimeout:  config.Redis.ReadTimeout,
		WriteTimeout: config.Redis.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// connectPostgres 套用遷移後建立連線池
func connectPostgres(ctx context.Context, config *server.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	dsn := config.PostgresURL()

	migrator, err := migrations.New(dsn, log)
	if err != nil {
		return nil, err
	}
	if err := migrator.Up(); err != nil {
		_ = migrator.Close()
		return nil, err
	}
	if err := migrator.Close(); err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	poolConfig.MaxConns = config.Postgres.MaxConns
	poolConfig.MinConns = config.Postgres.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	log.Info("connected to postgres", "host", config.Postgres.Host, "db", config.Postgres.DBName)
	return pool, nil
}

// pruneLoop 定期清除閒置的限流視窗
func pruneLoop(ctx context.Context, registry *limiter.Registry, every time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := registry.Prune(); n > 0 {
				log.Debug("pruned idle rate limit windows", "count", n, "remaining", registry.Len())
			}
		}
	}
}
