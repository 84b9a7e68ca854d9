// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/webpilot/internal/cache"
	"github.com/xkilldash9x/webpilot/internal/config"
)

// initDatabase opens and verifies a PostgreSQL pool for the store.
func initDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database url: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// initRemoteCache dials redis for the second cache level.
func initRemoteCache(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*cache.RedisStore, *redis.Client, error) {
	rs, client, err := cache.Dial(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize redis cache: %w", err)
	}
	logger.Debug("Redis perception cache connected.", zap.String("addr", cfg.Addr))
	return rs, client, nil
}

// LoadPages reads a YAML document mapping URLs to HTML, used to drive the
// offline synthetic browser.
func LoadPages(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pages file: %w", err)
	}
	defer f.Close()
	return DecodePages(f)
}

// DecodePages decodes a url -> html YAML mapping.
func DecodePages(r io.Reader) (map[string]string, error) {
	pages := map[string]string{}
	if err := yaml.NewDecoder(r).Decode(&pages); err != nil && err != io.EOF {
		return nil, fmt.Errorf("invalid pages yaml: %w", err)
	}
	return pages, nil
}
