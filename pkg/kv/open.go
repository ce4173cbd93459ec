package kv

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
)

// Backend names accepted by Open.
const (
	BackendAuto     = "auto"
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendBadger   = "badger"
)

// Config selects and configures a backend.
type Config struct {
	Backend       string `yaml:"backend"`
	DSN           string `yaml:"dsn"`
	Path          string `yaml:"path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Prefix        string `yaml:"prefix"`
}

// Open builds the configured backend. With BackendAuto a Postgres DSN selects
// Postgres, otherwise the store runs in lite mode on a local SQLite file.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	backend := cfg.Backend
	if backend == "" || backend == BackendAuto {
		if cfg.DSN != "" {
			backend = BackendPostgres
		} else {
			backend = BackendSQLite
		}
	}

	switch backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendPostgres:
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("kv: open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("kv: ping postgres: %w", err)
		}
		s := NewPostgresStore(db)
		if err := s.Init(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return s, nil
	case BackendSQLite:
		path := cfg.Path
		if path == "" {
			path = filepath.Join("data", "dbvc.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("kv: create data dir: %w", err)
		}
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("kv: open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		s := NewSQLiteStore(db)
		if err := s.Init(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		logger.InfoContext(ctx, "kv: lite mode", "path", path)
		return s, nil
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("kv: ping redis: %w", err)
		}
		return NewRedisStore(client, cfg.Prefix), nil
	case BackendBadger:
		s, err := OpenBadger(BadgerConfig{Path: cfg.Path, SyncWrites: true, Logger: logger})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("kv: unknown backend %q", backend)
	}
}
