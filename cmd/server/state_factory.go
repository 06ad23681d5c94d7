package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/matst80/termbridge/internal/directory"
)

// newDirectory creates the session directory and, for Redis, starts the TTL heartbeat.
func newDirectory(ctx context.Context, cfg Config) (directory.Directory, error) {
	dir, err := directory.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.DirectoryTTL)
	if err != nil {
		return nil, fmt.Errorf("directory: %w", err)
	}
	if r, ok := dir.(*directory.Redis); ok {
		go r.StartMaintenance(ctx, cfg.DirectoryTTL/3)
	}
	return dir, nil
}

func instanceID(cfg Config) string {
	if cfg.Instance != "" {
		return cfg.Instance
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "termbridge"
	}
	return host + "-" + uuid.NewString()[:8]
}
