// Package directory publishes which bridge instance owns which session, so that
// several bridge processes behind a load balancer can be inspected (and routed) together.
// The in-process Registry stays authoritative; a Directory is a mirror.
package directory

import (
	"context"
	"time"

	"github.com/matst80/termbridge/internal/obs"
)

// Entry is the published view of one live session.
type Entry struct {
	ID       string    `json:"id"`
	Instance string    `json:"instance"`
	State    string    `json:"state"`
	Port     int       `json:"port"`
	Attached bool      `json:"attached"`
	Created  time.Time `json:"created"`
	Updated  time.Time `json:"updated"`
}

// Directory stores session entries.
type Directory interface {
	Put(ctx context.Context, e Entry) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Entry, error)
	Close() error
}

// New creates either an in-memory or Redis-backed directory based on configuration.
func New(redisAddr, redisPassword string, redisDB int, ttl time.Duration) (Directory, error) {
	if redisAddr == "" {
		obs.Info("directory.backend", obs.Fields{"type": "in-memory"})
		return NewMemory(), nil
	}
	obs.Info("directory.backend", obs.Fields{"type": "redis", "addr": redisAddr})
	return NewRedis(redisAddr, redisPassword, redisDB, ttl)
}
