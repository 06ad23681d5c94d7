package main

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const productionOrigin = "rs.tyilo.com"

// Config holds all runtime configuration. Environment variables (TERMBRIDGE_*) set the
// defaults, flags override them.
type Config struct {
	Production     bool          `envconfig:"PRODUCTION"`
	ListenAddr     string        `envconfig:"LISTEN_ADDR" default:":4000"`
	MetricsAddr    string        `envconfig:"METRICS_ADDR" default:"127.0.0.1:9100"`
	PortFirst      int           `envconfig:"PORT_FIRST" default:"62300"`
	PortLast       int           `envconfig:"PORT_LAST" default:"62325"`
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10m"`
	PeerBindHost   string        `envconfig:"PEER_BIND_HOST" default:"127.0.0.1"`
	PublicHost     string        `envconfig:"PUBLIC_HOST" default:"api.rs.tyilo.com"`
	DefaultAddress string        `envconfig:"DEFAULT_ADDRESS" default:"127.0.0.1"`
	AllowedOrigins []string      `envconfig:"ALLOWED_ORIGINS"`
	Instance       string        `envconfig:"INSTANCE"`
	Debug          bool          `envconfig:"DEBUG"`
	// Redis mirrors the session directory when RedisAddr is set.
	RedisAddr     string        `envconfig:"REDIS_ADDR"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB"`
	DirectoryTTL  time.Duration `envconfig:"DIRECTORY_TTL" default:"2m"`
	// Handshake limits per client IP; a rate of 0 disables limiting.
	HandshakeRate  int `envconfig:"HANDSHAKE_RATE" default:"5"`
	HandshakeBurst int `envconfig:"HANDSHAKE_BURST" default:"20"`
}

func loadConfig(args []string) (Config, error) {
	var cfg Config
	if err := envconfig.Process("TERMBRIDGE", &cfg); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}

	fs := flag.NewFlagSet("termbridge", flag.ContinueOnError)
	origins := strings.Join(cfg.AllowedOrigins, ",")
	fs.BoolVar(&cfg.Production, "production", cfg.Production, "production mode: resolve the public host and restrict origins")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "websocket listen address")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "metrics and health listen address")
	fs.IntVar(&cfg.PortFirst, "port-first", cfg.PortFirst, "first raw peer port (inclusive)")
	fs.IntVar(&cfg.PortLast, "port-last", cfg.PortLast, "last raw peer port (inclusive)")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "time a session waits for its raw peer")
	fs.StringVar(&cfg.PeerBindHost, "peer-bind", cfg.PeerBindHost, "address raw peer listeners bind to")
	fs.StringVar(&cfg.PublicHost, "public-host", cfg.PublicHost, "host name resolved for the advertised address in production")
	fs.StringVar(&cfg.DefaultAddress, "default-address", cfg.DefaultAddress, "advertised address until the public host resolves")
	fs.StringVar(&origins, "origins", origins, "comma separated websocket origin patterns")
	fs.StringVar(&cfg.Instance, "instance", cfg.Instance, "instance id published in the session directory (default: random)")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logs")
	fs.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "redis address for the shared session directory (empty = in-memory)")
	fs.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "redis database number")
	fs.DurationVar(&cfg.DirectoryTTL, "directory-ttl", cfg.DirectoryTTL, "ttl of redis directory entries")
	fs.IntVar(&cfg.HandshakeRate, "handshake-rate", cfg.HandshakeRate, "websocket handshakes per second per client IP (0 = unlimited)")
	fs.IntVar(&cfg.HandshakeBurst, "handshake-burst", cfg.HandshakeBurst, "handshake burst per client IP")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.AllowedOrigins = splitList(origins)
	if cfg.Production && len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{productionOrigin}
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.PortFirst < 1 || c.PortLast > 65535 || c.PortFirst > c.PortLast {
		errs = append(errs, fmt.Errorf("invalid port range %d-%d", c.PortFirst, c.PortLast))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("connect timeout must be positive"))
	}
	if c.RedisAddr != "" && c.DirectoryTTL <= 0 {
		errs = append(errs, errors.New("directory ttl must be positive"))
	}
	if c.HandshakeRate < 0 || c.HandshakeBurst < 0 {
		errs = append(errs, errors.New("handshake limits must not be negative"))
	}
	if c.HandshakeRate > 0 && c.HandshakeBurst == 0 {
		errs = append(errs, errors.New("handshake burst must be set when rate limiting"))
	}
	return errors.Join(errs...)
}

// AllowAnyOrigin reports whether origin checks are off (development without explicit origins).
func (c Config) AllowAnyOrigin() bool {
	return !c.Production && len(c.AllowedOrigins) == 0
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
