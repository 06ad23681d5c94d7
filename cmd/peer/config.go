package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds peer runtime configuration.
type Config struct {
	Host    string        `envconfig:"HOST" default:"127.0.0.1"`
	Port    int           `envconfig:"PORT"`
	Shell   string        `envconfig:"SHELL" default:"/bin/sh"`
	PTY     bool          `envconfig:"PTY" default:"true"`
	Cols    int           `envconfig:"COLS" default:"80"`
	Rows    int           `envconfig:"ROWS" default:"24"`
	Retry   time.Duration `envconfig:"RETRY" default:"10s"`
	Debug   bool          `envconfig:"DEBUG"`
	Command []string      `ignored:"true"`
}

func loadConfig(args []string) (Config, error) {
	var cfg Config
	if err := envconfig.Process("TERMBRIDGE_PEER", &cfg); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}
	fs := flag.NewFlagSet("termbridge-peer", flag.ContinueOnError)
	fs.StringVar(&cfg.Host, "host", cfg.Host, "bridge host")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "session port from the config message")
	fs.StringVar(&cfg.Shell, "shell", cfg.Shell, "shell to run when no command is given")
	fs.BoolVar(&cfg.PTY, "pty", cfg.PTY, "run the command on a pseudo terminal (false = plain pipes)")
	fs.IntVar(&cfg.Cols, "cols", cfg.Cols, "terminal columns")
	fs.IntVar(&cfg.Rows, "rows", cfg.Rows, "terminal rows")
	fs.DurationVar(&cfg.Retry, "retry", cfg.Retry, "keep dialing for this long while the session port is not listening yet")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logs")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.Command = fs.Args()
	if len(cfg.Command) == 0 {
		cfg.Command = []string{cfg.Shell}
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return cfg, errors.New("a session port (-port) is required")
	}
	if cfg.Cols <= 0 || cfg.Rows <= 0 || cfg.Cols > 0xffff || cfg.Rows > 0xffff {
		return cfg, fmt.Errorf("invalid terminal size %dx%d", cfg.Cols, cfg.Rows)
	}
	return cfg, nil
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
