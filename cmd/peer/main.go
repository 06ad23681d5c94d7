// Command peer connects back to a bridge session port and serves a local shell over it.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/matst80/termbridge/internal/obs"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		obs.Error("peer.config", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	obs.EnableDebug(cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := dialRetry(ctx, cfg.Addr(), cfg.Retry)
	if err != nil {
		obs.Error("peer.dial", obs.Fields{"err": err.Error(), "addr": cfg.Addr()})
		os.Exit(1)
	}
	obs.Info("peer.connected", obs.Fields{"addr": cfg.Addr(), "command": cfg.Command, "pty": cfg.PTY})

	if cfg.PTY {
		err = bridgePTY(ctx, conn, cfg)
	} else {
		err = bridgePipes(ctx, conn, cfg.Command)
	}
	if err != nil {
		obs.Error("peer.bridge", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	obs.Info("peer.done", obs.Fields{"addr": cfg.Addr()})
}

// dialRetry keeps dialing until the listener accepts or the retry window closes.
func dialRetry(ctx context.Context, addr string, window time.Duration) (net.Conn, error) {
	deadline := time.Now().Add(window)
	var d net.Dialer
	for {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		conn, err := d.DialContext(dctx, "tcp", addr)
		cancel()
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil || time.Now().After(deadline) {
			return nil, err
		}
		obs.Debug("peer.dial.retry", obs.Fields{"addr": addr, "err": err.Error()})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func bridgePTY(ctx context.Context, conn net.Conn, cfg Config) error {
	defer conn.Close()
	cmd := exec.CommandContext(ctx, cfg.Command[0], cfg.Command[1:]...)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cfg.Cols), Rows: uint16(cfg.Rows)})
	if err != nil {
		return fmt.Errorf("start pty: %w", err)
	}
	defer ptmx.Close()

	go func() {
		_, _ = io.Copy(ptmx, conn)
		// The bridge hung up; end the shell.
		_ = ptmx.Close()
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGHUP)
		}
	}()
	go func() {
		// Reads fail with EIO once the child exits.
		_, _ = io.Copy(conn, ptmx)
		_ = conn.Close()
	}()
	return waitExit(cmd)
}

func bridgePipes(ctx context.Context, conn net.Conn, command []string) error {
	defer conn.Close()
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	cmd.Stdout = conn
	cmd.Stderr = conn
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", command[0], err)
	}
	go func() {
		_, _ = io.Copy(stdin, conn)
		_ = stdin.Close()
	}()
	return waitExit(cmd)
}

// waitExit treats a non-zero exit status as a normal end of the session.
func waitExit(cmd *exec.Cmd) error {
	err := cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		obs.Info("peer.exit", obs.Fields{"code": exitErr.ExitCode()})
		return nil
	}
	return err
}
