package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/matst80/termbridge/internal/advertise"
	"github.com/matst80/termbridge/internal/gateway"
	"github.com/matst80/termbridge/internal/obs"
	"github.com/matst80/termbridge/internal/portpool"
	"github.com/matst80/termbridge/internal/ratelimit"
	"github.com/matst80/termbridge/internal/session"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		obs.Error("server.config", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	obs.EnableDebug(cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		obs.Error("server.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config) error {
	instance := instanceID(cfg)
	obs.Info("server.start", obs.Fields{
		"listen":     cfg.ListenAddr,
		"metrics":    cfg.MetricsAddr,
		"ports":      []int{cfg.PortFirst, cfg.PortLast},
		"production": cfg.Production,
		"instance":   instance,
	})

	pool, err := portpool.New(cfg.PortFirst, cfg.PortLast)
	if err != nil {
		return err
	}
	dir, err := newDirectory(ctx, cfg)
	if err != nil {
		return err
	}
	defer dir.Close()

	adv := advertise.New(cfg.DefaultAddress)
	if cfg.Production {
		adv.ResolveAsync(ctx, cfg.PublicHost, 10*time.Second)
	}

	reg := session.NewRegistry(pool, session.Options{
		BindHost:       cfg.PeerBindHost,
		ConnectTimeout: cfg.ConnectTimeout,
		Address:        adv.Address,
		Directory:      dir,
		Instance:       instance,
	})

	var limiter *ratelimit.Limiter
	if cfg.HandshakeRate > 0 {
		limiter = ratelimit.NewLimiter(0, cfg.HandshakeRate, cfg.HandshakeBurst)
		go runCleanupLoop(ctx, limiter, time.Minute, 10*time.Minute)
	}
	gw := gateway.New(reg, gateway.Options{
		OriginPatterns: cfg.AllowedOrigins,
		AllowAnyOrigin: cfg.AllowAnyOrigin(),
		Limiter:        limiter,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: gw.Routes(), ReadHeaderTimeout: 10 * time.Second}

	var ready atomic.Bool
	ops := newOpsServer(cfg.MetricsAddr, opsRouter(reg, instance, &ready))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": cfg.MetricsAddr})
		}
	}()
	go func() {
		defer wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("server.serve", obs.Fields{"err": err.Error(), "addr": cfg.ListenAddr})
		}
	}()
	ready.Store(true)
	obs.Info("server.ready", obs.Fields{"allow_any_origin": cfg.AllowAnyOrigin(), "origins": cfg.AllowedOrigins})

	<-ctx.Done()
	obs.Info("server.shutdown.signal", obs.Fields{"sessions": reg.Len()})
	ready.Store(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.Error("server.shutdown", obs.Fields{"err": err.Error()})
	}
	// Websocket connections are hijacked and outlive Shutdown; closing the registry ends them.
	reg.Close()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		obs.Error("metrics.shutdown", obs.Fields{"err": err.Error()})
	}
	wg.Wait()
	obs.Info("server.shutdown.complete", obs.Fields{"free_ports": pool.Available()})
	return nil
}

func runCleanupLoop(ctx context.Context, limiter *ratelimit.Limiter, interval, maxIdle time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := limiter.CleanupIdle(maxIdle); n > 0 {
				obs.Debug("ratelimit.cleanup", obs.Fields{"dropped": n})
			}
		}
	}
}
