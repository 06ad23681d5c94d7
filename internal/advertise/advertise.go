// Package advertise tracks the externally reachable address reported to clients
// in config messages, so they know where the raw peer should connect.
package advertise

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/matst80/termbridge/internal/obs"
)

// Resolver is the subset of *net.Resolver used for lookups.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// Advertiser returns a fixed default address until a background lookup replaces it.
type Advertiser struct {
	addr     atomic.Value // string
	resolver Resolver
}

func New(defaultAddr string) *Advertiser {
	a := &Advertiser{resolver: net.DefaultResolver}
	a.addr.Store(defaultAddr)
	return a
}

// WithResolver swaps the resolver, for tests.
func (a *Advertiser) WithResolver(r Resolver) *Advertiser {
	a.resolver = r
	return a
}

// Address is safe to call from any goroutine.
func (a *Advertiser) Address() string { return a.addr.Load().(string) }

// Resolve looks host up once and, on success, advertises its first IPv4 address.
func (a *Advertiser) Resolve(ctx context.Context, host string) error {
	ips, err := a.resolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			a.addr.Store(v4.String())
			obs.Info("advertise.resolved", obs.Fields{"host": host, "address": v4.String()})
			return nil
		}
	}
	return fmt.Errorf("resolve %s: no IPv4 address", host)
}

// ResolveAsync runs Resolve in the background; failures keep the default address.
func (a *Advertiser) ResolveAsync(ctx context.Context, host string, timeout time.Duration) {
	go func() {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := a.Resolve(ctx, host); err != nil {
			obs.Error("advertise.resolve", obs.Fields{"host": host, "err": err.Error(), "address": a.Address()})
		}
	}()
}
