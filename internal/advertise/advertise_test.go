package advertise

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/matst80/termbridge/internal/obs"
)

func TestMain(m *testing.M) {
	obs.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type stubResolver struct {
	ips []net.IP
	err error
}

func (s stubResolver) LookupIP(_ context.Context, network, host string) ([]net.IP, error) {
	return s.ips, s.err
}

func TestDefaultUntilResolved(t *testing.T) {
	a := New("127.0.0.1").WithResolver(stubResolver{ips: []net.IP{net.ParseIP("2001:db8::1"), net.ParseIP("198.51.100.4")}})
	if a.Address() != "127.0.0.1" {
		t.Fatalf("got %s", a.Address())
	}
	if err := a.Resolve(context.Background(), "api.example.com"); err != nil {
		t.Fatal(err)
	}
	if a.Address() != "198.51.100.4" {
		t.Fatalf("got %s", a.Address())
	}
}

func TestResolveFailureKeepsDefault(t *testing.T) {
	a := New("127.0.0.1").WithResolver(stubResolver{err: errors.New("nxdomain")})
	if err := a.Resolve(context.Background(), "nope.invalid"); err == nil {
		t.Fatal("expected error")
	}
	a = New("127.0.0.1").WithResolver(stubResolver{ips: []net.IP{net.ParseIP("2001:db8::1")}})
	if err := a.Resolve(context.Background(), "v6only.example.com"); err == nil {
		t.Fatal("expected error for v6-only host")
	}
	if a.Address() != "127.0.0.1" {
		t.Fatalf("got %s", a.Address())
	}
}

func TestResolveAsync(t *testing.T) {
	a := New("127.0.0.1").WithResolver(stubResolver{ips: []net.IP{net.ParseIP("192.0.2.10")}})
	a.ResolveAsync(context.Background(), "api.example.com", time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for a.Address() != "192.0.2.10" {
		if time.Now().After(deadline) {
			t.Fatal("address never updated")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
