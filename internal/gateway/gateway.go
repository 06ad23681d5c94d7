// Package gateway accepts browser websocket connections, binds each one to the
// session named in its handshake and relays protocol messages.
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/matst80/termbridge/internal/obs"
	"github.com/matst80/termbridge/internal/portpool"
	"github.com/matst80/termbridge/internal/proto"
	"github.com/matst80/termbridge/internal/ratelimit"
	"github.com/matst80/termbridge/internal/session"
)

// Options configures a Gateway.
type Options struct {
	// OriginPatterns restricts browser origins (see websocket.AcceptOptions).
	OriginPatterns []string
	// AllowAnyOrigin disables origin checks, for development.
	AllowAnyOrigin bool
	WriteTimeout   time.Duration
	ReadLimit      int64
	// Limiter admits handshakes per client IP. Nil admits everything.
	Limiter *ratelimit.Limiter
}

type Gateway struct {
	reg  *session.Registry
	opts Options
}

func New(reg *session.Registry, opts Options) *Gateway {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	return &Gateway{reg: reg, opts: opts}
}

// Routes mounts the socket endpoint. The session id comes from the "id" query parameter.
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Get("/socket", g.ServeSocket)
	r.Get("/socket/", g.ServeSocket)
	return r
}

func (g *Gateway) ServeSocket(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: g.opts.AllowAnyOrigin,
		OriginPatterns:     g.opts.OriginPatterns,
	})
	if err != nil {
		obs.Error("gateway.accept", obs.Fields{"err": err.Error(), "remote": r.RemoteAddr})
		obs.ErrorsTotal.WithLabelValues("ws_accept").Inc()
		return
	}
	defer conn.CloseNow()

	remote := clientIP(r)
	if !g.opts.Limiter.Allow(remote) {
		obs.Info("gateway.rate_limited", obs.Fields{"remote": remote})
		obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
		conn.Close(StatusRateLimited, "too many connections")
		return
	}
	if err := session.ValidateID(id); err != nil {
		obs.Info("gateway.invalid_id", obs.Fields{"id": id, "remote": remote})
		obs.ErrorsTotal.WithLabelValues("invalid_id").Inc()
		conn.Close(StatusInvalidID, "invalid session id")
		return
	}

	conn.SetReadLimit(g.opts.ReadLimit)
	ep := newEndpoint(conn, g.opts.WriteTimeout)
	defer ep.cancel()
	s, resumed, err := g.reg.GetOrCreate(id, ep)
	if err != nil {
		g.reject(conn, ep, id, err)
		return
	}
	obs.Info("gateway.connected", obs.Fields{"id": id, "resumed": resumed, "remote": remote})
	defer s.Detach(ep)

	g.relayInput(r.Context(), conn, s)
	obs.Info("gateway.disconnected", obs.Fields{"id": id, "remote": remote})
}

func (g *Gateway) reject(conn *websocket.Conn, ep *wsEndpoint, id string, err error) {
	obs.Error("gateway.session", obs.Fields{"id": id, "err": err.Error()})
	switch {
	case errors.Is(err, portpool.ErrPoolExhausted):
		_ = ep.Send(proto.ErrorMessage("no free ports available"))
		conn.Close(StatusPoolExhausted, "no free ports")
	case errors.Is(err, session.ErrClosed):
		conn.Close(websocket.StatusGoingAway, "shutting down")
	default:
		_ = ep.Send(proto.ErrorMessage("session unavailable"))
		conn.Close(StatusInternal, "session unavailable")
	}
}

// relayInput writes char messages to the raw peer until the websocket goes away.
// Binary frames are raw input; text frames carry {"type":"char","data":...}.
func (g *Gateway) relayInput(ctx context.Context, conn *websocket.Conn, s *session.Session) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				obs.Debug("gateway.read", obs.Fields{"id": s.ID, "err": err.Error()})
			}
			return
		}
		input := data
		if typ == websocket.MessageText {
			if input, err = proto.DecodeInput(data); err != nil {
				obs.Debug("gateway.input.ignored", obs.Fields{"id": s.ID, "err": err.Error()})
				continue
			}
		}
		if len(input) == 0 {
			continue
		}
		if _, err := s.Write(input); err != nil && !errors.Is(err, session.ErrNotActive) {
			obs.Debug("gateway.input.write", obs.Fields{"id": s.ID, "err": err.Error()})
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
