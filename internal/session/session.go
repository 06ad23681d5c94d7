package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/matst80/termbridge/internal/obs"
	"github.com/matst80/termbridge/internal/proto"
)

// State is the lifecycle state of a session.
type State int

const (
	// AwaitingPeer: the loopback listener is open and the connect timer is running.
	AwaitingPeer State = iota
	// Active: the raw peer is connected and bytes are forwarded.
	Active
	// Closed: the raw peer went away (or the bridge shut down).
	Closed
	// TimedOut: no raw peer connected before the connect timer fired.
	TimedOut
)

var stateNames = [...]string{"awaiting", "active", "closed", "timed_out"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == Closed || s == TimedOut }

// Endpoint is the client transport currently attached to a session.
type Endpoint interface {
	Send(m proto.Message) error
	// Close detaches the transport from the client side. It must not block on the client.
	Close(reason string) error
}

var (
	ErrInvalidID = errors.New("invalid session id")
	ErrClosed    = errors.New("session closed")
	ErrNotActive = errors.New("raw peer not connected")
)

const readBufferSize = 32 * 1024

// Session pairs one client identity with at most one raw peer connection across
// any number of transport reconnects.
type Session struct {
	ID      string
	Port    int
	Created time.Time

	reg         *Registry
	ln          net.Listener
	timer       *connectTimer
	releaseOnce sync.Once

	// sendMu orders everything delivered to endpoints. State transitions that notify
	// the client happen under it, so a greeting and a transition never interleave.
	sendMu sync.Mutex

	// pubMu guards the directory write queue. Writes for one session run on a single
	// goroutine and a Delete is never followed by a Put.
	pubMu      sync.Mutex
	pubDirty   bool
	pubGone    bool
	pubRunning bool

	mu       sync.Mutex
	state    State
	endpoint Endpoint
	// ready is set once endpoint has been sent its config; output before that is dropped.
	ready    bool
	peer     net.Conn
	activeAt time.Time

	writeMu sync.Mutex
	done    chan struct{}
}

// Info is a point-in-time view of a session.
type Info struct {
	ID       string    `json:"id"`
	State    string    `json:"state"`
	Port     int       `json:"port"`
	Attached bool      `json:"attached"`
	Created  time.Time `json:"created"`
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attached reports whether a transport endpoint is currently attached.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint != nil
}

// Done is closed once the session reaches a terminal state and has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{ID: s.ID, State: s.state.String(), Port: s.Port, Attached: s.endpoint != nil, Created: s.Created}
}

// setStateLocked must be called with s.mu held.
func (s *Session) setStateLocked(next State) {
	obs.ActiveSessions.WithLabelValues(s.state.String()).Dec()
	s.state = next
	if !next.Terminal() {
		obs.ActiveSessions.WithLabelValues(next.String()).Inc()
	}
}

// readyEndpointLocked returns the endpoint that may receive output, or nil.
func (s *Session) readyEndpointLocked() Endpoint {
	if !s.ready {
		return nil
	}
	return s.endpoint
}

// attach makes ep the current endpoint and greets it. The endpoint it replaces is
// closed before sendMu is taken, which aborts a write stuck on a dead transport.
func (s *Session) attach(ep Endpoint) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return ErrClosed
	}
	prev := s.endpoint
	s.endpoint, s.ready = ep, false
	s.mu.Unlock()

	if prev != nil && prev != ep {
		if err := prev.Close("superseded"); err != nil {
			obs.Debug("session.endpoint.close", obs.Fields{"id": s.ID, "err": err.Error()})
		}
	}
	s.greet(ep)
	return nil
}

// greet sends ep the session configuration followed by the raw peer state, then opens
// it to shell output. It does nothing if ep was replaced in the meantime.
func (s *Session) greet(ep Endpoint) {
	s.sendMu.Lock()
	s.mu.Lock()
	current, st := s.endpoint == ep, s.state
	if current {
		s.ready = true
	}
	s.mu.Unlock()
	if current {
		s.deliver(ep, proto.Config(s.reg.address(), s.Port))
		switch st {
		case Active:
			s.deliver(ep, proto.ShellConnected())
		case Closed:
			s.deliver(ep, proto.ShellDisconnected())
		case TimedOut:
			s.deliver(ep, proto.ShellConnectTimeout())
		}
	}
	s.sendMu.Unlock()
	s.reg.publish(s)
}

// Detach clears the current endpoint if it is still ep. The session and its raw peer stay alive.
func (s *Session) Detach(ep Endpoint) {
	s.mu.Lock()
	detached := s.endpoint == ep && ep != nil
	if detached {
		s.endpoint, s.ready = nil, false
	}
	st := s.state
	s.mu.Unlock()
	if !detached {
		return
	}
	obs.Info("session.detached", obs.Fields{"id": s.ID, "state": st.String()})
	s.reg.publish(s)
}

// send delivers m to whichever endpoint is ready. Output with nobody attached is dropped.
func (s *Session) send(m proto.Message) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.mu.Lock()
	ep := s.readyEndpointLocked()
	s.mu.Unlock()
	s.notify(ep, m)
}

// notify must be called with sendMu held.
func (s *Session) notify(ep Endpoint, m proto.Message) {
	if ep == nil {
		if m.Type == proto.TypeShellData {
			obs.DroppedBytesTotal.Add(float64(len(m.Data)))
		}
		obs.Debug("session.send.detached", obs.Fields{"id": s.ID, "type": string(m.Type)})
		return
	}
	s.deliver(ep, m)
}

func (s *Session) deliver(ep Endpoint, m proto.Message) {
	if err := ep.Send(m); err != nil {
		obs.Debug("session.send", obs.Fields{"id": s.ID, "type": string(m.Type), "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("endpoint_send").Inc()
	}
}

// Write forwards client input verbatim to the raw peer.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	st, peer := s.state, s.peer
	s.mu.Unlock()
	if st != Active {
		return 0, ErrNotActive
	}
	s.writeMu.Lock()
	n, err := peer.Write(p)
	s.writeMu.Unlock()
	obs.ForwardedBytesTotal.WithLabelValues("to_peer").Add(float64(n))
	if err != nil {
		if !isExpectedClose(err) {
			obs.Error("peer.write", obs.Fields{"id": s.ID, "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("peer_write").Inc()
		}
		return n, fmt.Errorf("write to raw peer: %w", err)
	}
	return n, nil
}

// acceptPeer waits for the single raw peer connection.
func (s *Session) acceptPeer() {
	var conn net.Conn
	for {
		c, err := s.ln.Accept()
		if err == nil {
			conn = c
			break
		}
		if errors.Is(err, net.ErrClosed) {
			return
		}
		obs.Error("peer.accept", obs.Fields{"id": s.ID, "port": s.Port, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("peer_accept").Inc()
		time.Sleep(50 * time.Millisecond)
	}

	s.sendMu.Lock()
	s.mu.Lock()
	if s.state != AwaitingPeer {
		s.mu.Unlock()
		s.sendMu.Unlock()
		_ = conn.Close()
		return
	}
	s.timer.Stop()
	s.peer = conn
	s.activeAt = time.Now()
	s.setStateLocked(Active)
	ep := s.readyEndpointLocked()
	s.mu.Unlock()
	s.notify(ep, proto.ShellConnected())
	s.sendMu.Unlock()

	// Single use: later connection attempts on this port are refused.
	_ = s.ln.Close()
	s.releasePort()
	obs.Info("peer.connected", obs.Fields{"id": s.ID, "port": s.Port, "remote": conn.RemoteAddr().String()})
	obs.PeerConnectedTotal.Inc()
	s.reg.publish(s)
	go s.forward(conn)
}

// forward pushes raw peer output to the attached endpoint until the peer closes.
func (s *Session) forward(conn net.Conn) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			obs.ForwardedBytesTotal.WithLabelValues("to_client").Add(float64(n))
			s.send(proto.ShellData(data))
		}
		if err != nil {
			if !isExpectedClose(err) {
				obs.Error("peer.read", obs.Fields{"id": s.ID, "err": err.Error()})
				obs.ErrorsTotal.WithLabelValues("peer_read").Inc()
			}
			s.finish()
			return
		}
	}
}

// finish moves an Active session to Closed once the raw peer is gone.
func (s *Session) finish() {
	s.sendMu.Lock()
	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		s.sendMu.Unlock()
		return
	}
	s.setStateLocked(Closed)
	peer, activeAt := s.peer, s.activeAt
	ep := s.readyEndpointLocked()
	s.mu.Unlock()
	s.notify(ep, proto.ShellDisconnected())
	s.sendMu.Unlock()

	_ = peer.Close()
	obs.SessionDurationSeconds.Observe(time.Since(activeAt).Seconds())
	obs.Info("peer.disconnected", obs.Fields{"id": s.ID})
	s.reg.remove(s)
	close(s.done)
}

// timeout is the connect timer callback. It is a no-op unless still AwaitingPeer.
func (s *Session) timeout() {
	s.sendMu.Lock()
	s.mu.Lock()
	if s.state != AwaitingPeer {
		s.mu.Unlock()
		s.sendMu.Unlock()
		return
	}
	s.setStateLocked(TimedOut)
	ep := s.readyEndpointLocked()
	s.mu.Unlock()
	s.notify(ep, proto.ShellConnectTimeout())
	s.sendMu.Unlock()

	_ = s.ln.Close()
	s.releasePort()
	obs.Info("session.timeout", obs.Fields{"id": s.ID, "port": s.Port})
	obs.PeerTimeoutTotal.Inc()
	s.reg.remove(s)
	close(s.done)
}

// Close tears the session down regardless of state. Used on shutdown.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	prev := s.state
	s.setStateLocked(Closed)
	peer, ep, ready := s.peer, s.endpoint, s.ready
	s.endpoint, s.ready = nil, false
	s.mu.Unlock()

	s.timer.Stop()
	if prev == AwaitingPeer {
		_ = s.ln.Close()
		s.releasePort()
	}
	if peer != nil {
		_ = peer.Close()
	}
	if ep != nil {
		if prev == Active && ready {
			s.sendMu.Lock()
			s.deliver(ep, proto.ShellDisconnected())
			s.sendMu.Unlock()
		}
		_ = ep.Close("shutdown")
	}
	obs.Info("session.closed", obs.Fields{"id": s.ID, "from": prev.String()})
	s.reg.remove(s)
	close(s.done)
	return nil
}

func (s *Session) releasePort() {
	s.releaseOnce.Do(func() {
		if err := s.reg.pool.Release(s.Port); err != nil {
			obs.Error("pool.release", obs.Fields{"id": s.ID, "port": s.Port, "err": err.Error()})
		}
		obs.FreePorts.Set(float64(s.reg.pool.Available()))
	})
}
