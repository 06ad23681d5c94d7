package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matst80/termbridge/internal/directory"
	"github.com/matst80/termbridge/internal/obs"
	"github.com/matst80/termbridge/internal/portpool"
)

// DefaultConnectTimeout bounds how long a session waits for its raw peer.
const DefaultConnectTimeout = 10 * time.Minute

// Options configures a Registry. Zero values get defaults from NewRegistry.
type Options struct {
	// BindHost is the address raw peer listeners bind to. It should be loopback-only.
	BindHost       string
	ConnectTimeout time.Duration
	// Address returns the address advertised to clients in config messages.
	Address   func() string
	Directory directory.Directory
	// Instance identifies this process in directory entries.
	Instance string
}

// Registry maps session ids to live sessions and owns the port pool.
type Registry struct {
	pool *portpool.Pool
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool

	// pending counts sessions with directory writes in flight.
	pubMu   sync.Mutex
	pubIdle *sync.Cond
	pending int
}

func NewRegistry(pool *portpool.Pool, opts Options) *Registry {
	if opts.BindHost == "" {
		opts.BindHost = "127.0.0.1"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Address == nil {
		opts.Address = func() string { return "127.0.0.1" }
	}
	if opts.Directory == nil {
		opts.Directory = directory.NewMemory()
	}
	obs.FreePorts.Set(float64(pool.Available()))
	r := &Registry{pool: pool, opts: opts, sessions: make(map[string]*Session)}
	r.pubIdle = sync.NewCond(&r.pubMu)
	return r
}

// ValidateID accepts canonical 36-character UUIDs of an RFC 4122 version (1 to 8),
// plus the nil and max UUIDs.
func ValidateID(id string) error {
	if len(id) != 36 {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if u == uuid.Nil || u == uuid.Max {
		return nil
	}
	if u.Variant() != uuid.RFC4122 || u.Version() < 1 || u.Version() > 8 {
		return fmt.Errorf("%w: %q is not an RFC 4122 uuid", ErrInvalidID, id)
	}
	return nil
}

// GetOrCreate attaches ep to the live session for id, creating the session (and
// reserving its port and listener) if none exists. resumed reports which happened.
// At most one session is ever created for an id, however many callers race.
func (r *Registry) GetOrCreate(id string, ep Endpoint) (s *Session, resumed bool, err error) {
	if err := ValidateID(id); err != nil {
		return nil, false, err
	}
	for {
		r.mu.Lock()
		if r.closing {
			r.mu.Unlock()
			return nil, false, ErrClosed
		}
		if cur, ok := r.sessions[id]; ok && !cur.State().Terminal() {
			r.mu.Unlock()
			if err := cur.attach(ep); err != nil {
				if errors.Is(err, ErrClosed) {
					// Lost a race with teardown; the next pass creates afresh.
					continue
				}
				return nil, false, err
			}
			obs.SessionResumesTotal.Inc()
			obs.Info("session.resumed", obs.Fields{"id": id, "state": cur.State().String(), "port": cur.Port})
			return cur, true, nil
		}
		s, err = r.createLocked(id, ep)
		r.mu.Unlock()
		if err != nil {
			return nil, false, err
		}
		break
	}

	obs.SessionsCreatedTotal.Inc()
	obs.Info("session.created", obs.Fields{"id": id, "port": s.Port, "timeout": r.opts.ConnectTimeout.String()})
	// ep was attached in createLocked; a resume racing in since then has superseded it.
	s.greet(ep)
	go s.acceptPeer()
	return s, false, nil
}

// createLocked must be called with r.mu held. The session is inserted with ep already
// attached, so a concurrent resume supersedes ep rather than the other way round.
// A failure leaves no port reserved.
func (r *Registry) createLocked(id string, ep Endpoint) (*Session, error) {
	port, err := r.pool.Allocate()
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("pool_exhausted").Inc()
		return nil, fmt.Errorf("create session %s: %w", id, err)
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(r.opts.BindHost, strconv.Itoa(port)))
	if err != nil {
		if rerr := r.pool.Release(port); rerr != nil {
			obs.Error("pool.release", obs.Fields{"port": port, "err": rerr.Error()})
		}
		obs.ErrorsTotal.WithLabelValues("peer_listen").Inc()
		return nil, fmt.Errorf("listen for raw peer on port %d: %w", port, err)
	}
	obs.FreePorts.Set(float64(r.pool.Available()))

	s := &Session{
		ID:       id,
		Port:     port,
		Created:  time.Now(),
		reg:      r,
		ln:       ln,
		state:    AwaitingPeer,
		endpoint: ep,
		done:     make(chan struct{}),
	}
	obs.ActiveSessions.WithLabelValues(AwaitingPeer.String()).Inc()
	s.timer = startConnectTimer(r.opts.ConnectTimeout, s.timeout)
	r.sessions[id] = s
	return s, nil
}

// Get returns the live session for id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Remove deletes the mapping for id. It does not release the session's port.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if s != nil {
		r.unpublish(s)
	}
}

// remove deletes s only if it is still the session registered under its id.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.ID]; ok && cur == s {
		delete(r.sessions, s.ID)
	}
	r.mu.Unlock()
	r.unpublish(s)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns the live sessions ordered by creation time.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()
	out := make([]Info, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// Pool exposes the port pool for stats.
func (r *Registry) Pool() *portpool.Pool { return r.pool }

// Directory exposes the session directory for stats.
func (r *Registry) Directory() directory.Directory { return r.opts.Directory }

// Close tears down every session and refuses new ones.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closing = true
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()
	for _, s := range list {
		_ = s.Close()
	}
	r.FlushDirectory()
}

func (r *Registry) address() string { return r.opts.Address() }

// publish queues a directory write of s's current view. Writes run off the
// handshake path, one goroutine per session, and bursts coalesce into one Put.
func (r *Registry) publish(s *Session) { r.schedule(s, false) }

// unpublish queues removal of s from the directory. Nothing is published for s afterwards.
func (r *Registry) unpublish(s *Session) { r.schedule(s, true) }

func (r *Registry) schedule(s *Session, gone bool) {
	s.pubMu.Lock()
	if gone {
		s.pubGone = true
	}
	s.pubDirty = true
	if s.pubRunning {
		s.pubMu.Unlock()
		return
	}
	s.pubRunning = true
	s.pubMu.Unlock()

	r.pubMu.Lock()
	r.pending++
	r.pubMu.Unlock()
	go r.flush(s)
}

func (r *Registry) flush(s *Session) {
	defer func() {
		r.pubMu.Lock()
		r.pending--
		if r.pending == 0 {
			r.pubIdle.Broadcast()
		}
		r.pubMu.Unlock()
	}()
	for {
		s.pubMu.Lock()
		if !s.pubDirty {
			s.pubRunning = false
			s.pubMu.Unlock()
			return
		}
		s.pubDirty = false
		gone := s.pubGone
		s.pubMu.Unlock()
		if gone {
			r.deleteEntry(s)
		} else {
			r.putEntry(s)
		}
	}
}

// FlushDirectory blocks until every queued directory write has completed.
func (r *Registry) FlushDirectory() {
	r.pubMu.Lock()
	for r.pending > 0 {
		r.pubIdle.Wait()
	}
	r.pubMu.Unlock()
}

func (r *Registry) putEntry(s *Session) {
	info := s.Info()
	if s.State().Terminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e := directory.Entry{
		ID:       info.ID,
		Instance: r.opts.Instance,
		State:    info.State,
		Port:     info.Port,
		Attached: info.Attached,
		Created:  info.Created,
		Updated:  time.Now(),
	}
	if err := r.opts.Directory.Put(ctx, e); err != nil {
		obs.Error("directory.put", obs.Fields{"id": s.ID, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("directory").Inc()
	}
}

func (r *Registry) deleteEntry(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.opts.Directory.Delete(ctx, s.ID); err != nil {
		obs.Error("directory.delete", obs.Fields{"id": s.ID, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("directory").Inc()
	}
}
