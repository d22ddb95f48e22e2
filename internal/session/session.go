// Package session holds the server side of a client session: its status, the
// connection types negotiated at HELLO, a bounded outbound queue and the
// client's view cache.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"cellworld.ai/internal/protocol"
	"cellworld.ai/internal/sim/geom"
	"cellworld.ai/internal/sim/viewcache"
)

type Status string

const (
	Disconnected Status = "DISCONNECTED"
	Connecting   Status = "CONNECTING"
	Connected    Status = "CONNECTED"
)

var ErrQueueFull = errors.New("session: outbound queue full")

// IllegalStateError reports an operation that the session's current status
// or attached connection types do not allow.
type IllegalStateError struct {
	Op     string
	Status Status
	Conn   protocol.ConnType
	Reason string
}

func (e *IllegalStateError) Error() string {
	if e.Conn != "" {
		return fmt.Sprintf("session: %s %s: %s (status %s)", e.Op, e.Conn, e.Reason, e.Status)
	}
	return fmt.Sprintf("session: %s: %s (status %s)", e.Op, e.Reason, e.Status)
}

type Config struct {
	ID     string
	User   string
	Region geom.AABB
	// QueueSize bounds the number of queued batches.
	QueueSize int
	EditRate  rate.Limit
	EditBurst int
}

type Session struct {
	id   string
	user string

	mu     sync.Mutex
	status Status
	conns  map[protocol.ConnType]struct{}

	// Each element is one batch of frames written back to back.
	out  chan [][]byte
	done chan struct{}

	cache   *viewcache.Cache
	limiter *rate.Limiter

	position *geom.Vec3
}

// New creates a session in CONNECTING; it becomes CONNECTED once the
// handshake completes.
func New(cfg Config) *Session {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.EditRate <= 0 {
		cfg.EditRate = rate.Inf
	}
	if cfg.EditBurst <= 0 {
		cfg.EditBurst = 1
	}
	return &Session{
		id:      cfg.ID,
		user:    cfg.User,
		status:  Connecting,
		conns:   map[protocol.ConnType]struct{}{},
		out:     make(chan [][]byte, cfg.QueueSize),
		done:    make(chan struct{}),
		cache:   viewcache.New(cfg.ID, cfg.Region),
		limiter: rate.NewLimiter(cfg.EditRate, cfg.EditBurst),
	}
}

func (s *Session) ID() string { return s.id }
func (s *Session) User() string { return s.user }
func (s *Session) Cache() *viewcache.Cache { return s.cache }
func (s *Session) Out() <-chan [][]byte { return s.out }
func (s *Session) Done() <-chan struct{} { return s.done }
func (s *Session) AllowEdit() bool { return s.limiter.Allow() }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Attach registers connection types. It is only valid before the session is
// connected, and each type may be attached once.
func (s *Session) Attach(conns ...protocol.ConnType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != Connecting {
		return &IllegalStateError{Op: "attach", Status: s.status, Reason: "session already established"}
	}
	for i, c := range conns {
		if !protocol.IsKnownConn(c) {
			return &IllegalStateError{Op: "attach", Status: s.status, Conn: c, Reason: "unknown connection type"}
		}
		if _, dup := s.conns[c]; dup {
			return &IllegalStateError{Op: "attach", Status: s.status, Conn: c, Reason: "already attached"}
		}
		for _, o := range conns[:i] {
			if o == c {
				return &IllegalStateError{Op: "attach", Status: s.status, Conn: c, Reason: "already attached"}
			}
		}
	}
	for _, c := range conns {
		s.conns[c] = struct{}{}
	}
	return nil
}

func (s *Session) Attached(c protocol.ConnType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[c]
	return ok
}

// Conns returns the attached connection types.
func (s *Session) Conns() []protocol.ConnType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.ConnType, 0, len(s.conns))
	for _, c := range []protocol.ConnType{protocol.ConnCellCache, protocol.ConnCellChannel, protocol.ConnPresence, protocol.ConnAudioControl} {
		if _, ok := s.conns[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (s *Session) MarkConnected() {
	s.mu.Lock()
	if s.status == Connecting {
		s.status = Connected
	}
	s.mu.Unlock()
}

// Close moves the session to DISCONNECTED and releases its view cache.
// Queued frames may or may not be written.
func (s *Session) Close() {
	s.mu.Lock()
	if s.status == Disconnected {
		s.mu.Unlock()
		return
	}
	s.status = Disconnected
	close(s.done)
	s.mu.Unlock()
	s.cache.Close()
}

func (s *Session) SetPosition(p geom.Vec3) {
	s.mu.Lock()
	s.position = &p
	s.mu.Unlock()
}

func (s *Session) Position() *geom.Vec3 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.position == nil {
		return nil
	}
	p := *s.position
	return &p
}

// Send enqueues one message without blocking.
func (s *Session) Send(conn protocol.ConnType, kind protocol.Kind, payload any) error {
	f, err := frame(conn, kind, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sendableLocked("send", conn); err != nil {
		return err
	}
	return s.enqueueLocked([][]byte{f})
}

// SendRaw enqueues a pre-encoded frame that is not a DATA envelope, such as
// an ERROR.
func (s *Session) SendRaw(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != Connected {
		return &IllegalStateError{Op: "send", Status: s.status, Reason: "not connected"}
	}
	return s.enqueueLocked([][]byte{b})
}

// Deliver implements revalidate.Sink: cache messages go out on CELL_CACHE
// and state updates on CELL_CHANNEL, as a single queued batch. States are
// dropped when CELL_CHANNEL is not attached.
func (s *Session) Deliver(cache []viewcache.Message, states []protocol.CellState) error {
	batch := make([][]byte, 0, len(cache)+len(states))
	for _, m := range cache {
		f, err := frame(protocol.ConnCellCache, m.Kind, m.Payload)
		if err != nil {
			return err
		}
		batch = append(batch, f)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != Connected {
		return &IllegalStateError{Op: "deliver", Status: s.status, Reason: "not connected"}
	}
	if len(cache) > 0 {
		if err := s.sendableLocked("deliver", protocol.ConnCellCache); err != nil {
			return err
		}
	}
	if _, ok := s.conns[protocol.ConnCellChannel]; ok {
		for _, st := range states {
			f, err := frame(protocol.ConnCellChannel, protocol.KindCellState, st)
			if err != nil {
				return err
			}
			batch = append(batch, f)
		}
	}
	if len(batch) == 0 {
		return nil
	}
	return s.enqueueLocked(batch)
}

func (s *Session) sendableLocked(op string, conn protocol.ConnType) error {
	if s.status != Connected {
		return &IllegalStateError{Op: op, Status: s.status, Conn: conn, Reason: "not connected"}
	}
	if _, ok := s.conns[conn]; !ok {
		return &IllegalStateError{Op: op, Status: s.status, Conn: conn, Reason: "connection type not attached"}
	}
	return nil
}

func (s *Session) enqueueLocked(batch [][]byte) error {
	select {
	case s.out <- batch:
		return nil
	default:
		return ErrQueueFull
	}
}

func frame(conn protocol.ConnType, kind protocol.Kind, payload any) ([]byte, error) {
	env, err := protocol.NewEnvelope(conn, kind, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
