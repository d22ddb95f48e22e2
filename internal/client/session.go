// Package client is the client side of a cellworld session: one websocket
// carrying several typed connections, each served by its own Handler.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cellworld.ai/internal/protocol"
	"cellworld.ai/internal/session"
	"cellworld.ai/internal/sim/geom"
)

// Handler consumes the messages of one connection type. Handle is called
// from the session's reader goroutine in arrival order; returning an error
// that wraps protocol.ErrUnsupportedKind ends the session.
type Handler interface {
	Handle(env protocol.Envelope) error
	Detached()
}

// Funcs adapts plain functions to Handler.
type Funcs struct {
	OnMessage  func(env protocol.Envelope) error
	OnDetached func()
}

func (f Funcs) Handle(env protocol.Envelope) error {
	if f.OnMessage == nil {
		return protocol.Unsupported(env.Conn, env.Kind)
	}
	return f.OnMessage(env)
}

func (f Funcs) Detached() {
	if f.OnDetached != nil {
		f.OnDetached()
	}
}

type Credentials struct {
	Password string
	Token    string
}

// LoginFailure is returned by Login when either the transport login or the
// HELLO negotiation does not succeed.
type LoginFailure struct {
	Stage   string // dial, login or hello
	Code    string
	Message string
	Err     error
}

func (e *LoginFailure) Error() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf("client: %s failed: %s: %s", e.Stage, e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("client: %s failed: %v", e.Stage, e.Err)
	default:
		return fmt.Sprintf("client: %s failed", e.Stage)
	}
}

func (e *LoginFailure) Unwrap() error { return e.Err }

// ServerError is an ERROR frame received after the handshake.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string { return fmt.Sprintf("server error %s: %s", e.Code, e.Message) }

type Config struct {
	URL      string
	Username string
	Dialer   *websocket.Dialer

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// OnError receives asynchronous failures: ERROR frames, handler errors
	// and the transport error that ended the session.
	OnError func(err error)
	// OnStatus observes every status transition. It runs with the session
	// lock held and must not call back into the Session.
	OnStatus func(st session.Status)
	Log      *log.Logger
}

type Session struct {
	cfg Config
	log *log.Logger

	mu       sync.RWMutex
	status   session.Status
	handlers map[protocol.ConnType]Handler
	conn     *websocket.Conn
	id       string
	token    string
	region   geom.AABB
	done     chan struct{}

	writeMu sync.Mutex
}

func NewSession(cfg Config) *Session {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	logger := cfg.Log
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Session{
		cfg:      cfg,
		log:      logger,
		status:   session.Disconnected,
		handlers: map[protocol.ConnType]Handler{},
	}
}

func (s *Session) Status() session.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Token is the resume token issued at WELCOME.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Region is the interest region the server assigned at WELCOME.
func (s *Session) Region() geom.AABB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.region
}

// Done is closed when the current connection ends. It is nil before the
// first Login.
func (s *Session) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

func (s *Session) setStatusLocked(st session.Status) {
	s.status = st
	if s.cfg.OnStatus != nil {
		s.cfg.OnStatus(st)
	}
}

// Attach registers h for connection type ct. Attaching is only allowed while
// disconnected, once per type.
func (s *Session) Attach(ct protocol.ConnType, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != session.Disconnected {
		return &session.IllegalStateError{Op: "attach", Status: s.status, Conn: ct, Reason: "session not disconnected"}
	}
	if h == nil {
		return &session.IllegalStateError{Op: "attach", Status: s.status, Conn: ct, Reason: "nil handler"}
	}
	if _, dup := s.handlers[ct]; dup {
		return &session.IllegalStateError{Op: "attach", Status: s.status, Conn: ct, Reason: "already attached"}
	}
	s.handlers[ct] = h
	return nil
}

func (s *Session) attachedLocked() []protocol.ConnType {
	out := make([]protocol.ConnType, 0, len(s.handlers))
	for ct := range s.handlers {
		out = append(out, ct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Login connects, authenticates and negotiates the attached connection
// types. It blocks until the server has answered both LOGIN and HELLO. On
// failure the session is DISCONNECTED and the error is a *LoginFailure.
func (s *Session) Login(ctx context.Context, creds Credentials) error {
	s.mu.Lock()
	if s.status != session.Disconnected {
		st := s.status
		s.mu.Unlock()
		return &session.IllegalStateError{Op: "login", Status: st, Reason: "session not disconnected"}
	}
	s.setStatusLocked(session.Connecting)
	conns := s.attachedLocked()
	s.mu.Unlock()

	fail := func(lf *LoginFailure) error {
		s.mu.Lock()
		s.setStatusLocked(session.Disconnected)
		s.mu.Unlock()
		return lf
	}

	conn, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fail(&LoginFailure{Stage: "dial", Err: err})
	}

	// Unblock handshake reads if ctx ends first.
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()
	welcome, lf := s.handshake(conn, creds, conns)
	close(stop)
	if lf == nil && ctx.Err() != nil {
		lf = &LoginFailure{Stage: "hello", Err: ctx.Err()}
	}
	if lf != nil {
		_ = conn.Close()
		return fail(lf)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.conn = conn
	s.id = welcome.SessionID
	s.token = welcome.Token
	s.region = welcome.Region
	s.done = done
	s.setStatusLocked(session.Connected)
	s.mu.Unlock()

	go s.readLoop(conn, done)
	return nil
}

func (s *Session) handshake(conn *websocket.Conn, creds Credentials, conns []protocol.ConnType) (protocol.WelcomeMsg, *LoginFailure) {
	var welcome protocol.WelcomeMsg
	login := protocol.LoginMsg{
		Type:            protocol.TypeLogin,
		ProtocolVersion: protocol.Version,
		Username:        s.cfg.Username,
		Password:        creds.Password,
		Token:           creds.Token,
	}
	if err := s.writeHandshake(conn, login); err != nil {
		return welcome, &LoginFailure{Stage: "login", Err: err}
	}
	raw, base, err := s.readHandshake(conn)
	if err != nil {
		return welcome, &LoginFailure{Stage: "login", Err: err}
	}
	if base.Type != protocol.TypeLoginOK {
		return welcome, failureFrom("login", raw, base)
	}

	hello := protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, Connections: conns}
	if err := s.writeHandshake(conn, hello); err != nil {
		return welcome, &LoginFailure{Stage: "hello", Err: err}
	}
	raw, base, err = s.readHandshake(conn)
	if err != nil {
		return welcome, &LoginFailure{Stage: "hello", Err: err}
	}
	if base.Type != protocol.TypeWelcome {
		return welcome, failureFrom("hello", raw, base)
	}
	if err := json.Unmarshal(raw, &welcome); err != nil {
		return welcome, &LoginFailure{Stage: "hello", Err: err}
	}
	return welcome, nil
}

func failureFrom(stage string, raw []byte, base protocol.BaseMessage) *LoginFailure {
	var f protocol.FailureMsg
	if err := json.Unmarshal(raw, &f); err != nil || f.Code == "" {
		return &LoginFailure{Stage: stage, Message: "unexpected " + base.Type}
	}
	return &LoginFailure{Stage: stage, Code: f.Code, Message: f.Message}
}

func (s *Session) writeHandshake(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (s *Session) readHandshake(conn *websocket.Conn) ([]byte, protocol.BaseMessage, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, protocol.BaseMessage{}, err
	}
	base, err := protocol.DecodeBase(raw)
	if err != nil {
		return nil, base, err
	}
	return raw, base, nil
}

// Send writes one message on connection type ct. It fails with
// *session.IllegalStateError unless the session is connected and ct is
// attached.
func (s *Session) Send(ct protocol.ConnType, kind protocol.Kind, payload any) error {
	s.mu.RLock()
	st, conn := s.status, s.conn
	_, attached := s.handlers[ct]
	s.mu.RUnlock()
	if st != session.Connected || conn == nil {
		return &session.IllegalStateError{Op: "send", Status: st, Conn: ct, Reason: "not connected"}
	}
	if !attached {
		return &session.IllegalStateError{Op: "send", Status: st, Conn: ct, Reason: "connection type not attached"}
	}
	env, err := protocol.NewEnvelope(ct, kind, payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

// Disconnect closes the connection, detaches every handler after notifying
// it, and leaves the session DISCONNECTED. Messages in flight may be lost.
func (s *Session) Disconnect() {
	s.disconnect(nil)
}

func (s *Session) disconnect(cause error) {
	s.mu.Lock()
	if s.status == session.Disconnected || s.conn == nil {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	handlers := s.handlers
	done := s.done
	s.conn = nil
	s.handlers = map[protocol.ConnType]Handler{}
	s.mu.Unlock()

	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()
	}
	for _, h := range handlers {
		h.Detached()
	}

	s.mu.Lock()
	s.setStatusLocked(session.Disconnected)
	s.mu.Unlock()
	if cause != nil {
		s.report(cause)
	}
	close(done)
}

func (s *Session) report(err error) {
	s.log.Printf("session %s: %v", s.ID(), err)
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}

func (s *Session) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				s.disconnect(fmt.Errorf("connection lost: %w", err))
			}
			return
		}
		if err := s.dispatch(raw); err != nil {
			if errors.Is(err, protocol.ErrUnsupportedKind) {
				s.disconnect(err)
				return
			}
			s.report(err)
		}
	}
}

func (s *Session) dispatch(raw []byte) error {
	base, err := protocol.DecodeBase(raw)
	if err != nil {
		return fmt.Errorf("bad frame: %w", err)
	}
	switch base.Type {
	case protocol.TypeData:
	case protocol.TypeError:
		var f protocol.FailureMsg
		_ = json.Unmarshal(raw, &f)
		if f.Code == protocol.ErrUnsupported {
			return fmt.Errorf("%w: server: %s", protocol.ErrUnsupportedKind, f.Message)
		}
		return &ServerError{Code: f.Code, Message: f.Message}
	default:
		return fmt.Errorf("%w: frame type %s", protocol.ErrUnsupportedKind, base.Type)
	}

	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("bad envelope: %w", err)
	}
	s.mu.RLock()
	h := s.handlers[env.Conn]
	s.mu.RUnlock()
	if h == nil {
		return protocol.Unsupported(env.Conn, env.Kind)
	}
	return h.Handle(env)
}

// Login dials addr and logs username in with handlers attached. It is a
// shortcut for NewSession, Attach and Session.Login.
func Login(ctx context.Context, addr, username string, creds Credentials, handlers map[protocol.ConnType]Handler) (*Session, error) {
	s := NewSession(Config{URL: addr, Username: username})
	for ct, h := range handlers {
		if err := s.Attach(ct, h); err != nil {
			return nil, err
		}
	}
	if err := s.Login(ctx, creds); err != nil {
		return nil, err
	}
	return s, nil
}
