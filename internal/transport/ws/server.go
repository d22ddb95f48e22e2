package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"cellworld.ai/internal/auth"
	"cellworld.ai/internal/protocol"
	"cellworld.ai/internal/session"
	"cellworld.ai/internal/sim/geom"
	"cellworld.ai/internal/sim/graph"
	"cellworld.ai/internal/sim/revalidate"
)

type Config struct {
	Graph     *graph.Graph
	Scheduler *revalidate.Scheduler
	Auth      *auth.Authenticator
	Sessions  *session.Registry
	Validator *protocol.Validator
	Log       *log.Logger

	QueueSize     int
	EditRate      rate.Limit
	EditBurst     int
	DefaultRegion geom.AABB

	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
}

type Server struct {
	cfg Config
	log *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = log.New(io.Discard, "", 0)
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewRegistry()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Server{
		cfg: cfg,
		log: cfg.Log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Sessions() *session.Registry { return s.cfg.Sessions }

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	c       *websocket.Conn
	timeout time.Duration
	mu      sync.Mutex
}

func (w *wsConn) write(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(w.timeout))
	return w.c.WriteMessage(websocket.TextMessage, b)
}

func (w *wsConn) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.write(b)
}

func (w *wsConn) close(code int, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		c, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		conn := &wsConn{c: c, timeout: s.cfg.WriteTimeout}

		sess := s.handshake(conn)
		if sess == nil {
			return
		}
		s.serve(conn, sess)
	}
}

func (s *Server) serve(conn *wsConn, sess *session.Session) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.cfg.Sessions.Add(sess)
	if s.cfg.Scheduler != nil && sess.Attached(protocol.ConnCellCache) {
		s.cfg.Scheduler.Register(sess.Cache(), sess)
	}
	s.presenceJoin(sess)
	s.log.Printf("session %s (%s) connected: %v", sess.ID(), sess.User(), sess.Conns())

	// Writer goroutine.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Done():
				return
			case batch := <-sess.Out():
				for _, b := range batch {
					if err := conn.write(b); err != nil {
						cancel()
						_ = conn.c.Close()
						return
					}
				}
			}
		}
	}()

	// Reader loop.
	for {
		_ = conn.c.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		_, msg, err := conn.c.ReadMessage()
		if err != nil {
			break
		}
		if err := s.handleFrame(sess, msg); err != nil {
			if errors.Is(err, protocol.ErrUnsupportedKind) {
				s.log.Printf("session %s: %v; closing", sess.ID(), err)
				_ = conn.writeJSON(failure(protocol.TypeError, protocol.ErrUnsupported, err.Error()))
				conn.close(websocket.CloseUnsupportedData, "unsupported message kind")
				break
			}
			_ = s.sendError(sess, protocol.ErrProtoBadRequest, err.Error())
		}
	}

	// Cleanup.
	cancel()
	if s.cfg.Scheduler != nil {
		s.cfg.Scheduler.Unregister(sess.ID())
	}
	s.cfg.Sessions.Remove(sess.ID())
	sess.Close()
	s.presenceLeave(sess)
	s.log.Printf("session %s (%s) disconnected", sess.ID(), sess.User())
}

func failure(typ, code, msg string) protocol.FailureMsg {
	return protocol.FailureMsg{Type: typ, ProtocolVersion: protocol.Version, Code: code, Message: msg}
}

func (s *Server) sendError(sess *session.Session, code, msg string) error {
	b, err := json.Marshal(failure(protocol.TypeError, code, msg))
	if err != nil {
		return err
	}
	return sess.SendRaw(b)
}

func (s *Server) readFrame(conn *wsConn, want string) ([]byte, bool) {
	_ = conn.c.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	_, msg, err := conn.c.ReadMessage()
	if err != nil {
		return nil, false
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != want {
		conn.close(websocket.ClosePolicyViolation, "expected "+want)
		return nil, false
	}
	if base.ProtocolVersion != protocol.Version {
		typ := protocol.TypeLoginFailed
		if want == protocol.TypeHello {
			typ = protocol.TypeReject
		}
		_ = conn.writeJSON(failure(typ, protocol.ErrProtoVersion, "unsupported protocol_version "+base.ProtocolVersion))
		conn.close(websocket.ClosePolicyViolation, "bad protocol_version")
		return nil, false
	}
	if s.cfg.Validator != nil {
		if err := s.cfg.Validator.Validate(msg); err != nil {
			typ := protocol.TypeLoginFailed
			if want == protocol.TypeHello {
				typ = protocol.TypeReject
			}
			_ = conn.writeJSON(failure(typ, protocol.ErrProtoBadRequest, err.Error()))
			conn.close(websocket.ClosePolicyViolation, "invalid "+want)
			return nil, false
		}
	}
	return msg, true
}

// handshake runs LOGIN then HELLO. It returns nil after reporting any
// failure to the client.
func (s *Server) handshake(conn *wsConn) *session.Session {
	msg, ok := s.readFrame(conn, protocol.TypeLogin)
	if !ok {
		return nil
	}
	var login protocol.LoginMsg
	if err := json.Unmarshal(msg, &login); err != nil {
		return nil
	}
	user, err := s.authenticate(login)
	if err != nil {
		s.log.Printf("login %q failed: %v", login.Username, err)
		_ = conn.writeJSON(failure(protocol.TypeLoginFailed, protocol.ErrAuth, "invalid credentials"))
		conn.close(websocket.ClosePolicyViolation, "login failed")
		return nil
	}
	if err := conn.writeJSON(protocol.LoginOKMsg{Type: protocol.TypeLoginOK, ProtocolVersion: protocol.Version, Username: user}); err != nil {
		return nil
	}

	msg, ok = s.readFrame(conn, protocol.TypeHello)
	if !ok {
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}

	sess := session.New(session.Config{
		ID:        uuid.NewString(),
		User:      user,
		Region:    s.cfg.DefaultRegion,
		QueueSize: s.cfg.QueueSize,
		EditRate:  s.cfg.EditRate,
		EditBurst: s.cfg.EditBurst,
	})
	if err := sess.Attach(hello.Connections...); err != nil {
		_ = conn.writeJSON(failure(protocol.TypeReject, protocol.ErrConnType, err.Error()))
		conn.close(websocket.ClosePolicyViolation, "bad connections")
		return nil
	}

	token := ""
	if s.cfg.Auth != nil {
		token, err = s.cfg.Auth.Issue(user, sess.ID())
		if err != nil {
			s.log.Printf("issue token for %s: %v", user, err)
		}
	}
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sess.ID(),
		Token:           token,
		Connections:     sess.Conns(),
		Region:          sess.Cache().Region(),
	}
	if err := conn.writeJSON(welcome); err != nil {
		return nil
	}
	sess.MarkConnected()
	return sess
}

func (s *Server) authenticate(login protocol.LoginMsg) (string, error) {
	if s.cfg.Auth == nil {
		return "", auth.ErrInvalidCredentials
	}
	if tok := strings.TrimSpace(login.Token); tok != "" {
		c, err := s.cfg.Auth.Verify(tok)
		if err != nil {
			return "", err
		}
		if login.Username != "" && login.Username != c.Username {
			return "", auth.ErrInvalidToken
		}
		return c.Username, nil
	}
	if err := s.cfg.Auth.CheckPassword(login.Username, login.Password); err != nil {
		return "", err
	}
	return login.Username, nil
}
