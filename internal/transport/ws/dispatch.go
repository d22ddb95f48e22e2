package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cellworld.ai/internal/protocol"
	"cellworld.ai/internal/session"
	"cellworld.ai/internal/sim/graph"
)

const editTimeout = 5 * time.Second

// handleFrame routes one post-handshake frame. Errors wrapping
// protocol.ErrUnsupportedKind end the session; other errors are reported to
// the client as E_PROTO_BAD_REQUEST.
func (s *Server) handleFrame(sess *session.Session, msg []byte) error {
	if s.cfg.Validator != nil {
		if err := s.cfg.Validator.Validate(msg); err != nil {
			return err
		}
	}
	var env protocol.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return err
	}
	if env.Type != protocol.TypeData {
		return fmt.Errorf("unexpected message type %q", env.Type)
	}
	if env.ProtocolVersion != "" && env.ProtocolVersion != protocol.Version {
		return fmt.Errorf("bad protocol_version %q", env.ProtocolVersion)
	}
	if !protocol.IsKnownConn(env.Conn) {
		return protocol.Unsupported(env.Conn, env.Kind)
	}
	if !sess.Attached(env.Conn) {
		return &session.IllegalStateError{Op: "receive", Status: sess.Status(), Conn: env.Conn, Reason: "connection type not attached"}
	}

	switch env.Conn {
	case protocol.ConnCellCache:
		return s.handleCache(sess, env)
	case protocol.ConnCellChannel:
		return s.handleChannel(sess, env)
	case protocol.ConnPresence:
		return s.handlePresence(sess, env)
	default:
		// AUDIO_CONTROL is negotiated but carries no kinds here.
		return protocol.Unsupported(env.Conn, env.Kind)
	}
}

func (s *Server) handleCache(sess *session.Session, env protocol.Envelope) error {
	switch env.Kind {
	case protocol.KindSetRegion:
		var req protocol.SetRegion
		if err := env.Decode(&req); err != nil {
			return err
		}
		if !req.Region.Valid() {
			return fmt.Errorf("invalid region")
		}
		sess.Cache().SetRegion(req.Region)
		if s.cfg.Scheduler != nil {
			s.cfg.Scheduler.MarkDirty()
		}
		return nil
	default:
		return protocol.Unsupported(env.Conn, env.Kind)
	}
}

func (s *Server) handleChannel(sess *session.Session, env protocol.Envelope) error {
	switch env.Kind {
	case protocol.KindCellMessage:
		return s.relayObjectMessage(sess, env)
	case protocol.KindCreateCell, protocol.KindDeleteCell, protocol.KindMoveCell,
		protocol.KindReparentCell, protocol.KindUpdateState:
		return s.handleEdit(sess, env)
	default:
		return protocol.Unsupported(env.Conn, env.Kind)
	}
}

type editFunc func(ctx context.Context) (protocol.EditResult, error)

func (s *Server) handleEdit(sess *session.Session, env protocol.Envelope) error {
	g := s.cfg.Graph
	actor := sess.User()
	var (
		reqID string
		op    editFunc
	)
	switch env.Kind {
	case protocol.KindCreateCell:
		var req protocol.CreateCell
		if err := env.Decode(&req); err != nil {
			return err
		}
		reqID = req.RequestID
		op = func(ctx context.Context) (protocol.EditResult, error) {
			id, err := g.CreateCell(ctx, graph.CreateRequest{
				ParentID:  graph.CellID(req.ParentID),
				TypeTag:   req.TypeTag,
				State:     req.State,
				Transform: req.Transform,
				Bounds:    req.Bounds,
				Actor:     actor,
			})
			return protocol.EditResult{CellID: string(id)}, err
		}
	case protocol.KindDeleteCell:
		var req protocol.DeleteCell
		if err := env.Decode(&req); err != nil {
			return err
		}
		reqID = req.RequestID
		op = func(ctx context.Context) (protocol.EditResult, error) {
			removed, err := g.DeleteCell(ctx, graph.CellID(req.CellID), actor)
			res := protocol.EditResult{CellID: req.CellID}
			for _, id := range removed {
				res.Removed = append(res.Removed, string(id))
			}
			return res, err
		}
	case protocol.KindMoveCell:
		var req protocol.MoveCell
		if err := env.Decode(&req); err != nil {
			return err
		}
		reqID = req.RequestID
		op = func(ctx context.Context) (protocol.EditResult, error) {
			return protocol.EditResult{CellID: req.CellID}, g.MoveCell(ctx, graph.CellID(req.CellID), req.Transform, actor)
		}
	case protocol.KindReparentCell:
		var req protocol.ReparentCell
		if err := env.Decode(&req); err != nil {
			return err
		}
		reqID = req.RequestID
		target := graph.CellID(req.NewParentID)
		switch {
		case req.Detach:
			target = ""
		case target == "":
			target = graph.RootID
		}
		op = func(ctx context.Context) (protocol.EditResult, error) {
			return protocol.EditResult{CellID: req.CellID}, g.ReparentCell(ctx, graph.CellID(req.CellID), target, actor)
		}
	case protocol.KindUpdateState:
		var req protocol.UpdateState
		if err := env.Decode(&req); err != nil {
			return err
		}
		reqID = req.RequestID
		op = func(ctx context.Context) (protocol.EditResult, error) {
			return protocol.EditResult{CellID: req.CellID}, g.UpdateState(ctx, graph.CellID(req.CellID), req.State, actor)
		}
	}

	res := protocol.EditResult{RequestID: reqID}
	switch {
	case g == nil:
		res.Code, res.Message = protocol.ErrInternal, "no world graph"
	case !sess.AllowEdit():
		res.Code, res.Message = protocol.ErrRateLimit, "edit rate exceeded"
	default:
		ctx, cancel := context.WithTimeout(context.Background(), editTimeout)
		r, err := op(ctx)
		cancel()
		r.RequestID = reqID
		if err != nil {
			r.Code, r.Message = editCode(err), err.Error()
			r.Removed = nil
			s.log.Printf("session %s %s rejected: %v", sess.ID(), env.Kind, err)
		} else {
			r.OK = true
		}
		res = r
	}
	if err := sess.Send(protocol.ConnCellChannel, protocol.KindEditResult, res); err != nil {
		s.log.Printf("session %s edit result: %v", sess.ID(), err)
	}
	return nil
}

func editCode(err error) string {
	var mpe *graph.MultipleParentError
	switch {
	case errors.As(err, &mpe):
		if mpe.Cycle {
			return protocol.ErrCycle
		}
		return protocol.ErrMultipleParent
	case errors.Is(err, graph.ErrNotFound):
		return protocol.ErrNotFound
	case errors.Is(err, graph.ErrUnknownType):
		return protocol.ErrUnknownType
	case errors.Is(err, graph.ErrInvalidCell):
		return protocol.ErrBadRequest
	case errors.Is(err, graph.ErrRootImmutable):
		return protocol.ErrRootImmutable
	case errors.Is(err, graph.ErrConflict):
		return protocol.ErrConflict
	default:
		return protocol.ErrInternal
	}
}

func (s *Server) relayObjectMessage(sess *session.Session, env protocol.Envelope) error {
	var m protocol.ObjectMessage
	if err := env.Decode(&m); err != nil {
		return err
	}
	if !sess.Cache().Has(graph.CellID(m.CellID)) {
		return fmt.Errorf("cell %s is not loaded", m.CellID)
	}
	m.From = sess.ID()
	s.cfg.Sessions.Interested(graph.CellID(m.CellID), protocol.ConnCellChannel, protocol.KindCellMessage, m, sess.ID())
	return nil
}

func (s *Server) handlePresence(sess *session.Session, env protocol.Envelope) error {
	switch env.Kind {
	case protocol.KindPresenceUpdate:
		var p protocol.Presence
		if err := env.Decode(&p); err != nil {
			return err
		}
		if p.Position == nil {
			return fmt.Errorf("presence update without position")
		}
		sess.SetPosition(*p.Position)
		s.cfg.Sessions.Broadcast(protocol.ConnPresence, protocol.KindPresenceUpdate, protocol.Presence{
			SessionID: sess.ID(),
			Username:  sess.User(),
			Position:  p.Position,
		}, sess.ID())
		return nil
	default:
		return protocol.Unsupported(env.Conn, env.Kind)
	}
}

// presenceJoin announces sess to the others and, if sess listens for
// presence, introduces the sessions already online.
func (s *Server) presenceJoin(sess *session.Session) {
	if sess.Attached(protocol.ConnPresence) {
		for _, o := range s.cfg.Sessions.List() {
			if o.ID() == sess.ID() {
				continue
			}
			_ = sess.Send(protocol.ConnPresence, protocol.KindPresenceJoin, protocol.Presence{
				SessionID: o.ID(),
				Username:  o.User(),
				Position:  o.Position(),
			})
		}
	}
	s.cfg.Sessions.Broadcast(protocol.ConnPresence, protocol.KindPresenceJoin, protocol.Presence{
		SessionID: sess.ID(),
		Username:  sess.User(),
	}, sess.ID())
}

func (s *Server) presenceLeave(sess *session.Session) {
	s.cfg.Sessions.Broadcast(protocol.ConnPresence, protocol.KindPresenceLeave, protocol.Presence{
		SessionID: sess.ID(),
		Username:  sess.User(),
	}, sess.ID())
}
