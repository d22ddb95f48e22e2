package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const Version = "1.0"

// Handshake and framing message types.
const (
	TypeLogin       = "LOGIN"
	TypeLoginOK     = "LOGIN_OK"
	TypeLoginFailed = "LOGIN_FAILED"
	TypeHello       = "HELLO"
	TypeWelcome     = "WELCOME"
	TypeReject      = "REJECT"
	TypeData        = "DATA"
	TypeError       = "ERROR"
)

// ConnType tags a logical channel multiplexed over one session.
type ConnType string

const (
	ConnCellCache    ConnType = "CELL_CACHE"
	ConnCellChannel  ConnType = "CELL_CHANNEL"
	ConnPresence     ConnType = "PRESENCE"
	ConnAudioControl ConnType = "AUDIO_CONTROL"
)

var knownConns = map[ConnType]struct{}{
	ConnCellCache:    {},
	ConnCellChannel:  {},
	ConnPresence:     {},
	ConnAudioControl: {},
}

func IsKnownConn(c ConnType) bool {
	_, ok := knownConns[c]
	return ok
}

// Kind tags the payload of a DATA envelope within its connection type.
type Kind string

const (
	// CELL_CACHE
	KindCellLoad     Kind = "CELL_LOAD"
	KindCellUnload   Kind = "CELL_UNLOAD"
	KindCellMove     Kind = "CELL_MOVE"
	KindCellReparent Kind = "CELL_REPARENT"
	KindSetRegion    Kind = "SET_REGION"

	// CELL_CHANNEL
	KindCreateCell   Kind = "CREATE_CELL"
	KindDeleteCell   Kind = "DELETE_CELL"
	KindMoveCell     Kind = "MOVE_CELL"
	KindReparentCell Kind = "REPARENT_CELL"
	KindUpdateState  Kind = "UPDATE_STATE"
	KindCellMessage  Kind = "CELL_MESSAGE"
	KindCellState    Kind = "CELL_STATE"
	KindEditResult   Kind = "EDIT_RESULT"

	// PRESENCE
	KindPresenceJoin   Kind = "PRESENCE_JOIN"
	KindPresenceLeave  Kind = "PRESENCE_LEAVE"
	KindPresenceUpdate Kind = "PRESENCE_UPDATE"
)

// ErrUnsupportedKind is returned for a kind that the receiving side of a
// connection type does not implement. Receivers treat it as a protocol
// mismatch and close the session.
var ErrUnsupportedKind = errors.New("protocol: unsupported message kind")

func Unsupported(conn ConnType, kind Kind) error {
	return fmt.Errorf("%w: %s on %s", ErrUnsupportedKind, kind, conn)
}

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// Envelope is the post-handshake frame. Payload is decoded according to
// Conn and Kind.
type Envelope struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Conn            ConnType        `json:"conn"`
	Kind            Kind            `json:"kind"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(conn ConnType, kind Kind, payload any) (Envelope, error) {
	env := Envelope{Type: TypeData, ProtocolVersion: Version, Conn: conn, Kind: kind}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return env, fmt.Errorf("protocol: encode %s: %w", kind, err)
	}
	env.Payload = b
	return env, nil
}

func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("protocol: %s: empty payload", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("protocol: decode %s: %w", e.Kind, err)
	}
	return nil
}

// DecodeCache decodes a server-to-client CELL_CACHE envelope into one of
// CellLoad, CellUnload, CellMove or CellReparent.
func DecodeCache(e Envelope) (any, error) {
	var v any
	switch e.Kind {
	case KindCellLoad:
		v = &CellLoad{}
	case KindCellUnload:
		v = &CellUnload{}
	case KindCellMove:
		v = &CellMove{}
	case KindCellReparent:
		v = &CellReparent{}
	default:
		return nil, Unsupported(e.Conn, e.Kind)
	}
	if err := e.Decode(v); err != nil {
		return nil, err
	}
	return v, nil
}
