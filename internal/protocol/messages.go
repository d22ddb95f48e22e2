package protocol

import (
	"encoding/json"

	"cellworld.ai/internal/sim/geom"
)

// LOGIN (client -> server). Either Password or Token is set.
type LoginMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Username        string `json:"username"`
	Password        string `json:"password,omitempty"`
	Token           string `json:"token,omitempty"`
}

// LOGIN_OK (server -> client)
type LoginOKMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Username        string `json:"username"`
}

// LOGIN_FAILED, REJECT and ERROR share one shape.
type FailureMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

// HELLO (client -> server) negotiates the connection types for the session.
type HelloMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Connections     []ConnType `json:"connections"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	SessionID       string     `json:"session_id"`
	Token           string     `json:"token"`
	Connections     []ConnType `json:"connections"`
	Region          geom.AABB  `json:"region"`
}

// CELL_CACHE payloads.

type CellLoad struct {
	CellID    string         `json:"cell_id"`
	ParentID  string         `json:"parent_id,omitempty"`
	TypeTag   string         `json:"type_tag"`
	Transform geom.Transform `json:"transform"`
	Bounds    geom.AABB      `json:"bounds"`
	State     []byte         `json:"state,omitempty"`
}

type CellUnload struct {
	CellID string `json:"cell_id"`
}

type CellMove struct {
	CellID    string         `json:"cell_id"`
	Transform geom.Transform `json:"transform"`
}

// CellReparent moves a loaded cell under another loaded parent. An empty
// NewParentID places it at the top level.
type CellReparent struct {
	CellID      string `json:"cell_id"`
	NewParentID string `json:"new_parent_id,omitempty"`
}

type SetRegion struct {
	Region geom.AABB `json:"region"`
}

// CELL_CHANNEL payloads. RequestID is echoed in the EDIT_RESULT.

type CreateCell struct {
	RequestID string         `json:"request_id"`
	ParentID  string         `json:"parent_id,omitempty"`
	TypeTag   string         `json:"type_tag"`
	Transform geom.Transform `json:"transform"`
	Bounds    geom.AABB      `json:"bounds"`
	State     []byte         `json:"state,omitempty"`
}

type DeleteCell struct {
	RequestID string `json:"request_id"`
	CellID    string `json:"cell_id"`
}

type MoveCell struct {
	RequestID string         `json:"request_id"`
	CellID    string         `json:"cell_id"`
	Transform geom.Transform `json:"transform"`
}

// ReparentCell attaches a detached cell under NewParentID, or at the top
// level when NewParentID is empty. Detach removes the cell from its parent.
type ReparentCell struct {
	RequestID   string `json:"request_id"`
	CellID      string `json:"cell_id"`
	NewParentID string `json:"new_parent_id,omitempty"`
	Detach      bool   `json:"detach,omitempty"`
}

type UpdateState struct {
	RequestID string `json:"request_id"`
	CellID    string `json:"cell_id"`
	State     []byte `json:"state"`
}

type EditResult struct {
	RequestID string   `json:"request_id"`
	OK        bool     `json:"ok"`
	Code      string   `json:"code,omitempty"`
	Message   string   `json:"message,omitempty"`
	CellID    string   `json:"cell_id,omitempty"`
	Removed   []string `json:"removed,omitempty"`
}

type CellState struct {
	CellID string `json:"cell_id"`
	State  []byte `json:"state"`
}

// ObjectMessage is an application message addressed to a cell. The server
// stamps From and relays it to every other session that has the cell loaded.
type ObjectMessage struct {
	CellID string          `json:"cell_id"`
	From   string          `json:"from,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// PRESENCE payloads.

type Presence struct {
	SessionID string     `json:"session_id"`
	Username  string     `json:"username"`
	Position  *geom.Vec3 `json:"position,omitempty"`
}
