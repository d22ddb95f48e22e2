package viewcache

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"

	"cellworld.ai/internal/protocol"
	"cellworld.ai/internal/sim/geom"
	"cellworld.ai/internal/sim/graph"
)

// Published is what a client was last told about one loaded cell.
type Published struct {
	ParentID    graph.CellID
	Depth       int
	Fingerprint uint64
	// Gen is the graph generation the published transform was taken from.
	Gen uint64

	StateHash uint64
	StateGen  uint64
}

// Diff is the change set that brings a client from its loaded set to a new
// visible set.
type Diff struct {
	Generation uint64

	Load     []*graph.Node  // root-to-leaf
	Reparent []*graph.Node  // loaded cells whose parent changed
	Move     []*graph.Node  // loaded cells whose local transform changed
	Unload   []graph.CellID // deepest first
	State    []*graph.Node  // loaded cells whose state blob changed
	unloadAt map[graph.CellID]int

	outside   map[graph.CellID]int
	regionVer uint64
}

func (d Diff) Empty() bool {
	return len(d.Load) == 0 && len(d.Reparent) == 0 && len(d.Move) == 0 && len(d.Unload) == 0 && len(d.State) == 0
}

// Fingerprint hashes a transform for change detection.
func Fingerprint(tf geom.Transform) uint64 {
	var buf [80]byte
	vals := [10]float64{
		tf.Translation.X, tf.Translation.Y, tf.Translation.Z,
		tf.Rotation.X, tf.Rotation.Y, tf.Rotation.Z, tf.Rotation.W,
		tf.Scale.X, tf.Scale.Y, tf.Scale.Z,
	}
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return xxhash.Sum64(buf[:])
}

// StateHash hashes a state blob. The empty blob hashes to zero.
func StateHash(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return xxhash.Sum64(b)
}

// ComputeDiff compares the published state of a client with the nodes that
// should now be visible to it. It does not modify current.
func ComputeDiff(current map[graph.CellID]Published, visible []*graph.Node) Diff {
	var d Diff
	seen := make(map[graph.CellID]struct{}, len(visible))
	for _, n := range visible {
		seen[n.ID] = struct{}{}
		p, ok := current[n.ID]
		if !ok {
			d.Load = append(d.Load, n)
			continue
		}
		if p.ParentID != n.ParentID {
			d.Reparent = append(d.Reparent, n)
		}
		if p.Fingerprint != Fingerprint(n.Transform) {
			d.Move = append(d.Move, n)
		}
		if p.StateHash != StateHash(n.State) {
			d.State = append(d.State, n)
		}
	}
	d.unloadAt = map[graph.CellID]int{}
	for id, p := range current {
		if _, ok := seen[id]; ok {
			continue
		}
		d.Unload = append(d.Unload, id)
		d.unloadAt[id] = p.Depth
	}

	byDepth := func(ns []*graph.Node) {
		sort.Slice(ns, func(i, j int) bool {
			if ns[i].Depth != ns[j].Depth {
				return ns[i].Depth < ns[j].Depth
			}
			return ns[i].ID < ns[j].ID
		})
	}
	byDepth(d.Load)
	byDepth(d.Reparent)
	byDepth(d.Move)
	byDepth(d.State)
	sort.Slice(d.Unload, func(i, j int) bool {
		a, b := d.Unload[i], d.Unload[j]
		if d.unloadAt[a] != d.unloadAt[b] {
			return d.unloadAt[a] > d.unloadAt[b]
		}
		return a < b
	})
	return d
}

// Message is one CELL_CACHE message of a diff batch.
type Message struct {
	Kind    protocol.Kind
	Payload any
}

// Messages renders the diff in send order: loads root-to-leaf, then
// reparents, then moves, then unloads deepest first.
func (d Diff) Messages() []Message {
	out := make([]Message, 0, len(d.Load)+len(d.Reparent)+len(d.Move)+len(d.Unload))
	for _, n := range d.Load {
		out = append(out, Message{Kind: protocol.KindCellLoad, Payload: LoadPayload(n)})
	}
	for _, n := range d.Reparent {
		out = append(out, Message{Kind: protocol.KindCellReparent, Payload: protocol.CellReparent{
			CellID:      string(n.ID),
			NewParentID: WireParent(n.ParentID),
		}})
	}
	for _, n := range d.Move {
		out = append(out, MoveMessage(n.ID, n.Transform))
	}
	for _, id := range d.Unload {
		out = append(out, UnloadMessage(id))
	}
	return out
}

// States returns the CELL_STATE payloads for loaded cells whose state changed.
// They travel on CELL_CHANNEL, separately from Messages.
func (d Diff) States() []protocol.CellState {
	out := make([]protocol.CellState, 0, len(d.State))
	for _, n := range d.State {
		out = append(out, protocol.CellState{CellID: string(n.ID), State: n.State})
	}
	return out
}

func MoveMessage(id graph.CellID, tf geom.Transform) Message {
	return Message{Kind: protocol.KindCellMove, Payload: protocol.CellMove{CellID: string(id), Transform: tf}}
}

func UnloadMessage(id graph.CellID) Message {
	return Message{Kind: protocol.KindCellUnload, Payload: protocol.CellUnload{CellID: string(id)}}
}

func LoadPayload(n *graph.Node) protocol.CellLoad {
	return protocol.CellLoad{
		CellID:    string(n.ID),
		ParentID:  WireParent(n.ParentID),
		TypeTag:   n.TypeTag,
		Transform: n.Transform,
		Bounds:    n.Bounds,
		State:     n.State,
	}
}

// WireParent hides the world root from clients.
func WireParent(id graph.CellID) string {
	if id == graph.RootID {
		return ""
	}
	return string(id)
}
