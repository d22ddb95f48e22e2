// Package mirror rebuilds the server's cell tree on the client from
// CELL_CACHE messages and exposes the resulting objects by cell ID.
//
// A CELL_LOAD whose parent is not loaded yet is buffered, FIFO per missing
// parent, and replayed as soon as that parent becomes active. Buffered cells
// report Loading.
package mirror

import (
	"io"
	"log"
	"sort"
	"sync"

	"cellworld.ai/internal/protocol"
	"cellworld.ai/internal/sim/geom"
)

type CellState int

const (
	Unloaded CellState = iota
	Loading
	Active
)

func (s CellState) String() string {
	switch s {
	case Loading:
		return "LOADING"
	case Active:
		return "ACTIVE"
	default:
		return "UNLOADED"
	}
}

type cell struct {
	id        string
	parent    string
	typeTag   string
	transform geom.Transform
	bounds    geom.AABB
	state     []byte
	obj       Object
	children  map[string]struct{}
}

type Mirror struct {
	reg *Registry
	log *log.Logger

	mu    sync.RWMutex
	cells map[string]*cell
	// pending holds buffered loads keyed by the parent they wait for.
	pending map[string][]protocol.CellLoad
	// waiting maps a buffered cell to the parent key it sits under.
	waiting map[string]string
}

func New(reg *Registry, logger *log.Logger) *Mirror {
	if reg == nil {
		reg = NewRegistry()
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Mirror{
		reg:     reg,
		log:     logger,
		cells:   map[string]*cell{},
		pending: map[string][]protocol.CellLoad{},
		waiting: map[string]string{},
	}
}

// Handle applies one CELL_CACHE message. Unknown kinds are returned as
// protocol.ErrUnsupportedKind.
func (m *Mirror) Handle(env protocol.Envelope) error {
	msg, err := protocol.DecodeCache(env)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch v := msg.(type) {
	case *protocol.CellLoad:
		m.load(*v)
	case *protocol.CellUnload:
		m.unload(v.CellID)
	case *protocol.CellMove:
		m.move(v.CellID, v.Transform)
	case *protocol.CellReparent:
		m.reparent(v.CellID, v.NewParentID)
	}
	return nil
}

// HandleState applies a CELL_STATE update from CELL_CHANNEL.
func (m *Mirror) HandleState(cs protocol.CellState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cells[cs.CellID]; ok {
		c.state = cs.State
		if s, ok := c.obj.(Stateful); ok {
			s.SetState(cs.State)
		}
		return
	}
	if parent, ok := m.waiting[cs.CellID]; ok {
		q := m.pending[parent]
		for i := range q {
			if q[i].CellID == cs.CellID {
				q[i].State = cs.State
			}
		}
	}
}

// Detached releases every object; the session is gone.
func (m *Mirror) Detached() {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.cells))
	for id := range m.cells {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		m.cells[id].obj.Release()
	}
	m.cells = map[string]*cell{}
	m.pending = map[string][]protocol.CellLoad{}
	m.waiting = map[string]string{}
}

func (m *Mirror) load(l protocol.CellLoad) {
	if _, ok := m.cells[l.CellID]; ok {
		// Reload of an active cell refreshes it in place.
		m.move(l.CellID, l.Transform)
		c := m.cells[l.CellID]
		c.bounds = l.Bounds
		c.state = l.State
		if s, ok := c.obj.(Stateful); ok {
			s.SetState(l.State)
		}
		if c.parent != l.ParentID {
			m.reparent(l.CellID, l.ParentID)
		}
		return
	}
	m.dropPending(l.CellID)
	if l.ParentID != "" {
		if _, ok := m.cells[l.ParentID]; !ok {
			m.pending[l.ParentID] = append(m.pending[l.ParentID], l)
			m.waiting[l.CellID] = l.ParentID
			return
		}
	}

	queue := []protocol.CellLoad{l}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if !m.activate(next) {
			m.dropChildren(next.CellID)
			continue
		}
		if q := m.pending[next.CellID]; len(q) > 0 {
			delete(m.pending, next.CellID)
			for _, b := range q {
				delete(m.waiting, b.CellID)
			}
			queue = append(queue, q...)
		}
	}
}

func (m *Mirror) activate(l protocol.CellLoad) bool {
	f, ok := m.reg.Lookup(l.TypeTag)
	if !ok {
		m.log.Printf("mirror: cell %s: unknown type tag %q, skipped", l.CellID, l.TypeTag)
		return false
	}
	obj, err := f(l.State, l.Transform)
	if err != nil {
		m.log.Printf("mirror: cell %s: build %s: %v", l.CellID, l.TypeTag, err)
		return false
	}
	c := &cell{
		id:        l.CellID,
		parent:    l.ParentID,
		typeTag:   l.TypeTag,
		transform: l.Transform,
		bounds:    l.Bounds,
		state:     l.State,
		obj:       obj,
		children:  map[string]struct{}{},
	}
	m.cells[l.CellID] = c
	if p, ok := m.cells[l.ParentID]; ok {
		p.children[l.CellID] = struct{}{}
		if po, ok := obj.(Parented); ok {
			po.SetParent(p.obj)
		}
	}
	return true
}

func (m *Mirror) dropPending(id string) bool {
	parent, ok := m.waiting[id]
	if !ok {
		return false
	}
	delete(m.waiting, id)
	q := m.pending[parent]
	out := q[:0]
	for _, b := range q {
		if b.CellID != id {
			out = append(out, b)
		}
	}
	if len(out) == 0 {
		delete(m.pending, parent)
	} else {
		m.pending[parent] = out
	}
	return true
}

// dropChildren discards every load buffered under parent, and everything
// buffered under those in turn. Used when parent will never become active.
func (m *Mirror) dropChildren(parent string) {
	queue := []string{parent}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		for _, b := range m.pending[p] {
			delete(m.waiting, b.CellID)
			m.log.Printf("mirror: cell %s: parent %s will not load, dropped", b.CellID, p)
			queue = append(queue, b.CellID)
		}
		delete(m.pending, p)
	}
}

func (m *Mirror) unload(id string) {
	if m.dropPending(id) {
		m.dropChildren(id)
		return
	}
	c, ok := m.cells[id]
	if !ok {
		return
	}
	if p, ok := m.cells[c.parent]; ok {
		delete(p.children, id)
	}
	for child := range c.children {
		if cc, ok := m.cells[child]; ok {
			cc.parent = ""
			if po, ok := cc.obj.(Parented); ok {
				po.SetParent(nil)
			}
		}
	}
	delete(m.cells, id)
	c.obj.Release()
}

func (m *Mirror) move(id string, tf geom.Transform) {
	if c, ok := m.cells[id]; ok {
		c.transform = tf
		if mv, ok := c.obj.(Movable); ok {
			mv.SetTransform(tf)
		}
		return
	}
	if parent, ok := m.waiting[id]; ok {
		q := m.pending[parent]
		for i := range q {
			if q[i].CellID == id {
				q[i].Transform = tf
			}
		}
		return
	}
	m.log.Printf("mirror: move of unknown cell %s ignored", id)
}

func (m *Mirror) reparent(id, newParent string) {
	c, ok := m.cells[id]
	if !ok {
		m.log.Printf("mirror: reparent of unknown cell %s ignored", id)
		return
	}
	var np *cell
	if newParent != "" {
		np, ok = m.cells[newParent]
		if !ok {
			m.log.Printf("mirror: reparent %s: parent %s not loaded, ignored", id, newParent)
			return
		}
		for a := np; a != nil; a = m.cells[a.parent] {
			if a.id == id {
				m.log.Printf("mirror: reparent %s under %s would form a cycle, ignored", id, newParent)
				return
			}
		}
	}
	if old, ok := m.cells[c.parent]; ok {
		delete(old.children, id)
	}
	c.parent = newParent
	var parentObj Object
	if np != nil {
		np.children[id] = struct{}{}
		parentObj = np.obj
	}
	if po, ok := c.obj.(Parented); ok {
		po.SetParent(parentObj)
	}
}

func (m *Mirror) Status(id string) CellState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.cells[id]; ok {
		return Active
	}
	if _, ok := m.waiting[id]; ok {
		return Loading
	}
	return Unloaded
}

func (m *Mirror) Object(id string) (Object, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cells[id]
	if !ok {
		return nil, false
	}
	return c.obj, true
}

func (m *Mirror) Transform(id string) (geom.Transform, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cells[id]
	if !ok {
		return geom.Transform{}, false
	}
	return c.transform, true
}

func (m *Mirror) Bounds(id string) (geom.AABB, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cells[id]
	if !ok {
		return geom.AABB{}, false
	}
	return c.bounds, true
}

func (m *Mirror) TypeTag(id string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.cells[id]; ok {
		return c.typeTag
	}
	return ""
}

// Parent returns the local parent of an active cell. An empty parent means
// top level, or orphaned after the parent unloaded.
func (m *Mirror) Parent(id string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cells[id]
	if !ok {
		return "", false
	}
	return c.parent, true
}

func (m *Mirror) Children(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cells[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.children))
	for ch := range c.children {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (m *Mirror) State(id string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cells[id]
	if !ok {
		return nil, false
	}
	return c.state, true
}

// Len counts active cells.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cells)
}

// Pending counts buffered loads.
func (m *Mirror) Pending() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.waiting)
}

// IDs lists active cells in ID order.
func (m *Mirror) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.cells))
	for id := range m.cells {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
