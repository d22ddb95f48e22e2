// Package viewcache keeps, per connected client, the set of cells that client
// has loaded and turns changes in the world graph into ordered CELL_CACHE
// messages.
package viewcache

import (
	"errors"
	"sort"
	"sync"

	"cellworld.ai/internal/protocol"
	"cellworld.ai/internal/sim/geom"
	"cellworld.ai/internal/sim/graph"
	"cellworld.ai/internal/sim/interest"
)

var ErrClosed = errors.New("viewcache: closed")

// Cache is the server-side record of one client's loaded cells. It is only
// advanced once the messages describing a change were handed to the client's
// outbound queue, so a failed delivery is retried on the next sync.
type Cache struct {
	owner string

	mu        sync.Mutex
	region    geom.AABB
	regionVer uint64
	loaded    map[graph.CellID]Published
	// outside counts consecutive syncs a loaded cell spent beyond the region
	// margin.
	outside map[graph.CellID]int
	// gone holds cells unloaded out of band, keyed to the generation of the
	// delete, so an older snapshot cannot load them again.
	gone map[graph.CellID]uint64

	dirty        bool
	synced       bool
	syncedGen    uint64
	syncedRegion uint64
	closed       bool
}

// New creates the cache owned by the session with the given ID.
func New(owner string, region geom.AABB) *Cache {
	return &Cache{
		owner:   owner,
		region:  region,
		loaded:  map[graph.CellID]Published{},
		outside: map[graph.CellID]int{},
		gone:    map[graph.CellID]uint64{},
		dirty:   true,
	}
}

func (c *Cache) Owner() string { return c.owner }

func (c *Cache) Region() geom.AABB {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.region
}

func (c *Cache) SetRegion(r geom.AABB) {
	c.mu.Lock()
	c.region = r
	c.regionVer++
	c.mu.Unlock()
}

func (c *Cache) MarkDirty() {
	c.mu.Lock()
	c.dirty = true
	c.mu.Unlock()
}

// NeedsSync reports whether a sync against generation gen could change
// anything for this client.
func (c *Cache) NeedsSync(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	return c.dirty || !c.synced || gen != c.syncedGen || c.regionVer != c.syncedRegion || len(c.outside) > 0
}

func (c *Cache) Has(id graph.CellID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.loaded[id]
	return ok
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.loaded)
}

// Loaded returns the loaded cell IDs, sorted.
func (c *Cache) Loaded() []graph.CellID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]graph.CellID, 0, len(c.loaded))
	for id := range c.loaded {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close releases the loaded set. Later syncs and pushes fail with ErrClosed.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	c.loaded = map[graph.CellID]Published{}
	c.outside = map[graph.CellID]int{}
	c.gone = map[graph.CellID]uint64{}
	c.mu.Unlock()
}

// Revalidate computes the diff that would bring the client up to date with
// snap. The cache is not modified; see Commit.
func (c *Cache) Revalidate(snap *graph.Snapshot, p interest.Policy) Diff {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revalidate(snap, p)
}

// Commit records d as delivered.
func (c *Cache) Commit(d Diff) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commit(d)
}

// Sync revalidates against snap and hands a non-empty diff to deliver. The
// cache advances only if deliver succeeds; otherwise it stays dirty.
func (c *Cache) Sync(snap *graph.Snapshot, p interest.Policy, deliver func(Diff) error) (Diff, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Diff{}, ErrClosed
	}
	d := c.revalidate(snap, p)
	if !d.Empty() {
		if err := deliver(d); err != nil {
			c.dirty = true
			return d, err
		}
	}
	c.commit(d)
	return d, nil
}

func (c *Cache) revalidate(snap *graph.Snapshot, p interest.Policy) Diff {
	keep := map[graph.CellID]struct{}{}
	outside := map[graph.CellID]int{}
	var visible []*graph.Node
	for _, n := range snap.Nodes() {
		// Nodes are root-to-leaf, so a cell whose parent was dropped is
		// dropped too and the client never holds an orphan.
		if n.ParentID != graph.RootID {
			if _, ok := keep[n.ParentID]; !ok {
				continue
			}
		}
		if gen, ok := c.gone[n.ID]; ok && snap.Generation < gen {
			continue
		}
		_, loaded := c.loaded[n.ID]
		dec, cnt := p.Decide(n.Computed, c.region, loaded, c.outside[n.ID])
		if dec == interest.Hidden {
			continue
		}
		if cnt > 0 {
			outside[n.ID] = cnt
		}
		keep[n.ID] = struct{}{}
		visible = append(visible, n)
	}

	d := ComputeDiff(c.loaded, visible)
	moves := d.Move[:0]
	for _, n := range d.Move {
		if c.loaded[n.ID].Gen > snap.Generation {
			continue
		}
		moves = append(moves, n)
	}
	d.Move = moves
	states := d.State[:0]
	for _, n := range d.State {
		if c.loaded[n.ID].StateGen > snap.Generation {
			continue
		}
		states = append(states, n)
	}
	d.State = states
	d.Generation = snap.Generation
	d.outside = outside
	d.regionVer = c.regionVer
	return d
}

func (c *Cache) commit(d Diff) {
	for _, n := range d.Load {
		c.loaded[n.ID] = Published{
			ParentID:    n.ParentID,
			Depth:       n.Depth,
			Fingerprint: Fingerprint(n.Transform),
			Gen:         d.Generation,
			StateHash:   StateHash(n.State),
			StateGen:    d.Generation,
		}
	}
	for _, n := range d.Reparent {
		p := c.loaded[n.ID]
		p.ParentID = n.ParentID
		p.Depth = n.Depth
		c.loaded[n.ID] = p
	}
	for _, n := range d.Move {
		p := c.loaded[n.ID]
		p.Fingerprint = Fingerprint(n.Transform)
		p.Gen = d.Generation
		c.loaded[n.ID] = p
	}
	for _, n := range d.State {
		p := c.loaded[n.ID]
		p.StateHash = StateHash(n.State)
		p.StateGen = d.Generation
		c.loaded[n.ID] = p
	}
	for _, id := range d.Unload {
		delete(c.loaded, id)
	}
	if d.outside != nil {
		c.outside = d.outside
	}
	for id, gen := range c.gone {
		if gen <= d.Generation {
			delete(c.gone, id)
		}
	}
	c.dirty = false
	c.synced = true
	c.syncedGen = d.Generation
	c.syncedRegion = d.regionVer
}

// PushMove delivers an out-of-band move for a loaded cell. It reports whether
// a message was delivered; cells the client does not have, or already has at
// a newer generation, are skipped.
func (c *Cache) PushMove(id graph.CellID, tf geom.Transform, gen uint64, deliver func(Message) error) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrClosed
	}
	p, ok := c.loaded[id]
	if !ok || p.Gen >= gen {
		return false, nil
	}
	fp := Fingerprint(tf)
	if fp == p.Fingerprint {
		p.Gen = gen
		c.loaded[id] = p
		return false, nil
	}
	if err := deliver(MoveMessage(id, tf)); err != nil {
		c.dirty = true
		return false, err
	}
	p.Fingerprint = fp
	p.Gen = gen
	c.loaded[id] = p
	return true, nil
}

// PushState delivers an out-of-band state update for a loaded cell.
func (c *Cache) PushState(id graph.CellID, state []byte, gen uint64, deliver func(protocol.CellState) error) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrClosed
	}
	p, ok := c.loaded[id]
	if !ok || p.StateGen >= gen {
		return false, nil
	}
	h := StateHash(state)
	changed := h != p.StateHash
	if changed {
		if err := deliver(protocol.CellState{CellID: string(id), State: state}); err != nil {
			c.dirty = true
			return false, err
		}
	}
	p.StateHash = h
	p.StateGen = gen
	c.loaded[id] = p
	return changed, nil
}

// PushUnload delivers out-of-band unloads for the removed cells this client
// has loaded, deepest first. removed is expected parent first, as returned by
// graph.DeleteCell.
func (c *Cache) PushUnload(removed []graph.CellID, gen uint64, deliver func([]Message) error) ([]graph.CellID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	var ids []graph.CellID
	var msgs []Message
	for i := len(removed) - 1; i >= 0; i-- {
		id := removed[i]
		if _, ok := c.loaded[id]; !ok {
			continue
		}
		ids = append(ids, id)
		msgs = append(msgs, UnloadMessage(id))
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if err := deliver(msgs); err != nil {
		c.dirty = true
		return nil, err
	}
	for _, id := range ids {
		delete(c.loaded, id)
		delete(c.outside, id)
		c.gone[id] = gen
	}
	return ids, nil
}
