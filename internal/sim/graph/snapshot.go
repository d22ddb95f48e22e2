package graph

import (
	"context"
	"fmt"
	"sort"

	"cellworld.ai/internal/sim/geom"
)

// Node is a cell as seen by a snapshot: its own record plus derived world
// placement. Only cells attached to the root appear in a snapshot.
type Node struct {
	ID        CellID
	ParentID  CellID // RootID for top-level cells
	TypeTag   string
	Transform geom.Transform
	Bounds    geom.AABB
	State     []byte

	Depth    int
	World    geom.Vec3 // world translation
	Computed geom.AABB
}

// Snapshot is an immutable view of the attached tree at one generation.
type Snapshot struct {
	Generation uint64
	nodes      map[CellID]*Node
	order      []CellID // root-to-leaf, then by ID
}

// Snapshot captures the attached tree. Records are immutable, so only the map
// of pointers is copied under the read lock.
func (g *Graph) Snapshot() *Snapshot {
	g.mu.RLock()
	cells := make(map[CellID]*record, len(g.cells))
	for id, r := range g.cells {
		cells[id] = r
	}
	gen := g.gen.Load()
	g.mu.RUnlock()

	s := &Snapshot{Generation: gen, nodes: make(map[CellID]*Node, len(cells))}
	root := cells[RootID]
	if root == nil {
		return s
	}
	var walk func(r *record, depth int, parentWorld geom.Vec3) (geom.AABB, bool)
	walk = func(r *record, depth int, parentWorld geom.Vec3) (geom.AABB, bool) {
		world := parentWorld.Add(r.Transform.Translation)
		var n *Node
		var out geom.AABB
		have := false
		if r.ID != RootID {
			n = &Node{
				ID:        r.ID,
				ParentID:  r.ParentID,
				TypeTag:   r.TypeTag,
				Transform: r.Transform,
				Bounds:    r.Bounds,
				State:     r.State,
				Depth:     depth,
				World:     world,
			}
			s.nodes[r.ID] = n
			out = r.Bounds.Translate(world)
			have = true
		}
		for _, c := range sortedIDs(r.children) {
			cr := cells[c]
			if cr == nil {
				continue
			}
			if _, dup := s.nodes[c]; dup {
				continue
			}
			cb, ok := walk(cr, depth+1, world)
			if !ok {
				continue
			}
			if !have {
				out, have = cb, true
			} else {
				out = out.Union(cb)
			}
		}
		if n != nil {
			n.Computed = out
		}
		return out, have
	}
	walk(root, 0, geom.Vec3{})

	s.order = make([]CellID, 0, len(s.nodes))
	for id := range s.nodes {
		s.order = append(s.order, id)
	}
	sort.Slice(s.order, func(i, j int) bool {
		a, b := s.nodes[s.order[i]], s.nodes[s.order[j]]
		if a.Depth != b.Depth {
			return a.Depth < b.Depth
		}
		return a.ID < b.ID
	})
	return s
}

func (s *Snapshot) Len() int { return len(s.nodes) }

func (s *Snapshot) Node(id CellID) (*Node, bool) {
	n, ok := s.nodes[id]
	return n, ok
}

// Nodes returns attached cells ordered root-to-leaf.
func (s *Snapshot) Nodes() []*Node {
	out := make([]*Node, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.nodes[id])
	}
	return out
}

// Restore replaces the whole graph with recs in one transaction. Used to seed
// a world from an exported snapshot.
func (g *Graph) Restore(ctx context.Context, recs []Record, actor string) error {
	_, err := g.mutate(ctx, func(t *txn) (Mutation, error) {
		t.exclusive = true
		for id := range t.cells {
			if id == RootID {
				continue
			}
			t.remove(id)
		}
		root, _ := t.edit(RootID, false)
		root.children = map[CellID]struct{}{}

		byID := make(map[CellID]*record, len(recs))
		for _, r := range recs {
			if r.ID == "" || r.ID == RootID {
				continue
			}
			r.Transform = r.Transform.Normalize()
			byID[r.ID] = &record{Record: r, children: map[CellID]struct{}{}}
		}
		for id, r := range byID {
			if r.ParentID == "" {
				continue
			}
			if r.ParentID == RootID {
				root.children[id] = struct{}{}
				continue
			}
			p, ok := byID[r.ParentID]
			if !ok {
				return Mutation{}, fmt.Errorf("%w: restore: parent %s of %s", ErrNotFound, r.ParentID, id)
			}
			p.children[id] = struct{}{}
		}
		for _, r := range byID {
			seen := map[CellID]struct{}{r.ID: {}}
			for p := r.ParentID; p != "" && p != RootID; p = byID[p].ParentID {
				if _, loop := seen[p]; loop {
					return Mutation{}, &MultipleParentError{CellID: r.ID, NewParentID: r.ParentID, Cycle: true}
				}
				seen[p] = struct{}{}
			}
		}
		// Deleted ids that are restored become puts again.
		keep := t.deletes[:0]
		for _, id := range t.deletes {
			if _, ok := byID[id]; !ok {
				keep = append(keep, id)
			}
		}
		t.deletes = keep
		for _, r := range byID {
			t.puts[r.ID] = r
			t.persist[r.ID] = struct{}{}
		}
		return Mutation{Kind: MutRestore, CellID: RootID, Actor: actor}, nil
	})
	return err
}
