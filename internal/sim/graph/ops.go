package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"cellworld.ai/internal/sim/geom"
)

var (
	ErrNotFound      = errors.New("graph: cell not found")
	ErrUnknownType   = errors.New("graph: unknown type tag")
	ErrInvalidCell   = errors.New("graph: invalid cell")
	ErrRootImmutable = errors.New("graph: root cannot be modified")
	ErrConflict      = errors.New("graph: too many concurrent conflicts")
)

// MultipleParentError rejects a reparent that would give a cell a second
// parent or create a cycle. The caller must detach the cell first.
type MultipleParentError struct {
	CellID      CellID
	ParentID    CellID // current parent, empty when the rejection is a cycle
	NewParentID CellID
	Cycle       bool
}

func (e *MultipleParentError) Error() string {
	if e.Cycle {
		return fmt.Sprintf("graph: reparenting %s under %s would create a cycle", e.CellID, e.NewParentID)
	}
	return fmt.Sprintf("graph: cell %s already has parent %s (requested %s)", e.CellID, e.ParentID, e.NewParentID)
}

type MutationKind string

const (
	MutCreate   MutationKind = "CREATE"
	MutDelete   MutationKind = "DELETE"
	MutMove     MutationKind = "MOVE"
	MutReparent MutationKind = "REPARENT"
	MutState    MutationKind = "STATE"
	MutRestore  MutationKind = "RESTORE"
)

// Mutation describes a committed change. Listeners see mutations in
// generation order, outside the commit locks, before the mutating call
// returns. They must not mutate the graph.
type Mutation struct {
	Kind        MutationKind
	CellID      CellID
	ParentID    CellID
	OldParentID CellID
	TypeTag     string
	Transform   geom.Transform
	Bounds      geom.AABB
	State       []byte
	Removed     []CellID
	Actor       string
	Generation  uint64
}

type Listener interface {
	OnMutation(m Mutation)
}

type ListenerFunc func(m Mutation)

func (f ListenerFunc) OnMutation(m Mutation) { f(m) }

type CreateRequest struct {
	ParentID  CellID // empty means the root
	TypeTag   string
	State     []byte
	Transform geom.Transform
	Bounds    geom.AABB
	Actor     string
}

func (g *Graph) CreateCell(ctx context.Context, req CreateRequest) (CellID, error) {
	tag := strings.TrimSpace(req.TypeTag)
	if tag == "" {
		return "", fmt.Errorf("%w: empty type tag", ErrUnknownType)
	}
	if g.types != nil {
		if _, ok := g.types[tag]; !ok {
			return "", fmt.Errorf("%w: %q", ErrUnknownType, tag)
		}
	}
	tf := req.Transform.Normalize()
	if !tf.Valid() || !req.Bounds.Valid() {
		return "", ErrInvalidCell
	}
	parentID := req.ParentID
	if parentID == "" {
		parentID = RootID
	}
	id := g.newID()

	m, err := g.mutate(ctx, func(t *txn) (Mutation, error) {
		p, ok := t.edit(parentID, false)
		if !ok {
			return Mutation{}, fmt.Errorf("%w: parent %s", ErrNotFound, parentID)
		}
		p.children[id] = struct{}{}
		t.insert(&record{
			Record: Record{
				ID:        id,
				ParentID:  parentID,
				TypeTag:   tag,
				Transform: tf,
				Bounds:    req.Bounds,
				State:     append([]byte(nil), req.State...),
			},
			children: map[CellID]struct{}{},
		})
		return Mutation{
			Kind:      MutCreate,
			CellID:    id,
			ParentID:  parentID,
			TypeTag:   tag,
			Transform: tf,
			Bounds:    req.Bounds,
			State:     req.State,
			Actor:     req.Actor,
		}, nil
	})
	if err != nil {
		return "", err
	}
	return m.CellID, nil
}

// DeleteCell removes the cell and all descendants. The removed IDs are
// returned parent first.
func (g *Graph) DeleteCell(ctx context.Context, id CellID, actor string) ([]CellID, error) {
	if id == RootID {
		return nil, ErrRootImmutable
	}
	m, err := g.mutate(ctx, func(t *txn) (Mutation, error) {
		r, ok := t.get(id)
		if !ok {
			return Mutation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		var removed []CellID
		queue := []CellID{id}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			cr, ok := t.get(cur)
			if !ok {
				continue
			}
			removed = append(removed, cur)
			queue = append(queue, sortedIDs(cr.children)...)
		}
		if r.ParentID != "" {
			if p, ok := t.edit(r.ParentID, false); ok {
				delete(p.children, id)
			}
		}
		for _, rid := range removed {
			t.remove(rid)
		}
		return Mutation{
			Kind:        MutDelete,
			CellID:      id,
			OldParentID: r.ParentID,
			Removed:     removed,
			Actor:       actor,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return m.Removed, nil
}

// MoveCell sets the cell's transform relative to its parent.
func (g *Graph) MoveCell(ctx context.Context, id CellID, tf geom.Transform, actor string) error {
	if id == RootID {
		return ErrRootImmutable
	}
	tf = tf.Normalize()
	if !tf.Valid() {
		return ErrInvalidCell
	}
	_, err := g.mutate(ctx, func(t *txn) (Mutation, error) {
		r, ok := t.edit(id, true)
		if !ok {
			return Mutation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		r.Transform = tf
		return Mutation{Kind: MutMove, CellID: id, ParentID: r.ParentID, Transform: tf, Actor: actor}, nil
	})
	return err
}

// ReparentCell attaches a detached cell under newParentID, or detaches the
// cell when newParentID is empty. Attaching a cell that already has a parent,
// or under itself or one of its descendants, fails with *MultipleParentError.
func (g *Graph) ReparentCell(ctx context.Context, id, newParentID CellID, actor string) error {
	if id == RootID {
		return ErrRootImmutable
	}
	_, err := g.mutate(ctx, func(t *txn) (Mutation, error) {
		r, ok := t.get(id)
		if !ok {
			return Mutation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if newParentID == "" {
			if r.ParentID == "" {
				return Mutation{Kind: MutReparent, CellID: id}, nil
			}
			if p, ok := t.edit(r.ParentID, false); ok {
				delete(p.children, id)
			}
			c, _ := t.edit(id, true)
			old := c.ParentID
			c.ParentID = ""
			return Mutation{Kind: MutReparent, CellID: id, OldParentID: old, Actor: actor}, nil
		}

		if r.ParentID != "" {
			return Mutation{}, &MultipleParentError{CellID: id, ParentID: r.ParentID, NewParentID: newParentID}
		}
		if _, ok := t.get(newParentID); !ok {
			return Mutation{}, fmt.Errorf("%w: parent %s", ErrNotFound, newParentID)
		}
		// Walk the new parent's ancestors; every step joins the read set so a
		// concurrent reparent along the chain forces a retry.
		seen := map[CellID]struct{}{}
		for a := newParentID; a != "" && a != RootID; {
			if a == id {
				return Mutation{}, &MultipleParentError{CellID: id, NewParentID: newParentID, Cycle: true}
			}
			if _, loop := seen[a]; loop {
				return Mutation{}, &MultipleParentError{CellID: id, NewParentID: newParentID, Cycle: true}
			}
			seen[a] = struct{}{}
			ar, ok := t.get(a)
			if !ok {
				break
			}
			a = ar.ParentID
		}

		p, _ := t.edit(newParentID, false)
		p.children[id] = struct{}{}
		c, _ := t.edit(id, true)
		c.ParentID = newParentID
		return Mutation{Kind: MutReparent, CellID: id, ParentID: newParentID, Transform: c.Transform, Actor: actor}, nil
	})
	return err
}

// UpdateState replaces the cell's opaque state blob.
func (g *Graph) UpdateState(ctx context.Context, id CellID, state []byte, actor string) error {
	if id == RootID {
		return ErrRootImmutable
	}
	_, err := g.mutate(ctx, func(t *txn) (Mutation, error) {
		r, ok := t.edit(id, true)
		if !ok {
			return Mutation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		r.State = append([]byte(nil), state...)
		return Mutation{Kind: MutState, CellID: id, ParentID: r.ParentID, State: r.State, Actor: actor}, nil
	})
	return err
}

// Records returns every non-root cell, sorted by ID.
func (g *Graph) Records() []Record {
	g.mu.RLock()
	out := make([]Record, 0, len(g.cells))
	for id, r := range g.cells {
		if id == RootID {
			continue
		}
		rec := r.Record
		rec.State = append([]byte(nil), r.State...)
		out = append(out, rec)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
