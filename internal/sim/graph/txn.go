package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// txn is one optimistic mutation. The read set records what the mutation saw
// of every cell it depended on; commit fails with errStale if any of them
// changed in between, and the operation is prepared again from fresh state.
type txn struct {
	g     *Graph
	cells map[CellID]*record // arena as of prepare; read only

	reads   map[CellID]readMark
	puts    map[CellID]*record
	persist map[CellID]struct{}
	deletes []CellID

	// exclusive commits wait for every other commit to drain first.
	exclusive bool
}

// readMark is what a txn observed of one cell.
type readMark struct {
	present bool
	version uint64
}

type staleError struct{ id CellID }

func (e staleError) Error() string { return fmt.Sprintf("graph: stale read of %s", e.id) }

func (t *txn) get(id CellID) (*record, bool) {
	if r, ok := t.puts[id]; ok {
		return r, r != nil
	}
	r, ok := t.cells[id]
	if _, seen := t.reads[id]; !seen {
		rm := readMark{present: ok}
		if ok {
			rm.version = r.version
		}
		t.reads[id] = rm
	}
	return r, ok
}

// edit returns a writable clone of id that will be installed on commit.
func (t *txn) edit(id CellID, persist bool) (*record, bool) {
	if r, ok := t.puts[id]; ok && r != nil {
		if persist {
			t.persist[id] = struct{}{}
		}
		return r, true
	}
	r, ok := t.get(id)
	if !ok {
		return nil, false
	}
	c := r.clone()
	t.puts[id] = c
	if persist {
		t.persist[id] = struct{}{}
	}
	return c, true
}

func (t *txn) insert(r *record) {
	t.get(r.ID)
	t.puts[r.ID] = r
	t.persist[r.ID] = struct{}{}
}

func (t *txn) remove(id CellID) {
	t.get(id)
	t.puts[id] = nil
	t.deletes = append(t.deletes, id)
}

// touched lists every cell the txn read or writes, sorted, which is the
// order commit locks them in.
func (t *txn) touched() []CellID {
	ids := make([]CellID, 0, len(t.reads)+len(t.puts))
	for id := range t.reads {
		ids = append(ids, id)
	}
	for id := range t.puts {
		if _, ok := t.reads[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// mutate runs prepare against a consistent view of the arena and commits the
// result, retrying when a concurrent commit invalidated the read set.
func (g *Graph) mutate(ctx context.Context, prepare func(t *txn) (Mutation, error)) (Mutation, error) {
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Mutation{}, err
		}
		t := &txn{
			g:       g,
			reads:   map[CellID]readMark{},
			puts:    map[CellID]*record{},
			persist: map[CellID]struct{}{},
		}
		g.mu.RLock()
		t.cells = g.cells
		m, err := prepare(t)
		g.mu.RUnlock()
		if err != nil {
			return Mutation{}, err
		}
		m, err = g.commit(ctx, t, m)
		if err == nil {
			g.dispatch()
			return m, nil
		}
		if _, stale := err.(staleError); stale {
			continue
		}
		return Mutation{}, err
	}
	return Mutation{}, ErrConflict
}

// commit validates, persists and installs t while holding the locks of the
// cells it touched. Commits over disjoint cells run concurrently; only the
// install itself is serialized, under mu, where the generation advances.
func (g *Graph) commit(ctx context.Context, t *txn, m Mutation) (Mutation, error) {
	if t.exclusive {
		g.barrier.Lock()
		defer g.barrier.Unlock()
	} else {
		g.barrier.RLock()
		defer g.barrier.RUnlock()
		unlock := g.locks.lock(t.touched())
		defer unlock()
	}

	g.mu.RLock()
	for id, rm := range t.reads {
		r, ok := g.cells[id]
		if ok != rm.present || (ok && r.version != rm.version) {
			g.mu.RUnlock()
			return m, staleError{id}
		}
	}
	g.mu.RUnlock()

	if g.store != nil {
		if err := g.persist(ctx, t); err != nil {
			return m, err
		}
	}

	g.mu.Lock()
	v := g.gen.Add(1)
	for id, r := range t.puts {
		if r == nil {
			delete(g.cells, id)
			continue
		}
		r.version = v
		g.cells[id] = r
	}
	m.Generation = v
	g.omu.Lock()
	g.outbox = append(g.outbox, m)
	g.omu.Unlock()
	g.mu.Unlock()
	return m, nil
}

// dispatch hands queued mutations to the listeners in generation order. One
// goroutine drains at a time; a caller whose mutation another goroutine is
// delivering waits until that delivery is done.
func (g *Graph) dispatch() {
	g.dmu.Lock()
	defer g.dmu.Unlock()
	for {
		g.omu.Lock()
		batch := g.outbox
		g.outbox = nil
		g.omu.Unlock()
		if len(batch) == 0 {
			return
		}
		g.lmu.RLock()
		ls := append([]Listener(nil), g.listeners...)
		g.lmu.RUnlock()
		for _, m := range batch {
			for _, l := range ls {
				l.OnMutation(m)
			}
		}
	}
}

func (g *Graph) persist(ctx context.Context, t *txn) error {
	tx, err := g.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("graph: begin: %w", err)
	}
	for id := range t.persist {
		r := t.puts[id]
		if r == nil {
			continue
		}
		if err := tx.Put(r.Record); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("graph: put %s: %w", id, err)
		}
	}
	if len(t.deletes) > 0 {
		if err := tx.Delete(t.deletes...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("graph: delete: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("graph: commit: %w", err)
	}
	return nil
}

// cellLocks hands out one mutex per cell ID, created on demand and dropped
// when the last holder releases it.
type cellLocks struct {
	mu    sync.Mutex
	locks map[CellID]*cellLock
}

type cellLock struct {
	sync.Mutex
	refs int
}

// lock acquires the locks of ids, which must be sorted, and returns the
// matching release.
func (c *cellLocks) lock(ids []CellID) func() {
	held := make([]*cellLock, len(ids))
	for i, id := range ids {
		c.mu.Lock()
		if c.locks == nil {
			c.locks = map[CellID]*cellLock{}
		}
		l := c.locks[id]
		if l == nil {
			l = &cellLock{}
			c.locks[id] = l
		}
		l.refs++
		c.mu.Unlock()
		l.Lock()
		held[i] = l
	}
	return func() {
		for i := len(ids) - 1; i >= 0; i-- {
			held[i].Unlock()
			c.mu.Lock()
			held[i].refs--
			if held[i].refs == 0 {
				delete(c.locks, ids[i])
			}
			c.mu.Unlock()
		}
	}
}
