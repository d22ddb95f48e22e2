package graph

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"cellworld.ai/internal/sim/geom"
)

type memStore struct {
	mu        sync.Mutex
	rows      map[CellID]Record
	failNext  bool
	commits   int
	rollbacks int
}

func newMemStore() *memStore { return &memStore{rows: map[CellID]Record{}} }

func (s *memStore) Begin(ctx context.Context) (Tx, error) {
	return &memTx{s: s, puts: map[CellID]Record{}}, nil
}

func (s *memStore) LoadAll(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memTx struct {
	s    *memStore
	puts map[CellID]Record
	dels []CellID
}

func (t *memTx) Put(r Record) error       { t.puts[r.ID] = r; return nil }
func (t *memTx) Delete(ids ...CellID) error { t.dels = append(t.dels, ids...); return nil }

func (t *memTx) Commit() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.s.failNext {
		t.s.failNext = false
		return errors.New("disk full")
	}
	for id, r := range t.puts {
		t.s.rows[id] = r
	}
	for _, id := range t.dels {
		delete(t.s.rows, id)
	}
	t.s.commits++
	return nil
}

func (t *memTx) Rollback() error {
	t.s.mu.Lock()
	t.s.rollbacks++
	t.s.mu.Unlock()
	return nil
}

func TestStore_CommitFailureLeavesArenaUntouched(t *testing.T) {
	st := newMemStore()
	g := New(Config{Store: st})
	ctx := context.Background()
	a := mustCreate(t, g, "", geom.Box(0, 0, 0, 1, 1, 1), geom.Identity())
	gen := g.Generation()

	st.failNext = true
	err := g.MoveCell(ctx, a, geom.At(5, 5, 5), "u1")
	require.Error(t, err)
	require.Equal(t, 1, st.rollbacks)
	require.Equal(t, gen, g.Generation())

	ca, _ := g.Cell(a)
	require.Equal(t, geom.Vec3{}, ca.Transform.Translation)
	require.Equal(t, geom.Vec3{}, st.rows[a].Transform.Translation)
}

func TestStore_PersistsAndReloads(t *testing.T) {
	st := newMemStore()
	g := New(Config{Store: st})
	ctx := context.Background()
	a := mustCreate(t, g, "", geom.Box(0, 0, 0, 1, 1, 1), geom.At(1, 2, 3))
	b := mustCreate(t, g, a, geom.Box(0, 0, 0, 1, 1, 1), geom.Identity())
	c := mustCreate(t, g, b, geom.Box(0, 0, 0, 1, 1, 1), geom.Identity())
	require.NoError(t, g.UpdateState(ctx, b, []byte("hello"), "u1"))
	_, err := g.DeleteCell(ctx, c, "u1")
	require.NoError(t, err)
	require.Len(t, st.rows, 2)

	g2 := New(Config{Store: st})
	n, err := g2.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	cb, ok := g2.Cell(b)
	require.True(t, ok)
	require.Equal(t, a, cb.ParentID)
	require.Equal(t, "hello", string(cb.State))
	ca, _ := g2.Cell(a)
	require.Equal(t, []CellID{b}, ca.Children)
	require.Equal(t, geom.V3(1, 2, 3), ca.Transform.Translation)
}

func TestLoad_DetachesOrphansAndCycles(t *testing.T) {
	st := newMemStore()
	st.rows["x"] = Record{ID: "x", ParentID: "ghost", TypeTag: "box"}
	st.rows["p"] = Record{ID: "p", ParentID: "q", TypeTag: "box"}
	st.rows["q"] = Record{ID: "q", ParentID: "p", TypeTag: "box"}
	st.rows["ok"] = Record{ID: "ok", ParentID: RootID, TypeTag: "box"}

	g := New(Config{Store: st})
	_, err := g.Load(context.Background())
	require.NoError(t, err)

	x, _ := g.Cell("x")
	require.Equal(t, CellID(""), x.ParentID)
	assertAcyclic(t, g)
	_, ok := g.Snapshot().Node("ok")
	require.True(t, ok)
}

func TestRestore_ReplacesGraph(t *testing.T) {
	st := newMemStore()
	g := New(Config{Store: st})
	old := mustCreate(t, g, "", geom.Box(0, 0, 0, 1, 1, 1), geom.Identity())

	recs := []Record{
		{ID: "a", ParentID: RootID, TypeTag: "box", Bounds: geom.Box(0, 0, 0, 1, 1, 1)},
		{ID: "b", ParentID: "a", TypeTag: "box", Bounds: geom.Box(0, 0, 0, 1, 1, 1)},
	}
	require.NoError(t, g.Restore(context.Background(), recs, "admin"))
	_, ok := g.Cell(old)
	require.False(t, ok)
	require.Equal(t, 2, g.Len())
	_, stillStored := st.rows[old]
	require.False(t, stillStored)

	err := g.Restore(context.Background(), []Record{
		{ID: "p", ParentID: "q", TypeTag: "box"},
		{ID: "q", ParentID: "p", TypeTag: "box"},
	}, "admin")
	var mpe *MultipleParentError
	require.ErrorAs(t, err, &mpe)
	require.Equal(t, 2, g.Len())
}
