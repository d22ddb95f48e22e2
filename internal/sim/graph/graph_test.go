package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"cellworld.ai/internal/sim/geom"
)

func mustCreate(t *testing.T, g *Graph, parent CellID, box geom.AABB, tf geom.Transform) CellID {
	t.Helper()
	id, err := g.CreateCell(context.Background(), CreateRequest{
		ParentID:  parent,
		TypeTag:   "box",
		Transform: tf,
		Bounds:    box,
	})
	require.NoError(t, err)
	return id
}

func assertAcyclic(t *testing.T, g *Graph) {
	t.Helper()
	recs := g.Records()
	byID := map[CellID]Record{}
	for _, r := range recs {
		byID[r.ID] = r
	}
	for _, r := range recs {
		steps := 0
		for p := r.ParentID; p != "" && p != RootID; p = byID[p].ParentID {
			require.NotEqual(t, r.ID, p, "cycle through %s", r.ID)
			steps++
			require.LessOrEqual(t, steps, len(recs), "parent chain of %s does not terminate", r.ID)
		}
	}
}

func TestCreateCell_UnderRootAndChild(t *testing.T) {
	g := New(Config{})
	a := mustCreate(t, g, "", geom.Box(0, 0, 0, 10, 10, 0), geom.Identity())
	b := mustCreate(t, g, a, geom.Box(0, 0, 0, 1, 1, 0), geom.At(20, 0, 0))

	ca, ok := g.Cell(a)
	require.True(t, ok)
	require.Equal(t, RootID, ca.ParentID)
	require.Equal(t, []CellID{b}, ca.Children)

	cb, ok := g.Cell(b)
	require.True(t, ok)
	require.Equal(t, a, cb.ParentID)
	require.Equal(t, 2, g.Len())
}

func TestCreateCell_RejectsUnknownTypeAndMissingParent(t *testing.T) {
	g := New(Config{Types: []string{"box"}})
	_, err := g.CreateCell(context.Background(), CreateRequest{TypeTag: "teapot"})
	require.ErrorIs(t, err, ErrUnknownType)

	_, err = g.CreateCell(context.Background(), CreateRequest{TypeTag: "box", ParentID: "nope"})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = g.CreateCell(context.Background(), CreateRequest{TypeTag: "box", Bounds: geom.Box(1, 0, 0, 0, 0, 0)})
	require.ErrorIs(t, err, ErrInvalidCell)
	require.Equal(t, 0, g.Len())
}

func TestComputedBounds_UnionOfDescendants(t *testing.T) {
	g := New(Config{})
	a := mustCreate(t, g, "", geom.Box(0, 0, 0, 10, 10, 0), geom.Identity())
	b := mustCreate(t, g, a, geom.Box(0, 0, 0, 1, 1, 0), geom.At(20, 0, 0))
	c := mustCreate(t, g, b, geom.Box(-1, -1, 0, 0, 0, 0), geom.At(0, 30, 0))

	bc, err := g.ComputedBounds(c)
	require.NoError(t, err)
	require.Equal(t, geom.Box(19, 29, 0, 20, 30, 0), bc)

	bb, err := g.ComputedBounds(b)
	require.NoError(t, err)
	require.Equal(t, geom.Box(19, 0, 0, 21, 30, 0), bb)

	ba, err := g.ComputedBounds(a)
	require.NoError(t, err)
	require.Equal(t, geom.Box(0, 0, 0, 21, 30, 0), ba)

	snap := g.Snapshot()
	na, ok := snap.Node(a)
	require.True(t, ok)
	require.Equal(t, ba, na.Computed)
	nc, _ := snap.Node(c)
	require.Equal(t, 3, nc.Depth)
	require.Equal(t, geom.V3(20, 30, 0), nc.World)
}

func TestDeleteCell_RemovesSubtreeParentFirst(t *testing.T) {
	g := New(Config{})
	a := mustCreate(t, g, "", geom.Box(0, 0, 0, 1, 1, 1), geom.Identity())
	b := mustCreate(t, g, a, geom.Box(0, 0, 0, 1, 1, 1), geom.Identity())
	c := mustCreate(t, g, b, geom.Box(0, 0, 0, 1, 1, 1), geom.Identity())
	keep := mustCreate(t, g, "", geom.Box(0, 0, 0, 1, 1, 1), geom.Identity())

	removed, err := g.DeleteCell(context.Background(), a, "u1")
	require.NoError(t, err)
	require.Equal(t, []CellID{a, b, c}, removed)
	require.Equal(t, 1, g.Len())
	_, ok := g.Cell(keep)
	require.True(t, ok)

	_, err = g.DeleteCell(context.Background(), a, "u1")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = g.DeleteCell(context.Background(), RootID, "u1")
	require.ErrorIs(t, err, ErrRootImmutable)
}

func TestReparentCell_RequiresDetachFirst(t *testing.T) {
	g := New(Config{})
	a := mustCreate(t, g, "", geom.Box(0, 0, 0, 1, 1, 1), geom.Identity())
	b := mustCreate(t, g, "", geom.Box(0, 0, 0, 1, 1, 1), geom.Identity())
	c := mustCreate(t, g, a, geom.Box(0, 0, 0, 1, 1, 1), geom.Identity())
	ctx := context.Background()

	err := g.ReparentCell(ctx, c, b, "u1")
	var mpe *MultipleParentError
	require.ErrorAs(t, err, &mpe)
	require.Equal(t, a, mpe.ParentID)
	require.False(t, mpe.Cycle)

	require.NoError(t, g.ReparentCell(ctx, c, "", "u1"))
	cc, _ := g.Cell(c)
	require.Equal(t, CellID(""), cc.ParentID)
	ca, _ := g.Cell(a)
	require.Empty(t, ca.Children)
	_, ok := g.Snapshot().Node(c)
	require.False(t, ok, "detached cells are not part of the attached tree")

	require.NoError(t, g.ReparentCell(ctx, c, b, "u1"))
	cc, _ = g.Cell(c)
	require.Equal(t, b, cc.ParentID)
	assertAcyclic(t, g)
}

func TestReparentCell_RejectsCycle(t *testing.T) {
	g := New(Config{})
	ctx := context.Background()
	a := mustCreate(t, g, "", geom.Box(0, 0, 0, 1, 1, 1), geom.Identity())
	b := mustCreate(t, g, a, geom.Box(0, 0, 0, 1, 1, 1), geom.Identity())
	c := mustCreate(t, g, b, geom.Box(0, 0, 0, 1, 1, 1), geom.Identity())

	require.NoError(t, g.ReparentCell(ctx, a, "", "u1"))

	for _, target := range []CellID{a, b, c} {
		err := g.ReparentCell(ctx, a, target, "u1")
		var mpe *MultipleParentError
		require.ErrorAs(t, err, &mpe, "target %s", target)
		require.True(t, mpe.Cycle)
	}
	assertAcyclic(t, g)
}

func TestReparentCell_ConcurrentExactlyOneWins(t *testing.T) {
	for round := 0; round < 20; round++ {
		g := New(Config{})
		ctx := context.Background()
		p1 := mustCreate(t, g, "", geom.Box(0, 0, 0, 1, 1, 1), geom.Identity())
		p2 := mustCreate(t, g, "", geom.Box(0, 0, 0, 1, 1, 1), geom.Identity())
		c := mustCreate(t, g, p1, geom.Box(0, 0, 0, 1, 1, 1), geom.Identity())
		require.NoError(t, g.ReparentCell(ctx, c, "", "setup"))

		var wg sync.WaitGroup
		errs := make([]error, 2)
		start := make(chan struct{})
		for i, target := range []CellID{p1, p2} {
			wg.Add(1)
			go func(i int, target CellID) {
				defer wg.Done()
				<-start
				errs[i] = g.ReparentCell(ctx, c, target, fmt.Sprintf("u%d", i))
			}(i, target)
		}
		close(start)
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			var mpe *MultipleParentError
			require.ErrorAs(t, err, &mpe)
		}
		require.Equal(t, 1, wins)

		cc, _ := g.Cell(c)
		owners := 0
		for _, p := range []CellID{p1, p2} {
			pc, _ := g.Cell(p)
			for _, ch := range pc.Children {
				if ch == c {
					owners++
					require.Equal(t, p, cc.ParentID)
				}
			}
		}
		require.Equal(t, 1, owners, "cell must be listed under exactly one parent")
		assertAcyclic(t, g)
	}
}

func TestConcurrentCreates_UnderSameParent(t *testing.T) {
	g := New(Config{})
	parent := mustCreate(t, g, "", geom.Box(0, 0, 0, 1, 1, 1), geom.Identity())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.CreateCell(context.Background(), CreateRequest{ParentID: parent, TypeTag: "box"})
			if errors.Is(err, ErrConflict) {
				return
			}
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	p, _ := g.Cell(parent)
	require.Equal(t, g.Len()-1, len(p.Children))
}

func TestMoveAndUpdateState(t *testing.T) {
	g := New(Config{})
	ctx := context.Background()
	var seen []Mutation
	g.AddListener(ListenerFunc(func(m Mutation) { seen = append(seen, m) }))

	a := mustCreate(t, g, "", geom.Box(0, 0, 0, 10, 10, 0), geom.Identity())
	require.NoError(t, g.MoveCell(ctx, a, geom.At(100, 100, 0), "u1"))
	require.NoError(t, g.UpdateState(ctx, a, []byte(`{"color":"red"}`), "u1"))

	ca, _ := g.Cell(a)
	require.Equal(t, geom.V3(100, 100, 0), ca.Transform.Translation)
	require.Equal(t, `{"color":"red"}`, string(ca.State))

	require.Len(t, seen, 3)
	require.Equal(t, MutCreate, seen[0].Kind)
	require.Equal(t, MutMove, seen[1].Kind)
	require.Equal(t, MutState, seen[2].Kind)
	require.Less(t, seen[0].Generation, seen[2].Generation)

	require.ErrorIs(t, g.MoveCell(ctx, "missing", geom.Identity(), "u1"), ErrNotFound)
	require.ErrorIs(t, g.MoveCell(ctx, RootID, geom.Identity(), "u1"), ErrRootImmutable)
}
