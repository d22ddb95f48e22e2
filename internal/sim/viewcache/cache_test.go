package viewcache

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"cellworld.ai/internal/protocol"
	"cellworld.ai/internal/sim/geom"
	"cellworld.ai/internal/sim/graph"
	"cellworld.ai/internal/sim/interest"
)

func create(t *testing.T, g *graph.Graph, parent graph.CellID, box geom.AABB, tf geom.Transform) graph.CellID {
	t.Helper()
	id, err := g.CreateCell(context.Background(), graph.CreateRequest{
		ParentID:  parent,
		TypeTag:   "box",
		Transform: tf,
		Bounds:    box,
	})
	require.NoError(t, err)
	return id
}

func syncNow(t *testing.T, c *Cache, g *graph.Graph, p interest.Policy) Diff {
	t.Helper()
	d, err := c.Sync(g.Snapshot(), p, func(Diff) error { return nil })
	require.NoError(t, err)
	return d
}

func kinds(msgs []Message) []protocol.Kind {
	out := make([]protocol.Kind, len(msgs))
	for i, m := range msgs {
		out[i] = m.Kind
	}
	return out
}

func TestScenarioA_LoadThenUnloadAfterMove(t *testing.T) {
	g := graph.New(graph.Config{})
	a := create(t, g, "", geom.Box(0, 0, 0, 10, 10, 0), geom.Identity())
	c := New("u", geom.Box(0, 0, 0, 5, 5, 0))

	d := syncNow(t, c, g, interest.Exact)
	require.Len(t, d.Load, 1)
	require.Equal(t, a, d.Load[0].ID)
	msgs := d.Messages()
	require.Equal(t, []protocol.Kind{protocol.KindCellLoad}, kinds(msgs))
	load := msgs[0].Payload.(protocol.CellLoad)
	require.Equal(t, string(a), load.CellID)
	require.Equal(t, "", load.ParentID)
	require.True(t, c.Has(a))

	require.NoError(t, g.MoveCell(context.Background(), a, geom.At(100, 100, 0), "u"))
	d = syncNow(t, c, g, interest.Exact)
	require.Equal(t, []graph.CellID{a}, d.Unload)
	require.Empty(t, d.Move)
	require.False(t, c.Has(a))
	require.Equal(t, 0, c.Len())
}

func TestComputeDiff_IdempotentWhenConverged(t *testing.T) {
	g := graph.New(graph.Config{})
	a := create(t, g, "", geom.Box(0, 0, 0, 10, 10, 0), geom.Identity())
	create(t, g, a, geom.Box(0, 0, 0, 1, 1, 0), geom.At(1, 1, 0))
	c := New("u", geom.Box(0, 0, 0, 5, 5, 0))

	require.False(t, syncNow(t, c, g, interest.Exact).Empty())
	require.False(t, c.NeedsSync(g.Generation()))

	d := c.Revalidate(g.Snapshot(), interest.Exact)
	require.True(t, d.Empty())

	cur := map[graph.CellID]Published{}
	var visible []*graph.Node
	for _, n := range g.Snapshot().Nodes() {
		cur[n.ID] = Published{ParentID: n.ParentID, Depth: n.Depth, Fingerprint: Fingerprint(n.Transform)}
		visible = append(visible, n)
	}
	require.True(t, ComputeDiff(cur, visible).Empty())
}

func TestComputeDiff_ParentBeforeChild(t *testing.T) {
	g := graph.New(graph.Config{})
	box := geom.Box(0, 0, 0, 1, 1, 1)
	a := create(t, g, "", box, geom.Identity())
	b := create(t, g, a, box, geom.Identity())
	cc := create(t, g, b, box, geom.Identity())
	d2 := create(t, g, a, box, geom.Identity())
	create(t, g, "", box, geom.Identity())

	nodes := g.Snapshot().Nodes()
	// Feed the diff leaf-first to show ordering does not depend on input.
	rev := make([]*graph.Node, len(nodes))
	for i, n := range nodes {
		rev[len(nodes)-1-i] = n
	}
	d := ComputeDiff(map[graph.CellID]Published{}, rev)
	pos := map[graph.CellID]int{}
	for i, m := range d.Messages() {
		pos[graph.CellID(m.Payload.(protocol.CellLoad).CellID)] = i
	}
	require.Len(t, pos, 5)
	require.Less(t, pos[a], pos[b])
	require.Less(t, pos[a], pos[d2])
	require.Less(t, pos[b], pos[cc])

	// Unloads come deepest first.
	cur := map[graph.CellID]Published{}
	for _, n := range nodes {
		cur[n.ID] = Published{ParentID: n.ParentID, Depth: n.Depth, Fingerprint: Fingerprint(n.Transform)}
	}
	d = ComputeDiff(cur, nil)
	require.Equal(t, cc, d.Unload[0])
	require.Len(t, d.Unload, 5)
}

func TestConvergence_RandomWorlds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 10; round++ {
		g := graph.New(graph.Config{})
		ids := []graph.CellID{""}
		for i := 0; i < 60; i++ {
			parent := ids[rng.Intn(len(ids))]
			x, y := rng.Float64()*100-50, rng.Float64()*100-50
			id := create(t, g, parent, geom.Box(0, 0, 0, rng.Float64()*5, rng.Float64()*5, 0), geom.At(x, y, 0))
			ids = append(ids, id)
		}
		c := New(fmt.Sprintf("u%d", round), geom.Box(-20, -20, -1, 20, 20, 1))

		for step := 0; step < 5; step++ {
			syncNow(t, c, g, interest.Exact)
			snap := g.Snapshot()
			want := map[graph.CellID]bool{}
			for _, n := range snap.Nodes() {
				if interest.IsVisible(n.Computed, c.Region()) {
					want[n.ID] = true
				}
			}
			got := c.Loaded()
			require.Len(t, got, len(want), "round %d step %d", round, step)
			for _, id := range got {
				require.True(t, want[id], "unexpected %s", id)
			}
			require.True(t, c.Revalidate(snap, interest.Exact).Empty())

			// Perturb: move a few cells and shift the region.
			for k := 0; k < 5; k++ {
				id := ids[1+rng.Intn(len(ids)-1)]
				_ = g.MoveCell(context.Background(), id, geom.At(rng.Float64()*100-50, rng.Float64()*100-50, 0), "u")
			}
			off := rng.Float64()*20 - 10
			c.SetRegion(geom.Box(-20+off, -20+off, -1, 20+off, 20+off, 1))
		}
	}
}

func TestSync_DeliveryFailureKeepsCacheDirty(t *testing.T) {
	g := graph.New(graph.Config{})
	a := create(t, g, "", geom.Box(0, 0, 0, 1, 1, 0), geom.Identity())
	c := New("u", geom.Box(0, 0, 0, 5, 5, 0))

	_, err := c.Sync(g.Snapshot(), interest.Exact, func(Diff) error { return errors.New("queue full") })
	require.Error(t, err)
	require.False(t, c.Has(a))
	require.True(t, c.NeedsSync(g.Generation()))

	d := syncNow(t, c, g, interest.Exact)
	require.Len(t, d.Load, 1)
	require.True(t, c.Has(a))
}

func TestSync_ReparentEmitted(t *testing.T) {
	g := graph.New(graph.Config{})
	ctx := context.Background()
	box := geom.Box(0, 0, 0, 1, 1, 0)
	p1 := create(t, g, "", box, geom.Identity())
	p2 := create(t, g, "", box, geom.At(2, 0, 0))
	ch := create(t, g, p1, box, geom.Identity())
	c := New("u", geom.Box(-10, -10, -1, 10, 10, 1))
	syncNow(t, c, g, interest.Exact)

	require.NoError(t, g.ReparentCell(ctx, ch, "", "u"))
	require.NoError(t, g.ReparentCell(ctx, ch, p2, "u"))
	d := syncNow(t, c, g, interest.Exact)
	require.Len(t, d.Reparent, 1)
	require.Equal(t, ch, d.Reparent[0].ID)
	require.Equal(t, []protocol.Kind{protocol.KindCellReparent}, kinds(d.Messages()))
	require.Equal(t, string(p2), d.Messages()[0].Payload.(protocol.CellReparent).NewParentID)
}

func TestSync_DetachedCellIsUnloaded(t *testing.T) {
	g := graph.New(graph.Config{})
	box := geom.Box(0, 0, 0, 1, 1, 0)
	a := create(t, g, "", box, geom.Identity())
	b := create(t, g, a, box, geom.Identity())
	c := New("u", geom.Box(-10, -10, -1, 10, 10, 1))
	syncNow(t, c, g, interest.Exact)
	require.True(t, c.Has(b))

	require.NoError(t, g.ReparentCell(context.Background(), b, "", "u"))
	d := syncNow(t, c, g, interest.Exact)
	require.Equal(t, []graph.CellID{b}, d.Unload)
	require.True(t, c.Has(a))
}

func TestPolicy_MarginAndDwellDelayUnload(t *testing.T) {
	g := graph.New(graph.Config{})
	ctx := context.Background()
	a := create(t, g, "", geom.Box(0, 0, 0, 1, 1, 0), geom.Identity())
	c := New("u", geom.Box(0, 0, 0, 5, 5, 0))
	pol := interest.DefaultPolicy()
	syncNow(t, c, g, pol)

	// Just past the edge, inside the margin band: kept indefinitely.
	require.NoError(t, g.MoveCell(ctx, a, geom.At(5.5, 0, 0), "u"))
	for i := 0; i < 4; i++ {
		d := syncNow(t, c, g, pol)
		require.Empty(t, d.Unload)
	}
	require.True(t, c.Has(a))

	// Far away: kept for UnloadDwell syncs, then unloaded.
	require.NoError(t, g.MoveCell(ctx, a, geom.At(50, 0, 0), "u"))
	for i := 0; i < pol.UnloadDwell; i++ {
		d := syncNow(t, c, g, pol)
		require.Empty(t, d.Unload, "sync %d", i)
		require.True(t, c.NeedsSync(g.Generation()))
	}
	d := syncNow(t, c, g, pol)
	require.Equal(t, []graph.CellID{a}, d.Unload)
}

func TestPushMoveAndUnload_FastPaths(t *testing.T) {
	g := graph.New(graph.Config{})
	ctx := context.Background()
	box := geom.Box(0, 0, 0, 1, 1, 0)
	a := create(t, g, "", box, geom.Identity())
	b := create(t, g, a, box, geom.Identity())
	c := New("u", geom.Box(-10, -10, -1, 10, 10, 1))
	syncNow(t, c, g, interest.Exact)

	stale := g.Snapshot()
	require.NoError(t, g.MoveCell(ctx, a, geom.At(1, 0, 0), "u"))
	var got []Message
	ok, err := c.PushMove(a, geom.At(1, 0, 0), g.Generation(), func(m Message) error { got = append(got, m); return nil })
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, protocol.KindCellMove, got[0].Kind)

	// An older snapshot must not move the cell back.
	require.Empty(t, c.Revalidate(stale, interest.Exact).Move)

	stale = g.Snapshot()
	removed, err := g.DeleteCell(ctx, a, "u")
	require.NoError(t, err)
	var batch []Message
	ids, err := c.PushUnload(removed, g.Generation(), func(ms []Message) error { batch = ms; return nil })
	require.NoError(t, err)
	require.Equal(t, []graph.CellID{b, a}, ids)
	require.Len(t, batch, 2)
	require.Equal(t, 0, c.Len())

	// The stale snapshot still contains a and b; they stay unloaded.
	require.Empty(t, c.Revalidate(stale, interest.Exact).Load)
	d := syncNow(t, c, g, interest.Exact)
	require.True(t, d.Empty())

	ok, err = c.PushMove("missing", geom.Identity(), g.Generation()+1, func(Message) error { return nil })
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClose_StopsFurtherWork(t *testing.T) {
	g := graph.New(graph.Config{})
	create(t, g, "", geom.Box(0, 0, 0, 1, 1, 0), geom.Identity())
	c := New("u", geom.Box(0, 0, 0, 5, 5, 0))
	syncNow(t, c, g, interest.Exact)
	c.Close()
	require.Equal(t, 0, c.Len())
	require.False(t, c.NeedsSync(g.Generation()+1))
	_, err := c.Sync(g.Snapshot(), interest.Exact, func(Diff) error { return nil })
	require.ErrorIs(t, err, ErrClosed)
}

func TestState_ChangesTravelSeparately(t *testing.T) {
	g := graph.New(graph.Config{})
	ctx := context.Background()
	a := create(t, g, "", geom.Box(0, 0, 0, 1, 1, 0), geom.Identity())
	c := New("u", geom.Box(-5, -5, -1, 5, 5, 1))
	syncNow(t, c, g, interest.Exact)

	require.NoError(t, g.UpdateState(ctx, a, []byte("v1"), "u"))
	d := syncNow(t, c, g, interest.Exact)
	require.Empty(t, d.Messages())
	require.Equal(t, []protocol.CellState{{CellID: string(a), State: []byte("v1")}}, d.States())

	stale := g.Snapshot()
	require.NoError(t, g.UpdateState(ctx, a, []byte("v2"), "u"))
	var pushed []protocol.CellState
	ok, err := c.PushState(a, []byte("v2"), g.Generation(), func(s protocol.CellState) error {
		pushed = append(pushed, s)
		return nil
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, pushed, 1)
	require.Empty(t, c.Revalidate(stale, interest.Exact).State)
	require.True(t, syncNow(t, c, g, interest.Exact).Empty())
}
