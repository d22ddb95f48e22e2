package cellstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cellworld.ai/internal/sim/geom"
	"cellworld.ai/internal/sim/graph"
)

func openTemp(t *testing.T, opts Options) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cells.sqlite")
	s, err := Open(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestRecordCodec_Deterministic(t *testing.T) {
	r := graph.Record{
		ID:        "a",
		ParentID:  graph.RootID,
		TypeTag:   "box",
		Transform: geom.At(1, 2, 3),
		Bounds:    geom.Box(-1, -2, -3, 4, 5, 6),
		State:     []byte{1, 2, 3},
	}
	b1, err := encodeRecord(r)
	require.NoError(t, err)
	b2, err := encodeRecord(r)
	require.NoError(t, err)
	require.Equal(t, b1, b2)

	got, err := decodeRecord(b1)
	require.NoError(t, err)
	require.Equal(t, r, got)
}

func TestGraphSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	s, path := openTemp(t, Options{})

	g := graph.New(graph.Config{Store: s})
	a, err := g.CreateCell(ctx, graph.CreateRequest{TypeTag: "box", Transform: geom.Identity(), Bounds: geom.Box(0, 0, 0, 10, 10, 10)})
	require.NoError(t, err)
	b, err := g.CreateCell(ctx, graph.CreateRequest{ParentID: a, TypeTag: "box", Transform: geom.At(1, 0, 0), Bounds: geom.Box(0, 0, 0, 1, 1, 1), State: []byte("on")})
	require.NoError(t, err)
	c, err := g.CreateCell(ctx, graph.CreateRequest{ParentID: b, TypeTag: "box", Transform: geom.Identity(), Bounds: geom.Box(0, 0, 0, 1, 1, 1)})
	require.NoError(t, err)
	require.NoError(t, g.MoveCell(ctx, a, geom.At(5, 5, 5), "test"))
	_, err = g.DeleteCell(ctx, c, "test")
	require.NoError(t, err)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, s.Close())

	s2, err := Open(path, Options{})
	require.NoError(t, err)
	defer s2.Close()
	g2 := graph.New(graph.Config{Store: s2})
	loaded, err := g2.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, loaded)

	ca, ok := g2.Cell(a)
	require.True(t, ok)
	require.Equal(t, geom.At(5, 5, 5), ca.Transform)
	require.Equal(t, []graph.CellID{b}, ca.Children)
	cb, ok := g2.Cell(b)
	require.True(t, ok)
	require.Equal(t, a, cb.ParentID)
	require.Equal(t, []byte("on"), cb.State)
	_, ok = g2.Cell(c)
	require.False(t, ok)
}

func TestRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t, Options{})
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Put(graph.Record{ID: "x", TypeTag: "box", Transform: geom.Identity()}))
	require.NoError(t, tx.Rollback())

	recs, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestAuditTrail(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t, Options{AuditQueue: 64})
	g := graph.New(graph.Config{Store: s})
	g.AddListener(s)

	a, err := g.CreateCell(ctx, graph.CreateRequest{TypeTag: "box", Transform: geom.Identity(), Bounds: geom.Box(0, 0, 0, 1, 1, 1), Actor: "ada"})
	require.NoError(t, err)
	require.NoError(t, g.MoveCell(ctx, a, geom.At(1, 1, 1), "bob"))

	require.Eventually(t, func() bool {
		h, err := s.History(ctx, a, 10)
		return err == nil && len(h) == 2
	}, 3*time.Second, 10*time.Millisecond)

	h, err := s.History(ctx, a, 10)
	require.NoError(t, err)
	require.Equal(t, graph.MutCreate, h[0].Kind)
	require.Equal(t, "ada", h[0].Actor)
	require.Equal(t, graph.MutMove, h[1].Kind)
	require.Equal(t, "bob", h[1].Actor)
	require.Less(t, h[0].Generation, h[1].Generation)
	require.Zero(t, s.Dropped())
}
