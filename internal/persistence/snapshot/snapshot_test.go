package snapshot

import (
	"context"
	"encoding/gob"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"cellworld.ai/internal/sim/geom"
	"cellworld.ai/internal/sim/graph"
)

func sampleGraph(t *testing.T) *graph.Graph {
	t.Helper()
	ctx := context.Background()
	g := graph.New(graph.Config{})
	a, err := g.CreateCell(ctx, graph.CreateRequest{TypeTag: "room", Transform: geom.At(1, 2, 3), Bounds: geom.Box(0, 0, 0, 10, 10, 10), State: []byte("lit")})
	require.NoError(t, err)
	_, err = g.CreateCell(ctx, graph.CreateRequest{ParentID: a, TypeTag: "chair", Transform: geom.Identity(), Bounds: geom.Box(0, 0, 0, 1, 1, 1)})
	require.NoError(t, err)
	loose, err := g.CreateCell(ctx, graph.CreateRequest{TypeTag: "crate", Transform: geom.Identity(), Bounds: geom.Box(5, 5, 5, 6, 6, 6)})
	require.NoError(t, err)
	require.NoError(t, g.ReparentCell(ctx, loose, "", "test"))
	return g
}

func TestWriteRead_RestoresGraph(t *testing.T) {
	g := sampleGraph(t)
	path := filepath.Join(t.TempDir(), "snapshots", "w1.snap.zst")

	snap := FromGraph("w1", g)
	require.NoError(t, WriteSnapshot(path, snap))

	h, err := ReadHeader(path)
	require.NoError(t, err)
	require.Equal(t, Version, h.Version)
	require.Equal(t, "w1", h.WorldID)
	require.Equal(t, 3, h.Cells)
	require.Len(t, h.Digest, 64)

	got, err := ReadSnapshot(path)
	require.NoError(t, err)
	require.Equal(t, h.Digest, got.Header.Digest)

	g2 := graph.New(graph.Config{})
	require.NoError(t, g2.Restore(context.Background(), got.Records(), "test"))
	require.Equal(t, g.Records(), g2.Records())
}

func TestDigest_IgnoresOrder(t *testing.T) {
	cells := FromGraph("w1", sampleGraph(t)).Cells
	d1, err := Digest(cells)
	require.NoError(t, err)
	rev := append([]CellV1(nil), cells...)
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	d2, err := Digest(rev)
	require.NoError(t, err)
	require.Equal(t, d1, d2)

	rev[0].TypeTag = "other"
	d3, err := Digest(rev)
	require.NoError(t, err)
	require.NotEqual(t, d1, d3)
}

func TestReadSnapshot_DetectsTampering(t *testing.T) {
	snap := FromGraph("w1", sampleGraph(t))
	snap.Header.Digest = "0000"
	path := filepath.Join(t.TempDir(), "bad.snap.zst")

	f, err := os.Create(path)
	require.NoError(t, err)
	enc, err := zstd.NewWriter(f)
	require.NoError(t, err)
	_, err = enc.Write([]byte("{}\n"))
	require.NoError(t, err)
	require.NoError(t, gob.NewEncoder(enc).Encode(&snap))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())

	_, err = ReadSnapshot(path)
	require.ErrorIs(t, err, ErrDigestMismatch)
}
