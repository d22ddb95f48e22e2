package graph

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"cellworld.ai/internal/sim/geom"
)

// CellID is an opaque identifier, stable for the lifetime of a cell.
type CellID string

// RootID names the world root. The root is never deleted, moved or reparented
// and is not sent to clients; top-level cells have it as their parent.
const RootID CellID = "root"

const maxCommitAttempts = 8

// Record is the persisted shape of a cell. ParentID is empty for detached cells.
type Record struct {
	ID        CellID
	ParentID  CellID
	TypeTag   string
	Transform geom.Transform
	Bounds    geom.AABB
	State     []byte
}

// Store is the persistence adapter. Every graph commit runs in one Tx.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	LoadAll(ctx context.Context) ([]Record, error)
}

type Tx interface {
	Put(r Record) error
	Delete(ids ...CellID) error
	Commit() error
	Rollback() error
}

type Config struct {
	// Types is the allow-list of type tags accepted by CreateCell. Empty allows any tag.
	Types []string
	Store Store
	Log   *log.Logger
}

// record is immutable once installed in the arena; mutations install clones.
type record struct {
	Record
	children map[CellID]struct{}
	version  uint64
}

func (r *record) clone() *record {
	c := &record{Record: r.Record, version: r.version}
	c.State = append([]byte(nil), r.State...)
	c.children = make(map[CellID]struct{}, len(r.children))
	for k := range r.children {
		c.children[k] = struct{}{}
	}
	return c
}

type Graph struct {
	log   *log.Logger
	store Store
	types map[string]struct{}

	// mu guards cells and gen. gen only advances with mu held for writing, so
	// a reader under mu sees the cells of exactly the generation it reads.
	mu    sync.RWMutex
	cells map[CellID]*record
	gen   atomic.Uint64

	// Commits hold the locks of the cells they touch and barrier for reading.
	// Load and Restore hold barrier for writing.
	locks   cellLocks
	barrier sync.RWMutex

	// outbox holds committed mutations not yet handed to listeners, in
	// generation order. dmu admits one dispatcher at a time.
	omu    sync.Mutex
	outbox []Mutation
	dmu    sync.Mutex

	lmu       sync.RWMutex
	listeners []Listener
}

func New(cfg Config) *Graph {
	logger := cfg.Log
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	g := &Graph{
		log:   logger,
		store: cfg.Store,
		cells: map[CellID]*record{},
	}
	if len(cfg.Types) > 0 {
		g.types = make(map[string]struct{}, len(cfg.Types))
		for _, t := range cfg.Types {
			g.types[strings.TrimSpace(t)] = struct{}{}
		}
	}
	g.cells[RootID] = &record{
		Record:   Record{ID: RootID, Transform: geom.Identity()},
		children: map[CellID]struct{}{},
	}
	return g
}

// Load replaces the arena with the contents of the store. Records whose parent
// is missing, or whose parent chain loops, are loaded detached.
func (g *Graph) Load(ctx context.Context) (int, error) {
	if g.store == nil {
		return 0, nil
	}
	recs, err := g.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("graph: load: %w", err)
	}

	g.barrier.Lock()
	defer g.barrier.Unlock()

	cells := make(map[CellID]*record, len(recs)+1)
	cells[RootID] = &record{Record: Record{ID: RootID, Transform: geom.Identity()}, children: map[CellID]struct{}{}}
	for _, r := range recs {
		if r.ID == "" || r.ID == RootID {
			continue
		}
		r.Transform = r.Transform.Normalize()
		cells[r.ID] = &record{Record: r, children: map[CellID]struct{}{}}
	}
	for id, r := range cells {
		if id == RootID || r.ParentID == "" {
			continue
		}
		if _, ok := cells[r.ParentID]; !ok {
			g.log.Printf("graph: load: cell %s has missing parent %s; detaching", id, r.ParentID)
			r.ParentID = ""
		}
	}
	// Break any cycles left by a corrupt store.
	for id, r := range cells {
		seen := map[CellID]struct{}{id: {}}
		for p := r.ParentID; p != "" && p != RootID; p = cells[p].ParentID {
			if _, loop := seen[p]; loop {
				g.log.Printf("graph: load: cycle through %s; detaching", id)
				r.ParentID = ""
				break
			}
			seen[p] = struct{}{}
		}
	}
	for id, r := range cells {
		if id == RootID || r.ParentID == "" {
			continue
		}
		cells[r.ParentID].children[id] = struct{}{}
	}

	g.mu.Lock()
	v := g.gen.Add(1)
	for _, r := range cells {
		r.version = v
	}
	g.cells = cells
	g.mu.Unlock()
	return len(cells) - 1, nil
}

func (g *Graph) AddListener(l Listener) {
	if l == nil {
		return
	}
	g.lmu.Lock()
	g.listeners = append(g.listeners, l)
	g.lmu.Unlock()
}

// Generation increases with every committed mutation.
func (g *Graph) Generation() uint64 { return g.gen.Load() }

func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.cells) - 1
}

// Cell returns a copy of the cell's current state.
func (g *Graph) Cell(id CellID) (Cell, bool) {
	g.mu.RLock()
	r, ok := g.cells[id]
	g.mu.RUnlock()
	if !ok {
		return Cell{}, false
	}
	return r.view(), true
}

// ComputedBounds is the union of the cell's own bounds, translated to world
// space, and all of its descendants' computed bounds.
func (g *Graph) ComputedBounds(id CellID) (geom.AABB, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.cells[id]
	if !ok {
		return geom.AABB{}, ErrNotFound
	}
	origin := geom.Vec3{}
	seen := map[CellID]struct{}{}
	for p := r.ParentID; p != "" && p != RootID; {
		if _, loop := seen[p]; loop {
			break
		}
		seen[p] = struct{}{}
		pr := g.cells[p]
		if pr == nil {
			break
		}
		origin = origin.Add(pr.Transform.Translation)
		p = pr.ParentID
	}
	b, _ := computeBounds(g.cells, r, origin)
	return b, nil
}

// computeBounds returns the computed bounds of r given its parent's world
// translation. The root contributes no volume of its own.
func computeBounds(cells map[CellID]*record, r *record, parentWorld geom.Vec3) (geom.AABB, bool) {
	world := parentWorld.Add(r.Transform.Translation)
	var out geom.AABB
	have := false
	if r.ID != RootID {
		out = r.Bounds.Translate(world)
		have = true
	}
	for c := range r.children {
		cr := cells[c]
		if cr == nil {
			continue
		}
		cb, ok := computeBounds(cells, cr, world)
		if !ok {
			continue
		}
		if !have {
			out, have = cb, true
		} else {
			out = out.Union(cb)
		}
	}
	return out, have
}

func (g *Graph) newID() CellID { return CellID(uuid.NewString()) }

// Cell is a read-only copy of a cell.
type Cell struct {
	Record
	Children []CellID
}

func (r *record) view() Cell {
	c := Cell{Record: r.Record}
	c.State = append([]byte(nil), r.State...)
	c.Children = sortedIDs(r.children)
	return c
}

func sortedIDs(m map[CellID]struct{}) []CellID {
	out := make([]CellID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
