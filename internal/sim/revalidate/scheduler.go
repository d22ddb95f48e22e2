// Package revalidate keeps every client's view cache in step with the world
// graph. A periodic tick, or an early tick requested by a graph mutation,
// takes one snapshot of the graph and syncs each cache against it on a
// bounded worker pool. Moves, deletes and state updates are also pushed
// immediately to the clients that have the affected cells loaded.
package revalidate

import (
	"context"
	"errors"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"cellworld.ai/internal/protocol"
	"cellworld.ai/internal/sim/graph"
	"cellworld.ai/internal/sim/interest"
	"cellworld.ai/internal/sim/viewcache"
)

// Sink receives the messages for one client. Deliver enqueues both slices or
// neither and must not block.
type Sink interface {
	Deliver(cache []viewcache.Message, states []protocol.CellState) error
}

type Config struct {
	InitialDelay time.Duration
	Period       time.Duration
	// MinInterval bounds how often a graph mutation can force an early tick.
	MinInterval time.Duration
	Workers     int
	Policy      interest.Policy

	Log    *log.Logger
	Tracer trace.Tracer
}

func DefaultConfig() Config {
	return Config{
		InitialDelay: time.Second,
		Period:       500 * time.Millisecond,
		MinInterval:  500 * time.Millisecond,
		Workers:      8,
		Policy:       interest.DefaultPolicy(),
	}
}

type client struct {
	cache *viewcache.Cache
	sink  Sink
}

type Scheduler struct {
	cfg    Config
	log    *log.Logger
	tracer trace.Tracer
	graph  *graph.Graph

	mu      sync.RWMutex
	clients map[string]*client

	wake  chan struct{}
	ticks atomic.Uint64
}

// TickStats summarizes one tick.
type TickStats struct {
	Generation uint64
	Synced     int
	Skipped    int
	Failed     int
	Loads      int
	Unloads    int
}

// New creates a scheduler and subscribes it to g's mutations.
func New(g *graph.Graph, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	} else if cfg.InitialDelay == 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.Period <= 0 {
		cfg.Period = def.Period
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	logger := cfg.Log
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("cellworld.ai/internal/sim/revalidate")
	}
	s := &Scheduler{
		cfg:     cfg,
		log:     logger,
		tracer:  tracer,
		graph:   g,
		clients: map[string]*client{},
		wake:    make(chan struct{}, 1),
	}
	g.AddListener(s)
	return s
}

// Register starts revalidating cache for its owner. A previous registration
// for the same owner is replaced and its cache closed.
func (s *Scheduler) Register(cache *viewcache.Cache, sink Sink) {
	s.mu.Lock()
	old := s.clients[cache.Owner()]
	s.clients[cache.Owner()] = &client{cache: cache, sink: sink}
	s.mu.Unlock()
	if old != nil && old.cache != cache {
		old.cache.Close()
	}
	s.MarkDirty()
}

// Unregister stops all further work for owner and releases its cache.
func (s *Scheduler) Unregister(owner string) {
	s.mu.Lock()
	c := s.clients[owner]
	delete(s.clients, owner)
	s.mu.Unlock()
	if c != nil {
		c.cache.Close()
	}
}

func (s *Scheduler) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Scheduler) Ticks() uint64 { return s.ticks.Load() }

// MarkDirty requests an early tick.
func (s *Scheduler) MarkDirty() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run ticks until ctx is done. The first tick happens after InitialDelay.
func (s *Scheduler) Run(ctx context.Context) error {
	delay := time.NewTimer(s.cfg.InitialDelay)
	select {
	case <-ctx.Done():
		delay.Stop()
		return ctx.Err()
	case <-delay.C:
	}

	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()

	s.Tick(ctx)
	last := time.Now()
	var early <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			early = nil
		case <-s.wake:
			if wait := s.cfg.MinInterval - time.Since(last); wait > 0 {
				if early == nil {
					early = time.After(wait)
				}
				continue
			}
			early = nil
		case <-early:
			early = nil
		}
		s.Tick(ctx)
		last = time.Now()
	}
}

func (s *Scheduler) snapshotClients() []*client {
	s.mu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*client, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.clients[id])
	}
	s.mu.RUnlock()
	return out
}

// Tick syncs every registered cache against one snapshot of the graph. A
// client whose sync fails is logged and retried on the next tick; it never
// stops the others.
func (s *Scheduler) Tick(ctx context.Context) TickStats {
	ctx, span := s.tracer.Start(ctx, "revalidate.tick")
	defer span.End()

	snap := s.graph.Snapshot()
	clients := s.snapshotClients()
	s.ticks.Add(1)

	var synced, skipped, failed, loads, unloads atomic.Int64
	var eg errgroup.Group
	eg.SetLimit(s.cfg.Workers)
	for _, c := range clients {
		if !c.cache.NeedsSync(snap.Generation) {
			skipped.Add(1)
			continue
		}
		eg.Go(func() error {
			d, err := s.syncClient(ctx, snap, c)
			switch {
			case errors.Is(err, viewcache.ErrClosed):
				skipped.Add(1)
			case err != nil:
				failed.Add(1)
			default:
				synced.Add(1)
				loads.Add(int64(len(d.Load)))
				unloads.Add(int64(len(d.Unload)))
			}
			return nil
		})
	}
	_ = eg.Wait()

	st := TickStats{
		Generation: snap.Generation,
		Synced:     int(synced.Load()),
		Skipped:    int(skipped.Load()),
		Failed:     int(failed.Load()),
		Loads:      int(loads.Load()),
		Unloads:    int(unloads.Load()),
	}
	span.SetAttributes(
		attribute.Int64("graph.generation", int64(st.Generation)),
		attribute.Int("clients.synced", st.Synced),
		attribute.Int("clients.failed", st.Failed),
	)
	return st
}

func (s *Scheduler) syncClient(ctx context.Context, snap *graph.Snapshot, c *client) (viewcache.Diff, error) {
	_, span := s.tracer.Start(ctx, "revalidate.client",
		trace.WithAttributes(attribute.String("session.id", c.cache.Owner())))
	defer span.End()

	d, err := c.cache.Sync(snap, s.cfg.Policy, func(d viewcache.Diff) error {
		return c.sink.Deliver(d.Messages(), d.States())
	})
	if err != nil && !errors.Is(err, viewcache.ErrClosed) {
		s.log.Printf("revalidate %s: %v (retrying next tick)", c.cache.Owner(), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return d, err
}

// OnMutation implements graph.Listener. It runs inside the graph's commit,
// so it only enqueues.
func (s *Scheduler) OnMutation(m graph.Mutation) {
	switch m.Kind {
	case graph.MutMove:
		s.each(func(c *client) error {
			_, err := c.cache.PushMove(m.CellID, m.Transform, m.Generation, func(msg viewcache.Message) error {
				return c.sink.Deliver([]viewcache.Message{msg}, nil)
			})
			return err
		})
	case graph.MutDelete:
		s.each(func(c *client) error {
			_, err := c.cache.PushUnload(m.Removed, m.Generation, func(msgs []viewcache.Message) error {
				return c.sink.Deliver(msgs, nil)
			})
			return err
		})
	case graph.MutState:
		s.each(func(c *client) error {
			_, err := c.cache.PushState(m.CellID, m.State, m.Generation, func(st protocol.CellState) error {
				return c.sink.Deliver(nil, []protocol.CellState{st})
			})
			return err
		})
	}
	s.MarkDirty()
}

func (s *Scheduler) each(fn func(c *client) error) {
	for _, c := range s.snapshotClients() {
		if err := fn(c); err != nil && !errors.Is(err, viewcache.ErrClosed) {
			s.log.Printf("push %s: %v", c.cache.Owner(), err)
		}
	}
}
