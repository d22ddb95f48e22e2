package worldtest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"cellworld.ai/internal/auth"
	"cellworld.ai/internal/protocol"
	"cellworld.ai/internal/session"
	"cellworld.ai/internal/sim/geom"
	"cellworld.ai/internal/sim/graph"
	"cellworld.ai/internal/sim/interest"
	"cellworld.ai/internal/sim/revalidate"
	"cellworld.ai/internal/transport/ws"
)

// Password is the password of every harness user.
const Password = "correct horse"

// Users are the accounts the harness knows.
var Users = []string{"ada", "bob"}

type Options struct {
	Policy    interest.Policy
	Period    time.Duration
	Region    geom.AABB
	EditRate  rate.Limit
	EditBurst int
	Types     []string
}

// Harness is a black-box test helper running the whole server stack behind
// an httptest listener:
// - a world graph with an in-memory arena
// - a revalidation scheduler on a short period
// - an authenticator with the Users above
// - the websocket server at URL()
//
// Edits made through Create/Move/Delete go straight to the graph, the way an
// admin layer would.
type Harness struct {
	T        *testing.T
	Graph    *graph.Graph
	Sched    *revalidate.Scheduler
	Auth     *auth.Authenticator
	Sessions *session.Registry
	Server   *ws.Server
	HTTP     *httptest.Server

	cancel context.CancelFunc
	done   chan error
}

func NewHarness(t *testing.T, opts Options) *Harness {
	t.Helper()

	if opts.Period <= 0 {
		opts.Period = 20 * time.Millisecond
	}
	if opts.Region == (geom.AABB{}) {
		opts.Region = geom.Box(-100, -100, -100, 100, 100, 100)
	}
	if opts.EditRate == 0 {
		opts.EditRate = rate.Inf
	}

	g := graph.New(graph.Config{Types: opts.Types})
	sched := revalidate.New(g, revalidate.Config{
		InitialDelay: -1,
		Period:       opts.Period,
		MinInterval:  opts.Period / 2,
		Workers:      4,
		Policy:       opts.Policy,
	})

	hash, err := auth.HashPassword(Password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	users := map[string]string{}
	for _, u := range Users {
		users[u] = hash
	}
	a, err := auth.New(auth.Config{Users: users, Secret: []byte("worldtest-secret-0123456789")})
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}
	v, err := protocol.NewValidator()
	if err != nil {
		t.Fatalf("protocol.NewValidator: %v", err)
	}

	reg := session.NewRegistry()
	srv := ws.NewServer(ws.Config{
		Graph:         g,
		Scheduler:     sched,
		Auth:          a,
		Sessions:      reg,
		Validator:     v,
		EditRate:      opts.EditRate,
		EditBurst:     opts.EditBurst,
		DefaultRegion: opts.Region,
	})
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ws", srv.Handler())
	hs := httptest.NewServer(mux)

	ctx, cancel := context.WithCancel(context.Background())
	h := &Harness{
		T:        t,
		Graph:    g,
		Sched:    sched,
		Auth:     a,
		Sessions: reg,
		Server:   srv,
		HTTP:     hs,
		cancel:   cancel,
		done:     make(chan error, 1),
	}
	go func() { h.done <- sched.Run(ctx) }()
	t.Cleanup(h.Close)
	return h
}

// URL is the websocket endpoint.
func (h *Harness) URL() string {
	return "ws" + strings.TrimPrefix(h.HTTP.URL, "http") + "/v1/ws"
}

func (h *Harness) Close() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	h.HTTP.CloseClientConnections()
	h.HTTP.Close()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		h.T.Errorf("scheduler did not stop")
	}
}

func (h *Harness) Create(parent graph.CellID, box geom.AABB) graph.CellID {
	h.T.Helper()
	return h.CreateAt(parent, box, geom.Identity())
}

func (h *Harness) CreateAt(parent graph.CellID, box geom.AABB, tf geom.Transform) graph.CellID {
	h.T.Helper()
	id, err := h.Graph.CreateCell(context.Background(), graph.CreateRequest{
		ParentID:  parent,
		TypeTag:   "box",
		Transform: tf,
		Bounds:    box,
		Actor:     "harness",
	})
	if err != nil {
		h.T.Fatalf("CreateCell: %v", err)
	}
	return id
}

func (h *Harness) Move(id graph.CellID, tf geom.Transform) {
	h.T.Helper()
	if err := h.Graph.MoveCell(context.Background(), id, tf, "harness"); err != nil {
		h.T.Fatalf("MoveCell: %v", err)
	}
}

func (h *Harness) Delete(id graph.CellID) []graph.CellID {
	h.T.Helper()
	removed, err := h.Graph.DeleteCell(context.Background(), id, "harness")
	if err != nil {
		h.T.Fatalf("DeleteCell: %v", err)
	}
	return removed
}

// Tick forces a revalidation pass outside the scheduler loop.
func (h *Harness) Tick() revalidate.TickStats {
	return h.Sched.Tick(context.Background())
}

// WaitFor polls cond until it holds or the deadline passes.
func (h *Harness) WaitFor(what string, cond func() bool) {
	h.T.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.T.Fatalf("timed out waiting for %s", what)
}
