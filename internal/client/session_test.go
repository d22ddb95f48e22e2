package client_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cellworld.ai/internal/client"
	"cellworld.ai/internal/client/mirror"
	"cellworld.ai/internal/protocol"
	"cellworld.ai/internal/session"
	"cellworld.ai/internal/sim/geom"
	"cellworld.ai/internal/sim/graph"
	"cellworld.ai/internal/sim/interest"
	"cellworld.ai/internal/sim/worldtest"
)

type statusLog struct {
	mu  sync.Mutex
	all []session.Status
}

func (l *statusLog) record(st session.Status) {
	l.mu.Lock()
	l.all = append(l.all, st)
	l.mu.Unlock()
}

func (l *statusLog) get() []session.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]session.Status(nil), l.all...)
}

type errLog struct {
	mu  sync.Mutex
	all []error
}

func (l *errLog) record(err error) {
	l.mu.Lock()
	l.all = append(l.all, err)
	l.mu.Unlock()
}

func (l *errLog) has(target error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, err := range l.all {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type box struct{ released bool }

func (b *box) Release() { b.released = true }

func newMirror(t *testing.T) *mirror.Mirror {
	t.Helper()
	reg := mirror.NewRegistry()
	require.NoError(t, reg.Register("box", func([]byte, geom.Transform) (mirror.Object, error) { return &box{}, nil }))
	return mirror.New(reg, nil)
}

// channel routes CELL_CHANNEL traffic: states into the mirror, edit results
// into results.
func channel(m *mirror.Mirror, results chan<- protocol.EditResult) client.Funcs {
	return client.Funcs{OnMessage: func(env protocol.Envelope) error {
		switch env.Kind {
		case protocol.KindCellState:
			var cs protocol.CellState
			if err := env.Decode(&cs); err != nil {
				return err
			}
			m.HandleState(cs)
		case protocol.KindEditResult:
			var r protocol.EditResult
			if err := env.Decode(&r); err != nil {
				return err
			}
			results <- r
		case protocol.KindCellMessage:
		default:
			return protocol.Unsupported(env.Conn, env.Kind)
		}
		return nil
	}}
}

func ctx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestLogin_StatusTransitions(t *testing.T) {
	h := worldtest.NewHarness(t, worldtest.Options{})

	var ok statusLog
	s := client.NewSession(client.Config{URL: h.URL(), Username: "ada", OnStatus: ok.record})
	require.Equal(t, session.Disconnected, s.Status())
	require.NoError(t, s.Attach(protocol.ConnCellCache, newMirror(t)))
	require.NoError(t, s.Login(ctx(t), client.Credentials{Password: worldtest.Password}))
	require.Equal(t, session.Connected, s.Status())
	require.Equal(t, []session.Status{session.Connecting, session.Connected}, ok.get())
	require.NotEmpty(t, s.ID())
	require.NotEmpty(t, s.Token())
	s.Disconnect()

	var bad statusLog
	s = client.NewSession(client.Config{URL: h.URL(), Username: "ada", OnStatus: bad.record})
	require.NoError(t, s.Attach(protocol.ConnCellCache, newMirror(t)))
	err := s.Login(ctx(t), client.Credentials{Password: "nope"})
	var lf *client.LoginFailure
	require.ErrorAs(t, err, &lf)
	require.Equal(t, "login", lf.Stage)
	require.Equal(t, protocol.ErrAuth, lf.Code)
	require.Equal(t, session.Disconnected, s.Status())
	require.Equal(t, []session.Status{session.Connecting, session.Disconnected}, bad.get())
	require.NotContains(t, bad.get(), session.Connected)
}

func TestLogin_DialFailure(t *testing.T) {
	s := client.NewSession(client.Config{URL: "ws://127.0.0.1:1/v1/ws", Username: "ada"})
	var lf *client.LoginFailure
	require.ErrorAs(t, s.Login(ctx(t), client.Credentials{Password: "x"}), &lf)
	require.Equal(t, "dial", lf.Stage)
	require.Equal(t, session.Disconnected, s.Status())
}

func TestLogin_ResumeWithToken(t *testing.T) {
	h := worldtest.NewHarness(t, worldtest.Options{})
	first, err := client.Login(ctx(t), h.URL(), "bob", client.Credentials{Password: worldtest.Password}, map[protocol.ConnType]client.Handler{
		protocol.ConnCellCache: newMirror(t),
	})
	require.NoError(t, err)
	token := first.Token()
	first.Disconnect()

	again, err := client.Login(ctx(t), h.URL(), "bob", client.Credentials{Token: token}, map[protocol.ConnType]client.Handler{
		protocol.ConnCellCache: newMirror(t),
	})
	require.NoError(t, err)
	require.NotEqual(t, first.ID(), again.ID())
	again.Disconnect()
}

func TestAttachAndSend_StateRules(t *testing.T) {
	h := worldtest.NewHarness(t, worldtest.Options{})
	s := client.NewSession(client.Config{URL: h.URL(), Username: "ada"})

	var ise *session.IllegalStateError
	require.ErrorAs(t, s.Send(protocol.ConnCellCache, protocol.KindSetRegion, protocol.SetRegion{}), &ise)
	require.Equal(t, session.Disconnected, ise.Status)

	require.NoError(t, s.Attach(protocol.ConnCellCache, newMirror(t)))
	require.ErrorAs(t, s.Attach(protocol.ConnCellCache, newMirror(t)), &ise)
	require.NoError(t, s.Login(ctx(t), client.Credentials{Password: worldtest.Password}))

	require.ErrorAs(t, s.Attach(protocol.ConnPresence, client.Funcs{}), &ise)
	require.Equal(t, session.Connected, ise.Status)
	require.ErrorAs(t, s.Send(protocol.ConnPresence, protocol.KindPresenceUpdate, protocol.Presence{}), &ise)
	require.Equal(t, protocol.ConnPresence, ise.Conn)

	require.NoError(t, s.Send(protocol.ConnCellCache, protocol.KindSetRegion, protocol.SetRegion{Region: geom.Box(0, 0, 0, 1, 1, 1)}))
	s.Disconnect()
	require.ErrorAs(t, s.Send(protocol.ConnCellCache, protocol.KindSetRegion, protocol.SetRegion{}), &ise)
}

func TestDisconnect_NotifiesEveryHandler(t *testing.T) {
	h := worldtest.NewHarness(t, worldtest.Options{})
	var mu sync.Mutex
	detached := map[protocol.ConnType]int{}
	handler := func(ct protocol.ConnType) client.Funcs {
		return client.Funcs{
			OnMessage: func(protocol.Envelope) error { return nil },
			OnDetached: func() {
				mu.Lock()
				detached[ct]++
				mu.Unlock()
			},
		}
	}
	s := client.NewSession(client.Config{URL: h.URL(), Username: "ada"})
	for _, ct := range []protocol.ConnType{protocol.ConnCellCache, protocol.ConnPresence, protocol.ConnAudioControl} {
		require.NoError(t, s.Attach(ct, handler(ct)))
	}
	require.NoError(t, s.Login(ctx(t), client.Credentials{Password: worldtest.Password}))
	done := s.Done()

	s.Disconnect()
	s.Disconnect()
	require.Equal(t, session.Disconnected, s.Status())
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, map[protocol.ConnType]int{
		protocol.ConnCellCache:    1,
		protocol.ConnPresence:     1,
		protocol.ConnAudioControl: 1,
	}, detached)

	h.WaitFor("server session gone", func() bool { return h.Sessions.Len() == 0 })
}

func TestUnknownKind_EndsSession(t *testing.T) {
	h := worldtest.NewHarness(t, worldtest.Options{})
	var errs errLog
	s := client.NewSession(client.Config{URL: h.URL(), Username: "ada", OnError: errs.record})
	// A channel handler that understands nothing.
	require.NoError(t, s.Attach(protocol.ConnCellChannel, client.Funcs{}))
	require.NoError(t, s.Login(ctx(t), client.Credentials{Password: worldtest.Password}))
	done := s.Done()

	require.NoError(t, s.Send(protocol.ConnCellChannel, protocol.KindCreateCell, protocol.CreateCell{
		RequestID: "r1",
		TypeTag:   "box",
		Transform: geom.Identity(),
		Bounds:    geom.Box(0, 0, 0, 1, 1, 1),
	}))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
	}
	require.Equal(t, session.Disconnected, s.Status())
	require.True(t, errs.has(protocol.ErrUnsupportedKind))
}

func TestServerRejectsUnknownKind(t *testing.T) {
	h := worldtest.NewHarness(t, worldtest.Options{})
	var errs errLog
	s := client.NewSession(client.Config{URL: h.URL(), Username: "ada", OnError: errs.record})
	require.NoError(t, s.Attach(protocol.ConnCellCache, newMirror(t)))
	require.NoError(t, s.Login(ctx(t), client.Credentials{Password: worldtest.Password}))
	done := s.Done()

	require.NoError(t, s.Send(protocol.ConnCellCache, "CELL_EXPLODE", map[string]string{}))
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
	}
	require.True(t, errs.has(protocol.ErrUnsupportedKind))
}

func TestMirror_LoadThenUnloadOnMove(t *testing.T) {
	h := worldtest.NewHarness(t, worldtest.Options{Policy: interest.Exact, Region: geom.Box(0, 0, -1, 5, 5, 1)})
	a := h.Create(graph.RootID, geom.Box(0, 0, 0, 10, 10, 1))

	m := newMirror(t)
	s, err := client.Login(ctx(t), h.URL(), "ada", client.Credentials{Password: worldtest.Password}, map[protocol.ConnType]client.Handler{
		protocol.ConnCellCache: m,
	})
	require.NoError(t, err)
	defer s.Disconnect()

	h.WaitFor("A active", func() bool { return m.Status(string(a)) == mirror.Active })
	obj, _ := m.Object(string(a))

	h.Move(a, geom.At(100, 100, 0))
	h.WaitFor("A unloaded", func() bool { return m.Status(string(a)) == mirror.Unloaded })
	require.True(t, obj.(*box).released)

	sess, ok := h.Sessions.Get(s.ID())
	require.True(t, ok)
	require.False(t, sess.Cache().Has(a))
}

func TestMirror_DeleteUnloadsSubtree(t *testing.T) {
	h := worldtest.NewHarness(t, worldtest.Options{Policy: interest.Exact})
	a := h.Create(graph.RootID, geom.Box(0, 0, 0, 10, 10, 10))
	b := h.Create(a, geom.Box(1, 1, 1, 2, 2, 2))
	c := h.Create(b, geom.Box(1, 1, 1, 2, 2, 2))
	other := h.Create(graph.RootID, geom.Box(20, 20, 20, 21, 21, 21))

	m := newMirror(t)
	results := make(chan protocol.EditResult, 4)
	s, err := client.Login(ctx(t), h.URL(), "ada", client.Credentials{Password: worldtest.Password}, map[protocol.ConnType]client.Handler{
		protocol.ConnCellCache:   m,
		protocol.ConnCellChannel: channel(m, results),
	})
	require.NoError(t, err)
	defer s.Disconnect()

	h.WaitFor("all loaded", func() bool { return m.Len() == 4 })
	require.Equal(t, []string{string(c)}, m.Children(string(b)))

	require.NoError(t, s.Send(protocol.ConnCellChannel, protocol.KindDeleteCell, protocol.DeleteCell{RequestID: "d1", CellID: string(a)}))
	res := <-results
	require.True(t, res.OK, res.Message)
	require.ElementsMatch(t, []string{string(a), string(b), string(c)}, res.Removed)

	h.WaitFor("subtree unloaded", func() bool { return m.Len() == 1 })
	require.Equal(t, []string{string(other)}, m.IDs())

	h.Tick()
	sess, ok := h.Sessions.Get(s.ID())
	require.True(t, ok)
	for _, id := range []graph.CellID{a, b, c} {
		require.False(t, sess.Cache().Has(id))
	}
}

func TestConcurrentReparent_ExactlyOneWins(t *testing.T) {
	h := worldtest.NewHarness(t, worldtest.Options{})
	x := h.Create(graph.RootID, geom.Box(0, 0, 0, 1, 1, 1))
	p1 := h.Create(graph.RootID, geom.Box(0, 0, 0, 1, 1, 1))
	p2 := h.Create(graph.RootID, geom.Box(0, 0, 0, 1, 1, 1))
	require.NoError(t, h.Graph.ReparentCell(context.Background(), x, "", "harness"))

	type peer struct {
		s       *client.Session
		results chan protocol.EditResult
	}
	var peers []peer
	for _, user := range worldtest.Users {
		results := make(chan protocol.EditResult, 1)
		s, err := client.Login(ctx(t), h.URL(), user, client.Credentials{Password: worldtest.Password}, map[protocol.ConnType]client.Handler{
			protocol.ConnCellChannel: channel(newMirror(t), results),
		})
		require.NoError(t, err)
		defer s.Disconnect()
		peers = append(peers, peer{s: s, results: results})
	}

	var wg sync.WaitGroup
	for i, p := range []graph.CellID{p1, p2} {
		wg.Add(1)
		go func(pr peer, parent graph.CellID) {
			defer wg.Done()
			_ = pr.s.Send(protocol.ConnCellChannel, protocol.KindReparentCell, protocol.ReparentCell{
				RequestID:   "rp",
				CellID:      string(x),
				NewParentID: string(parent),
			})
		}(peers[i], p)
	}
	wg.Wait()

	var wins, conflicts int
	for _, pr := range peers {
		select {
		case r := <-pr.results:
			if r.OK {
				wins++
			} else {
				require.Equal(t, protocol.ErrMultipleParent, r.Code)
				conflicts++
			}
		case <-time.After(3 * time.Second):
			t.Fatal("no edit result")
		}
	}
	require.Equal(t, 1, wins)
	require.Equal(t, 1, conflicts)

	cell, ok := h.Graph.Cell(x)
	require.True(t, ok)
	require.Contains(t, []graph.CellID{p1, p2}, cell.ParentID)
	holders := 0
	for _, p := range []graph.CellID{p1, p2} {
		pc, _ := h.Graph.Cell(p)
		for _, ch := range pc.Children {
			if ch == x {
				holders++
			}
		}
	}
	require.Equal(t, 1, holders)
}
