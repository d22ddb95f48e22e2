package app

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"cellworld.ai/internal/persistence/offsite"
)

// State is the body of GET /admin/v1/state.
type State struct {
	WorldID       string         `json:"world_id"`
	Generation    uint64         `json:"generation"`
	Cells         int            `json:"cells"`
	Sessions      int            `json:"sessions"`
	Revalidations uint64         `json:"revalidations"`
	AuditDropped  uint64         `json:"audit_dropped"`
	Offsite       *offsite.Stats `json:"offsite,omitempty"`
	UptimeSec     int64          `json:"uptime_sec"`
}

func (s *Services) State() State {
	st := State{
		WorldID:       s.Config.Server.WorldID,
		Generation:    s.Graph.Generation(),
		Cells:         s.Graph.Len(),
		Sessions:      s.Sessions.Len(),
		Revalidations: s.Scheduler.Ticks(),
		UptimeSec:     int64(time.Since(s.started).Seconds()),
	}
	if s.Store != nil {
		st.AuditDropped = s.Store.Dropped()
	}
	if s.Offsite != nil {
		o := s.Offsite.Stats()
		st.Offsite = &o
	}
	return st
}

// metrics writes the Prometheus text format by hand; there are only gauges
// and counters with a world label.
func (s *Services) metrics(rw http.ResponseWriter, _ *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
	st := s.State()
	w := st.WorldID
	gauge := func(name, help string, v any) {
		fmt.Fprintf(rw, "# HELP %s %s\n# TYPE %s gauge\n%s{world=%q} %v\n", name, help, name, name, w, v)
	}
	counter := func(name, help string, v any) {
		fmt.Fprintf(rw, "# HELP %s %s\n# TYPE %s counter\n%s{world=%q} %v\n", name, help, name, name, w, v)
	}
	gauge("cellworld_graph_cells", "Cells in the world graph.", st.Cells)
	gauge("cellworld_graph_generation", "Committed graph generation.", st.Generation)
	gauge("cellworld_sessions", "Connected sessions.", st.Sessions)
	gauge("cellworld_revalidate_caches", "View caches registered with the scheduler.", s.Scheduler.Len())
	counter("cellworld_revalidate_ticks_total", "Revalidation passes run.", st.Revalidations)
	counter("cellworld_audit_dropped_total", "Mutations dropped from the audit queue.", st.AuditDropped)
	if o := st.Offsite; o != nil {
		gauge("cellworld_offsite_queued", "Files waiting for offsite upload.", o.Queued)
		counter("cellworld_offsite_uploaded_total", "Files uploaded offsite.", o.Uploaded)
		counter("cellworld_offsite_failed_total", "Offsite uploads that gave up.", o.Failed)
		counter("cellworld_offsite_dropped_total", "Files dropped from a full offsite queue.", o.Dropped)
	}
}

func (s *Services) adminState(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(s.State())
}

func (s *Services) adminSnapshot(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	path, err := s.WriteSnapshot()
	if err != nil {
		rw.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
		return
	}
	_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "path": path, "generation": s.Graph.Generation()})
}

func loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
