package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"cellworld.ai/internal/sim/geom"
	"cellworld.ai/internal/sim/graph"
)

// JSONLZstdWriter appends JSON lines to hourly zstd files named
// <prefix>-YYYY-MM-DD-HH.jsonl.zst under baseDir.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	// closed, when set, receives the path of each file the writer finishes.
	closed func(path string)

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

// OnFileClosed registers fn to run after a file is rotated out or closed.
// fn runs with the writer locked and must not block.
func (w *JSONLZstdWriter) OnFileClosed(fn func(path string)) {
	w.mu.Lock()
	w.closed = fn
	w.mu.Unlock()
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

// Sync pushes buffered lines through the encoder into the file.
func (w *JSONLZstdWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.enc == nil {
		return nil
	}
	if err := w.enc.Flush(); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		name := w.f.Name()
		_ = w.f.Close()
		w.f = nil
		if w.closed != nil {
			w.closed(name)
		}
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// Entry is one committed graph mutation.
type Entry struct {
	Time        time.Time          `json:"t"`
	Generation  uint64             `json:"gen"`
	Kind        graph.MutationKind `json:"kind"`
	CellID      string             `json:"cell_id,omitempty"`
	ParentID    string             `json:"parent_id,omitempty"`
	OldParentID string             `json:"old_parent_id,omitempty"`
	TypeTag     string             `json:"type_tag,omitempty"`
	Transform   *geom.Transform    `json:"transform,omitempty"`
	Bounds      *geom.AABB         `json:"bounds,omitempty"`
	State       []byte             `json:"state,omitempty"`
	Removed     []string           `json:"removed,omitempty"`
	Actor       string             `json:"actor,omitempty"`
}

func EntryFor(m graph.Mutation, at time.Time) Entry {
	e := Entry{
		Time:        at.UTC(),
		Generation:  m.Generation,
		Kind:        m.Kind,
		CellID:      string(m.CellID),
		ParentID:    string(m.ParentID),
		OldParentID: string(m.OldParentID),
		Actor:       m.Actor,
	}
	switch m.Kind {
	case graph.MutCreate:
		tf, bb := m.Transform, m.Bounds
		e.TypeTag, e.Transform, e.Bounds, e.State = m.TypeTag, &tf, &bb, m.State
	case graph.MutMove:
		tf := m.Transform
		e.Transform = &tf
	case graph.MutState:
		e.State = m.State
	case graph.MutDelete:
		for _, id := range m.Removed {
			e.Removed = append(e.Removed, string(id))
		}
	}
	return e
}

// Journal records every graph mutation as a JSONL entry. It is a
// graph.Listener and writes synchronously, so entries keep commit order.
type Journal struct {
	w   *JSONLZstdWriter
	log *stdlog.Logger
}

func NewJournal(dir string, logger *stdlog.Logger) *Journal {
	if logger == nil {
		logger = stdlog.New(io.Discard, "", 0)
	}
	return &Journal{w: NewJSONLZstdWriter(dir, "journal"), log: logger}
}

func (j *Journal) OnMutation(m graph.Mutation) {
	if err := j.w.Write(EntryFor(m, j.w.now())); err != nil {
		j.log.Printf("journal: %s %s: %v", m.Kind, m.CellID, err)
	}
}

// OnFileClosed forwards to the underlying writer.
func (j *Journal) OnFileClosed(fn func(path string)) { j.w.OnFileClosed(fn) }

func (j *Journal) Sync() error  { return j.w.Sync() }
func (j *Journal) Close() error { return j.w.Close() }

// ListFiles returns the journal files in dir in time order.
func ListFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range ents {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, "journal-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, filepath.Join(dir, n))
	}
	return out, nil
}

// ReadFile decodes every entry of one journal file. A truncated final frame
// ends the file without error.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	var out []Entry
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return out, fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return out, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return out, nil
}

// ErrRestoreBoundary means the journal crosses a whole-graph restore, which
// replay cannot reproduce from entries alone.
var ErrRestoreBoundary = errors.New("journal: restore boundary; replay from a later snapshot")

// Apply replays one entry onto recs.
func Apply(recs map[graph.CellID]graph.Record, e Entry) error {
	id := graph.CellID(e.CellID)
	switch e.Kind {
	case graph.MutCreate:
		r := graph.Record{ID: id, ParentID: graph.CellID(e.ParentID), TypeTag: e.TypeTag, State: e.State}
		if e.Transform != nil {
			r.Transform = *e.Transform
		}
		if e.Bounds != nil {
			r.Bounds = *e.Bounds
		}
		recs[id] = r
	case graph.MutDelete:
		for _, rid := range e.Removed {
			delete(recs, graph.CellID(rid))
		}
	case graph.MutMove:
		r, ok := recs[id]
		if !ok || e.Transform == nil {
			return fmt.Errorf("journal: move of unknown cell %s", id)
		}
		r.Transform = *e.Transform
		recs[id] = r
	case graph.MutReparent:
		r, ok := recs[id]
		if !ok {
			return fmt.Errorf("journal: reparent of unknown cell %s", id)
		}
		r.ParentID = graph.CellID(e.ParentID)
		recs[id] = r
	case graph.MutState:
		r, ok := recs[id]
		if !ok {
			return fmt.Errorf("journal: state of unknown cell %s", id)
		}
		r.State = e.State
		recs[id] = r
	case graph.MutRestore:
		return ErrRestoreBoundary
	default:
		return fmt.Errorf("journal: unknown mutation kind %q", e.Kind)
	}
	return nil
}

// Replay applies the entries after since to base and returns the resulting
// records sorted by ID, with the number of entries applied.
func Replay(base []graph.Record, entries []Entry, since time.Time) ([]graph.Record, int, error) {
	recs := make(map[graph.CellID]graph.Record, len(base))
	for _, r := range base {
		recs[r.ID] = r
	}
	applied := 0
	for _, e := range entries {
		if !e.Time.After(since) {
			continue
		}
		if err := Apply(recs, e); err != nil {
			return nil, applied, fmt.Errorf("gen %d: %w", e.Generation, err)
		}
		applied++
	}
	out := make([]graph.Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, applied, nil
}
