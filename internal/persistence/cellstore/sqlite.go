// Package cellstore is the SQLite persistence adapter for the world graph.
// Each cell is one row holding a CBOR-encoded record; every graph commit is
// one SQL transaction. The store also keeps an audit trail of committed
// mutations, written by a background goroutine so listeners never block on
// disk.
package cellstore

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.trai.ch/zerr"
	_ "modernc.org/sqlite"

	"cellworld.ai/internal/sim/graph"
)

type Store struct {
	db  *sql.DB
	log *log.Logger

	ch      chan graph.Mutation
	wg      sync.WaitGroup
	once    sync.Once
	closed  atomic.Bool
	dropped atomic.Uint64
}

type Options struct {
	// AuditQueue bounds the mutations waiting to be written. Zero disables
	// the audit trail.
	AuditQueue int
	Log        *log.Logger
}

func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("cellstore: empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, zerr.With(zerr.Wrap(err, "create db dir"), "path", path)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "open sqlite"), "path", path)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, zerr.Wrap(err, "sqlite pragmas")
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, zerr.Wrap(err, "sqlite schema")
	}

	logger := opts.Log
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Store{db: db, log: logger}
	if opts.AuditQueue > 0 {
		s.ch = make(chan graph.Mutation, opts.AuditQueue)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop()
		}()
	}
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS cells (
			id TEXT PRIMARY KEY,
			parent_id TEXT NOT NULL DEFAULT '',
			type_tag TEXT NOT NULL,
			record BLOB NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS cells_parent ON cells(parent_id);`,
		`CREATE TABLE IF NOT EXISTS mutations (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			generation INTEGER NOT NULL,
			kind TEXT NOT NULL,
			cell_id TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			old_parent_id TEXT NOT NULL DEFAULT '',
			removed INTEGER NOT NULL DEFAULT 0,
			actor TEXT NOT NULL DEFAULT '',
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS mutations_cell ON mutations(cell_id, seq);`,
		`INSERT OR IGNORE INTO meta(key, value) VALUES ('schema_version', '1');`,
	}
	for _, st := range stmts {
		if _, err := db.Exec(st); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		if s.ch != nil {
			close(s.ch)
			s.wg.Wait()
		}
		err = s.db.Close()
	})
	return err
}

// Begin implements graph.Store.
func (s *Store) Begin(ctx context.Context) (graph.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, zerr.Wrap(err, "begin")
	}
	return &txn{tx: tx, ctx: ctx, now: time.Now().UTC().Format(time.RFC3339Nano)}, nil
}

// LoadAll implements graph.Store.
func (s *Store) LoadAll(ctx context.Context) ([]graph.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, record FROM cells ORDER BY id`)
	if err != nil {
		return nil, zerr.Wrap(err, "query cells")
	}
	defer rows.Close()
	var out []graph.Record
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, zerr.Wrap(err, "scan cell")
		}
		r, err := decodeRecord(raw)
		if err != nil {
			return nil, zerr.With(zerr.Wrap(err, "decode cell"), "cell_id", id)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cells`).Scan(&n)
	return n, err
}

type txn struct {
	tx  *sql.Tx
	ctx context.Context
	now string
}

func (t *txn) Put(r graph.Record) error {
	raw, err := encodeRecord(r)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "encode cell"), "cell_id", string(r.ID))
	}
	_, err = t.tx.ExecContext(t.ctx, `INSERT INTO cells(id, parent_id, type_tag, record, updated_at)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_id=excluded.parent_id,
			type_tag=excluded.type_tag,
			record=excluded.record,
			updated_at=excluded.updated_at`,
		string(r.ID), string(r.ParentID), r.TypeTag, raw, t.now)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "put cell"), "cell_id", string(r.ID))
	}
	return nil
}

func (t *txn) Delete(ids ...graph.CellID) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = string(id)
	}
	q := `DELETE FROM cells WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	if _, err := t.tx.ExecContext(t.ctx, q, args...); err != nil {
		return zerr.Wrap(err, "delete cells")
	}
	return nil
}

func (t *txn) Commit() error   { return t.tx.Commit() }
func (t *txn) Rollback() error { return t.tx.Rollback() }

// AuditEntry is one row of the mutation audit trail.
type AuditEntry struct {
	Seq         int64
	Generation  uint64
	Kind        graph.MutationKind
	CellID      graph.CellID
	ParentID    graph.CellID
	OldParentID graph.CellID
	Removed     int
	Actor       string
	At          time.Time
}

// OnMutation queues m for the audit trail. It never blocks; when the queue
// is full the entry is dropped and counted.
func (s *Store) OnMutation(m graph.Mutation) {
	if s.ch == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- m:
	default:
		s.dropped.Add(1)
	}
}

// Dropped counts audit entries lost to a full queue.
func (s *Store) Dropped() uint64 { return s.dropped.Load() }

func (s *Store) loop() {
	for m := range s.ch {
		_, err := s.db.Exec(`INSERT INTO mutations(generation, kind, cell_id, parent_id, old_parent_id, removed, actor, at)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
			int64(m.Generation), string(m.Kind), string(m.CellID), string(m.ParentID), string(m.OldParentID),
			len(m.Removed), m.Actor, time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			s.log.Printf("cellstore: audit %s %s: %v", m.Kind, m.CellID, err)
		}
	}
}

// History returns the audit entries for a cell, oldest first. An empty id
// returns the most recent entries across all cells.
func (s *Store) History(ctx context.Context, id graph.CellID, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT seq, generation, kind, cell_id, parent_id, old_parent_id, removed, actor, at FROM mutations`
	args := []any{}
	if id != "" {
		q += ` WHERE cell_id = ? ORDER BY seq ASC LIMIT ?`
		args = append(args, string(id), limit)
	} else {
		q += ` ORDER BY seq DESC LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, zerr.Wrap(err, "query mutations")
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var (
			e                       AuditEntry
			gen                     int64
			kind, cell, par, oldPar string
			at                      string
		)
		if err := rows.Scan(&e.Seq, &gen, &kind, &cell, &par, &oldPar, &e.Removed, &e.Actor, &at); err != nil {
			return nil, zerr.Wrap(err, "scan mutation")
		}
		e.Generation = uint64(gen)
		e.Kind = graph.MutationKind(kind)
		e.CellID, e.ParentID, e.OldParentID = graph.CellID(cell), graph.CellID(par), graph.CellID(oldPar)
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}
