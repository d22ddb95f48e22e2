package offsite

import (
	"context"
	"fmt"
	"io"
	"log"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Uploader is satisfied by *Client.
type Uploader interface {
	PutFile(ctx context.Context, key, local string) error
}

type Options struct {
	// BaseDir is stripped from local paths to form object keys.
	BaseDir string
	Prefix  string
	Workers int
	Queue   int
	// Attempts per file, with quadratic backoff between them.
	Attempts int
	Backoff  time.Duration
	Log      *log.Logger
}

type Stats struct {
	Queued   int
	Capacity int
	Uploaded uint64
	Failed   uint64
	Dropped  uint64
	LastOK   time.Time
}

// Mirror uploads files in the background. Enqueue never blocks; a full queue
// drops the file and counts it.
type Mirror struct {
	up   Uploader
	opts Options
	log  *log.Logger

	jobs   chan string
	cancel context.CancelFunc
	group  *errgroup.Group
	once   sync.Once
	closed atomic.Bool

	uploaded atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
	lastOK   atomic.Int64
}

func NewMirror(up Uploader, opts Options) *Mirror {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Queue <= 0 {
		opts.Queue = 256
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 4
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	opts.Prefix = strings.Trim(strings.ReplaceAll(opts.Prefix, "\\", "/"), "/")
	logger := opts.Log
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mirror{
		up:     up,
		opts:   opts,
		log:    logger,
		jobs:   make(chan string, opts.Queue),
		cancel: cancel,
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.Workers; i++ {
		g.Go(func() error {
			for p := range m.jobs {
				m.upload(ctx, p)
			}
			return nil
		})
	}
	m.group = g
	return m
}

func (m *Mirror) Enqueue(local string) bool {
	if m == nil || m.closed.Load() {
		return false
	}
	select {
	case m.jobs <- local:
		return true
	default:
		m.dropped.Add(1)
		m.log.Printf("offsite: queue full; dropped %s", local)
		return false
	}
}

// Close uploads what is queued and stops the workers. ctx bounds the wait;
// when it ends, in-flight uploads are cancelled.
func (m *Mirror) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.once.Do(func() {
		m.closed.Store(true)
		close(m.jobs)
	})
	done := make(chan error, 1)
	go func() { done <- m.group.Wait() }()
	select {
	case err := <-done:
		m.cancel()
		return err
	case <-ctx.Done():
		m.cancel()
		return <-done
	}
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	st := Stats{
		Queued:   len(m.jobs),
		Capacity: cap(m.jobs),
		Uploaded: m.uploaded.Load(),
		Failed:   m.failed.Load(),
		Dropped:  m.dropped.Load(),
	}
	if ms := m.lastOK.Load(); ms > 0 {
		st.LastOK = time.UnixMilli(ms).UTC()
	}
	return st
}

func (m *Mirror) upload(ctx context.Context, local string) {
	key, err := m.ObjectKey(local)
	if err != nil {
		m.failed.Add(1)
		m.log.Printf("offsite: skip %s: %v", local, err)
		return
	}
	for attempt := 1; ; attempt++ {
		err = m.up.PutFile(ctx, key, local)
		if err == nil {
			m.uploaded.Add(1)
			m.lastOK.Store(time.Now().UnixMilli())
			return
		}
		if attempt >= m.opts.Attempts || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(attempt*attempt) * m.opts.Backoff):
		}
	}
	m.failed.Add(1)
	m.log.Printf("offsite: upload %s failed: %v", key, err)
}

// ObjectKey maps a local path under BaseDir to its key under Prefix.
func (m *Mirror) ObjectKey(local string) (string, error) {
	base, err := filepath.Abs(m.opts.BaseDir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(local)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside %s", abs, base)
	}
	if m.opts.Prefix != "" {
		rel = path.Join(m.opts.Prefix, rel)
	}
	return rel, nil
}
