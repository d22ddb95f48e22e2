// Package app builds the server's long-lived services once at startup and
// hands them to whoever needs them. There are no package-level singletons;
// everything hangs off Services.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"cellworld.ai/internal/auth"
	"cellworld.ai/internal/config"
	"cellworld.ai/internal/persistence/cellstore"
	persistlog "cellworld.ai/internal/persistence/log"
	"cellworld.ai/internal/persistence/offsite"
	"cellworld.ai/internal/persistence/snapshot"
	"cellworld.ai/internal/protocol"
	"cellworld.ai/internal/session"
	"cellworld.ai/internal/sim/geom"
	"cellworld.ai/internal/sim/graph"
	"cellworld.ai/internal/sim/interest"
	"cellworld.ai/internal/sim/revalidate"
	"cellworld.ai/internal/transport/ws"
)

type Options struct {
	// SnapshotPath seeds an empty graph. When empty and LoadLatest is set,
	// the newest snapshot under the snapshot dir is used.
	SnapshotPath string
	LoadLatest   bool
}

type Services struct {
	Config    config.Config
	Log       *log.Logger
	Graph     *graph.Graph
	Store     *cellstore.Store    // nil when the graph is memory-only
	Journal   *persistlog.Journal // nil without a journal dir
	Offsite   *offsite.Mirror     // nil unless an offsite endpoint is set
	Scheduler *revalidate.Scheduler
	Auth      *auth.Authenticator
	Sessions  *session.Registry
	Validator *protocol.Validator
	WS        *ws.Server

	started time.Time
}

func New(ctx context.Context, cfg config.Config, opts Options, logger *log.Logger) (*Services, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Services{Config: cfg, Log: logger, started: time.Now()}

	if p := cfg.Persistence.DBPath; p != "" {
		st, err := cellstore.Open(p, cellstore.Options{AuditQueue: cfg.Persistence.AuditQueue, Log: logger})
		if err != nil {
			return nil, err
		}
		s.Store = st
	}
	gcfg := graph.Config{Types: cfg.Server.Types, Log: logger}
	if s.Store != nil {
		gcfg.Store = s.Store
	}
	s.Graph = graph.New(gcfg)

	n, err := s.Graph.Load(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	if n > 0 {
		logger.Printf("loaded %d cells from %s", n, cfg.Persistence.DBPath)
	} else if err := s.seed(ctx, opts); err != nil {
		s.Close()
		return nil, err
	}

	if o := cfg.Persistence.Offsite; o.Enabled() {
		client, err := offsite.NewClient(offsite.Target{
			Endpoint:  o.Endpoint,
			Bucket:    o.Bucket,
			Region:    o.Region,
			AccessKey: o.AccessKey,
			SecretKey: o.SecretKey,
		})
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Offsite = offsite.NewMirror(client, offsite.Options{
			BaseDir: cfg.Server.DataDir,
			Prefix:  o.Prefix,
			Workers: o.Workers,
			Queue:   o.Queue,
			Log:     logger,
		})
		logger.Printf("offsite mirror enabled bucket=%s prefix=%s", o.Bucket, o.Prefix)
	}

	// Listeners registered after the seed so a restore is not journaled as
	// ordinary edits.
	if s.Store != nil {
		s.Graph.AddListener(s.Store)
	}
	if dir := cfg.Persistence.JournalDir; dir != "" {
		s.Journal = persistlog.NewJournal(dir, logger)
		if s.Offsite != nil {
			s.Journal.OnFileClosed(func(path string) { s.Offsite.Enqueue(path) })
		}
		s.Graph.AddListener(s.Journal)
	}

	policy := interest.Policy{Margin: cfg.Interest.Margin, UnloadDwell: cfg.Interest.UnloadDwell}
	if cfg.Interest.Exact {
		policy = interest.Exact
	}
	s.Scheduler = revalidate.New(s.Graph, revalidate.Config{
		InitialDelay: cfg.Revalidation.InitialDelay,
		Period:       cfg.Revalidation.Period,
		MinInterval:  cfg.Revalidation.MinInterval,
		Workers:      cfg.Revalidation.Workers,
		Policy:       policy,
		Log:          logger,
	})

	s.Auth, err = auth.New(auth.Config{
		Users:    cfg.Auth.Users,
		Secret:   []byte(cfg.Auth.Secret),
		TokenTTL: cfg.Auth.TokenTTL,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Validator, err = protocol.NewValidator()
	if err != nil {
		s.Close()
		return nil, err
	}

	editRate := rate.Inf
	if cfg.Session.EditRate > 0 {
		editRate = rate.Limit(cfg.Session.EditRate)
	}
	r := cfg.Server.DefaultRegion
	s.Sessions = session.NewRegistry()
	s.WS = ws.NewServer(ws.Config{
		Graph:            s.Graph,
		Scheduler:        s.Scheduler,
		Auth:             s.Auth,
		Sessions:         s.Sessions,
		Validator:        s.Validator,
		Log:              logger,
		QueueSize:        cfg.Session.QueueSize,
		EditRate:         editRate,
		EditBurst:        cfg.Session.EditBurst,
		DefaultRegion:    geom.Box(r[0], r[1], r[2], r[3], r[4], r[5]),
		HandshakeTimeout: cfg.Session.HandshakeTimeout,
		ReadTimeout:      cfg.Session.ReadTimeout,
		WriteTimeout:     cfg.Session.WriteTimeout,
	})
	return s, nil
}

func (s *Services) seed(ctx context.Context, opts Options) error {
	path := strings.TrimSpace(opts.SnapshotPath)
	if path == "" && opts.LoadLatest {
		path = LatestSnapshot(s.Config.Persistence.SnapshotDir)
	}
	if path == "" {
		return nil
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return err
	}
	if snap.Header.WorldID != "" && snap.Header.WorldID != s.Config.Server.WorldID {
		return zerr.With(zerr.With(errors.New("snapshot world id mismatch"), "want", s.Config.Server.WorldID), "got", snap.Header.WorldID)
	}
	if err := s.Graph.Restore(ctx, snap.Records(), "snapshot"); err != nil {
		return zerr.With(zerr.Wrap(err, "restore snapshot"), "path", path)
	}
	s.Log.Printf("restored %d cells from snapshot=%s", len(snap.Cells), filepath.Base(path))
	return nil
}

// Run drives the scheduler and the periodic snapshot writer until ctx ends.
func (s *Services) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Scheduler.Run(ctx) })
	if every := s.Config.Persistence.SnapshotEvery; every > 0 && s.Config.Persistence.SnapshotDir != "" {
		g.Go(func() error {
			t := time.NewTicker(every)
			defer t.Stop()
			var lastGen uint64
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
				}
				gen := s.Graph.Generation()
				if gen == lastGen {
					continue
				}
				lastGen = gen
				if _, err := s.WriteSnapshot(); err != nil {
					s.Log.Printf("snapshot write: %v", err)
				}
			}
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// WriteSnapshot exports the graph to <snapshot dir>/<unix ms>.snap.zst.
func (s *Services) WriteSnapshot() (string, error) {
	dir := s.Config.Persistence.SnapshotDir
	if dir == "" {
		return "", fmt.Errorf("snapshot dir not configured")
	}
	snap := snapshot.FromGraph(s.Config.Server.WorldID, s.Graph)
	path := filepath.Join(dir, fmt.Sprintf("%d.snap.zst", snap.Header.CreatedAt.UnixMilli()))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return "", err
	}
	if s.Journal != nil {
		if err := s.Journal.Sync(); err != nil {
			s.Log.Printf("journal sync: %v", err)
		}
	}
	s.Offsite.Enqueue(path)
	return path, nil
}

// Close releases persistence. Safe on a partially built Services. Pending
// offsite uploads get up to a minute to finish.
func (s *Services) Close() error {
	var errs []error
	if s.Journal != nil {
		errs = append(errs, s.Journal.Close())
	}
	if s.Offsite != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		errs = append(errs, s.Offsite.Close(ctx))
		cancel()
	}
	if s.Store != nil {
		errs = append(errs, s.Store.Close())
	}
	return errors.Join(errs...)
}

// LatestSnapshot returns the newest <unix ms>.snap.zst in dir, or "".
func LatestSnapshot(dir string) string {
	if dir == "" {
		return ""
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestMS int64
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		ms, err := strconv.ParseInt(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		if best == "" || ms > bestMS {
			bestMS = ms
			best = filepath.Join(dir, name)
		}
	}
	return best
}

// Handler mounts the websocket endpoint, health, metrics and, when admin is
// set, the loopback-only admin endpoints.
func (s *Services) Handler(admin bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", s.metrics)
	if admin {
		mux.HandleFunc("/admin/v1/state", loopbackOnly(s.adminState))
		mux.HandleFunc("/admin/v1/snapshot", loopbackOnly(s.adminSnapshot))
	} else {
		s.Log.Printf("admin endpoints disabled")
	}
	mux.HandleFunc("/v1/ws", s.WS.Handler())
	return mux
}
