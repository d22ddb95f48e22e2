package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	persistlog "cellworld.ai/internal/persistence/log"
	"cellworld.ai/internal/persistence/snapshot"
	"cellworld.ai/internal/sim/graph"
)

func main() {
	var (
		snapPath   = flag.String("snapshot", "", "base snapshot (.snap.zst); empty starts from an empty world")
		journalDir = flag.String("journal", "", "journal dir containing journal-*.jsonl.zst")
		verifyPath = flag.String("verify", "", "later snapshot to compare the replayed world against (optional)")
		outPath    = flag.String("out", "", "write the replayed world as a snapshot (optional)")
	)
	flag.Parse()

	var (
		base    []graph.Record
		since   time.Time
		worldID string
	)
	if *snapPath != "" {
		snap, err := snapshot.ReadSnapshot(*snapPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		base, since, worldID = snap.Records(), snap.Header.CreatedAt, snap.Header.WorldID
		fmt.Printf("snapshot v%d world=%s gen=%d cells=%d created=%s\n",
			snap.Header.Version, snap.Header.WorldID, snap.Header.Generation, len(snap.Cells), snap.Header.CreatedAt.Format(time.RFC3339))
	}
	if *journalDir == "" {
		return
	}

	var until time.Time
	var want snapshot.Header
	if *verifyPath != "" {
		h, err := snapshot.ReadHeader(*verifyPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read verify snapshot:", err)
			os.Exit(1)
		}
		if worldID != "" && h.WorldID != worldID {
			fmt.Fprintf(os.Stderr, "world mismatch: base=%s verify=%s\n", worldID, h.WorldID)
			os.Exit(2)
		}
		want, until, worldID = h, h.CreatedAt, h.WorldID
	}

	files, err := persistlog.ListFiles(*journalDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list journal:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no journal files found in", *journalDir)
		os.Exit(1)
	}
	var entries []persistlog.Entry
	for _, path := range files {
		es, err := persistlog.ReadFile(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read journal:", err)
			os.Exit(1)
		}
		for _, e := range es {
			if !until.IsZero() && e.Time.After(until) {
				continue
			}
			entries = append(entries, e)
		}
	}

	recs, applied, err := persistlog.Replay(base, entries, since)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	var gen uint64
	if n := len(entries); n > 0 {
		gen = entries[n-1].Generation
	}
	out := snapshot.FromRecords(worldID, gen, recs)
	fmt.Printf("replay ok: applied=%d entries cells=%d\n", applied, len(recs))

	if *verifyPath != "" {
		got, err := snapshot.Digest(out.Cells)
		if err != nil {
			fmt.Fprintln(os.Stderr, "digest:", err)
			os.Exit(1)
		}
		if got != want.Digest {
			fmt.Fprintf(os.Stderr, "digest mismatch: replayed=%s snapshot=%s\n", got, want.Digest)
			os.Exit(1)
		}
		fmt.Printf("verify ok: digest=%s\n", got)
	}
	if *outPath != "" {
		if err := snapshot.WriteSnapshot(*outPath, out); err != nil {
			fmt.Fprintln(os.Stderr, "write snapshot:", err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s\n", *outPath)
	}
}
