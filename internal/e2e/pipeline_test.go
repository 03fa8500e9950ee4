package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mattjoyce/buildtap/internal/dispatch"
	"github.com/mattjoyce/buildtap/internal/events"
	"github.com/mattjoyce/buildtap/internal/export"
	"github.com/mattjoyce/buildtap/internal/feed"
	"github.com/mattjoyce/buildtap/internal/handler"
	"github.com/mattjoyce/buildtap/internal/handler/builtin"
	"github.com/mattjoyce/buildtap/internal/results"
	"github.com/mattjoyce/buildtap/internal/scheduler"
	"github.com/mattjoyce/buildtap/internal/storage"
)

// fakeExportServer serves the announcement feed and one event feed per
// build, speaking the same SSE dialect as a real export server.
type fakeExportServer struct {
	builds   []string
	maxLive  atomic.Int64
	liveNow  atomic.Int64
	eventSrv *httptest.Server
}

func newFakeExportServer(t *testing.T, builds ...string) *fakeExportServer {
	t.Helper()
	f := &fakeExportServer{builds: builds}

	mux := http.NewServeMux()
	mux.HandleFunc("/build-export/v1/builds/since/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i, id := range f.builds {
			fmt.Fprintf(w, "id: %d\nevent: Build\ndata: {\"buildId\":%q}\n\n", i+1, id)
		}
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("/build-export/v1/build/", func(w http.ResponseWriter, r *http.Request) {
		// Track how many per-build streams run at once.
		n := f.liveNow.Add(1)
		defer f.liveNow.Add(-1)
		for {
			peak := f.maxLive.Load()
			if n <= peak || f.maxLive.CompareAndSwap(peak, n) {
				break
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent := func(typ string, ts int64, data string) {
			fmt.Fprintf(w, "event: BuildEvent\ndata: {\"type\":{\"eventType\":%q},\"timestamp\":%d,\"data\":%s}\n\n",
				typ, ts, data)
		}
		writeEvent("BuildStarted", 100, "{}")
		writeEvent("TaskFinished", 110, `{"cacheable":true}`)
		writeEvent("TaskFinished", 120, `{"cacheable":false}`)
		writeEvent("TaskFinished", 130, `{"cacheable":true}`)
		writeEvent("BuildFinished", 150, "{}")
	})

	f.eventSrv = httptest.NewServer(mux)
	t.Cleanup(f.eventSrv.Close)
	return f
}

func TestPipelineEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := newFakeExportServer(t, "b-1", "b-2", "b-3", "b-4", "b-5")

	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "results.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	store := results.New(db)

	registry, err := handler.NewRegistry(builtin.DurationVariant{}, builtin.CacheableVariant{})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	hub := events.NewHub(256)
	defer hub.Close()

	client := export.NewClient(fake.eventSrv.URL)
	runner := dispatch.New(client, registry, store, hub)

	sched, err := scheduler.New(scheduler.Config{MaxConcurrent: 2}, runner, hub)
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	go func() { _ = sched.Start(ctx) }()

	sub := feed.New(client, sched, "now")
	go func() { _ = sub.Run(ctx) }()

	deadline := time.Now().Add(10 * time.Second)
	for sched.Stats().Completed < 5 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := sched.Stats().Completed; got != 5 {
		t.Fatalf("completed %d builds, want 5", got)
	}

	// The concurrency ceiling held across the whole run.
	if peak := fake.maxLive.Load(); peak > 2 {
		t.Errorf("observed %d concurrent build streams, ceiling is 2", peak)
	}

	builds, err := store.RecentBuilds(ctx, 10)
	if err != nil {
		t.Fatalf("recent builds: %v", err)
	}
	if len(builds) != 5 {
		t.Fatalf("recorded %d builds, want 5", len(builds))
	}
	for _, b := range builds {
		if b.Outcome != "completed" {
			t.Errorf("build %s outcome %q", b.BuildID, b.Outcome)
		}
		if b.Events != 5 {
			t.Errorf("build %s saw %d events, want 5", b.BuildID, b.Events)
		}
		if b.Results != 2 {
			t.Errorf("build %s stored %d results, want 2", b.BuildID, b.Results)
		}
	}

	// Every build got both handler results with the expected values.
	recs, err := store.ResultsForBuild(ctx, "b-3")
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	for _, rec := range recs {
		switch rec.Handler {
		case "build_duration":
			var dur builtin.DurationResult
			if err := json.Unmarshal(rec.Result, &dur); err != nil {
				t.Fatalf("decode duration: %v", err)
			}
			if !dur.Complete || dur.DurationMS != 50 {
				t.Errorf("duration = %+v", dur)
			}
		case "cacheable_tasks":
			var cache builtin.CacheableResult
			if err := json.Unmarshal(rec.Result, &cache); err != nil {
				t.Fatalf("decode cacheable: %v", err)
			}
			if cache.Tasks != 3 || cache.CacheableTasks != 2 {
				t.Errorf("cacheable = %+v", cache)
			}
		default:
			t.Errorf("unexpected handler %q", rec.Handler)
		}
	}

	// The activity feed saw the whole lifecycle.
	seen := make(map[string]int)
	for _, ev := range hub.ReplaySince(0) {
		seen[ev.Type]++
	}
	if seen["build.admitted"] != 5 || seen["build.finished"] != 5 {
		t.Errorf("activity events: %v", seen)
	}
}
