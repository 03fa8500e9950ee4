package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/buildtap/internal/events"
	"github.com/mattjoyce/buildtap/internal/log"
	"github.com/mattjoyce/buildtap/internal/results"
	"github.com/mattjoyce/buildtap/internal/scheduler"
	"github.com/mattjoyce/buildtap/internal/storage"
)

type fixedStats struct {
	stats scheduler.Stats
}

func (f fixedStats) Stats() scheduler.Stats { return f.stats }

func testServer(t *testing.T, cfg Config, store *results.Store, hub *events.Hub) *httptest.Server {
	t.Helper()
	if hub == nil {
		hub = events.NewHub(16)
		t.Cleanup(hub.Close)
	}
	s := New(cfg, fixedStats{scheduler.Stats{QueueDepth: 3, InFlight: 2, Admitted: 10, Completed: 8, Dropped: 1}},
		store, hub, log.WithComponent("api-test"))
	srv := httptest.NewServer(s.routes())
	t.Cleanup(srv.Close)
	return srv
}

func seededStore(t *testing.T) *results.Store {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "results.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := results.New(db)
	now := time.Now().UTC()
	if err := store.RecordStream(ctx, results.StreamRecord{
		BuildID: "b-1", Outcome: "completed", Events: 5, StartedAt: now, FinishedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordResult(ctx, results.HandlerResult{
		BuildID: "b-1", Handler: "build_duration",
		Result: json.RawMessage(`{"duration_ms":50}`), CreatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	return store
}

func TestHealthz(t *testing.T) {
	srv := testServer(t, Config{HandlersLoaded: 2}, nil, nil)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" || health.QueueDepth != 3 || health.InFlight != 2 ||
		health.Admitted != 10 || health.HandlersLoaded != 2 {
		t.Errorf("unexpected health: %+v", health)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := testServer(t, Config{APIKey: "sekrit"}, seededStore(t), nil)

	// No token.
	resp, err := http.Get(srv.URL + "/builds")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", resp.StatusCode)
	}

	// Wrong token.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/builds", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong-token status = %d", resp.StatusCode)
	}

	// Correct token.
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/builds", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authed status = %d", resp.StatusCode)
	}

	// Healthz stays open.
	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
}

func TestBuildsEndpoint(t *testing.T) {
	srv := testServer(t, Config{}, seededStore(t), nil)

	resp, err := http.Get(srv.URL + "/builds")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var payload struct {
		Builds []results.BuildSummary `json:"builds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.Builds) != 1 || payload.Builds[0].BuildID != "b-1" || payload.Builds[0].Results != 1 {
		t.Errorf("unexpected builds: %+v", payload.Builds)
	}
}

func TestBuildsLimitValidated(t *testing.T) {
	srv := testServer(t, Config{}, seededStore(t), nil)

	for _, bad := range []string{"0", "-1", "501", "many"} {
		resp, err := http.Get(srv.URL + "/builds?limit=" + bad)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want 400", bad, resp.StatusCode)
		}
	}
}

func TestBuildEndpoint(t *testing.T) {
	srv := testServer(t, Config{}, seededStore(t), nil)

	resp, err := http.Get(srv.URL + "/build/b-1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var payload struct {
		BuildID string `json:"build_id"`
		Results []struct {
			Handler string          `json:"handler"`
			Result  json.RawMessage `json:"result"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.BuildID != "b-1" || len(payload.Results) != 1 || payload.Results[0].Handler != "build_duration" {
		t.Errorf("unexpected payload: %+v", payload)
	}

	resp, err = http.Get(srv.URL + "/build/b-unknown")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown build status = %d", resp.StatusCode)
	}
}

func TestStoreDisabled(t *testing.T) {
	srv := testServer(t, Config{}, nil, nil)

	resp, err := http.Get(srv.URL + "/builds")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 with storage disabled", resp.StatusCode)
	}
}

func TestEventsSSE(t *testing.T) {
	hub := events.NewHub(16)
	defer hub.Close()
	hub.Publish("build.queued", map[string]any{"build_id": "b-1"})

	srv := testServer(t, Config{}, nil, hub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	// The buffered event is replayed; live ones follow. Publish on a ticker
	// so the test does not race the handler's subscription.
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				hub.Publish("build.admitted", map[string]any{"build_id": "b-2"})
			}
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	var sawReplay, sawLive bool
	for scanner.Scan() && !(sawReplay && sawLive) {
		line := scanner.Text()
		if strings.Contains(line, "build.queued") {
			sawReplay = true
		}
		if strings.Contains(line, "build.admitted") {
			sawLive = true
		}
	}
	if !sawReplay || !sawLive {
		t.Errorf("replay=%v live=%v", sawReplay, sawLive)
	}
}
