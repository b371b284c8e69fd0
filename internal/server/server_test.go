package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"treeeval/internal/biometrics"
	"treeeval/internal/pipeline"
	"treeeval/internal/storage"
)

type stubEvaluator struct {
	running bool
	started chan pipeline.Options
	events  chan pipeline.Event
}

func newStubEvaluator() *stubEvaluator {
	return &stubEvaluator{started: make(chan pipeline.Options, 1), events: make(chan pipeline.Event, 4)}
}

func (s *stubEvaluator) Run(ctx context.Context, opts pipeline.Options) (pipeline.Summary, error) {
	s.started <- opts
	return pipeline.Summary{RunID: opts.RunID}, nil
}

func (s *stubEvaluator) Running() bool { return s.running }

func (s *stubEvaluator) Subscribe() (<-chan pipeline.Event, func()) {
	return s.events, func() {}
}

func newTestServer(t *testing.T, history History, ev Evaluator) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer("127.0.0.1:0", history, ev, Defaults{Root: "/data", ReportPath: "test.tsv"}, slog.Default())
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return s, ts
}

func seededStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.New(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.RecordRunStart(storage.RunRecord{ID: "r1", Root: "/data", ReportPath: "test.tsv", Platforms: "ALS"}); err != nil {
		t.Fatal(err)
	}
	if err := st.RecordPairing(storage.PairingRecord{RunID: "r1", PlotDir: "/data/single_trees/t1", Capture: "/data/single_trees/t1/t1_ALS.laz", Platform: "ALS", Outcome: storage.OutcomeWritten}); err != nil {
		t.Fatal(err)
	}
	if err := st.RecordRunResult("r1", storage.StatusCompleted, 1, 0, 0, ""); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, nil, newStubEvaluator())
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	_, ts := newTestServer(t, seededStore(t), newStubEvaluator())

	var runs []storage.RunRecord
	getJSON(t, ts.URL+"/runs", http.StatusOK, &runs)
	if len(runs) != 1 || runs[0].ID != "r1" || runs[0].Status != storage.StatusCompleted {
		t.Fatalf("unexpected runs %+v", runs)
	}

	var run storage.RunRecord
	getJSON(t, ts.URL+"/runs/r1", http.StatusOK, &run)
	if run.Written != 1 {
		t.Fatalf("unexpected run %+v", run)
	}

	var pairings []storage.PairingRecord
	getJSON(t, ts.URL+"/runs/r1/pairings", http.StatusOK, &pairings)
	if len(pairings) != 1 || pairings[0].Outcome != storage.OutcomeWritten {
		t.Fatalf("unexpected pairings %+v", pairings)
	}

	getJSON(t, ts.URL+"/runs/missing", http.StatusNotFound, nil)
	getJSON(t, ts.URL+"/runs/missing/pairings", http.StatusNotFound, nil)
	getJSON(t, ts.URL+"/runs?limit=zero", http.StatusBadRequest, nil)
}

func TestHistoryDisabled(t *testing.T) {
	_, ts := newTestServer(t, nil, newStubEvaluator())
	getJSON(t, ts.URL+"/runs", http.StatusServiceUnavailable, nil)
}

func TestStartRun(t *testing.T) {
	ev := newStubEvaluator()
	_, ts := newTestServer(t, nil, ev)

	resp, err := http.Post(ts.URL+"/runs", "application/json", strings.NewReader(`{"platforms":["tls"],"strict":true}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}

	select {
	case opts := <-ev.started:
		if opts.RunID != body["run_id"] || opts.Root != "/data" || opts.ReportPath != "test.tsv" {
			t.Fatalf("unexpected options %+v", opts)
		}
		if opts.Policy != pipeline.PolicyFatal || len(opts.Platforms) != 1 || opts.Platforms[0] != biometrics.TLS {
			t.Fatalf("request fields not applied: %+v", opts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run was not started")
	}
}

func TestStartRunEmptyBodyUsesDefaults(t *testing.T) {
	ev := newStubEvaluator()
	_, ts := newTestServer(t, nil, ev)
	resp, err := http.Post(ts.URL+"/runs", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	select {
	case opts := <-ev.started:
		if opts.Policy != "" || opts.Platforms != nil {
			t.Fatalf("expected runner defaults, got %+v", opts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run was not started")
	}
}

func TestStartRunRejectsBusyAndBadInput(t *testing.T) {
	ev := newStubEvaluator()
	_, ts := newTestServer(t, nil, ev)

	resp, err := http.Post(ts.URL+"/runs", "application/json", strings.NewReader(`{"platforms":["MLS"]}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown platform, got %d", resp.StatusCode)
	}

	ev.running = true
	resp, err = http.Post(ts.URL+"/runs", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 while busy, got %d", resp.StatusCode)
	}
}

func TestWebsocketStreamsEvents(t *testing.T) {
	ev := newStubEvaluator()
	s, ts := newTestServer(t, nil, ev)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.run(ctx)
	go s.forwardEvents(ctx)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ev.events <- pipeline.Event{Type: pipeline.EventPairing, RunID: "r1", Capture: "t1_ALS.laz", Count: 1}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got pipeline.Event
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != pipeline.EventPairing || got.Capture != "t1_ALS.laz" || got.Count != 1 {
		t.Fatalf("unexpected event %+v", got)
	}
}

func getJSON(t *testing.T, url string, wantStatus int, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s: status %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}
