package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/daviddao/agentwatch_viewer/internal/config"
	"github.com/daviddao/agentwatch_viewer/internal/datasource"
	"github.com/daviddao/agentwatch_viewer/internal/metrics"
	"github.com/daviddao/agentwatch_viewer/internal/session"
	"github.com/daviddao/agentwatch_viewer/internal/transport"
)

// newSmokeBackend serves a small agentwatch API under /api/v1.
func newSmokeBackend(t *testing.T) *httptest.Server {
	t.Helper()
	routes := map[string]string{
		"GET /api/v1/agents": `{"agents":[
			{"agent_id":"agent-001","total_steps":5,"halt_count":1},
			{"agent_id":"agent-002","total_steps":2,"halt_count":0}]}`,
		"GET /api/v1/decisions": `{"decisions":[
			{"id":"srv-2","agent_id":"agent-001","step_id":"n2","decision":"HALT","reason":"LOOP_DETECTED","timestamp":"2025-06-01T10:00:05Z"},
			{"id":"srv-1","agent_id":"agent-001","step_id":"n1","decision":"PROCEED","timestamp":"2025-06-01T10:00:01Z"}]}`,
		"GET /api/v1/stats": `{"total_steps":7,"halt_count":1,"proceed_count":6,"violations_by_type":{"LOOP_DETECTED":1}}`,
		"GET /api/v1/agent/agent-001/graph": `{"agentId":"agent-001",
			"nodes":[{"id":"n1","decision":"PROCEED"},{"id":"n2","decision":"HALT","reason":"LOOP_DETECTED"}],
			"crossAgentNodes":[{"id":"x1","agentId":"agent-002","decision":"PROCEED"}],
			"influences":[{"source":"x1","target":"n2","source_agent":"agent-002","target_agent":"agent-001"}]}`,
		"GET /api/v1/health": `{"status":"ok"}`,
	}
	mux := http.NewServeMux()
	for pattern, body := range routes {
		mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(body))
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSmokeLoadOnceBackend(t *testing.T) {
	srv := newSmokeBackend(t)
	cfg := config.Default()
	cfg.Backend = srv.URL + "/api/v1"
	cfg.Agent = "agent-001"

	client, err := datasource.NewClient(cfg.Backend, cfg.Limit, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	out, err := loadOnce(session.New(nil, nil), client, cfg, nil, nil)
	if err != nil {
		t.Fatalf("loadOnce: %v", err)
	}

	if out.Source != cfg.Backend {
		t.Errorf("source = %q, want %q", out.Source, cfg.Backend)
	}
	if len(out.Agents) != 2 || len(out.Decisions) != 2 {
		t.Fatalf("got %d agents, %d decisions", len(out.Agents), len(out.Decisions))
	}
	if out.Decisions[0].ID != "srv-2" {
		t.Errorf("newest decision = %q, want srv-2", out.Decisions[0].ID)
	}
	if out.Stats.TotalSteps != 7 || out.Stats.ViolationsByReason["LOOP_DETECTED"] != 1 {
		t.Errorf("stats = %+v, want the server totals", out.Stats)
	}

	if out.Graph == nil {
		t.Fatal("graph should be included for --agent")
	}
	if len(out.Graph.Lanes) != 2 || out.Graph.Lanes[0].AgentID != "agent-002" || out.Graph.Lanes[0].Role != "upstream" {
		t.Errorf("lanes = %+v, want agent-002 upstream of agent-001", out.Graph.Lanes)
	}
	influences := 0
	for _, e := range out.Graph.Edges {
		if e.Kind == "INFLUENCES" {
			influences++
		}
	}
	if influences != 1 {
		t.Errorf("influence edges = %d, want 1", influences)
	}
}

func TestSmokeLoadOnceUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	client, err := datasource.NewClient(base, 10, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	cfg := config.Default()
	cfg.Backend = base
	if _, err := loadOnce(session.New(nil, nil), client, cfg, nil, nil); err == nil {
		t.Error("loadOnce should fail when every endpoint is down")
	}
}

func TestSmokeLoadOnceReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	frames := `{"type":"decision","data":{"id":"r-1","agentId":"agent-001","decision":"PROCEED"}}
{"type":"decision","data":{"id":"r-2","agentId":"agent-001","decision":"HALT","reason":"SAFETY_VIOLATION"}}
{"type":"agent_status","data":{"haltedAgents":["agent-001"],"action":"halted"}}
`
	if err := os.WriteFile(path, []byte(frames), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg := config.Default()
	cfg.Replay = path

	out, err := loadOnce(session.New(nil, nil), nil, cfg, nil, nil)
	if err != nil {
		t.Fatalf("loadOnce: %v", err)
	}
	if out.Source != path {
		t.Errorf("source = %q, want %q", out.Source, path)
	}
	if len(out.Decisions) != 2 || out.Stats.HaltCount != 1 {
		t.Errorf("decisions %d, halts %d", len(out.Decisions), out.Stats.HaltCount)
	}
	if len(out.Agents) != 1 || out.Agents[0].Status != "HALTED" {
		t.Errorf("agents = %+v, want agent-001 halted", out.Agents)
	}
}

// TestSmokeReplayPipeline drives a replay file through the coordinator into
// the model, as the TUI does.
func TestSmokeReplayPipeline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	frames := `{"type":"decision","data":{"id":"p-1","agentId":"agent-001","decision":"PROCEED"}}
{"type":"decision","data":{"id":"p-2","agentId":"agent-002","decision":"HALT","reason":"FACT_CHECK_FAILED"}}
`
	if err := os.WriteFile(path, []byte(frames), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	met := metrics.New()
	tail, err := datasource.NewTail(path, nil, met)
	if err != nil {
		t.Fatalf("NewTail: %v", err)
	}
	updates := make(chan transport.Update, 64)
	coord := transport.New(tail, nil, nil, func(u transport.Update) {
		updates <- u
	}, transport.Options{Metrics: met})

	m := newModel(session.New(met, nil), coord, nil, "replay", nil)
	coord.Start()
	defer coord.Close()

	deadline := time.After(5 * time.Second)
	for len(m.snap.Decisions) < 2 || !m.snap.Connected {
		select {
		case u := <-updates:
			updated, _ := m.Update(updateMsg{update: u})
			m = updated.(uiModel)
		case <-deadline:
			t.Fatalf("timed out: %d decisions, connected=%v", len(m.snap.Decisions), m.snap.Connected)
		}
	}

	if m.snap.Decisions[0].ID != "p-2" {
		t.Errorf("newest decision = %q, want p-2", m.snap.Decisions[0].ID)
	}
	if m.snap.Stats.ViolationsByReason["FACT_CHECK_FAILED"] != 1 {
		t.Errorf("violations = %v", m.snap.Stats.ViolationsByReason)
	}
}
