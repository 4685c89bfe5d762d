// awv is a real-time TUI viewer for AgentWatch governance telemetry.
//
// It follows the backend's websocket push channel, falls back to polling the
// REST API while the channel is down, and displays agents, the decision
// feed, violation totals, policies and per-agent reasoning graphs.
//
// Usage:
//
//	awv                               # Connect to http://localhost:8000/api/v1
//	awv --backend <url> --ws <url>    # Use a specific backend
//	awv --replay session.jsonl        # Replay push frames from a file, no backend
//	awv --json                        # Poll once, dump state as JSON and exit
//	awv --agent <id> --view graph     # Open an agent's reasoning graph on startup
//	awv --check                       # Check backend health and exit
//	awv --version                     # Print version and exit
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/daviddao/agentwatch_viewer/internal/config"
	"github.com/daviddao/agentwatch_viewer/internal/datasource"
	"github.com/daviddao/agentwatch_viewer/internal/graph"
	"github.com/daviddao/agentwatch_viewer/internal/metrics"
	"github.com/daviddao/agentwatch_viewer/internal/model"
	"github.com/daviddao/agentwatch_viewer/internal/session"
	"github.com/daviddao/agentwatch_viewer/internal/snapshot"
	"github.com/daviddao/agentwatch_viewer/internal/transport"
	"github.com/daviddao/agentwatch_viewer/internal/wire"
)

// Version is set via ldflags at build time (e.g. -X main.Version=v0.1.0).
var Version = "dev"

// parseViewFlag maps a --view flag string to a viewID.
func parseViewFlag(s string) (viewID, error) {
	switch strings.ToLower(s) {
	case "dashboard", "d":
		return viewDashboard, nil
	case "decisions", "feed", "f":
		return viewDecisions, nil
	case "violations", "v":
		return viewViolations, nil
	case "policies", "p":
		return viewPolicies, nil
	case "graph", "g":
		return viewGraph, nil
	default:
		return 0, fmt.Errorf("unknown view %q (valid: dashboard, decisions, violations, policies, graph)", s)
	}
}

// jsonOutput is the structure for --json mode. Field names follow the
// backend's snake_case API.
type jsonOutput struct {
	Source    string         `json:"source"`
	Agents    []jsonAgent    `json:"agents"`
	Decisions []jsonDecision `json:"decisions"`
	Policies  []jsonPolicy   `json:"policies"`
	Stats     jsonStats      `json:"stats"`
	Graph     *jsonGraph     `json:"graph,omitempty"`
}

type jsonAgent struct {
	AgentID      string `json:"agent_id"`
	Status       string `json:"status"`
	TotalSteps   int    `json:"total_steps"`
	HaltCount    int    `json:"halt_count"`
	LastActivity string `json:"last_activity,omitempty"`
}

type jsonDecision struct {
	ID          string `json:"id"`
	AgentID     string `json:"agent_id"`
	StepID      string `json:"step_id,omitempty"`
	Decision    string `json:"decision"`
	Reason      string `json:"reason,omitempty"`
	Details     string `json:"details,omitempty"`
	TriggeredBy string `json:"triggered_by,omitempty"`
	Timestamp   string `json:"timestamp"`
}

type jsonPolicy struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Enabled bool           `json:"enabled"`
	Rules   map[string]any `json:"rules,omitempty"`
}

type jsonStats struct {
	TotalSteps         int            `json:"total_steps"`
	HaltCount          int            `json:"halt_count"`
	ProceedCount       int            `json:"proceed_count"`
	ViolationsByReason map[string]int `json:"violations_by_reason"`
	RunningAgents      int            `json:"running_agents"`
	WarningAgents      int            `json:"warning_agents"`
	HaltedAgents       int            `json:"halted_agents"`
}

type jsonGraph struct {
	AgentID string          `json:"agent_id"`
	State   string          `json:"state"`
	Lanes   []jsonLane      `json:"lanes"`
	Nodes   []jsonGraphNode `json:"nodes"`
	Edges   []jsonGraphEdge `json:"edges"`
}

type jsonLane struct {
	AgentID string `json:"agent_id"`
	Role    string `json:"role"`
}

type jsonGraphNode struct {
	ID       string `json:"id"`
	AgentID  string `json:"agent_id"`
	Label    string `json:"label"`
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
	External bool   `json:"external"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
}

type jsonGraphEdge struct {
	Kind   string `json:"kind"`
	Source string `json:"source"`
	Target string `json:"target"`
}

func main() {
	defaults := config.Default()
	configPath := flag.String("config", "", "path to config.yaml (default: auto-discover .agentwatch/config.yaml)")
	backendFlag := flag.String("backend", defaults.Backend, "backend API root")
	wsFlag := flag.String("ws", "", "push channel URL (default: derived from --backend)")
	refreshDur := flag.Duration("refresh", defaults.Refresh, "polling interval while the push channel is down")
	graphDur := flag.Duration("graph-refresh", defaults.GraphRefresh, "reasoning graph refresh interval")
	limitFlag := flag.Int("limit", defaults.Limit, "decisions fetched per poll")
	replayFlag := flag.String("replay", "", "replay push frames from a JSONL file instead of a backend")
	jsonMode := flag.Bool("json", false, "dump current state as JSON and exit (no TUI)")
	checkFlag := flag.Bool("check", false, "check backend health and exit")
	agentFlag := flag.String("agent", "", "focus a specific agent on startup")
	viewFlag := flag.String("view", "", "start in specific view (dashboard|decisions|violations|policies|graph)")
	logFlag := flag.String("log", defaults.LogFile, "log file")
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9464)")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("awv %s\n", Version)
		os.Exit(0)
	}

	cfg, cfgPath, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	// Explicit flags override the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "backend":
			cfg.Backend = *backendFlag
		case "ws":
			cfg.PushURL = *wsFlag
		case "refresh":
			cfg.Refresh = *refreshDur
		case "graph-refresh":
			cfg.GraphRefresh = *graphDur
		case "limit":
			cfg.Limit = *limitFlag
		case "replay":
			cfg.Replay = *replayFlag
		case "agent":
			cfg.Agent = *agentFlag
		case "view":
			cfg.View = *viewFlag
		case "log":
			cfg.LogFile = *logFlag
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		}
	})
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}
	if cfg.PushURL == "" {
		cfg.PushURL = datasource.PushURL(cfg.Backend)
	}

	startView, err := parseViewFlag(cfg.View)
	if err != nil {
		fatal(err)
	}

	logger, logFile, err := openLog(cfg.LogFile)
	if err != nil {
		fatal(err)
	}
	defer logFile.Close()
	slog.SetDefault(logger)
	logger.Info("starting", "version", Version, "config", cfgPath, "backend", cfg.Backend, "ws", cfg.PushURL, "replay", cfg.Replay)

	met := metrics.New()
	sess := session.New(met, logger)
	if err := seedPolicies(sess, cfg.Policies); err != nil {
		fatal(fmt.Errorf("config policies: %w", err))
	}

	var client *datasource.Client
	if cfg.Replay == "" {
		client, err = datasource.NewClient(cfg.Backend, cfg.Limit, met)
		if err != nil {
			fatal(err)
		}
	}

	// --check mode: hit the health endpoint and exit.
	if *checkFlag {
		if client == nil {
			fatal(errors.New("--check needs a backend, not --replay"))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		h, err := client.Health(ctx)
		cancel()
		if err != nil {
			fatal(fmt.Errorf("health: %w", err))
		}
		fmt.Printf("%s: %s\n", client.Base(), h.Status)
		os.Exit(0)
	}

	// --json mode: load once, print JSON, exit.
	if *jsonMode {
		out, err := loadOnce(sess, client, cfg, logger, met)
		if err != nil {
			fatal(err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fatal(fmt.Errorf("json: %w", err))
		}
		os.Exit(0)
	}

	var push transport.PushSource
	source := cfg.PushURL
	if cfg.Replay != "" {
		tail, err := datasource.NewTail(cfg.Replay, logger, met)
		if err != nil {
			fatal(err)
		}
		push = tail
		source = "replay " + cfg.Replay
	} else {
		push = datasource.NewWatcher(cfg.PushURL, logger, met)
	}

	// Typed nil clients must not leak into the interfaces.
	var (
		puller transport.Puller
		ctl    transport.Controller
	)
	if client != nil {
		puller = client
		ctl = client
	}

	var p *tea.Program
	coord := transport.New(push, puller, ctl, func(u transport.Update) {
		p.Send(updateMsg{update: u})
	}, transport.Options{Refresh: cfg.Refresh, Logger: logger, Metrics: met})

	m := newModel(sess, coord, client, source, logger)
	m.graphRefresh = cfg.GraphRefresh
	m.activeView = startView
	if cfg.Agent != "" {
		m = m.focus(cfg.Agent)
	}

	p = tea.NewProgram(m, tea.WithAltScreen())

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(met), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", "addr", cfg.MetricsAddr, "err", err)
			}
		}()
		defer srv.Close()
	}

	coord.Start()
	_, runErr := p.Run()
	if err := coord.Close(); err != nil {
		logger.Warn("close push source", "err", err)
	}
	if runErr != nil {
		fatal(runErr)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "awv: %v\n", err)
	os.Exit(1)
}

// openLog opens the log file for appending. The TUI owns the terminal, so
// logs never go to stderr.
func openLog(path string) (*slog.Logger, *os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log: %w", err)
	}
	return slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelInfo})), f, nil
}

func metricsMux(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return mux
}

// seedPolicies decodes config-file policies with the policy_update codec and
// installs them as the session's seeded set, which a backend reset restores.
func seedPolicies(s *session.Session, policies map[string]any) error {
	if len(policies) == 0 {
		return nil
	}
	frame, err := json.Marshal(map[string]any{"type": wire.TypePolicyUpdate, "data": policies})
	if err != nil {
		return err
	}
	msg, err := wire.DecodeMessage(frame)
	if err != nil {
		return err
	}
	update, ok := msg.(wire.PolicyUpdate)
	if !ok {
		return fmt.Errorf("unexpected message %T", msg)
	}
	seeded := make([]model.Policy, 0, len(update.Policies))
	for _, p := range update.Policies {
		seeded = append(seeded, p.Model())
	}
	s.SeedPolicies(seeded)
	return nil
}

// loadOnce fills the session from one poll or from the whole replay file and
// returns the JSON view of it.
func loadOnce(s *session.Session, client *datasource.Client, cfg config.Config, logger *slog.Logger, m *metrics.Metrics) (jsonOutput, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	source := cfg.Backend
	var remote *wire.AgentGraph
	if client == nil {
		source = cfg.Replay
		msgs, err := datasource.ReadReplay(cfg.Replay, logger, m)
		if err != nil {
			return jsonOutput{}, err
		}
		for _, msg := range msgs {
			if _, err := s.ApplyPush(msg); err != nil {
				logger.Warn("replay message", "err", err)
			}
		}
	} else {
		res, err := client.Poll(ctx)
		if res.Agents == nil && res.Decisions == nil && res.Stats == nil {
			return jsonOutput{}, fmt.Errorf("poll %s: %w", client.Base(), err)
		}
		if err != nil {
			logger.Warn("partial poll", "err", err)
		}
		s.ApplyPoll(res)

		if cfg.Agent != "" {
			remote, err = client.FetchGraph(ctx, cfg.Agent)
			if err != nil {
				logger.Warn("fetch graph", "agent", cfg.Agent, "err", err)
			}
		}
	}

	snap := snapshot.Build(s)
	out := buildJSONOutput(snap)
	out.Source = source
	if cfg.Agent != "" {
		g := graph.Build(graph.Assemble(cfg.Agent, snap.Decisions, remote))
		out.Graph = buildJSONGraph(g)
	}
	return out, nil
}

// buildJSONOutput converts a snapshot into the JSON output structure.
func buildJSONOutput(snap *snapshot.DataSnapshot) jsonOutput {
	agents := make([]jsonAgent, len(snap.Agents))
	for i, ag := range snap.Agents {
		agents[i] = jsonAgent{
			AgentID:    ag.ID,
			Status:     string(snap.Status[ag.ID]),
			TotalSteps: ag.TotalSteps,
			HaltCount:  ag.HaltCount,
		}
		if !ag.LastActivity.IsZero() {
			agents[i].LastActivity = ag.LastActivity.Format(time.RFC3339)
		}
	}

	decisions := make([]jsonDecision, len(snap.Decisions))
	for i, d := range snap.Decisions {
		decisions[i] = jsonDecision{
			ID:          d.ID,
			AgentID:     d.AgentID,
			StepID:      d.StepID,
			Decision:    string(d.Verdict),
			Reason:      d.Reason,
			Details:     d.Details,
			TriggeredBy: d.TriggeredBy,
			Timestamp:   d.Timestamp.Format(time.RFC3339),
		}
	}

	policies := make([]jsonPolicy, len(snap.Policies))
	for i, p := range snap.Policies {
		policies[i] = jsonPolicy{ID: p.ID, Name: p.Name, Enabled: p.Enabled, Rules: p.Rules}
	}

	return jsonOutput{
		Agents:    agents,
		Decisions: decisions,
		Policies:  policies,
		Stats: jsonStats{
			TotalSteps:         snap.Stats.TotalSteps,
			HaltCount:          snap.Stats.HaltCount,
			ProceedCount:       snap.Stats.ProceedCount,
			ViolationsByReason: snap.Stats.ViolationsByReason,
			RunningAgents:      snap.RunningAgents,
			WarningAgents:      snap.WarningAgents,
			HaltedAgents:       snap.HaltedAgents,
		},
	}
}

func buildJSONGraph(g graph.Graph) *jsonGraph {
	out := &jsonGraph{
		AgentID: g.AgentID,
		State:   g.State.String(),
		Lanes:   make([]jsonLane, len(g.Lanes)),
		Nodes:   make([]jsonGraphNode, len(g.Nodes)),
		Edges:   make([]jsonGraphEdge, len(g.Edges)),
	}
	for i, l := range g.Lanes {
		out.Lanes[i] = jsonLane{AgentID: l.AgentID, Role: string(l.Role)}
	}
	for i, n := range g.Nodes {
		out.Nodes[i] = jsonGraphNode{
			ID:       n.ID,
			AgentID:  n.AgentID,
			Label:    n.Label,
			Decision: string(n.Verdict),
			Reason:   n.Reason,
			External: n.External,
			X:        n.X,
			Y:        n.Y,
		}
	}
	for i, e := range g.Edges {
		out.Edges[i] = jsonGraphEdge{Kind: string(e.Kind), Source: e.Source, Target: e.Target}
	}
	return out
}

// sortedKeys returns the keys of a rules map in stable order.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
