package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/daviddao/agentwatch_viewer/internal/datasource"
	"github.com/daviddao/agentwatch_viewer/internal/graph"
	"github.com/daviddao/agentwatch_viewer/internal/model"
	"github.com/daviddao/agentwatch_viewer/internal/reconcile"
	"github.com/daviddao/agentwatch_viewer/internal/session"
	"github.com/daviddao/agentwatch_viewer/internal/snapshot"
	"github.com/daviddao/agentwatch_viewer/internal/transport"
	"github.com/daviddao/agentwatch_viewer/internal/wire"
)

const graphFetchTimeout = 10 * time.Second

// --- Messages ---

// updateMsg carries one coordinator update into the event loop.
type updateMsg struct {
	update transport.Update
}

// expireMsg clears the new flag of decisions whose display window ended.
type expireMsg struct {
	ids []string
}

// graphTickMsg schedules the next graph fetch for a graph task.
type graphTickMsg struct {
	task *transport.Task
}

type graphReadyMsg struct {
	task    *transport.Task
	agentID string
	graph   *wire.AgentGraph
	err     error
}

type tickMsg struct{}

// --- Key bindings ---

type keyMap struct {
	Quit    key.Binding
	Tab     key.Binding
	Refresh key.Binding
	Up      key.Binding
	Down    key.Binding
	Help    key.Binding
	Enter   key.Binding
	Esc     key.Binding
	Halt    key.Binding
	Resume  key.Binding
}

var keys = keyMap{
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	Tab:     key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "next view")),
	Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("k/up", "up")),
	Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("j/down", "down")),
	Help:    key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
	Enter:   key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "select agent")),
	Esc:     key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
	Halt:    key.NewBinding(key.WithKeys("h"), key.WithHelp("h", "halt agent")),
	Resume:  key.NewBinding(key.WithKeys("u"), key.WithHelp("u", "resume agent")),
}

// viewKeys maps single keys to views for fast navigation.
var viewKeys = map[string]viewID{
	"d": viewDashboard,
	"f": viewDecisions,
	"v": viewViolations,
	"p": viewPolicies,
	"g": viewGraph,
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Tab, k.Halt, k.Resume, k.Help, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Tab, k.Refresh, k.Up, k.Down},
		{k.Enter, k.Esc, k.Halt, k.Resume},
		{k.Help, k.Quit},
	}
}

// contextHelp returns help text appropriate for the current view.
func contextHelp(v viewID) string {
	switch v {
	case viewDashboard:
		return "j/k: select | enter: detail | g: graph | h/u: halt/resume | d/f/v/p/g: views | ?: help | q: quit"
	case viewAgentDetail:
		return "j/k: scroll | g: graph | h/u: halt/resume | esc: back | ?: help | q: quit"
	case viewGraph:
		return "j/k: scroll | h/u: halt/resume | esc: back | d/f/v/p/g: views | ?: help | q: quit"
	default:
		return "j/k: scroll | r: refresh | d/f/v/p/g: views | tab: next | ?: help | q: quit"
	}
}

// --- Views ---

type viewID int

const (
	viewDashboard viewID = iota
	viewDecisions
	viewViolations
	viewPolicies
	viewGraph
	viewCount // sentinel: views below here are not in the tab bar
	viewAgentDetail
)

func (v viewID) String() string {
	switch v {
	case viewDashboard:
		return "Dashboard"
	case viewDecisions:
		return "Decisions"
	case viewViolations:
		return "Violations"
	case viewPolicies:
		return "Policies"
	case viewGraph:
		return "Graph"
	case viewAgentDetail:
		return "Agent Detail"
	}
	return "?"
}

// --- Model ---

type uiModel struct {
	sess   *session.Session
	coord  *transport.Coordinator
	client *datasource.Client
	snap   *snapshot.DataSnapshot
	source string
	logger *slog.Logger

	activeView    viewID
	prevView      viewID // for Esc navigation
	width         int
	height        int
	scrollPos     int
	selectedAgent int
	detailAgentID string // agent ID for detail view
	pendingFocus  string // --agent, until it appears

	// Reasoning graph of graphAgentID. graphTask lives while the graph view
	// is open; results from any other task are dropped.
	graphAgentID string
	graphTask    *transport.Task
	graphRemote  *wire.AgentGraph
	graphErr     error
	graph        graph.Graph
	graphRefresh time.Duration

	help     help.Model
	showHelp bool

	notice     string // last operator action
	lastUpdate time.Time
}

func newModel(s *session.Session, coord *transport.Coordinator, client *datasource.Client, source string, logger *slog.Logger) uiModel {
	if logger == nil {
		logger = slog.Default()
	}
	m := uiModel{
		sess:         s,
		coord:        coord,
		client:       client,
		source:       source,
		logger:       logger,
		graphRefresh: 3 * time.Second,
		help:         help.New(),
		lastUpdate:   time.Now(),
	}
	return m.rebuild()
}

func (m uiModel) Init() tea.Cmd {
	cmds := []tea.Cmd{tickEvery()}
	if m.graphTask.Alive() {
		cmds = append(cmds, m.fetchGraph(m.graphTask, m.graphAgentID))
	}
	return tea.Batch(cmds...)
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg{}
	})
}

// focus selects an agent before the program starts. The dashboard
// selection follows once the agent shows up in a snapshot.
func (m uiModel) focus(agentID string) uiModel {
	m.pendingFocus = agentID
	switch m.activeView {
	case viewDashboard:
		m.activeView = viewAgentDetail
		m.detailAgentID = agentID
	case viewGraph:
		m, _ = m.openGraph(agentID)
	}
	return m.rebuild()
}

func (m uiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		// Check single-key view shortcuts first (always available).
		if v, ok := viewKeys[msg.String()]; ok {
			return m.switchView(v)
		}

		switch {
		case key.Matches(msg, keys.Quit):
			m = m.closeGraph()
			return m, tea.Quit

		case key.Matches(msg, keys.Esc):
			switch m.activeView {
			case viewAgentDetail:
				return m.switchView(viewDashboard)
			case viewGraph:
				back, agent := m.prevView, m.graphAgentID
				if back == viewGraph {
					back = viewDashboard
				}
				var cmd tea.Cmd
				m, cmd = m.switchView(back)
				if back == viewAgentDetail {
					m.detailAgentID = agent
				}
				return m, cmd
			}

		case key.Matches(msg, keys.Enter):
			// Drill into agent detail from dashboard.
			if m.activeView == viewDashboard && m.selectedAgent >= 0 && m.selectedAgent < len(m.snap.Agents) {
				id := m.snap.Agents[m.selectedAgent].ID
				var cmd tea.Cmd
				m, cmd = m.switchView(viewAgentDetail)
				m.detailAgentID = id
				return m, cmd
			}

		case key.Matches(msg, keys.Tab):
			if m.activeView == viewAgentDetail {
				// Tab from agent detail goes back to dashboard
				return m.switchView(viewDashboard)
			}
			return m.switchView((m.activeView + 1) % viewCount)

		case key.Matches(msg, keys.Refresh):
			if m.coord != nil {
				m.coord.RefreshNow()
			}
			var cmd tea.Cmd
			if m.graphTask.Alive() {
				cmd = m.fetchGraph(m.graphTask, m.graphAgentID)
			}
			return m, cmd

		case key.Matches(msg, keys.Halt):
			return m.halt()

		case key.Matches(msg, keys.Resume):
			return m.resume()

		case key.Matches(msg, keys.Up):
			if m.activeView == viewDashboard {
				if m.selectedAgent > 0 {
					m.selectedAgent--
				}
			} else if m.scrollPos > 0 {
				m.scrollPos--
			}

		case key.Matches(msg, keys.Down):
			if m.activeView == viewDashboard {
				if m.selectedAgent < len(m.snap.Agents)-1 {
					m.selectedAgent++
				}
			} else {
				// View() clamps if we overshoot.
				maxScroll := (len(m.snap.Decisions)+len(m.snap.Agents)+len(m.snap.Policies))*6 + 20
				if m.scrollPos < maxScroll {
					m.scrollPos++
				}
			}

		case key.Matches(msg, keys.Help):
			m.showHelp = !m.showHelp
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width

	case updateMsg:
		var added []model.Decision
		switch u := msg.update.(type) {
		case transport.PushUpdate:
			var err error
			added, err = m.sess.ApplyPush(u.Message)
			if err != nil {
				m.logger.Warn("apply push message", "err", err)
			}
		case transport.PollUpdate:
			added = m.sess.ApplyPoll(u.Result)
		case transport.ConnectionUpdate:
			m.sess.SetConnected(u.Connected)
		}
		m.lastUpdate = time.Now()
		m = m.rebuild()
		return m, expireAfter(added)

	case expireMsg:
		for _, id := range msg.ids {
			m.sess.ExpireNew(id)
		}
		m = m.rebuild()

	case graphReadyMsg:
		if msg.task != m.graphTask || !msg.task.Alive() {
			m.logger.Debug("discarded graph result", "agent", msg.agentID)
			return m, nil
		}
		if msg.err != nil {
			m.graphErr = msg.err
			m.logger.Warn("fetch graph", "agent", msg.agentID, "err", msg.err)
		} else {
			m.graphErr = nil
			m.graphRemote = msg.graph
		}
		m = m.rebuildGraph()
		task := msg.task
		return m, tea.Tick(m.graphRefresh, func(time.Time) tea.Msg {
			return graphTickMsg{task: task}
		})

	case graphTickMsg:
		if msg.task == m.graphTask && msg.task.Alive() {
			return m, m.fetchGraph(msg.task, m.graphAgentID)
		}

	case tickMsg:
		return m, tickEvery()
	}

	return m, nil
}

// switchView moves to v. The graph task follows the graph view: it starts
// when the view opens and is cancelled when it closes.
func (m uiModel) switchView(v viewID) (uiModel, tea.Cmd) {
	agent := m.currentAgent()
	if v != m.activeView {
		m.prevView = m.activeView
	}
	m.activeView = v
	m.scrollPos = 0
	if v != viewAgentDetail {
		m.detailAgentID = ""
	}
	if v == viewGraph {
		return m.openGraph(agent)
	}
	return m.closeGraph(), nil
}

// currentAgent is the agent the operator is looking at: the drilled-in or
// graphed agent, else the dashboard selection.
func (m uiModel) currentAgent() string {
	switch {
	case m.activeView == viewAgentDetail && m.detailAgentID != "":
		return m.detailAgentID
	case m.activeView == viewGraph && m.graphAgentID != "":
		return m.graphAgentID
	case m.selectedAgent >= 0 && m.selectedAgent < len(m.snap.Agents):
		return m.snap.Agents[m.selectedAgent].ID
	}
	return ""
}

func (m uiModel) openGraph(agentID string) (uiModel, tea.Cmd) {
	if agentID == m.graphAgentID && m.graphTask.Alive() {
		return m, nil
	}
	m = m.closeGraph()
	m.graphAgentID = agentID
	if agentID != "" {
		m.graphTask = transport.NewTask(context.Background())
	}
	m = m.rebuildGraph()
	return m, m.fetchGraph(m.graphTask, agentID)
}

func (m uiModel) closeGraph() uiModel {
	m.graphTask.Cancel()
	m.graphTask = nil
	m.graphAgentID = ""
	m.graphRemote = nil
	m.graphErr = nil
	m.graph = graph.Graph{}
	return m
}

// fetchGraph loads the backend graph under the task's lifetime. Without a
// backend the graph is built from buffered decisions only.
func (m uiModel) fetchGraph(task *transport.Task, agentID string) tea.Cmd {
	if m.client == nil || !task.Alive() || agentID == "" {
		return nil
	}
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(task.Context(), graphFetchTimeout)
		defer cancel()
		g, err := client.FetchGraph(ctx, agentID)
		return graphReadyMsg{task: task, agentID: agentID, graph: g, err: err}
	}
}

func (m uiModel) halt() (uiModel, tea.Cmd) {
	id := m.currentAgent()
	if id == "" {
		return m, nil
	}
	d := m.sess.Halt(id)
	if m.coord != nil {
		m.coord.RequestHalt(id)
	}
	m.notice = "halt requested: " + id
	m.logger.Info("operator halt", "agent", id, "decision", d.ID)
	m = m.rebuild()
	var added []model.Decision
	if d.IsNew {
		added = append(added, d)
	}
	return m, expireAfter(added)
}

func (m uiModel) resume() (uiModel, tea.Cmd) {
	id := m.currentAgent()
	if id == "" {
		return m, nil
	}
	m.sess.Resume(id)
	if m.coord != nil {
		m.coord.RequestResume(id)
	}
	m.notice = "resume requested: " + id
	m.logger.Info("operator resume", "agent", id)
	return m.rebuild(), nil
}

// rebuild swaps in a fresh snapshot and the graph derived from it.
func (m uiModel) rebuild() uiModel {
	m.snap = snapshot.Build(m.sess)
	if m.pendingFocus != "" {
		for i, a := range m.snap.Agents {
			if a.ID == m.pendingFocus {
				m.selectedAgent = i
				m.pendingFocus = ""
				break
			}
		}
	}
	// Clamp selectedAgent to avoid index-out-of-bounds after agent
	// count changes between snapshots.
	if len(m.snap.Agents) == 0 {
		m.selectedAgent = 0
	} else if m.selectedAgent >= len(m.snap.Agents) {
		m.selectedAgent = len(m.snap.Agents) - 1
	}
	return m.rebuildGraph()
}

func (m uiModel) rebuildGraph() uiModel {
	if m.graphAgentID == "" {
		m.graph = graph.Graph{}
		return m
	}
	m.graph = graph.Build(graph.Assemble(m.graphAgentID, m.snap.Decisions, m.graphRemote))
	return m
}

// expireAfter clears the new flag of ds once the display window ends.
func expireAfter(ds []model.Decision) tea.Cmd {
	if len(ds) == 0 {
		return nil
	}
	ids := make([]string, len(ds))
	for i, d := range ds {
		ids[i] = d.ID
	}
	return tea.Tick(reconcile.NewWindow, func(time.Time) tea.Msg {
		return expireMsg{ids: ids}
	})
}
