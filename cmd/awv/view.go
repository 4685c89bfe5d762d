package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/daviddao/agentwatch_viewer/internal/graph"
	"github.com/daviddao/agentwatch_viewer/internal/model"
)

// --- Styles ---

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED")).
			Background(lipgloss.Color("#1E1E2E")).
			Padding(0, 1)

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#CDD6F4")).
			Background(lipgloss.Color("#7C3AED")).
			Padding(0, 1)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#6C7086")).
				Background(lipgloss.Color("#313244")).
				Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#89B4FA"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#A6E3A1"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAB387"))

	haltedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F38BA8"))

	proceedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#A6E3A1")).
			Bold(true)

	haltStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F38BA8")).
			Bold(true)

	newStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#1E1E2E")).
			Background(lipgloss.Color("#F9E2AF")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6C7086"))

	agentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#89B4FA")).
			Bold(true)

	barStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F38BA8"))

	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#CDD6F4")).
			Background(lipgloss.Color("#1E1E2E"))

	detailHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("#CBA6F7"))

	detailSectionStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("#89B4FA")).
				MarginTop(1)
)

func statusStyle(s model.Status) lipgloss.Style {
	switch s {
	case model.StatusHalted:
		return haltedStyle
	case model.StatusWarning:
		return warningStyle
	default:
		return runningStyle
	}
}

func verdictBadge(v model.Verdict) string {
	if v == model.Halt {
		return haltStyle.Render("HALT   ")
	}
	return proceedStyle.Render("PROCEED")
}

// --- View rendering ---

func (m uiModel) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	b.WriteString(m.renderTitleBar())
	b.WriteRune('\n')

	b.WriteString(m.renderTabBar())
	b.WriteRune('\n')
	b.WriteRune('\n')

	contentHeight := m.height - 5 // title + tabs + status + padding
	if m.showHelp {
		contentHeight -= 3
	}

	var content string

	// Split-pane: Dashboard + Agent Detail side by side on wide terminals.
	if m.activeView == viewDashboard && m.width >= 120 &&
		len(m.snap.Agents) > 0 && m.selectedAgent < len(m.snap.Agents) {
		leftWidth := m.width/2 - 1
		rightWidth := m.width - leftWidth - 3 // 3 for separator

		left := m.renderDashboard()
		right := m.renderAgentDetailFor(m.snap.Agents[m.selectedAgent].ID)

		content = renderSplitPane(left, right, leftWidth, rightWidth, contentHeight)
	} else {
		switch m.activeView {
		case viewDashboard:
			content = m.renderDashboard()
		case viewDecisions:
			content = m.renderDecisions()
		case viewViolations:
			content = m.renderViolations()
		case viewPolicies:
			content = m.renderPolicies()
		case viewGraph:
			content = m.renderGraph()
		case viewAgentDetail:
			content = m.renderAgentDetailFor(m.detailAgentID)
		}

		// View() is a value receiver: clamp a local copy of scrollPos.
		lines := strings.Split(content, "\n")
		scrollPos := m.scrollPos
		if scrollPos >= len(lines) {
			scrollPos = max(0, len(lines)-1)
		}
		if scrollPos > 0 {
			lines = lines[scrollPos:]
		}
		if len(lines) > contentHeight {
			lines = lines[:max(0, contentHeight)]
		}
		content = strings.Join(lines, "\n")
	}

	content = truncateLines(content, m.width)
	b.WriteString(content)

	// Pad to fill screen.
	rendered := strings.Count(b.String(), "\n")
	for rendered < m.height-2 {
		b.WriteRune('\n')
		rendered++
	}

	if m.showHelp {
		b.WriteString(m.help.View(keys))
	} else {
		b.WriteString(m.renderStatusBar())
	}

	return b.String()
}

func (m uiModel) renderTitleBar() string {
	title := titleStyle.Render("agentwatch viewer")
	conn := haltedStyle.Render("POLLING")
	if m.snap.Connected {
		conn = runningStyle.Render("LIVE")
	}
	stats := dimStyle.Render(fmt.Sprintf(
		"%d agents | %d steps | %d halts | ",
		len(m.snap.Agents),
		m.snap.Stats.TotalSteps,
		m.snap.Stats.HaltCount,
	)) + conn
	gap := strings.Repeat(" ", max(0, m.width-lipgloss.Width(title)-lipgloss.Width(stats)-2))
	return title + gap + stats
}

func (m uiModel) renderTabBar() string {
	var tabs []string
	for i := viewID(0); i < viewCount; i++ {
		if i == m.activeView {
			tabs = append(tabs, tabActiveStyle.Render(i.String()))
		} else {
			tabs = append(tabs, tabInactiveStyle.Render(i.String()))
		}
	}
	if m.activeView == viewAgentDetail {
		tabs = append(tabs, tabActiveStyle.Render("Agent: "+m.detailAgentID))
	}
	return strings.Join(tabs, " ")
}

func (m uiModel) renderStatusBar() string {
	left := " " + contextHelp(m.activeView)
	if m.notice != "" {
		left = " " + m.notice + " | " + contextHelp(m.activeView)
	}
	ago := time.Since(m.lastUpdate).Truncate(time.Second)
	right := fmt.Sprintf("%s | updated %s ago ", m.source, ago)
	gap := strings.Repeat(" ", max(0, m.width-ansi.StringWidth(left)-ansi.StringWidth(right)))
	return statusBarStyle.Render(left + gap + right)
}

// --- Dashboard view ---

func (m uiModel) renderDashboard() string {
	var b strings.Builder

	st := m.snap.Stats
	b.WriteString(headerStyle.Render("Governance"))
	b.WriteRune('\n')
	rate := 0.0
	if st.TotalSteps > 0 {
		rate = float64(st.HaltCount) / float64(st.TotalSteps) * 100
	}
	b.WriteString(fmt.Sprintf("  steps %-6d %s %-6d %s %-6d halt rate %.1f%%\n",
		st.TotalSteps,
		proceedStyle.Render("proceed"), st.ProceedCount,
		haltStyle.Render("halt"), st.HaltCount,
		rate))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  %d running | %d warning | %d halted | %d new decisions",
		m.snap.RunningAgents, m.snap.WarningAgents, m.snap.HaltedAgents, m.snap.NewDecisions)))
	b.WriteRune('\n')
	b.WriteRune('\n')

	b.WriteString(headerStyle.Render("Agents"))
	b.WriteRune('\n')
	b.WriteString(dimStyle.Render(fmt.Sprintf("  %-18s %-8s %-7s %-6s %s",
		"ID", "Status", "Steps", "Halts", "Last Activity")))
	b.WriteRune('\n')

	for i, ag := range m.snap.Agents {
		status := m.snap.Status[ag.ID]
		style := statusStyle(status)
		cursor := "  "
		if i == m.selectedAgent {
			cursor = "> "
		}
		last := "-"
		if !ag.LastActivity.IsZero() {
			last = shortDuration(time.Since(ag.LastActivity)) + " ago"
		}
		line := fmt.Sprintf("%s%-18s %-8s %-7d %-6d %s",
			cursor, truncate(ag.Name(), 18), status, ag.TotalSteps, ag.HaltCount, last)
		if ag.LocallyHalted {
			line += " (manual)"
		}
		if i == m.selectedAgent {
			b.WriteString(style.Bold(true).Render(line))
		} else {
			b.WriteString(style.Render(line))
		}
		b.WriteRune('\n')
	}

	if len(m.snap.Agents) == 0 {
		b.WriteString(dimStyle.Render("  (no agents reporting)"))
		b.WriteRune('\n')
	}

	b.WriteRune('\n')

	b.WriteString(headerStyle.Render("Recent Halts"))
	b.WriteRune('\n')
	halts := m.snap.HaltDecisions()
	for i, d := range halts {
		if i == 5 {
			break
		}
		b.WriteString(fmt.Sprintf("  %s %s %s\n",
			dimStyle.Render(d.Timestamp.Local().Format("15:04:05")),
			agentStyle.Render(d.AgentID),
			haltedStyle.Render(model.ViolationKey(d.Reason))))
	}
	if len(halts) == 0 {
		b.WriteString(dimStyle.Render("  (no halts)"))
		b.WriteRune('\n')
	}

	return b.String()
}

// --- Decisions view ---

func (m uiModel) renderDecisions() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Decisions"))
	b.WriteString(dimStyle.Render(fmt.Sprintf(" (%d buffered, newest first)", len(m.snap.Decisions))))
	b.WriteRune('\n')

	if len(m.snap.Decisions) == 0 {
		b.WriteString(dimStyle.Render("  (no decisions yet)"))
		b.WriteRune('\n')
		return b.String()
	}

	bodyWidth := max(20, m.width-14)
	for _, d := range m.snap.Decisions {
		marker := "   "
		if d.IsNew {
			marker = newStyle.Render("NEW")
		}
		line := fmt.Sprintf("  %s %s %s %s",
			dimStyle.Render(d.Timestamp.Local().Format("15:04:05")),
			marker,
			verdictBadge(d.Verdict),
			agentStyle.Render(d.AgentID))
		if d.Reason != "" && d.Reason != model.ReasonApproved {
			line += " " + haltedStyle.Render(d.Reason)
		}
		if d.StepID != "" {
			line += dimStyle.Render(" step " + d.StepID)
		}
		b.WriteString(line)
		b.WriteRune('\n')
		if d.Details != "" {
			for _, l := range wrapText(d.Details, bodyWidth) {
				b.WriteString("             ")
				b.WriteString(dimStyle.Render(l))
				b.WriteRune('\n')
			}
		}
	}
	return b.String()
}

// --- Violations view ---

const maxBarWidth = 40

func (m uiModel) renderViolations() string {
	var b strings.Builder
	total := m.snap.Stats.ViolationTotal()
	b.WriteString(headerStyle.Render("Violations"))
	b.WriteString(dimStyle.Render(fmt.Sprintf(" (%d total)", total)))
	b.WriteRune('\n')

	if len(m.snap.Violations) == 0 {
		b.WriteString(dimStyle.Render("  (no violations)"))
		b.WriteRune('\n')
		return b.String()
	}

	peak := 0
	for _, row := range m.snap.Violations {
		peak = max(peak, row.Count)
	}
	for _, row := range m.snap.Violations {
		width := row.Count * maxBarWidth / peak
		if width == 0 {
			width = 1
		}
		b.WriteString(fmt.Sprintf("  %-18s %5d %s\n",
			row.Reason, row.Count, barStyle.Render(strings.Repeat("█", width))))
	}

	b.WriteRune('\n')
	b.WriteString(headerStyle.Render("By Agent"))
	b.WriteRune('\n')
	for _, ag := range m.snap.Agents {
		if ag.HaltCount == 0 {
			continue
		}
		b.WriteString(fmt.Sprintf("  %-18s %5d\n", truncate(ag.Name(), 18), ag.HaltCount))
	}
	return b.String()
}

// --- Policies view ---

func (m uiModel) renderPolicies() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Policies"))
	b.WriteRune('\n')

	if len(m.snap.Policies) == 0 {
		b.WriteString(dimStyle.Render("  (no policies published)"))
		b.WriteRune('\n')
		return b.String()
	}

	for _, p := range m.snap.Policies {
		state := proceedStyle.Render("enabled")
		if !p.Enabled {
			state = dimStyle.Render("disabled")
		}
		b.WriteString(fmt.Sprintf("  %s %s\n", agentStyle.Render(p.Name), state))
		if p.Description != "" {
			for _, l := range wrapText(p.Description, max(20, m.width-6)) {
				b.WriteString("    " + dimStyle.Render(l) + "\n")
			}
		}
		for _, k := range sortedKeys(p.Rules) {
			b.WriteString(fmt.Sprintf("    %s: %v\n", k, p.Rules[k]))
		}
	}
	return b.String()
}

// --- Graph view ---

func (m uiModel) renderGraph() string {
	var b strings.Builder
	g := m.graph

	switch g.State {
	case graph.StateNoSelection:
		b.WriteString(headerStyle.Render("Reasoning Graph"))
		b.WriteRune('\n')
		b.WriteString(dimStyle.Render("  (no agent selected: pick one on the dashboard and press g)"))
		b.WriteRune('\n')
		return b.String()
	case graph.StateEmpty:
		b.WriteString(headerStyle.Render("Reasoning Graph: " + g.AgentID))
		b.WriteRune('\n')
		b.WriteString(dimStyle.Render("  (no reasoning steps recorded)"))
		b.WriteRune('\n')
		if m.graphErr != nil {
			b.WriteString(haltedStyle.Render("  fetch failed: " + m.graphErr.Error()))
			b.WriteRune('\n')
		}
		return b.String()
	}

	source := "buffered decisions"
	if m.graphRemote != nil && len(m.graphRemote.Nodes) > 0 {
		source = "backend graph"
	}
	b.WriteString(headerStyle.Render("Reasoning Graph: " + g.AgentID))
	b.WriteString(dimStyle.Render(fmt.Sprintf(" (%d lanes, %d nodes, from %s)", len(g.Lanes), len(g.Nodes), source)))
	b.WriteRune('\n')
	if m.graphErr != nil {
		b.WriteString(haltedStyle.Render("  fetch failed: " + m.graphErr.Error()))
		b.WriteRune('\n')
	}
	b.WriteRune('\n')

	colWidth := max(16, min(28, (m.width-2)/max(1, len(g.Lanes))-2))
	columns := make([][]string, len(g.Lanes))
	rows := 0
	for i, lane := range g.Lanes {
		head := lane.AgentID
		switch lane.Role {
		case graph.RoleUpstream:
			head = "<- " + head
		case graph.RoleDownstream:
			head = "-> " + head
		}
		col := []string{padOrTruncate(agentStyle.Render(head), colWidth), padOrTruncate(dimStyle.Render(string(lane.Role)), colWidth)}
		for _, n := range g.LaneNodes(i) {
			style := proceedStyle
			if n.Verdict == model.Halt {
				style = haltStyle
			}
			cell := fmt.Sprintf("[%s] %s", n.Label, style.Render(string(n.Verdict)))
			col = append(col, padOrTruncate(cell, colWidth))
			if n.Reason != "" && n.Reason != model.ReasonApproved {
				col = append(col, padOrTruncate(dimStyle.Render("    "+n.Reason), colWidth))
			}
		}
		columns[i] = col
		rows = max(rows, len(col))
	}
	for r := 0; r < rows; r++ {
		b.WriteString("  ")
		for _, col := range columns {
			cell := strings.Repeat(" ", colWidth)
			if r < len(col) {
				cell = col[r]
			}
			b.WriteString(cell)
			b.WriteString("  ")
		}
		b.WriteRune('\n')
	}

	labels := make(map[string]string, len(g.Nodes))
	for _, n := range g.Nodes {
		labels[model.NodeKey(n.AgentID, n.ID)] = n.Label
	}
	b.WriteRune('\n')
	b.WriteString(detailSectionStyle.Render("Edges"))
	b.WriteRune('\n')
	for _, e := range g.Edges {
		kind := dimStyle.Render(fmt.Sprintf("%-10s", e.Kind))
		b.WriteString(fmt.Sprintf("  %s %s -> %s\n", kind, labels[e.Source], labels[e.Target]))
	}
	if len(g.Edges) == 0 {
		b.WriteString(dimStyle.Render("  (none)"))
		b.WriteRune('\n')
	}

	b.WriteRune('\n')
	b.WriteString(detailSectionStyle.Render("Steps"))
	b.WriteRune('\n')
	for _, n := range g.Nodes {
		if n.External {
			continue
		}
		b.WriteString(fmt.Sprintf("  [%s] %s", n.Label, dimStyle.Render(n.ID)))
		if n.ToolUsed != "" {
			b.WriteString(" tool=" + n.ToolUsed)
		}
		b.WriteRune('\n')
		if n.Thought != "" {
			for _, l := range wrapText(n.Thought, max(20, m.width-8)) {
				b.WriteString("      " + dimStyle.Render(l) + "\n")
			}
		}
	}

	return b.String()
}

// --- Agent detail view ---

func (m uiModel) renderAgentDetailFor(agentID string) string {
	var b strings.Builder

	agent, ok := m.snap.FindAgent(agentID)
	if !ok {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  Agent %q not found", agentID)))
		return b.String()
	}

	status := m.snap.Status[agent.ID]
	b.WriteString(detailHeaderStyle.Render(fmt.Sprintf("Agent: %s", agent.Name())))
	b.WriteString("  ")
	b.WriteString(statusStyle(status).Bold(true).Render(string(status)))
	b.WriteRune('\n')
	last := "never"
	if !agent.LastActivity.IsZero() {
		last = shortDuration(time.Since(agent.LastActivity)) + " ago"
	}
	b.WriteString(dimStyle.Render(fmt.Sprintf("  Steps: %d | Halts: %d | Last activity: %s",
		agent.TotalSteps, agent.HaltCount, last)))
	b.WriteRune('\n')
	if agent.LocallyHalted {
		b.WriteString(haltedStyle.Render("  Halted by operator (u to resume)"))
		b.WriteRune('\n')
	} else if agent.ServerHalted {
		b.WriteString(haltedStyle.Render("  Halted by backend"))
		b.WriteRune('\n')
	}

	b.WriteRune('\n')

	b.WriteString(detailSectionStyle.Render("Recent Decisions"))
	b.WriteRune('\n')
	var count int
	for _, d := range m.snap.Decisions {
		if d.AgentID != agentID {
			continue
		}
		if count == 15 {
			break
		}
		line := fmt.Sprintf("  %s %s", dimStyle.Render(d.Timestamp.Local().Format("15:04:05")), verdictBadge(d.Verdict))
		if d.Reason != "" && d.Reason != model.ReasonApproved {
			line += " " + d.Reason
		}
		if d.Details != "" {
			line += dimStyle.Render(" " + truncate(d.Details, 60))
		}
		b.WriteString(line)
		b.WriteRune('\n')
		count++
	}
	if count == 0 {
		b.WriteString(dimStyle.Render("  (none)"))
		b.WriteRune('\n')
	}

	return b.String()
}

// --- Split-pane rendering ---

// renderSplitPane renders two content panes side by side with a vertical separator.
func renderSplitPane(left, right string, leftWidth, rightWidth, maxHeight int) string {
	leftLines := strings.Split(left, "\n")
	rightLines := strings.Split(right, "\n")

	maxLines := max(len(leftLines), len(rightLines))
	if maxLines > maxHeight {
		maxLines = maxHeight
	}
	for len(leftLines) < maxLines {
		leftLines = append(leftLines, "")
	}
	for len(rightLines) < maxLines {
		rightLines = append(rightLines, "")
	}

	sep := dimStyle.Render("│")
	var b strings.Builder
	for i := 0; i < maxLines; i++ {
		b.WriteString(padOrTruncate(leftLines[i], leftWidth))
		b.WriteString(" ")
		b.WriteString(sep)
		b.WriteString(" ")
		b.WriteString(ansi.Truncate(rightLines[i], rightWidth, ""))
		b.WriteRune('\n')
	}
	return b.String()
}

// padOrTruncate pads or truncates a styled line to the target visible width.
func padOrTruncate(styled string, width int) string {
	w := ansi.StringWidth(styled)
	if w > width {
		return ansi.Truncate(styled, width, "")
	}
	return styled + strings.Repeat(" ", width-w)
}

// --- Helpers ---

// truncateLines truncates each line in content to at most width visible
// characters, preserving ANSI escape codes.
func truncateLines(content string, width int) string {
	if width <= 0 {
		return content
	}
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if lipgloss.Width(line) > width {
			lines[i] = ansi.Truncate(line, width, "")
		}
	}
	return strings.Join(lines, "\n")
}

// wrapText breaks s into lines of at most width characters, splitting on word
// boundaries where possible. Embedded newlines are respected.
func wrapText(s string, width int) []string {
	if width <= 0 {
		width = 80
	}
	var lines []string
	for _, para := range strings.Split(s, "\n") {
		lines = append(lines, wrapParagraph(para, width)...)
	}
	return lines
}

// wrapParagraph wraps a single paragraph (no embedded newlines) to width.
func wrapParagraph(s string, width int) []string {
	if len(s) <= width {
		return []string{s}
	}

	var lines []string
	for len(s) > 0 {
		if len(s) <= width {
			lines = append(lines, s)
			break
		}
		cut := -1
		for i := width; i > 0; i-- {
			if s[i] == ' ' {
				cut = i
				break
			}
		}
		if cut <= 0 {
			lines = append(lines, s[:width])
			s = s[width:]
		} else {
			lines = append(lines, s[:cut])
			s = s[cut+1:]
		}
	}
	return lines
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func shortDuration(d time.Duration) string {
	if d < 0 {
		return "0s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
