// Package datasource connects to the AgentWatch backend: the HTTP pull
// endpoints, the websocket push channel, and a JSONL replay file that stands
// in for the push channel when no backend is running.
package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/daviddao/agentwatch_viewer/internal/metrics"
	"github.com/daviddao/agentwatch_viewer/internal/session"
	"github.com/daviddao/agentwatch_viewer/internal/wire"
)

const (
	DefaultBackend = "http://localhost:8000/api/v1"
	DefaultLimit   = 100

	requestTimeout = 10 * time.Second
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.Code)
}

// Client talks to the backend's pull and control endpoints.
type Client struct {
	base    string
	limit   int
	http    *http.Client
	metrics *metrics.Metrics
}

// NewClient returns a client for the API rooted at base. limit bounds the
// decisions fetched per poll; zero means DefaultLimit. m may be nil.
func NewClient(base string, limit int, m *metrics.Metrics) (*Client, error) {
	if base == "" {
		base = DefaultBackend
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse backend url %q: %w", base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url %q: scheme must be http or https", base)
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Client{
		base:    strings.TrimRight(u.String(), "/"),
		limit:   limit,
		http:    &http.Client{Timeout: requestTimeout},
		metrics: m,
	}, nil
}

// Base returns the API root.
func (c *Client) Base() string { return c.base }

// FetchAgents returns the agent list.
func (c *Client) FetchAgents(ctx context.Context) (*wire.AgentList, error) {
	var out wire.AgentList
	if err := c.get(ctx, "/agents", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchDecisions returns up to limit recent decisions, newest first.
func (c *Client) FetchDecisions(ctx context.Context, limit int) (*wire.DecisionList, error) {
	var out wire.DecisionList
	if err := c.get(ctx, "/decisions?limit="+strconv.Itoa(limit), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchStats returns the aggregate stats.
func (c *Client) FetchStats(ctx context.Context) (*wire.Stats, error) {
	var out wire.Stats
	if err := c.get(ctx, "/stats", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchGraph returns the reasoning graph payload for one agent.
func (c *Client) FetchGraph(ctx context.Context, agentID string) (*wire.AgentGraph, error) {
	var out wire.AgentGraph
	if err := c.get(ctx, "/agent/"+url.PathEscape(agentID)+"/graph", &out); err != nil {
		return nil, err
	}
	if out.AgentID == "" {
		out.AgentID = agentID
	}
	return &out, nil
}

// Health checks the backend's health endpoint.
func (c *Client) Health(ctx context.Context) (*wire.Health, error) {
	var out wire.Health
	if err := c.get(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Halt asks the backend to halt an agent.
func (c *Client) Halt(ctx context.Context, agentID string) error {
	return c.post(ctx, "/agent/"+url.PathEscape(agentID)+"/halt")
}

// Resume asks the backend to resume an agent.
func (c *Client) Resume(ctx context.Context, agentID string) error {
	return c.post(ctx, "/agent/"+url.PathEscape(agentID)+"/resume")
}

// Poll fetches agents, decisions and stats. Endpoints that fail leave their
// field nil; the returned error joins every failure.
func (c *Client) Poll(ctx context.Context) (session.PollResult, error) {
	var (
		res  session.PollResult
		errs []error
	)

	agents, err := c.FetchAgents(ctx)
	c.metrics.Poll("agents", err)
	if err != nil {
		errs = append(errs, err)
	}
	res.Agents = agents

	decisions, err := c.FetchDecisions(ctx, c.limit)
	c.metrics.Poll("decisions", err)
	if err != nil {
		errs = append(errs, err)
	}
	res.Decisions = decisions

	stats, err := c.FetchStats(ctx)
	c.metrics.Poll("stats", err)
	if err != nil {
		errs = append(errs, err)
	}
	res.Stats = stats

	return res, errors.Join(errs...)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{Method: http.MethodGet, Path: path, Code: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: http.MethodPost, Path: path, Code: resp.StatusCode}
	}
	return nil
}

// PushURL derives the websocket endpoint from an API root when none is
// configured: http://host:8000/api/v1 becomes ws://host:8000/ws.
func PushURL(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return DefaultPushURL
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return scheme + "://" + u.Host + "/ws"
}
