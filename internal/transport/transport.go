// Package transport coordinates the push channel and the polling fallback.
//
// Push is the primary source. Polling runs only while push is disconnected:
// an immediate fetch on disconnect, then one per refresh interval, stopped as
// soon as push reconnects. Every update goes to a single Sink, one at a time,
// so the receiver can apply them without further locking.
package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/daviddao/agentwatch_viewer/internal/metrics"
	"github.com/daviddao/agentwatch_viewer/internal/session"
	"github.com/daviddao/agentwatch_viewer/internal/wire"
)

const (
	DefaultRefresh = 2 * time.Second
	actionTimeout  = 5 * time.Second
)

// PushSource delivers push messages and connection flips.
type PushSource interface {
	Events() <-chan wire.Message
	Status() <-chan bool
	Close() error
}

// Puller fetches one round of pull endpoints.
type Puller interface {
	Poll(ctx context.Context) (session.PollResult, error)
}

// Controller sends operator actions to the backend.
type Controller interface {
	Halt(ctx context.Context, agentID string) error
	Resume(ctx context.Context, agentID string) error
}

// Update is one item delivered to the Sink.
type Update interface {
	update()
}

// PushUpdate carries one push message.
type PushUpdate struct {
	Message wire.Message
}

// PollUpdate carries one poll round. It is never delivered after the
// ConnectionUpdate that cancelled its poll task.
type PollUpdate struct {
	Result session.PollResult
}

// ConnectionUpdate reports a push connection flip.
type ConnectionUpdate struct {
	Connected bool
}

func (PushUpdate) update()       {}
func (PollUpdate) update()       {}
func (ConnectionUpdate) update() {}

// Sink receives updates. Calls never overlap. A Sink may block and may call
// Connected, RefreshNow, RequestHalt and RequestResume, but must not call
// Close, which waits for the goroutine that is delivering.
type Sink func(Update)

// Options configure a Coordinator. Zero values pick defaults.
type Options struct {
	Refresh time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Coordinator owns the push source and gates polling on its state.
type Coordinator struct {
	push    PushSource
	pull    Puller
	ctl     Controller
	sink    Sink
	refresh time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// sinkMu serializes sink calls. It is taken before mu, never after.
	sinkMu sync.Mutex

	mu        sync.Mutex // guards connected and poll
	connected bool
	poll      *Task
}

// New creates a coordinator. pull and ctl may be nil (replay mode).
func New(push PushSource, pull Puller, ctl Controller, sink Sink, opts Options) *Coordinator {
	if opts.Refresh <= 0 {
		opts.Refresh = DefaultRefresh
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		push:    push,
		pull:    pull,
		ctl:     ctl,
		sink:    sink,
		refresh: opts.Refresh,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins consuming the push source. Push starts out disconnected, so
// polling starts immediately.
func (c *Coordinator) Start() {
	c.mu.Lock()
	c.startPolling()
	c.mu.Unlock()

	c.wg.Add(1)
	go c.pushLoop()
}

// Close stops polling and the push source and waits for background work.
func (c *Coordinator) Close() error {
	c.cancel()
	c.mu.Lock()
	c.stopPolling()
	c.mu.Unlock()
	err := c.push.Close()
	c.wg.Wait()
	return err
}

// Connected reports the last push state seen.
func (c *Coordinator) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// RefreshNow runs one poll round outside the polling schedule. It is a no-op
// while push is connected. The round belongs to the current poll task, so a
// reconnect discards its result.
func (c *Coordinator) RefreshNow() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pull == nil || c.connected || !c.poll.Alive() {
		return
	}
	t := NewTask(c.poll.Context())
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer t.Cancel()
		c.pollOnce(t)
	}()
}

// RequestHalt asks the backend to halt an agent. Fire and forget: failures
// are logged and otherwise ignored.
func (c *Coordinator) RequestHalt(agentID string) {
	if c.ctl != nil {
		c.fire("halt", agentID, c.ctl.Halt)
	}
}

// RequestResume asks the backend to resume an agent. Fire and forget.
func (c *Coordinator) RequestResume(agentID string) {
	if c.ctl != nil {
		c.fire("resume", agentID, c.ctl.Resume)
	}
}

func (c *Coordinator) fire(action, agentID string, fn func(context.Context, string) error) {
	if c.ctx.Err() != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, actionTimeout)
		defer cancel()
		if err := fn(ctx, agentID); err != nil {
			c.logger.Warn("agent action failed", "action", action, "agent", agentID, "err", err)
			return
		}
		c.logger.Info("agent action sent", "action", action, "agent", agentID)
	}()
}

func (c *Coordinator) pushLoop() {
	defer c.wg.Done()
	events, status := c.push.Events(), c.push.Status()
	for events != nil || status != nil {
		// Connection flips take priority over queued frames.
		select {
		case s, ok := <-status:
			if !ok {
				status = nil
			} else {
				c.setConnected(s)
			}
			continue
		default:
		}

		select {
		case <-c.ctx.Done():
			return
		case s, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			c.setConnected(s)
		case msg, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.deliver(PushUpdate{Message: msg}, nil)
		}
	}
}

func (c *Coordinator) setConnected(connected bool) {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()

	c.mu.Lock()
	if connected == c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = connected
	if connected {
		c.stopPolling()
	} else {
		c.startPolling()
	}
	c.mu.Unlock()

	c.logger.Info("push connection", "connected", connected)
	c.sink(ConnectionUpdate{Connected: connected})
}

// startPolling must be called with mu held.
func (c *Coordinator) startPolling() {
	if c.pull == nil || c.poll.Alive() || c.ctx.Err() != nil {
		return
	}
	t := NewTask(c.ctx)
	c.poll = t
	c.wg.Add(1)
	go c.pollLoop(t)
}

// stopPolling must be called with mu held.
func (c *Coordinator) stopPolling() {
	c.poll.Cancel()
	c.poll = nil
}

func (c *Coordinator) pollLoop(t *Task) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()
	for {
		c.pollOnce(t)
		select {
		case <-t.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) pollOnce(t *Task) {
	res, err := c.pull.Poll(t.Context())
	if err != nil {
		if !t.Alive() {
			return
		}
		c.logger.Warn("poll failed", "err", err)
	}
	if !c.deliver(PollUpdate{Result: res}, t) {
		c.metrics.Discarded("poll")
		c.logger.Debug("discarded poll result from cancelled task")
	}
}

// deliver hands u to the sink unless t has been cancelled. A nil t is
// always delivered.
func (c *Coordinator) deliver(u Update, t *Task) bool {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()
	if t != nil && !t.Alive() {
		return false
	}
	c.sink(u)
	return true
}
