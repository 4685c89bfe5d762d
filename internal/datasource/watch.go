package datasource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/daviddao/agentwatch_viewer/internal/metrics"
	"github.com/daviddao/agentwatch_viewer/internal/wire"
)

const (
	DefaultPushURL = "ws://localhost:8000/ws"

	// ReconnectDelay is the fixed wait between push connection attempts.
	ReconnectDelay = 3 * time.Second
)

// Watcher holds the websocket push channel open, reconnecting after every
// drop. Decoded frames arrive on Events; connection flips on Status.
type Watcher struct {
	url     string
	delay   time.Duration
	dialer  *websocket.Dialer
	logger  *slog.Logger
	metrics *metrics.Metrics

	events chan wire.Message
	status chan bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

// NewWatcher starts a push watcher for url. logger and m may be nil.
func NewWatcher(url string, logger *slog.Logger, m *metrics.Metrics) *Watcher {
	return newWatcher(url, ReconnectDelay, logger, m)
}

func newWatcher(url string, delay time.Duration, logger *slog.Logger, m *metrics.Metrics) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		url:     url,
		delay:   delay,
		dialer:  &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		logger:  logger,
		metrics: m,
		events:  make(chan wire.Message, 64),
		status:  make(chan bool, 4),
		ctx:     ctx,
		cancel:  cancel,
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Events returns decoded push messages in arrival order. It is closed after
// Close.
func (w *Watcher) Events() <-chan wire.Message {
	return w.events
}

// Status returns connection state flips. The initial state is disconnected,
// so the first value is true.
func (w *Watcher) Status() <-chan bool {
	return w.status
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	w.cancel()
	w.mu.Lock()
	if w.conn != nil {
		w.conn.Close()
	}
	w.mu.Unlock()
	w.wg.Wait()
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	defer close(w.events)
	defer close(w.status)

	for {
		err := w.run()
		w.setConnected(false)
		if w.ctx.Err() != nil {
			return
		}
		w.logger.Warn("push channel down", "url", w.url, "err", err, "retry", w.delay)

		select {
		case <-w.ctx.Done():
			return
		case <-time.After(w.delay):
		}
		w.metrics.Reconnect()
	}
}

// run dials once and reads frames until the connection fails.
func (w *Watcher) run() error {
	conn, _, err := w.dialer.DialContext(w.ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.url, err)
	}
	w.mu.Lock()
	if w.ctx.Err() != nil {
		w.mu.Unlock()
		conn.Close()
		return w.ctx.Err()
	}
	w.conn = conn
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
		conn.Close()
	}()

	w.setConnected(true)
	w.logger.Info("push channel connected", "url", w.url)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		msg, err := wire.DecodeMessage(frame)
		if err != nil {
			w.frameError(err)
			continue
		}
		w.metrics.Frame("ok")
		select {
		case w.events <- msg:
		case <-w.ctx.Done():
			return w.ctx.Err()
		}
	}
}

func (w *Watcher) frameError(err error) {
	outcome := "malformed"
	if errors.Is(err, wire.ErrUnknownType) {
		outcome = "unknown"
	}
	w.metrics.Frame(outcome)
	w.logger.Warn("skipping push frame", "outcome", outcome, "err", err)
}

// setConnected publishes the state if it changed.
func (w *Watcher) setConnected(connected bool) {
	w.mu.Lock()
	changed := w.connected != connected
	w.connected = connected
	w.mu.Unlock()
	if !changed {
		return
	}
	w.metrics.SetConnected(connected)
	select {
	case w.status <- connected:
	case <-w.ctx.Done():
	}
}
