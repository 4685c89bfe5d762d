package datasource

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/daviddao/agentwatch_viewer/internal/metrics"
	"github.com/daviddao/agentwatch_viewer/internal/wire"
)

// Tail replays push frames from a JSONL file, one frame per line, and keeps
// following it as lines are appended. It is a push source that needs no
// backend; it reports itself connected for as long as it runs.
type Tail struct {
	path     string
	file     *os.File
	reader   *bufio.Reader
	partial  []byte
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	events  chan wire.Message
	status  chan bool
	kick    chan bool // true when the file was replaced
	done    chan struct{}
	stopped chan struct{}
}

// NewTail opens path and starts replaying it. It watches the parent
// directory so that a replaced file is picked up.
func NewTail(path string, logger *slog.Logger, m *metrics.Metrics) (*Tail, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay file: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		f.Close()
		return nil, err
	}

	t := &Tail{
		path:     path,
		file:     f,
		reader:   bufio.NewReader(f),
		watcher:  w,
		debounce: 100 * time.Millisecond,
		logger:   logger,
		metrics:  m,
		events:   make(chan wire.Message, 64),
		status:   make(chan bool, 1),
		kick:     make(chan bool, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go t.loop()
	return t, nil
}

// Events returns replayed messages in file order.
func (t *Tail) Events() <-chan wire.Message {
	return t.events
}

// Status delivers true once the replay starts.
func (t *Tail) Status() <-chan bool {
	return t.status
}

// Close stops the tail.
func (t *Tail) Close() error {
	close(t.done)
	err := t.watcher.Close()
	<-t.stopped
	t.file.Close()
	return err
}

func (t *Tail) loop() {
	defer close(t.stopped)
	defer close(t.events)
	defer close(t.status)

	t.status <- true
	t.metrics.SetConnected(true)
	if !t.drain() {
		return
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	replaced := false

	for {
		select {
		case <-t.done:
			return
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(t.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				replaced = true
			}
			// Debounce: reset timer on each write.
			if timer != nil {
				timer.Stop()
			}
			r := replaced
			timer = time.AfterFunc(t.debounce, func() {
				select {
				case t.kick <- r:
				default: // already signaled, skip
				}
			})
		case r := <-t.kick:
			if r {
				replaced = false
				if err := t.reopen(); err != nil {
					t.logger.Warn("reopen replay file", "path", t.path, "err", err)
					continue
				}
			}
			if !t.drain() {
				return
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warn("replay watcher", "err", err)
		}
	}
}

func (t *Tail) reopen() error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	t.file.Close()
	t.file = f
	t.reader.Reset(f)
	t.partial = nil
	return nil
}

// drain emits every complete line read so far. It returns false if the tail
// was closed while sending.
func (t *Tail) drain() bool {
	for {
		line, err := t.reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			t.partial = append(t.partial, line...)
			return true
		}
		if err != nil {
			t.logger.Warn("read replay file", "path", t.path, "err", err)
			return true
		}
		if len(t.partial) > 0 {
			line = append(t.partial, line...)
			t.partial = nil
		}

		msg, ok := decodeLine(line, t.logger, t.metrics)
		if !ok {
			continue
		}
		select {
		case t.events <- msg:
		case <-t.done:
			return false
		}
	}
}

// ReadReplay decodes every frame in a replay file without following it.
func ReadReplay(path string, logger *slog.Logger, m *metrics.Metrics) ([]wire.Message, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay file: %w", err)
	}
	defer f.Close()

	var out []wire.Message
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if msg, ok := decodeLine(sc.Bytes(), logger, m); ok {
			out = append(out, msg)
		}
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read replay file: %w", err)
	}
	return out, nil
}

// decodeLine decodes one replay line. Blank lines and # comments are
// skipped silently; bad frames are logged and counted.
func decodeLine(line []byte, logger *slog.Logger, m *metrics.Metrics) (wire.Message, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] == '#' {
		return nil, false
	}
	msg, err := wire.DecodeMessage(line)
	if err != nil {
		outcome := "malformed"
		if errors.Is(err, wire.ErrUnknownType) {
			outcome = "unknown"
		}
		m.Frame(outcome)
		logger.Warn("skipping replay line", "outcome", outcome, "err", err)
		return nil, false
	}
	m.Frame("ok")
	return msg, true
}
