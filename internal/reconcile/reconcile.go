// Package reconcile merges the live decision stream from the push channel and
// the polling fallback into one bounded, deduplicated, newest-first buffer.
//
// Identities are remembered for the whole session, not just the visible
// window: an entry evicted from the buffer is never re-admitted by a later
// duplicate delivery, and no entry is flagged new more than once.
package reconcile

import (
	"log/slog"
	"time"

	"github.com/daviddao/agentwatch_viewer/internal/identity"
	"github.com/daviddao/agentwatch_viewer/internal/model"
)

const (
	// Capacity is the maximum number of buffered decisions.
	Capacity = 100

	// NewWindow is how long a freshly arrived entry stays flagged new.
	NewWindow = time.Second
)

// Source names the transport a batch arrived on.
type Source string

const (
	SourcePush  Source = "push"
	SourcePoll  Source = "poll"
	SourceLocal Source = "local"
)

// Result reports the outcome of one ingestion call.
type Result struct {
	// New holds the genuinely new entries in processing order.
	New        []model.Decision
	Duplicates int
	Dropped    int
}

// Reconciler owns the decision buffer and the session's seen set.
// It is not safe for concurrent use; callers serialize access.
type Reconciler struct {
	buf  []model.Decision // newest first
	seen map[string]bool
	// origin records which transport delivered each buffered entry.
	origin map[string]Source
	// admitted records the snapshot generation in which a push or local
	// entry joined the buffer.
	admitted map[string]int
	gen      int

	now    func() time.Time
	logger *slog.Logger
}

// New creates an empty reconciler. A nil logger uses slog.Default.
func New(logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		seen:     make(map[string]bool),
		origin:   make(map[string]Source),
		admitted: make(map[string]int),
		now:      time.Now,
		logger:   logger,
	}
}

// normalize validates a record and resolves its identity. ok is false for
// records that must be dropped.
func (r *Reconciler) normalize(d model.Decision, source Source) (model.Decision, bool) {
	if d.AgentID == "" || !d.Verdict.Valid() {
		return d, false
	}
	id, ok := identity.Resolve(d.ID, d.AgentID, d.StepID)
	if !ok {
		return d, false
	}
	if source != SourceLocal && identity.IsLocal(id) {
		r.logger.Error("server decision id collides with local namespace", "id", id, "source", source)
		return d, false
	}
	d.ID = id
	if d.Timestamp.IsZero() {
		d.Timestamp = r.now()
	}
	return d, true
}

// IngestBatch absorbs records in arrival order. Each unseen record is flagged
// new and prepended; the buffer is truncated to Capacity.
func (r *Reconciler) IngestBatch(records []model.Decision, source Source) Result {
	var res Result
	for _, rec := range records {
		d, ok := r.normalize(rec, source)
		if !ok {
			res.Dropped++
			continue
		}
		if r.seen[d.ID] {
			res.Duplicates++
			continue
		}
		r.seen[d.ID] = true
		d.IsNew = true
		r.prepend(d, source)
		res.New = append(res.New, d)
	}
	r.truncate()
	return res
}

// IngestSnapshot replaces the buffer with a full poll snapshot (newest
// first). Push-delivered and local entries missing from the snapshot stay on
// top when they arrived since the previous snapshot or are newer than the
// snapshot's newest server-timed record. Entries already buffered keep their
// current new flag; entries seen earlier but no longer buffered are not
// resurrected.
func (r *Reconciler) IngestSnapshot(records []model.Decision) Result {
	var res Result

	current := make(map[string]model.Decision, len(r.buf))
	for _, d := range r.buf {
		current[d.ID] = d
	}

	var fromSnap []model.Decision
	var newest time.Time
	inSnap := make(map[string]bool, len(records))
	for _, rec := range records {
		timed := !rec.Timestamp.IsZero()
		d, ok := r.normalize(rec, SourcePoll)
		if !ok {
			res.Dropped++
			continue
		}
		if inSnap[d.ID] {
			res.Duplicates++
			continue
		}
		inSnap[d.ID] = true
		// Untimed records are stamped locally and must not move the cutoff.
		if timed && d.Timestamp.After(newest) {
			newest = d.Timestamp
		}

		if r.seen[d.ID] {
			existing, buffered := current[d.ID]
			if !buffered {
				res.Duplicates++
				continue
			}
			fromSnap = append(fromSnap, existing)
			continue
		}
		r.seen[d.ID] = true
		d.IsNew = true
		fromSnap = append(fromSnap, d)
		res.New = append(res.New, d)
	}

	var kept []model.Decision
	for _, d := range r.buf {
		if inSnap[d.ID] {
			continue
		}
		if r.origin[d.ID] == SourcePoll {
			continue
		}
		if gen, ok := r.admitted[d.ID]; (ok && gen == r.gen) || d.Timestamp.After(newest) {
			kept = append(kept, d)
		}
	}

	next := make([]model.Decision, 0, len(kept)+len(fromSnap))
	next = append(next, kept...)
	next = append(next, fromSnap...)

	origin := make(map[string]Source, len(next))
	admitted := make(map[string]int, len(kept))
	for _, d := range next {
		if src, ok := r.origin[d.ID]; ok {
			origin[d.ID] = src
		} else {
			origin[d.ID] = SourcePoll
		}
	}
	for _, d := range kept {
		admitted[d.ID] = r.admitted[d.ID]
	}
	r.buf = next
	r.origin = origin
	r.admitted = admitted
	r.gen++
	r.truncate()
	return res
}

// ExpireNew clears the new flag on the entry with the given identity. It
// returns false when the entry is no longer buffered.
func (r *Reconciler) ExpireNew(id string) bool {
	for i := range r.buf {
		if r.buf[i].ID == id {
			r.buf[i].IsNew = false
			return true
		}
	}
	return false
}

// Decisions returns a copy of the buffer, newest first.
func (r *Reconciler) Decisions() []model.Decision {
	out := make([]model.Decision, len(r.buf))
	copy(out, r.buf)
	return out
}

// ForAgent returns the buffered decisions of one agent, oldest first.
func (r *Reconciler) ForAgent(agentID string) []model.Decision {
	var out []model.Decision
	for i := len(r.buf) - 1; i >= 0; i-- {
		if r.buf[i].AgentID == agentID {
			out = append(out, r.buf[i])
		}
	}
	return out
}

// Seen reports whether an identity was absorbed during this session.
func (r *Reconciler) Seen(id string) bool {
	return r.seen[id]
}

// Len returns the number of buffered decisions.
func (r *Reconciler) Len() int {
	return len(r.buf)
}

// Reset clears the buffer and the seen set.
func (r *Reconciler) Reset() {
	r.buf = nil
	r.seen = make(map[string]bool)
	r.origin = make(map[string]Source)
	r.admitted = make(map[string]int)
	r.gen = 0
}

func (r *Reconciler) prepend(d model.Decision, source Source) {
	r.buf = append(r.buf, model.Decision{})
	copy(r.buf[1:], r.buf)
	r.buf[0] = d
	r.origin[d.ID] = source
	if source != SourcePoll {
		r.admitted[d.ID] = r.gen
	}
}

func (r *Reconciler) truncate() {
	if len(r.buf) <= Capacity {
		return
	}
	for _, d := range r.buf[Capacity:] {
		delete(r.origin, d.ID)
		delete(r.admitted, d.ID)
	}
	r.buf = r.buf[:Capacity:Capacity]
}
