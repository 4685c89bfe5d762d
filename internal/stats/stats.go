// Package stats maintains running governance totals.
//
// Both update paths, the server snapshot replace and the per-decision
// increment, go through book, so HaltCount always equals the sum of the
// per-reason counters and TotalSteps always equals HaltCount + ProceedCount.
package stats

import (
	"fmt"

	"github.com/daviddao/agentwatch_viewer/internal/model"
)

// Accumulator holds the current totals. It is not safe for concurrent use.
type Accumulator struct {
	s model.StatsSnapshot
}

// New returns a zeroed accumulator.
func New() *Accumulator {
	a := &Accumulator{}
	a.Reset()
	return a
}

func (a *Accumulator) book(v model.Verdict, reason string, n int) {
	if n <= 0 {
		return
	}
	a.s.TotalSteps += n
	switch v {
	case model.Halt:
		a.s.HaltCount += n
		a.s.ViolationsByReason[model.ViolationKey(reason)] += n
	default:
		a.s.ProceedCount += n
	}
}

// Apply counts one newly ingested decision.
func (a *Accumulator) Apply(d model.Decision) {
	if !d.Verdict.Valid() {
		return
	}
	a.book(d.Verdict, d.Reason, 1)
}

// Replace swaps in a server snapshot. Violations the server counted as halts
// without a reason are booked under UNKNOWN; ProceedCount is raised so that
// TotalSteps covers both halts and proceeds.
func (a *Accumulator) Replace(snap model.StatsSnapshot) {
	a.Reset()

	violations := 0
	for reason, n := range snap.ViolationsByReason {
		if n <= 0 {
			continue
		}
		a.book(model.Halt, reason, n)
		violations += n
	}
	if snap.HaltCount > violations {
		a.book(model.Halt, model.ReasonUnknown, snap.HaltCount-violations)
	}
	proceed := max(snap.ProceedCount, snap.TotalSteps-a.s.HaltCount)
	a.book(model.Proceed, "", proceed)
}

// Snapshot returns a deep copy of the current totals.
func (a *Accumulator) Snapshot() model.StatsSnapshot {
	return a.s.Clone()
}

// Check verifies the accumulator's invariants.
func (a *Accumulator) Check() error {
	if sum := a.s.ViolationTotal(); sum != a.s.HaltCount {
		return fmt.Errorf("halt count %d != violation total %d", a.s.HaltCount, sum)
	}
	if a.s.TotalSteps != a.s.HaltCount+a.s.ProceedCount {
		return fmt.Errorf("total steps %d != halts %d + proceeds %d",
			a.s.TotalSteps, a.s.HaltCount, a.s.ProceedCount)
	}
	return nil
}

// Reset zeroes all totals.
func (a *Accumulator) Reset() {
	a.s = model.StatsSnapshot{ViolationsByReason: make(map[string]int)}
}

// FromDecisions computes the snapshot the backend reports for a decision set.
func FromDecisions(ds []model.Decision) model.StatsSnapshot {
	a := New()
	for _, d := range ds {
		a.Apply(d)
	}
	return a.Snapshot()
}
