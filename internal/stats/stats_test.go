package stats

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/agentwatch_viewer/internal/model"
)

func TestApplyScenario(t *testing.T) {
	a := New()
	a.Apply(model.Decision{ID: "a-1", Verdict: model.Proceed})
	a.Apply(model.Decision{ID: "a-2", Verdict: model.Halt, Reason: model.ReasonPolicyViolation})

	got := a.Snapshot()
	assert.Equal(t, 2, got.TotalSteps)
	assert.Equal(t, 1, got.HaltCount)
	assert.Equal(t, 1, got.ProceedCount)
	assert.Equal(t, map[string]int{model.ReasonPolicyViolation: 1}, got.ViolationsByReason)
	require.NoError(t, a.Check())
}

func TestApplyHaltWithoutReason(t *testing.T) {
	a := New()
	a.Apply(model.Decision{Verdict: model.Halt})
	assert.Equal(t, map[string]int{model.ReasonUnknown: 1}, a.Snapshot().ViolationsByReason)
	require.NoError(t, a.Check())
}

func TestApplyIgnoresInvalidVerdict(t *testing.T) {
	a := New()
	a.Apply(model.Decision{Verdict: "PENDING"})
	assert.Equal(t, 0, a.Snapshot().TotalSteps)
}

func TestReplaceNormalizesServerSnapshot(t *testing.T) {
	tests := []struct {
		name string
		in   model.StatsSnapshot
		want model.StatsSnapshot
	}{
		{
			name: "consistent",
			in:   model.StatsSnapshot{TotalSteps: 5, HaltCount: 2, ProceedCount: 3, ViolationsByReason: map[string]int{"LOOP_DETECTED": 2}},
			want: model.StatsSnapshot{TotalSteps: 5, HaltCount: 2, ProceedCount: 3, ViolationsByReason: map[string]int{"LOOP_DETECTED": 2}},
		},
		{
			name: "halts missing a reason",
			in:   model.StatsSnapshot{TotalSteps: 5, HaltCount: 3, ProceedCount: 2, ViolationsByReason: map[string]int{"LOOP_DETECTED": 2}},
			want: model.StatsSnapshot{TotalSteps: 5, HaltCount: 3, ProceedCount: 2, ViolationsByReason: map[string]int{"LOOP_DETECTED": 2, "UNKNOWN": 1}},
		},
		{
			name: "violations exceed halt count",
			in:   model.StatsSnapshot{TotalSteps: 4, HaltCount: 1, ProceedCount: 1, ViolationsByReason: map[string]int{"POLICY_VIOLATION": 3}},
			want: model.StatsSnapshot{TotalSteps: 4, HaltCount: 3, ProceedCount: 1, ViolationsByReason: map[string]int{"POLICY_VIOLATION": 3}},
		},
		{
			name: "proceed count missing",
			in:   model.StatsSnapshot{TotalSteps: 10, HaltCount: 4, ViolationsByReason: map[string]int{"SAFETY_VIOLATION": 4}},
			want: model.StatsSnapshot{TotalSteps: 10, HaltCount: 4, ProceedCount: 6, ViolationsByReason: map[string]int{"SAFETY_VIOLATION": 4}},
		},
		{
			name: "empty",
			in:   model.StatsSnapshot{},
			want: model.StatsSnapshot{ViolationsByReason: map[string]int{}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New()
			a.Apply(model.Decision{Verdict: model.Halt, Reason: "STALE"})
			a.Replace(tt.in)
			assert.Equal(t, tt.want, a.Snapshot())
			require.NoError(t, a.Check())
		})
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	a := New()
	a.Apply(model.Decision{Verdict: model.Halt, Reason: model.ReasonLoopDetected})
	s := a.Snapshot()
	s.ViolationsByReason[model.ReasonLoopDetected] = 99
	assert.Equal(t, 1, a.Snapshot().ViolationsByReason[model.ReasonLoopDetected])
}

func randomDecisions(rng *rand.Rand, n int) []model.Decision {
	reasons := append([]string{""}, model.ViolationReasons...)
	out := make([]model.Decision, n)
	for i := range out {
		d := model.Decision{ID: fmt.Sprintf("d-%d", i), AgentID: "agent-001", Verdict: model.Proceed, Reason: model.ReasonApproved}
		if rng.Intn(3) == 0 {
			d.Verdict = model.Halt
			d.Reason = reasons[rng.Intn(len(reasons))]
		}
		out[i] = d
	}
	return out
}

func TestPathsConverge(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		ds := randomDecisions(rng, rng.Intn(60))

		snapshotPath := New()
		snapshotPath.Replace(FromDecisions(ds))

		shuffled := append([]model.Decision(nil), ds...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		incremental := New()
		for _, d := range shuffled {
			incremental.Apply(d)
			require.NoError(t, incremental.Check())
		}

		require.Equal(t, snapshotPath.Snapshot(), incremental.Snapshot(), "trial %d", trial)
	}
}

func TestInterleavedPathsConverge(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 200; trial++ {
		ds := randomDecisions(rng, 1+rng.Intn(60))
		cut := rng.Intn(len(ds) + 1)

		// Poll delivers the first part as a snapshot, push the rest.
		a := New()
		a.Replace(FromDecisions(ds[:cut]))
		for _, d := range ds[cut:] {
			a.Apply(d)
		}
		require.NoError(t, a.Check())
		require.Equal(t, FromDecisions(ds), a.Snapshot(), "trial %d cut %d", trial, cut)
	}
}

func TestReset(t *testing.T) {
	a := New()
	a.Apply(model.Decision{Verdict: model.Halt, Reason: model.ReasonLoopDetected})
	a.Reset()
	assert.Equal(t, model.StatsSnapshot{ViolationsByReason: map[string]int{}}, a.Snapshot())
}
