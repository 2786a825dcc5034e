package reducer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fpang/pipeline-telemetry/internal/pipeline"
)

func stages(progress ...float64) []pipeline.StageState {
	out := make([]pipeline.StageState, len(progress))
	for i, p := range progress {
		out[i] = pipeline.StageState{StageID: pipeline.DefaultStageOrder()[i], Status: pipeline.StatusPending, Progress: p}
	}
	return out
}

func TestAggregateProgress(t *testing.T) {
	// Worked example: stage 1 completed, stage 2 at 50, rest untouched.
	sts := stages(100, 50, 0, 0, 0)
	assert.Equal(t, 30, AggregateProgress(sts))

	assert.Equal(t, 0, AggregateProgress(nil))
	assert.Equal(t, 100, AggregateProgress(stages(100, 100, 100, 100, 100)))

	// Rounding is to nearest: (33+0)/2 = 16.5 → 17.
	assert.Equal(t, 17, AggregateProgress(stages(33, 0)[:2]))

	// Out-of-range values are clamped before averaging.
	assert.Equal(t, 50, AggregateProgress(stages(150, -50)[:2]))
}

func TestEstimateRemaining_NoActiveStage(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Duration(0), EstimateRemaining(stages(0, 0, 0, 0, 0), now, 30*time.Second))
}

func TestEstimateRemaining_ActiveWithoutStartTime(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	sts := stages(40, 0, 0, 0, 0)
	sts[0].Status = pipeline.StatusActive // StartTime left zero
	assert.Equal(t, time.Duration(0), EstimateRemaining(sts, now, 30*time.Second))
}

func TestEstimateRemaining_LinearExtrapolation(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	sts := stages(25, 0, 0, 0, 0)
	sts[0].Status = pipeline.StatusActive
	sts[0].StartTime = now.Add(-time.Minute) // 1 minute elapsed at 25% → 3 minutes left

	// Four pending stages add 4 × 30s on top.
	got := EstimateRemaining(sts, now, 30*time.Second)
	assert.Equal(t, 3*time.Minute+2*time.Minute, got)
}

func TestEstimateRemaining_ZeroProgressActive(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	sts := stages(0, 0, 0, 0, 0)
	sts[0].Status = pipeline.StatusActive
	sts[0].StartTime = now.Add(-time.Minute)

	// No extrapolation is possible yet; only the pending-stage constant counts.
	assert.Equal(t, 4*30*time.Second, EstimateRemaining(sts, now, 30*time.Second))
}

func TestEstimateRemaining_NeverNegative(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	sts := []pipeline.StageState{{
		StageID:   pipeline.StageUpload,
		Status:    pipeline.StatusActive,
		Progress:  100,
		StartTime: now.Add(-time.Minute),
	}}
	assert.Equal(t, time.Duration(0), EstimateRemaining(sts, now, 30*time.Second))
}

func TestEstimateRemaining_Pure(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	sts := stages(50, 0, 0, 0, 0)
	sts[0].Status = pipeline.StatusActive
	sts[0].StartTime = now.Add(-2 * time.Minute)

	first := EstimateRemaining(sts, now, 30*time.Second)
	second := EstimateRemaining(sts, now, 30*time.Second)
	assert.Equal(t, first, second, "same inputs must yield the same estimate")
}
