package reducer

import (
	"math"
	"time"

	"github.com/fpang/pipeline-telemetry/internal/pipeline"
)

// AggregateProgress returns the arithmetic mean of all stage progress values,
// rounded to the nearest integer. The mean is deliberately unweighted: an
// entity with four untouched stages and one half-done stage reads 10%, which
// matches what the dashboard shows elsewhere.
func AggregateProgress(stages []pipeline.StageState) int {
	if len(stages) == 0 {
		return 0
	}
	var sum float64
	for _, st := range stages {
		sum += clampProgress(st.Progress)
	}
	return int(math.Round(sum / float64(len(stages))))
}

// EstimateRemaining derives a remaining-time estimate from the active stage by
// linear extrapolation of its progress, plus avgStageDuration for each stage
// still pending. When no stage is active or the active stage has no start
// time, the estimate is zero.
func EstimateRemaining(stages []pipeline.StageState, now time.Time, avgStageDuration time.Duration) time.Duration {
	var active *pipeline.StageState
	pending := 0
	for i := range stages {
		switch stages[i].Status {
		case pipeline.StatusActive:
			if active == nil {
				active = &stages[i]
			}
		case pipeline.StatusPending:
			pending++
		}
	}
	if active == nil || active.StartTime.IsZero() {
		return 0
	}

	var remaining time.Duration
	progress := clampProgress(active.Progress)
	if progress > 0 {
		elapsed := now.Sub(active.StartTime)
		estimatedTotal := time.Duration(float64(elapsed) / (progress / 100))
		if estimatedTotal > elapsed {
			remaining = estimatedTotal - elapsed
		}
	}
	return remaining + time.Duration(pending)*avgStageDuration
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
