package pipeline

import "time"

// StageStatus is the lifecycle state of one pipeline stage for one entity.
type StageStatus string

const (
	StatusPending   StageStatus = "pending"
	StatusActive    StageStatus = "active"
	StatusCompleted StageStatus = "completed"
	StatusError     StageStatus = "error"
	StatusRetrying  StageStatus = "retrying"
)

// Severity ranks pipeline-reported errors.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Decision is the classification outcome attached to a stage.
type Decision struct {
	Label             string   `json:"label"`
	Confidence        float64  `json:"confidence"`
	Reasoning         []string `json:"reasoning,omitempty"`
	Alternatives      []string `json:"alternatives,omitempty"`
	UsedFallbackModel bool     `json:"usedFallbackModel"`
	ProcessingTimeMs  int64    `json:"processingTimeMs"`
}

// Decision converts the wire payload into the state-model form.
func (p DecisionPayload) Decision() Decision {
	return Decision{
		Label:             p.Label,
		Confidence:        p.Confidence,
		Reasoning:         p.Reasoning,
		Alternatives:      p.Alternatives,
		UsedFallbackModel: p.UsedFallbackModel,
		ProcessingTimeMs:  p.ProcessingTimeMs,
	}
}

// ProcessingError is one pipeline-reported failure. Errors are data, not
// exceptions: they accumulate on the entity and are never removed during a
// session.
type ProcessingError struct {
	StageID          string    `json:"stageId"`
	Kind             string    `json:"kind"`
	Severity         Severity  `json:"severity"`
	Message          string    `json:"message"`
	TechnicalDetail  string    `json:"technicalDetail,omitempty"`
	SuggestedActions []string  `json:"suggestedActions,omitempty"`
	Retryable        bool      `json:"retryable"`
	Timestamp        time.Time `json:"timestamp"`
}

// StageState is one row of pipeline progress: a single stage of a single
// entity. Under normal operation exactly one stage per entity is active, but
// violated states are representable and never rejected.
type StageState struct {
	StageID    string             `json:"stageId"`
	Status     StageStatus        `json:"status"`
	Progress   float64            `json:"progress"` // 0..100
	StartTime  time.Time          `json:"startTime,omitempty"`
	EndTime    time.Time          `json:"endTime,omitempty"`
	Confidence float64            `json:"confidence,omitempty"`
	Decision   *Decision          `json:"decision,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}

// ProcessingState is the projection of one entity's event history. It is
// rebuilt from scratch on every fold, never mutated in place, and observers
// only ever receive deep copies.
type ProcessingState struct {
	EntityID           string            `json:"entityId"`
	ActiveStageID      string            `json:"activeStageId,omitempty"`
	Stages             []StageState      `json:"stages"`
	AggregateProgress  int               `json:"aggregateProgress"` // 0..100
	EstimatedRemaining time.Duration     `json:"estimatedRemaining"`
	Errors             []ProcessingError `json:"errors,omitempty"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// NewProcessingState builds the initial projection for an entity: every stage
// pending with zero progress.
func NewProcessingState(entityID string, stageOrder []string) ProcessingState {
	stages := make([]StageState, len(stageOrder))
	for i, id := range stageOrder {
		stages[i] = StageState{StageID: id, Status: StatusPending}
	}
	return ProcessingState{EntityID: entityID, Stages: stages}
}

// StageIndex returns the position of stageID in the projection, or -1.
func (s ProcessingState) StageIndex(stageID string) int {
	for i := range s.Stages {
		if s.Stages[i].StageID == stageID {
			return i
		}
	}
	return -1
}

// Stage returns a copy of the named stage's state.
func (s ProcessingState) Stage(stageID string) (StageState, bool) {
	if i := s.StageIndex(stageID); i >= 0 {
		return s.Stages[i], true
	}
	return StageState{}, false
}

// Clone returns a deep copy. Observers receive clones so UI code can never
// corrupt reducer-internal state.
func (s ProcessingState) Clone() ProcessingState {
	out := s
	out.Stages = make([]StageState, len(s.Stages))
	for i, st := range s.Stages {
		cp := st
		if st.Decision != nil {
			d := *st.Decision
			d.Reasoning = append([]string(nil), st.Decision.Reasoning...)
			d.Alternatives = append([]string(nil), st.Decision.Alternatives...)
			cp.Decision = &d
		}
		if st.Metrics != nil {
			cp.Metrics = make(map[string]float64, len(st.Metrics))
			for k, v := range st.Metrics {
				cp.Metrics[k] = v
			}
		}
		out.Stages[i] = cp
	}
	if s.Errors != nil {
		out.Errors = make([]ProcessingError, len(s.Errors))
		for i, e := range s.Errors {
			cp := e
			cp.SuggestedActions = append([]string(nil), e.SuggestedActions...)
			out.Errors[i] = cp
		}
	}
	return out
}
