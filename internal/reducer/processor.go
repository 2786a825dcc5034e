// Package reducer folds the stream of pipeline events into per-entity
// projections and notifies registered observers on every change.
package reducer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/pipeline-telemetry/internal/pipeline"
)

// Observer receives a freshly rebuilt projection after every fold for its
// entity. The projection is a deep copy; observers may keep or inspect it
// freely but writes never reach the reducer.
type Observer func(pipeline.ProcessingState)

type subscription struct {
	fn      Observer
	removed atomic.Bool
}

// EventProcessor owns the append-only event log and the derived projections.
//
// Events for one entity are folded in the order ProcessEvent is called, not
// necessarily the order the server sent them; no sequence-number reordering
// is performed. A single mutex serializes folds so the transport read loop
// and other callers never interleave mutations of the shared log.
type EventProcessor struct {
	stageOrder       []string
	avgStageDuration time.Duration
	now              func() time.Time

	mu          sync.Mutex
	events      map[string][]pipeline.ProcessingEvent
	lastStates  map[string]pipeline.ProcessingState
	subscribers map[string][]*subscription
}

// New creates an EventProcessor folding against the given stage order.
// avgStageDuration is the per-pending-stage constant used by the ETA
// estimator.
func New(stageOrder []string, avgStageDuration time.Duration) *EventProcessor {
	if len(stageOrder) == 0 {
		stageOrder = pipeline.DefaultStageOrder()
	}
	return &EventProcessor{
		stageOrder:       append([]string(nil), stageOrder...),
		avgStageDuration: avgStageDuration,
		now:              time.Now,
		events:           make(map[string][]pipeline.ProcessingEvent),
		lastStates:       make(map[string]pipeline.ProcessingState),
		subscribers:      make(map[string][]*subscription),
	}
}

// SetClock overrides the time source. Allows deterministic ETA tests.
func (p *EventProcessor) SetClock(f func() time.Time) { p.now = f }

// ProcessEvent appends the event to the log, refolds the entity's entire
// history into a fresh projection, and pushes it to every observer registered
// for the entity, in registration order. Pipeline-reported errors are folded
// as data; they never halt processing of later events.
func (p *EventProcessor) ProcessEvent(ev pipeline.ProcessingEvent) {
	if ev.EntityID == "" {
		log.Warn().Str("eventId", ev.ID).Msg("Dropping event without entity ID")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ev.EnsureID()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now()
	}
	p.events[ev.EntityID] = append(p.events[ev.EntityID], ev)

	state := p.foldLocked(ev.EntityID)
	p.lastStates[ev.EntityID] = state
	p.notifyLocked(ev.EntityID, state)
}

// Subscribe registers an observer for an entity. Multiple observers may watch
// the same entity; each receives every new projection. The returned function
// removes exactly this observer, is idempotent, and is safe to call from
// within the observer callback itself.
func (p *EventProcessor) Subscribe(entityID string, obs Observer) func() {
	sub := &subscription{fn: obs}
	p.mu.Lock()
	p.subscribers[entityID] = append(p.subscribers[entityID], sub)
	p.mu.Unlock()
	return func() { sub.removed.Store(true) }
}

// History returns the entity's events in fold order.
func (p *EventProcessor) History(entityID string) []pipeline.ProcessingEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pipeline.ProcessingEvent(nil), p.events[entityID]...)
}

// Entities returns the IDs of all entities with logged events or injected
// state, in no particular order.
func (p *EventProcessor) Entities() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[string]bool, len(p.events))
	var ids []string
	for id := range p.events {
		seen[id] = true
		ids = append(ids, id)
	}
	for id := range p.lastStates {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// LastState returns a copy of the entity's most recent projection, whether it
// came from a fold or a direct injection.
func (p *EventProcessor) LastState(entityID string) (pipeline.ProcessingState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.lastStates[entityID]
	if !ok {
		return pipeline.ProcessingState{}, false
	}
	return state.Clone(), true
}

// InjectState replaces the entity's projection with a server-pushed state,
// bypassing the fold, and notifies observers. The event log is untouched: the
// next folded event rebuilds the projection from history as usual.
func (p *EventProcessor) InjectState(entityID string, state pipeline.ProcessingState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state.EntityID = entityID
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = p.now()
	}
	p.lastStates[entityID] = state.Clone()
	p.notifyLocked(entityID, state)
}

// PruneOlderThan removes events older than now minus the retention window
// from all entities' logs. Last-known projections are retained independently,
// so a pruned entity still answers LastState. Callers are responsible for not
// pruning events still needed by a projection they intend to refold.
func (p *EventProcessor) PruneOlderThan(retention time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-retention)
	pruned := 0
	for entityID, evs := range p.events {
		kept := evs[:0]
		for _, ev := range evs {
			if !ev.Timestamp.Before(cutoff) {
				kept = append(kept, ev)
			}
		}
		pruned += len(evs) - len(kept)
		if len(kept) == 0 {
			delete(p.events, entityID)
			continue
		}
		p.events[entityID] = kept
	}
	if pruned > 0 {
		log.Debug().Int("events", pruned).Time("cutoff", cutoff).Msg("Pruned event history")
	}
}

// foldLocked rebuilds the entity's projection from its full event history.
// The fold is a pure function of the history plus the clock passed to the
// estimator, so replaying the same history always yields the same state.
func (p *EventProcessor) foldLocked(entityID string) pipeline.ProcessingState {
	state := pipeline.NewProcessingState(entityID, p.stageOrder)
	for _, ev := range p.events[entityID] {
		p.applyEvent(&state, ev)
	}
	state.AggregateProgress = AggregateProgress(state.Stages)
	state.EstimatedRemaining = EstimateRemaining(state.Stages, p.now(), p.avgStageDuration)
	state.UpdatedAt = p.now()
	return state
}

func (p *EventProcessor) applyEvent(state *pipeline.ProcessingState, ev pipeline.ProcessingEvent) {
	idx := state.StageIndex(ev.StageID)
	if idx < 0 {
		log.Warn().
			Str("entity", ev.EntityID).
			Str("stage", ev.StageID).
			Str("eventId", ev.ID).
			Msg("Ignoring event for unknown stage")
		return
	}
	stage := &state.Stages[idx]

	switch ev.Type {
	case pipeline.EventStarted:
		stage.Status = pipeline.StatusActive
		stage.StartTime = ev.Timestamp
		stage.Progress = 0
		state.ActiveStageID = stage.StageID

	case pipeline.EventProgress:
		payload, err := ev.ProgressPayload()
		if err != nil {
			log.Warn().Err(err).Str("entity", ev.EntityID).Msg("Ignoring malformed progress event")
		} else {
			// Last write wins, even when it moves backwards.
			stage.Progress = clampProgress(payload.Progress)
		}
		mergeMetrics(stage, ev.MetricsMetadata())

	case pipeline.EventDecision:
		payload, err := ev.DecisionPayload()
		if err != nil {
			log.Warn().Err(err).Str("entity", ev.EntityID).Msg("Ignoring malformed decision event")
			return
		}
		d := payload.Decision()
		stage.Decision = &d
		stage.Confidence = d.Confidence

	case pipeline.EventCompleted:
		stage.Status = pipeline.StatusCompleted
		stage.Progress = 100
		stage.EndTime = ev.Timestamp
		if next := pipeline.NextStage(p.stageOrder, stage.StageID); next != "" {
			state.ActiveStageID = next
		} else {
			state.ActiveStageID = stage.StageID
		}

	case pipeline.EventError:
		stage.Status = pipeline.StatusError
		payload := ev.ErrorPayload()
		state.Errors = append(state.Errors, pipeline.ProcessingError{
			StageID:          stage.StageID,
			Kind:             payload.Kind,
			Severity:         payload.Severity,
			Message:          payload.Message,
			TechnicalDetail:  payload.TechnicalDetail,
			SuggestedActions: payload.SuggestedActions,
			Retryable:        payload.Retryable,
			Timestamp:        ev.Timestamp,
		})

	default:
		log.Warn().
			Str("entity", ev.EntityID).
			Str("eventType", string(ev.Type)).
			Msg("Ignoring event of unknown type")
	}
}

func mergeMetrics(stage *pipeline.StageState, metrics map[string]float64) {
	if len(metrics) == 0 {
		return
	}
	if stage.Metrics == nil {
		stage.Metrics = make(map[string]float64, len(metrics))
	}
	for k, v := range metrics {
		stage.Metrics[k] = v
	}
}

// notifyLocked pushes a deep copy of the projection to every live observer of
// the entity, in registration order. A panicking observer is logged and does
// not block the rest. Removed registrations are compacted here.
func (p *EventProcessor) notifyLocked(entityID string, state pipeline.ProcessingState) {
	subs := p.subscribers[entityID]
	kept := subs[:0]
	for _, s := range subs {
		if !s.removed.Load() {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(p.subscribers, entityID)
		return
	}
	p.subscribers[entityID] = kept

	snapshot := append([]*subscription(nil), kept...)
	for _, s := range snapshot {
		if s.removed.Load() {
			continue
		}
		notifyObserver(s.fn, state.Clone())
	}
}

func notifyObserver(fn Observer, state pipeline.ProcessingState) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("entity", state.EntityID).Msg("Observer panicked")
		}
	}()
	fn(state)
}
