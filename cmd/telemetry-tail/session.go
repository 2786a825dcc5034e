package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"

	"github.com/fpang/pipeline-telemetry/internal/metrics"
	"github.com/fpang/pipeline-telemetry/internal/pipeline"
	"github.com/fpang/pipeline-telemetry/internal/reducer"
	"github.com/fpang/pipeline-telemetry/internal/transport"
)

// session wires the connection manager into the event processor and logs a
// structured line for every projection change. When the entity filter is
// empty, every entity seen on the stream is followed automatically.
type session struct {
	id     string
	proc   *reducer.EventProcessor
	cm     *transport.ConnectionManager
	filter map[string]bool

	mu       sync.Mutex
	followed map[string]bool

	eventsReceived  atomic.Int64
	statesInjected  atomic.Int64
	eventsMalformed atomic.Int64
	reconnects      atomic.Int64
}

func newSession(proc *reducer.EventProcessor, cm *transport.ConnectionManager, entities []string) *session {
	s := &session{
		id:       uuid.NewString(),
		proc:     proc,
		cm:       cm,
		filter:   make(map[string]bool, len(entities)),
		followed: make(map[string]bool),
	}
	for _, id := range entities {
		s.filter[id] = true
		s.follow(id)
	}

	cm.Subscribe(transport.MessageProcessingEvent, s.handleProcessingEvent)
	cm.Subscribe(transport.MessageAgentUpdate, s.handleAgentUpdate)
	cm.Subscribe(transport.MessageConnectionStatus, s.handleServerStatus)
	cm.Subscribe(transport.MessageError, s.handleServerError)
	cm.OnStatusChange(s.handleStatusChange)
	return s
}

func (s *session) handleProcessingEvent(msg transport.Message) {
	var ev pipeline.ProcessingEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		s.eventsMalformed.Add(1)
		log.Warn().Err(err).Msg("Discarding malformed processing event")
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = msg.Time
	}
	s.eventsReceived.Add(1)

	if len(s.filter) > 0 && !s.filter[ev.EntityID] {
		return
	}
	s.follow(ev.EntityID)
	s.proc.ProcessEvent(ev)
}

func (s *session) handleAgentUpdate(msg transport.Message) {
	var update transport.AgentUpdatePayload
	if err := json.Unmarshal(msg.Payload, &update); err != nil {
		log.Warn().Err(err).Msg("Discarding malformed agent update")
		return
	}
	var state pipeline.ProcessingState
	if err := json.Unmarshal(update.ProcessingState, &state); err != nil {
		log.Warn().Err(err).Str("entity", update.EntityID).Msg("Discarding agent update with unreadable state")
		return
	}
	if len(s.filter) > 0 && !s.filter[update.EntityID] {
		return
	}
	s.statesInjected.Add(1)
	s.follow(update.EntityID)
	s.proc.InjectState(update.EntityID, state)
}

func (s *session) handleServerStatus(msg transport.Message) {
	log.Debug().RawJSON("payload", msg.Payload).Msg("Server connection status")
}

func (s *session) handleServerError(msg transport.Message) {
	log.Error().RawJSON("payload", msg.Payload).Msg("Server reported an error")
}

func (s *session) handleStatusChange(st transport.Status) {
	switch {
	case st.Connected:
		log.Info().Time("connectedAt", st.LastConnectedAt).Msg("Connected to event stream")
	case st.Reconnecting:
		s.reconnects.Add(1)
		log.Warn().Str("lastError", st.LastError).Msg("Connection lost, reconnecting")
	case st.LastError != "":
		log.Error().Str("lastError", st.LastError).Msg("Connection down")
	default:
		log.Info().Msg("Disconnected from event stream")
	}
}

// follow registers the projection logger for an entity once.
func (s *session) follow(entityID string) {
	if entityID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.followed[entityID] {
		return
	}
	s.followed[entityID] = true
	s.proc.Subscribe(entityID, s.logProjection)
}

func (s *session) logProjection(state pipeline.ProcessingState) {
	evt := log.Info().
		Str("entity", state.EntityID).
		Str("activeStage", state.ActiveStageID).
		Int("progress", state.AggregateProgress).
		Dur("estimatedRemaining", state.EstimatedRemaining)
	if n := len(state.Errors); n > 0 {
		last := state.Errors[n-1]
		evt = evt.Int("errors", n).Str("lastError", last.Message).Str("severity", string(last.Severity))
	}
	evt.Msg("Pipeline state updated")
}

// statsLoop emits a session counters record every interval until the context
// is cancelled.
func (s *session) statsLoop(ctx context.Context, interval time.Duration, endpoint string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flushStats(endpoint)
		}
	}
}

func (s *session) flushStats(endpoint string) {
	metrics.New("PipelineTelemetry").
		Dimension("Endpoint", endpoint).
		Property("sessionId", s.id).
		Metric("EventsReceived", float64(s.eventsReceived.Load()), metrics.UnitCount).
		Metric("StatesInjected", float64(s.statesInjected.Load()), metrics.UnitCount).
		Metric("MalformedEvents", float64(s.eventsMalformed.Load()), metrics.UnitCount).
		Metric("Reconnects", float64(s.reconnects.Load()), metrics.UnitCount).
		Metric("EntitiesFollowed", float64(len(s.proc.Entities())), metrics.UnitCount).
		Flush()
}

// pruneLoop evicts events older than the retention window. Projections are
// kept, so a pruned entity still answers state queries.
func (s *session) pruneLoop(ctx context.Context, retention time.Duration) {
	interval := retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.proc.PruneOlderThan(retention)
		}
	}
}

// dumpHistory writes every followed entity's event history as gzip-compressed
// NDJSON, one event per line.
func (s *session) dumpHistory(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating history file: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	enc := json.NewEncoder(gz)
	lines := 0
	for _, entityID := range s.proc.Entities() {
		for _, ev := range s.proc.History(entityID) {
			if err := enc.Encode(ev); err != nil {
				gz.Close()
				return fmt.Errorf("encoding event %s: %w", ev.ID, err)
			}
			lines++
		}
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("closing gzip stream: %w", err)
	}
	log.Info().Int("events", lines).Str("path", path).Msg("Wrote event history dump")
	return nil
}
