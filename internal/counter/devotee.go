package counter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/harijap/internal/chant"
	"github.com/loqalabs/harijap/internal/eventstore"
	"github.com/loqalabs/harijap/internal/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type devotee struct {
	id        string
	sessionID string
	counter   *chant.Counter
}

func (d *devotee) setMode(mode chant.Mode) {
	if mode == chant.Armed {
		d.counter.Arm()
	} else {
		d.counter.Disarm()
	}
}

func (d *devotee) attrs() metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("devotee_id", d.id))
}

type saveJob struct {
	devoteeID string
	state     chant.State
}

// lookup returns the hosted counter for id, loading persisted state on
// first use. Storage failures other than malformed records are returned so
// the counter is not started over on top of existing progress.
func (s *Service) lookup(ctx context.Context, id string) (*devotee, error) {
	id = s.devoteeID(id)
	if id == "" {
		return nil, fmt.Errorf("devotee id is required: %w", chant.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devotees[id]; ok {
		return d, nil
	}

	prior, found, loadErr := s.store.Load(ctx, id)
	if loadErr != nil && !errors.Is(loadErr, chant.ErrInvalidInput) {
		return nil, fmt.Errorf("load counter %s: %w", id, loadErr)
	}

	d := &devotee{id: id, sessionID: uuid.NewString()}
	d.counter = chant.NewCounter(s.machine,
		chant.WithMode(s.defaultMode),
		chant.WithSaver(chant.SaverFunc(func(st chant.State) { s.enqueueSave(id, st) })),
		chant.WithNotifier(func(e chant.Event) { s.notify(d, e) }),
	)
	if s.journal != nil {
		if err := s.journal.AppendSession(ctx, d.sessionID, id); err != nil {
			s.logger.Warn("failed to journal session", slog.String("devotee_id", id), slogError(err))
		}
	}

	switch {
	case loadErr != nil:
		s.logger.Warn("stored counter is malformed, starting from zero", slog.String("devotee_id", id), slogError(loadErr))
		s.notify(d, chant.Event{Type: chant.EventInvalidInput, Reason: loadErr.Error()})
	case found:
		if err := d.counter.Seed(prior); err != nil {
			s.logger.Warn("stored counter rejected, starting from zero", slog.String("devotee_id", id), slogError(err))
		} else if prior.CurrentCycleCount >= s.machine.CycleSize() {
			s.logger.Warn("stored cycle progress exceeds configured cycle size, folded into completed cycles",
				slog.String("devotee_id", id),
				slog.Int("stored_cycle_count", prior.CurrentCycleCount),
				slog.Int("cycle_size", s.machine.CycleSize()))
		}
	}

	s.devotees[id] = d
	s.logger.Info("devotee counter loaded",
		slog.String("devotee_id", id),
		slog.String("session_id", d.sessionID),
		slog.Int("total_count", d.counter.State().TotalCount))
	return d, nil
}

// enqueueSave hands a snapshot to the save worker. Snapshots are written in
// the order they were queued.
func (s *Service) enqueueSave(id string, st chant.State) {
	select {
	case s.saves <- saveJob{devoteeID: id, state: st}:
	case <-s.ctx.Done():
		s.logger.Warn("counter service closed, dropping save", slog.String("devotee_id", id))
	}
}

func (s *Service) saveLoop() {
	defer s.wg.Done()
	for {
		select {
		case job := <-s.saves:
			s.persist(job)
		case <-s.ctx.Done():
			for {
				select {
				case job := <-s.saves:
					s.persist(job)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) persist(job saveJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Save(ctx, job.devoteeID, job.state); err != nil {
		s.logger.Warn("failed to persist counter", slog.String("devotee_id", job.devoteeID), slogError(err))
	}
}

// notify publishes e on the bus and appends it to the journal. It runs with
// the devotee's counter locked and must not call back into the counter.
func (s *Service) notify(d *devotee, e chant.Event) {
	now := s.clock().UTC()
	evt := protocol.CounterEvent{
		SessionID: d.id,
		Type:      string(e.Type),
		State:     s.wireState(e.State),
		Cycle:     e.Cycle,
		Reason:    e.Reason,
		Timestamp: now,
	}
	if e.Match != nil {
		evt.MatchKind = string(e.Match.Kind)
		evt.Variant = e.Match.Variant
		evt.Similarity = e.Match.Similarity
	}

	switch e.Type {
	case chant.EventCycleCompleted:
		s.metrics.cycles.Add(s.ctx, 1, d.attrs())
		s.logger.Info("mala completed", slog.String("devotee_id", d.id), slog.Int("cycle", e.Cycle))
	case chant.EventMilestone:
		s.logger.Info("milestone reached", slog.String("devotee_id", d.id), slog.Int("cycle", e.Cycle))
	case chant.EventReset:
		s.logger.Info("counter reset", slog.String("devotee_id", d.id))
	}

	if err := s.bus.PublishJSON(protocol.CounterEventSubject(evt.Type), evt); err != nil {
		s.logger.Warn("failed to publish counter event", slog.String("type", evt.Type), slogError(err))
	}
	s.journalEvent(d, evt)
}

func (s *Service) journalEvent(d *devotee, evt protocol.CounterEvent) {
	if s.journal == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		s.logger.Warn("failed to marshal journal payload", slogError(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = s.journal.AppendEvent(ctx, eventstore.Event{
		SessionID: d.sessionID,
		TraceID:   traceID(s.ctx),
		DevoteeID: d.id,
		Type:      evt.Type,
		Payload:   payload,
		CreatedAt: evt.Timestamp,
	})
	if err != nil {
		s.logger.Warn("failed to journal counter event", slog.String("type", evt.Type), slogError(err))
	}
}

// publishInvalid reports input that never reached a counter.
func (s *Service) publishInvalid(devoteeID, reason string) {
	evt := protocol.CounterEvent{
		SessionID: devoteeID,
		Type:      string(chant.EventInvalidInput),
		Reason:    reason,
		Timestamp: s.clock().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.CounterEventSubject(evt.Type), evt); err != nil {
		s.logger.Warn("failed to publish counter event", slog.String("type", evt.Type), slogError(err))
	}
}

func traceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return uuid.NewString()
}
