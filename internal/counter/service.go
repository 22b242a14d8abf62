// Package counter hosts one chant counter per devotee on the bus. It feeds
// transcripts into the chant core, answers manual commands, persists state
// and publishes counter events.
package counter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/harijap/internal/bus"
	"github.com/loqalabs/harijap/internal/chant"
	"github.com/loqalabs/harijap/internal/config"
	"github.com/loqalabs/harijap/internal/eventstore"
	"github.com/loqalabs/harijap/internal/protocol"
	"github.com/loqalabs/harijap/internal/store"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const saveQueueSize = 256

type Service struct {
	cfg     config.ChantConfig
	bus     *bus.Client
	store   store.Store
	journal *eventstore.Store
	machine *chant.Machine
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *instruments
	gauges  metric.Registration
	clock   func() time.Time

	mu          sync.Mutex
	devotees    map[string]*devotee
	defaultMode chant.Mode

	saves  chan saveJob
	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
	ready  bool
}

// NewService builds the counter host. journal may be nil.
func NewService(parent context.Context, cfg config.ChantConfig, busClient *bus.Client, st store.Store, journal *eventstore.Store, logger *slog.Logger) (*Service, error) {
	machine, err := chant.NewMachine(chant.Config{
		Variants:   cfg.Variants,
		Threshold:  cfg.Threshold,
		CycleSize:  cfg.CycleSize,
		Debounce:   time.Duration(cfg.DebounceMS) * time.Millisecond,
		Milestones: cfg.Milestones,
	})
	if err != nil {
		return nil, fmt.Errorf("build chant machine: %w", err)
	}
	meter := otel.Meter("github.com/loqalabs/harijap/counter")
	metrics, err := newInstruments(meter)
	if err != nil {
		return nil, fmt.Errorf("register counter metrics: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:         cfg,
		bus:         busClient,
		store:       st,
		journal:     journal,
		machine:     machine,
		logger:      logger.With(slog.String("component", "counter")),
		tracer:      otel.Tracer("github.com/loqalabs/harijap/counter"),
		metrics:     metrics,
		clock:       time.Now,
		devotees:    make(map[string]*devotee),
		defaultMode: chant.Armed,
		saves:       make(chan saveJob, saveQueueSize),
		ctx:         ctx,
		cancel:      cancel,
	}
	if s.gauges, err = s.observeLoad(meter); err != nil {
		cancel()
		return nil, fmt.Errorf("register counter gauges: %w", err)
	}
	return s, nil
}

func (s *Service) Start() error {
	s.wg.Add(1)
	go s.saveLoop()

	subjects := []string{protocol.SubjectTranscriptFinal}
	if s.cfg.AcceptPartial {
		subjects = append(subjects, protocol.SubjectTranscriptPartial)
	}
	for _, subject := range subjects {
		if err := s.subscribe(subject, s.handleTranscript); err != nil {
			return err
		}
	}
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectCounterIncrement: s.handleCommand(s.Increment),
		protocol.SubjectCounterReset:     s.handleCommand(s.Reset),
		protocol.SubjectCounterState:     s.handleCommand(s.State),
		protocol.SubjectListenControl:    s.handleListen,
	}
	for subject, handler := range handlers {
		if err := s.subscribe(subject, handler); err != nil {
			return err
		}
	}

	s.ready = true
	s.logger.Info("counter service started",
		slog.String("chant", s.cfg.Name),
		slog.Int("variants", len(s.machine.Matcher().Variants())),
		slog.Float64("threshold", s.machine.Matcher().Threshold()),
		slog.Int("cycle_size", s.machine.CycleSize()),
		slog.Bool("accept_partial", s.cfg.AcceptPartial))
	return nil
}

func (s *Service) subscribe(subject string, handler nats.MsgHandler) error {
	sub, err := s.bus.Conn().Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.subs = append(s.subs, sub)
	return nil
}

func (s *Service) Close() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
	if s.gauges != nil {
		_ = s.gauges.Unregister()
	}
}

func (s *Service) Healthy() bool {
	return s.ready
}

// State returns the devotee's current progress.
func (s *Service) State(ctx context.Context, devoteeID string) (chant.State, error) {
	d, err := s.lookup(ctx, devoteeID)
	if err != nil {
		return chant.State{}, err
	}
	return d.counter.State(), nil
}

// Increment counts one manual tap.
func (s *Service) Increment(ctx context.Context, devoteeID string) (chant.State, error) {
	d, err := s.lookup(ctx, devoteeID)
	if err != nil {
		return chant.State{}, err
	}
	return d.counter.ManualIncrement(s.clock()), nil
}

// Reset zeroes the devotee's progress.
func (s *Service) Reset(ctx context.Context, devoteeID string) (chant.State, error) {
	d, err := s.lookup(ctx, devoteeID)
	if err != nil {
		return chant.State{}, err
	}
	return d.counter.Reset(), nil
}

// Transcript feeds a transcript fragment for devoteeID and reports whether
// it was counted.
func (s *Service) Transcript(ctx context.Context, devoteeID, text string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "japa.transcript")
	defer span.End()

	d, err := s.lookup(ctx, devoteeID)
	if err != nil {
		return false, err
	}
	span.SetAttributes(attribute.String("japa.devotee_id", d.id))

	attrs := d.attrs()
	s.metrics.transcripts.Add(ctx, 1, attrs)
	counted, err := d.counter.OnTranscript(text, s.clock())
	span.SetAttributes(attribute.Bool("japa.counted", counted))
	if counted {
		s.metrics.matches.Add(ctx, 1, attrs)
	} else {
		s.metrics.suppressed.Add(ctx, 1, attrs)
	}
	return counted, err
}

// Leaderboard ranks devotees by total count. Live counters take precedence
// over persisted rows that may lag behind the save queue.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]store.Entry, error) {
	s.mu.Lock()
	live := make(map[string]store.Entry, len(s.devotees))
	for id, d := range s.devotees {
		live[id] = store.Entry{DevoteeID: id, State: d.counter.State(), UpdatedAt: s.clock().UTC()}
	}
	s.mu.Unlock()

	fetch := limit
	if fetch > 0 {
		fetch += len(live)
	}
	persisted, err := s.store.Top(ctx, fetch)
	if err != nil {
		return nil, fmt.Errorf("load leaderboard: %w", err)
	}
	merged := make([]store.Entry, 0, len(persisted)+len(live))
	for _, e := range persisted {
		if _, ok := live[e.DevoteeID]; !ok {
			merged = append(merged, e)
		}
	}
	for _, e := range live {
		if e.State.TotalCount > 0 {
			merged = append(merged, e)
		}
	}
	return store.Rank(merged, limit), nil
}

// Today summarizes the devotee's journal for the current UTC day. An empty
// devoteeID resolves to the configured default devotee.
func (s *Service) Today(ctx context.Context, devoteeID string) (eventstore.DaySummary, error) {
	id := s.devoteeID(devoteeID)
	if s.journal == nil {
		return eventstore.DaySummary{DevoteeID: id, Day: s.clock().UTC().Format(time.DateOnly)}, nil
	}
	return s.journal.Day(ctx, id, s.clock().UTC())
}

// SetMode arms or disarms transcript counting. An empty devoteeID applies to
// every counter, including ones created later.
func (s *Service) SetMode(devoteeID string, mode chant.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if devoteeID == "" {
		s.defaultMode = mode
		for _, d := range s.devotees {
			d.setMode(mode)
		}
		return
	}
	if d, ok := s.devotees[devoteeID]; ok {
		d.setMode(mode)
	}
}

func (s *Service) handleTranscript(msg *nats.Msg) {
	var tr protocol.Transcript
	if err := json.Unmarshal(msg.Data, &tr); err != nil {
		s.logger.Warn("failed to decode transcript", slogError(err))
		s.publishInvalid("", fmt.Sprintf("decode transcript: %v", err))
		return
	}
	counted, err := s.Transcript(s.ctx, tr.SessionID, tr.Text)
	switch {
	case errors.Is(err, chant.ErrInvalidInput):
		s.logger.Debug("rejected transcript", slog.String("session_id", tr.SessionID), slogError(err))
	case err != nil:
		s.logger.Warn("transcript not processed", slog.String("session_id", tr.SessionID), slogError(err))
	case counted:
		s.logger.Debug("chant counted", slog.String("session_id", tr.SessionID), slog.Bool("partial", tr.Partial))
	}
}

type commandFunc func(ctx context.Context, devoteeID string) (chant.State, error)

func (s *Service) handleCommand(fn commandFunc) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var cmd protocol.CounterCommand
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &cmd); err != nil {
				s.logger.Warn("failed to decode counter command", slog.String("subject", msg.Subject), slogError(err))
				s.respond(msg, protocol.CounterReply{Error: fmt.Sprintf("decode command: %v", err)})
				return
			}
		}
		id := s.devoteeID(cmd.SessionID)
		reply := protocol.CounterReply{SessionID: id}
		state, err := fn(s.ctx, id)
		if err != nil {
			reply.Error = err.Error()
		}
		reply.State = s.wireState(state)
		s.respond(msg, reply)
	}
}

func (s *Service) handleListen(msg *nats.Msg) {
	var ctrl protocol.ListenControl
	if err := json.Unmarshal(msg.Data, &ctrl); err != nil {
		s.logger.Warn("failed to decode listen control", slogError(err))
		return
	}
	mode := chant.Idle
	if ctrl.Listening {
		mode = chant.Armed
	}
	s.SetMode(ctrl.SessionID, mode)
}

func (s *Service) respond(msg *nats.Msg, reply protocol.CounterReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal counter reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond to counter command", slogError(err))
	}
}

func (s *Service) devoteeID(id string) string {
	if id == "" {
		return s.cfg.DefaultDevotee
	}
	return id
}

func (s *Service) wireState(st chant.State) protocol.CounterState {
	return protocol.CounterState{
		TotalCount:        st.TotalCount,
		CurrentCycleCount: st.CurrentCycleCount,
		CompletedCycles:   st.CompletedCycles,
		CycleSize:         s.machine.CycleSize(),
		LastMatch:         st.LastMatch,
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
