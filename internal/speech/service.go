package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/harijap/internal/bus"
	"github.com/loqalabs/harijap/internal/config"
	"github.com/loqalabs/harijap/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service buffers audio frames per session and publishes transcripts.
// Frames that arrive while the listening gate is closed are dropped.
type Service struct {
	cfg        config.SpeechConfig
	bus        *bus.Client
	recognizer Recognizer
	log        *slog.Logger

	mu        sync.Mutex
	sessions  map[string]*sessionState
	listening bool
	overrides map[string]bool

	ctx        context.Context
	cancel     context.CancelFunc
	frameSub   *nats.Subscription
	controlSub *nats.Subscription
	wg         sync.WaitGroup
	ready      bool
}

type sessionState struct {
	Buffer       []byte
	LastPartial  time.Time
	Inflight     bool
	PendingFinal bool
}

func NewService(parent context.Context, cfg config.SpeechConfig, busClient *bus.Client, recognizer Recognizer, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		log:        logger.With(slog.String("component", "speech")),
		sessions:   make(map[string]*sessionState),
		listening:  cfg.StartListening,
		overrides:  make(map[string]bool),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	controlSub, err := s.bus.Conn().Subscribe(protocol.SubjectListenControl, s.handleControl)
	if err != nil {
		return fmt.Errorf("subscribe listen control: %w", err)
	}
	frameSub, err := s.bus.Conn().Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		_ = controlSub.Unsubscribe()
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.controlSub = controlSub
	s.frameSub = frameSub
	s.ready = true
	s.log.Info("speech adapter started",
		slog.String("mode", s.cfg.Mode),
		slog.Bool("listening", s.cfg.StartListening))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.frameSub != nil {
		_ = s.frameSub.Drain()
	}
	if s.controlSub != nil {
		_ = s.controlSub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

// Listening reports whether frames for sessionID are accepted.
func (s *Service) Listening(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeningLocked(sessionID)
}

// SetListening opens or closes the gate. An empty sessionID applies to every
// session and clears per-session overrides. Closing the gate discards any
// audio buffered for the affected sessions.
func (s *Service) SetListening(sessionID string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sessionID == "" {
		s.listening = on
		clear(s.overrides)
		if !on {
			for id, state := range s.sessions {
				if !state.Inflight {
					delete(s.sessions, id)
				}
			}
		}
		return
	}
	s.overrides[sessionID] = on
	if !on {
		if state := s.sessions[sessionID]; state != nil && !state.Inflight {
			delete(s.sessions, sessionID)
		}
	}
}

func (s *Service) listeningLocked(sessionID string) bool {
	if on, ok := s.overrides[sessionID]; ok {
		return on
	}
	return s.listening
}

func (s *Service) handleControl(msg *nats.Msg) {
	var ctrl protocol.ListenControl
	if err := json.Unmarshal(msg.Data, &ctrl); err != nil {
		s.log.Warn("failed to decode listen control", slogError(err))
		return
	}
	s.SetListening(ctrl.SessionID, ctrl.Listening)
	s.log.Info("listening toggled",
		slog.String("session_id", ctrl.SessionID),
		slog.Bool("listening", ctrl.Listening))
	if msg.Reply != "" {
		_ = msg.Respond(msg.Data)
	}
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}

	s.mu.Lock()
	if !s.listeningLocked(frame.SessionID) {
		s.mu.Unlock()
		s.log.Debug("dropping frame while not listening", slog.String("session_id", frame.SessionID))
		return
	}
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = &sessionState{}
		s.sessions[frame.SessionID] = state
	}
	state.Buffer = append(state.Buffer, frame.PCM...)
	s.mu.Unlock()

	if s.cfg.PublishInterim && !frame.Final {
		if s.shouldSchedulePartial(frame.SessionID) {
			s.scheduleTranscription(frame.SessionID, false)
		}
	}
	if frame.Final {
		s.scheduleTranscription(frame.SessionID, true)
	}
}

func (s *Service) shouldSchedulePartial(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.sessions[sessionID]
	if state == nil || state.Inflight {
		return false
	}
	if state.LastPartial.IsZero() {
		state.LastPartial = time.Now()
		return true
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if time.Since(state.LastPartial) >= interval {
		state.LastPartial = time.Now()
		return true
	}
	return false
}

func (s *Service) scheduleTranscription(sessionID string, final bool) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	if state.Inflight {
		if final {
			state.PendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	pcm := append([]byte(nil), state.Buffer...)
	state.Inflight = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
		defer cancel()

		result, err := s.recognizer.Transcribe(ctx, pcm, s.cfg.SampleRate, s.cfg.Channels, final)
		if err != nil {
			s.log.Warn("transcription failed", slogError(err), slog.String("session_id", sessionID))
		} else {
			s.publishTranscript(sessionID, result.Text, result.Confidence, final)
		}

		s.mu.Lock()
		state := s.sessions[sessionID]
		var pendingFinal bool
		if state != nil {
			state.Inflight = false
			pendingFinal = state.PendingFinal
			if !final {
				state.LastPartial = time.Now()
			}
			if final || !s.listeningLocked(sessionID) {
				delete(s.sessions, sessionID)
				pendingFinal = false
			}
		}
		s.mu.Unlock()

		if pendingFinal && !final {
			s.scheduleTranscription(sessionID, true)
		}
	}()
}

func (s *Service) publishTranscript(sessionID, text string, confidence float64, final bool) {
	if text == "" {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	msg := protocol.Transcript{
		SessionID:  sessionID,
		Text:       text,
		Partial:    !final,
		Timestamp:  time.Now().UTC(),
		Confidence: confidence,
	}
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.log.Warn("failed to publish transcript", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
