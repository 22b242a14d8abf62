package counter

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

type instruments struct {
	transcripts metric.Int64Counter
	matches     metric.Int64Counter
	suppressed  metric.Int64Counter
	cycles      metric.Int64Counter
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	var (
		in  instruments
		err error
	)
	if in.transcripts, err = meter.Int64Counter("japa.transcripts", metric.WithDescription("Transcript fragments received")); err != nil {
		return nil, err
	}
	if in.matches, err = meter.Int64Counter("japa.matches", metric.WithDescription("Transcript fragments counted as chants")); err != nil {
		return nil, err
	}
	if in.suppressed, err = meter.Int64Counter("japa.suppressed", metric.WithDescription("Transcript fragments not counted (idle, debounced, unmatched or invalid)")); err != nil {
		return nil, err
	}
	if in.cycles, err = meter.Int64Counter("japa.cycles", metric.WithDescription("Completed malas")); err != nil {
		return nil, err
	}
	return &in, nil
}

// observeLoad reports how many devotee counters are resident and how many
// snapshots are waiting to be persisted.
func (s *Service) observeLoad(meter metric.Meter) (metric.Registration, error) {
	devotees, err := meter.Int64ObservableGauge("japa.devotees.loaded", metric.WithDescription("Devotee counters held in memory"))
	if err != nil {
		return nil, err
	}
	pending, err := meter.Int64ObservableGauge("japa.saves.pending", metric.WithDescription("Counter snapshots queued for persistence"))
	if err != nil {
		return nil, err
	}
	return meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		s.mu.Lock()
		loaded := int64(len(s.devotees))
		s.mu.Unlock()
		obs.ObserveInt64(devotees, loaded)
		obs.ObserveInt64(pending, int64(len(s.saves)))
		return nil
	}, devotees, pending)
}
