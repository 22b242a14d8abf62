// Package store persists chant counter state per devotee.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/harijap/internal/bus"
	"github.com/loqalabs/harijap/internal/chant"
	"github.com/loqalabs/harijap/internal/config"
)

// Entry is one devotee's persisted progress.
type Entry struct {
	DevoteeID string      `json:"devotee_id"`
	State     chant.State `json:"state"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Store loads and saves counter state. Load reports found=false when no
// prior state exists; undecodable records return an error wrapping
// chant.ErrInvalidInput.
type Store interface {
	Load(ctx context.Context, devoteeID string) (chant.State, bool, error)
	Save(ctx context.Context, devoteeID string, state chant.State) error
	Top(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Open returns the backend selected by cfg.Mode. The bus client is only
// required for jetstream mode.
func Open(ctx context.Context, cfg config.StoreConfig, busClient *bus.Client, log *slog.Logger) (Store, error) {
	switch cfg.Mode {
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.Path)
	case "jetstream":
		if busClient == nil {
			return nil, fmt.Errorf("jetstream store requires a bus connection")
		}
		return OpenKV(busClient.JetStream(), cfg.Bucket, log)
	default:
		return nil, fmt.Errorf("unknown store mode %q", cfg.Mode)
	}
}

// Memory keeps state in process. Useful for tests and kiosk deployments.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
	clock   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry), clock: time.Now}
}

func (m *Memory) Load(_ context.Context, devoteeID string) (chant.State, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[devoteeID]
	return e.State, ok, nil
}

func (m *Memory) Save(_ context.Context, devoteeID string, state chant.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[devoteeID] = Entry{DevoteeID: devoteeID, State: state, UpdatedAt: m.clock().UTC()}
	return nil
}

func (m *Memory) Top(_ context.Context, limit int) ([]Entry, error) {
	m.mu.RLock()
	entries := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.State.TotalCount > 0 {
			entries = append(entries, e)
		}
	}
	m.mu.RUnlock()
	return Rank(entries, limit), nil
}

func (m *Memory) Close() error { return nil }

// Rank orders by total count descending, then id, and truncates to limit.
func Rank(entries []Entry, limit int) []Entry {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].State.TotalCount != entries[j].State.TotalCount {
			return entries[i].State.TotalCount > entries[j].State.TotalCount
		}
		return entries[i].DevoteeID < entries[j].DevoteeID
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}
