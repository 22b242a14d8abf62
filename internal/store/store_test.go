package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/loqalabs/harijap/internal/bus"
	"github.com/loqalabs/harijap/internal/chant"
	"github.com/loqalabs/harijap/internal/config"
	"github.com/loqalabs/harijap/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openKV(t *testing.T) *KV {
	t.Helper()
	log := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, "store-test", log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	kv, err := OpenKV(client.JetStream(), "test_counters", log)
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	return kv
}

func backends(t *testing.T) map[string]Store {
	sqlite, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory":    NewMemory(),
		"sqlite":    sqlite,
		"jetstream": openKV(t),
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	last := time.Date(2025, 3, 1, 5, 30, 0, 123000000, time.UTC)
	want := chant.State{TotalCount: 230, CurrentCycleCount: 14, CompletedCycles: 2, LastMatch: last}

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, found, err := s.Load(ctx, "devotee-1"); err != nil || found {
				t.Fatalf("expected empty store, found=%v err=%v", found, err)
			}
			if err := s.Save(ctx, "devotee-1", want); err != nil {
				t.Fatalf("save: %v", err)
			}
			got, found, err := s.Load(ctx, "devotee-1")
			if err != nil || !found {
				t.Fatalf("load: found=%v err=%v", found, err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
			}

			want.TotalCount++
			if err := s.Save(ctx, "devotee-1", want); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			got, _, _ = s.Load(ctx, "devotee-1")
			if got.TotalCount != want.TotalCount {
				t.Fatalf("overwrite not visible: %+v", got)
			}
			want.TotalCount--
		})
	}
}

func TestTop(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_ = s.Save(ctx, "ganesh", chant.State{TotalCount: 10, CurrentCycleCount: 10})
			_ = s.Save(ctx, "meera", chant.State{TotalCount: 300, CurrentCycleCount: 84, CompletedCycles: 2})
			_ = s.Save(ctx, "tukaram", chant.State{TotalCount: 120, CurrentCycleCount: 12, CompletedCycles: 1})
			_ = s.Save(ctx, "idle", chant.State{})

			top, err := s.Top(ctx, 2)
			if err != nil {
				t.Fatalf("top: %v", err)
			}
			if len(top) != 2 || top[0].DevoteeID != "meera" || top[1].DevoteeID != "tukaram" {
				t.Fatalf("unexpected ranking: %+v", top)
			}
		})
	}
}

func TestSQLiteMalformedTimestamp(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO counters(devotee_id, total_count, current_cycle_count, completed_cycles, last_match_at, updated_at)
		 VALUES('broken', 1, 1, 0, 'yesterday', '')`); err != nil {
		t.Fatalf("seed row: %v", err)
	}
	if _, _, err := s.Load(ctx, "broken"); !errors.Is(err, chant.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestKVMalformedRecord(t *testing.T) {
	s := openKV(t)
	if _, err := s.kv.Put(encodeKey("broken"), []byte("{not json")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, _, err := s.Load(context.Background(), "broken"); !errors.Is(err, chant.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	top, err := s.Top(context.Background(), 10)
	if err != nil || len(top) != 0 {
		t.Fatalf("malformed record should be skipped, got %+v err=%v", top, err)
	}
}
