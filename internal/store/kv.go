package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/harijap/internal/chant"
	"github.com/nats-io/nats.go"
)

// KV stores counters in a JetStream key-value bucket so several kiosks
// can share one devotee's progress.
type KV struct {
	kv  nats.KeyValue
	log *slog.Logger
}

// OpenKV binds to bucket, creating it on first use.
func OpenKV(js nats.JetStreamContext, bucket string, log *slog.Logger) (*KV, error) {
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "chant counter state by devotee",
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("bind kv bucket %s: %w", bucket, err)
	}
	log.Info("counter store bound to jetstream", slog.String("bucket", bucket))
	return &KV{kv: kv, log: log}, nil
}

func (s *KV) Load(_ context.Context, devoteeID string) (chant.State, bool, error) {
	entry, err := s.kv.Get(encodeKey(devoteeID))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return chant.State{}, false, nil
		}
		return chant.State{}, false, fmt.Errorf("load counter %s: %w", devoteeID, err)
	}
	var e Entry
	if err := json.Unmarshal(entry.Value(), &e); err != nil {
		return chant.State{}, true, fmt.Errorf("%w: decode counter %s: %v", chant.ErrInvalidInput, devoteeID, err)
	}
	return e.State, true, nil
}

func (s *KV) Save(_ context.Context, devoteeID string, state chant.State) error {
	data, err := json.Marshal(Entry{DevoteeID: devoteeID, State: state})
	if err != nil {
		return err
	}
	if _, err := s.kv.Put(encodeKey(devoteeID), data); err != nil {
		return fmt.Errorf("save counter %s: %w", devoteeID, err)
	}
	return nil
}

func (s *KV) Top(_ context.Context, limit int) ([]Entry, error) {
	keys, err := s.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		kve, err := s.kv.Get(key)
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(kve.Value(), &e); err != nil {
			s.log.Warn("skipping malformed counter record", slog.String("key", key), slog.String("error", err.Error()))
			continue
		}
		if e.State.TotalCount <= 0 {
			continue
		}
		e.UpdatedAt = kve.Created()
		entries = append(entries, e)
	}
	return Rank(entries, limit), nil
}

func (s *KV) Close() error { return nil }

// encodeKey maps arbitrary devotee ids onto the KV key alphabet.
func encodeKey(devoteeID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(devoteeID))
}
