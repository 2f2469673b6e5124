package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"alertflow/internal/clock"

	"github.com/nats-io/nats.go"
)

// NATSStore persists correlation records in a JetStream KV bucket with the
// retention window as bucket TTL.
// Params: NATS connection and KV bucket handle.
// Returns: KV-backed tracker store.
type NATSStore struct {
	nc        *nats.Conn
	kv        nats.KeyValue
	retention time.Duration
	clock     clock.Clock
}

// NewNATSStore connects and ensures the tracker KV bucket exists.
// Params: NATS URLs, bucket name, retention window, and clock.
// Returns: initialized store or setup error.
func NewNATSStore(urls []string, bucket string, retention time.Duration, clk clock.Clock) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(urls, ","))
	if err != nil {
		return nil, fmt.Errorf("connect tracker nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for tracker: %w", err)
	}
	kv, err := js.KeyValue(bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket: bucket,
			TTL:    retention,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create tracker bucket %q: %w", bucket, err)
		}
	}
	return &NATSStore{nc: nc, kv: kv, retention: retention, clock: clk}, nil
}

// Record stores one correlation record.
// Params: fingerprint key and record.
// Returns: encode or KV write error.
func (s *NATSStore) Record(_ context.Context, fingerprint string, tracked Tracked) error {
	if tracked.RecordedAt.IsZero() {
		tracked.RecordedAt = s.clock.Now()
	}
	payload, err := json.Marshal(tracked)
	if err != nil {
		return fmt.Errorf("encode tracked message: %w", err)
	}
	if _, err := s.kv.Put(fingerprint, payload); err != nil {
		return fmt.Errorf("put tracked message: %w", err)
	}
	return nil
}

// Take returns and removes one record when it is within retention.
// Params: fingerprint key.
// Returns: record, presence flag, or KV error.
func (s *NATSStore) Take(_ context.Context, fingerprint string) (Tracked, bool, error) {
	stored, err := s.kv.Get(fingerprint)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return Tracked{}, false, nil
		}
		return Tracked{}, false, fmt.Errorf("get tracked message: %w", err)
	}
	if err := s.kv.Delete(fingerprint); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return Tracked{}, false, fmt.Errorf("delete tracked message: %w", err)
	}

	var tracked Tracked
	if err := json.Unmarshal(stored.Value(), &tracked); err != nil {
		return Tracked{}, false, fmt.Errorf("decode tracked message: %w", err)
	}
	if s.retention > 0 && s.clock.Now().After(tracked.RecordedAt.Add(s.retention)) {
		return Tracked{}, false, nil
	}
	return tracked, true, nil
}

// Close closes the NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	if s != nil && s.nc != nil {
		s.nc.Close()
	}
	return nil
}
