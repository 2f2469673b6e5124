package throttle

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

// bucketMaxAge garbage-collects stale suppression entries; correctness does
// not depend on it, expiry is checked against the payload.
const bucketMaxAge = 24 * time.Hour

// NATSStore persists suppression entries in a JetStream KV bucket so
// multiple intake instances share one throttle decision.
// Params: NATS connection and KV bucket handle.
// Returns: KV-backed throttle store.
type NATSStore struct {
	nc    *nats.Conn
	kv    nats.KeyValue
	clock clock.Clock
}

// natsEntry is the stored suppression payload.
// Params: notify timestamp, expiry, and suppressed counter.
// Returns: JSON KV value.
type natsEntry struct {
	NotifiedAt time.Time `json:"notified_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Suppressed uint64    `json:"suppressed"`
}

// NewNATSStore connects and ensures the throttle KV bucket exists.
// Params: NATS URLs, bucket name, and clock.
// Returns: initialized store or setup error.
func NewNATSStore(urls []string, bucket string, clk clock.Clock) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(urls, ","))
	if err != nil {
		return nil, fmt.Errorf("connect throttle nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for throttle: %w", err)
	}
	kv, err := js.KeyValue(bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket: bucket,
			TTL:    bucketMaxAge,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create throttle bucket %q: %w", bucket, err)
		}
	}
	return &NATSStore{nc: nc, kv: kv, clock: clk}, nil
}

// Acquire passes one firing per fingerprint per window using KV create/CAS.
// Params: fingerprint key and suppression window.
// Returns: pass decision with suppressed counter or backend error.
func (s *NATSStore) Acquire(_ context.Context, fingerprint string, window time.Duration) (bool, uint64, error) {
	now := s.clock.Now()
	fresh := natsEntry{NotifiedAt: now, ExpiresAt: now.Add(window)}
	payload, err := json.Marshal(fresh)
	if err != nil {
		return false, 0, fmt.Errorf("encode throttle entry: %w", err)
	}

	if _, err := s.kv.Create(fingerprint, payload); err == nil {
		return true, 0, nil
	} else if !errors.Is(err, nats.ErrKeyExists) {
		return false, 0, fmt.Errorf("create throttle entry: %w", err)
	}

	stored, err := s.kv.Get(fingerprint)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			// Entry vanished between create and get; the concurrent
			// writer owns the window.
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("read throttle entry: %w", err)
	}

	var entry natsEntry
	if err := json.Unmarshal(stored.Value(), &entry); err != nil {
		return false, 0, fmt.Errorf("decode throttle entry: %w", err)
	}

	if now.Before(entry.ExpiresAt) {
		entry.Suppressed++
		if updated, encodeErr := json.Marshal(entry); encodeErr == nil {
			// Counter update is best effort; a CAS conflict means a
			// concurrent event already counted.
			_, _ = s.kv.Update(fingerprint, updated, stored.Revision())
		}
		return false, entry.Suppressed, nil
	}

	// Expired payload: take over the window atomically via revision CAS.
	if _, err := s.kv.Update(fingerprint, payload, stored.Revision()); err != nil {
		return false, 0, nil
	}
	return true, 0, nil
}

// Clear removes one suppression entry.
// Params: fingerprint key.
// Returns: delete error except missing key.
func (s *NATSStore) Clear(_ context.Context, fingerprint string) error {
	if err := s.kv.Delete(fingerprint); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete throttle entry: %w", err)
	}
	return nil
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
