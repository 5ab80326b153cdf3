// Package idempotency replays stored responses for repeated client keys.
package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"jobescrow/internal/config"
)

// Record holds a stored response. A record without a status code is a
// reservation held while the operation runs.
type Record struct {
	StatusCode  int       `json:"statusCode"`
	Response    []byte    `json:"response"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Pending reports whether the record is a reservation with no response yet.
func (r Record) Pending() bool {
	return r.StatusCode == 0
}

func (r Record) expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Reservation builds the placeholder stored while an operation is in flight.
func Reservation(fingerprint string, lease time.Duration) Record {
	now := time.Now()
	return Record{
		Response:    []byte{},
		Fingerprint: fingerprint,
		CreatedAt:   now,
		ExpiresAt:   now.Add(lease),
	}
}

// Store abstracts idempotency persistence. Get returns nil, nil for unknown
// or expired keys.
//
// Reserve stores record only when no live record exists for key. It returns
// nil, nil when the caller now owns the key, otherwise the live record.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Reserve(ctx context.Context, key string, record Record) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// Purger is implemented by stores whose expired records must be swept.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// RunPurger sweeps expired records every interval until ctx is done. It
// returns at once for stores that expire records on their own.
func RunPurger(ctx context.Context, store Store, interval time.Duration, logger *slog.Logger) {
	p, ok := store.(Purger)
	if !ok || interval <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Purge(ctx)
			if err != nil {
				logger.Warn("idempotency purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("idempotency records purged", "count", n)
			}
		}
	}
}

// Key namespaces a client supplied key per command so a fund key never
// replays a release response.
func Key(command, clientKey string) string {
	return command + ":" + clientKey
}

// New opens the store selected by cfg.Driver.
func New(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		store Store
		err   error
	)
	switch cfg.Driver {
	case "", "memory":
		store = NewMemoryStore()
	case "file":
		store, err = NewFileStore(cfg.Path)
	case "sqlite":
		store, err = NewSQLiteStore(ctx, cfg.Path)
	case "postgres":
		store, err = NewPostgresStore(ctx, cfg.DatabaseURL)
	case "redis":
		store, err = NewRedisStore(ctx, cfg.RedisURL)
	default:
		return nil, fmt.Errorf("unknown idempotency store %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	logger.Info("idempotency store ready", "driver", cfg.Driver)
	return store, nil
}

// MemoryStore keeps records for the life of the process.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[key]
	if !ok || rec.expired(time.Now()) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Reserve(_ context.Context, key string, record Record) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.data[key]; ok && !rec.expired(time.Now()) {
		return &rec, nil
	}
	m.data[key] = record
	return nil, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) Purge(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return purgeMap(m.data, time.Now()), nil
}

func purgeMap(data map[string]Record, now time.Time) int64 {
	var n int64
	for key, rec := range data {
		if rec.expired(now) {
			delete(data, key)
			n++
		}
	}
	return n
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
