package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github/martinmaurice/spoolr/pkg/idempotency"
	"sync"
	"time"
)

var ErrUnavailable = errors.New("store unavailable")

type MemoryRecord struct {
	ID        string
	Kind      string
	Key       string
	Payload   json.RawMessage
	Writes    int
	UpdatedAt time.Time
}

// MemoryStore keeps records in a map. Failures can be injected to simulate an
// outage of a real store.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]*MemoryRecord
	down     bool
	failNext int
	failErr  error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*MemoryRecord)}
}

func memoryKey(kind, key string) string {
	return kind + ":" + key
}

func (m *MemoryStore) Write(ctx context.Context, kind, idempotencyKey string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	canonical, err := idempotency.Canonical(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPermanent, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.down {
		return "", ErrUnavailable
	}
	if m.failNext > 0 {
		m.failNext--
		return "", m.failErr
	}

	rec, ok := m.records[memoryKey(kind, idempotencyKey)]
	if !ok {
		rec = &MemoryRecord{ID: uuid.NewString(), Kind: kind, Key: idempotencyKey}
		m.records[memoryKey(kind, idempotencyKey)] = rec
	}
	rec.Payload = canonical
	rec.Writes++
	rec.UpdatedAt = time.Now().UTC()

	return rec.ID, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return ErrUnavailable
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// SetDown makes every call fail with ErrUnavailable until set back to false.
func (m *MemoryStore) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// FailNext makes the next n writes fail with err.
func (m *MemoryStore) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failErr = err
}

func (m *MemoryStore) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *MemoryStore) Get(kind, idempotencyKey string) (MemoryRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[memoryKey(kind, idempotencyKey)]
	if !ok {
		return MemoryRecord{}, false
	}
	return *rec, true
}
