package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/5TFG4/Weaver-sub002/internal/domain/offsetstore"
)

// OffsetStore keeps per-consumer cursors in a map.
type OffsetStore struct {
	mu      sync.RWMutex
	offsets map[string]int64
}

// NewOffsetStore constructs an empty OffsetStore.
func NewOffsetStore() *OffsetStore {
	return &OffsetStore{offsets: make(map[string]int64)}
}

// Get returns the consumer's last processed sequence, 0 when unknown.
func (s *OffsetStore) Get(_ context.Context, consumer string) (int64, error) {
	trimmed := strings.TrimSpace(consumer)
	if trimmed == "" {
		return 0, fmt.Errorf("memory offset store: consumer name required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offsets[trimmed], nil
}

// Set records the consumer's last processed sequence.
func (s *OffsetStore) Set(_ context.Context, consumer string, seq int64) error {
	trimmed := strings.TrimSpace(consumer)
	if trimmed == "" {
		return fmt.Errorf("memory offset store: consumer name required")
	}
	if seq < 0 {
		return fmt.Errorf("memory offset store: sequence must not be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[trimmed] = seq
	return nil
}

var _ offsetstore.Store = (*OffsetStore)(nil)
