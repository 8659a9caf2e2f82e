package ratelimit

import (
	"context"
	"sync"
	"time"
)

type usageKey struct {
	Identifier string
	LimitType  LimitType
	Window     TimeWindow
}

type usageRecord struct {
	Amount    int64
	WindowEnd time.Time
}

// MemoryStore keeps fixed-window counters in memory. Suitable for a
// single instance; counters reset when the window rolls over.
type MemoryStore struct {
	mu   sync.Mutex
	data map[usageKey]*usageRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[usageKey]*usageRecord)}
}

func (s *MemoryStore) Usage(ctx context.Context, identifier string, limitType LimitType, window TimeWindow) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey{Identifier: identifier, LimitType: limitType, Window: window}
	record, ok := s.data[key]
	now := time.Now()
	if !ok || record.WindowEnd.Before(now) {
		return 0, now.Add(window.Duration()), nil
	}
	return record.Amount, record.WindowEnd, nil
}

func (s *MemoryStore) Increment(ctx context.Context, identifier string, limitType LimitType, window TimeWindow, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey{Identifier: identifier, LimitType: limitType, Window: window}
	record, ok := s.data[key]
	now := time.Now()
	if !ok || record.WindowEnd.Before(now) {
		s.data[key] = &usageRecord{Amount: amount, WindowEnd: now.Add(window.Duration())}
		return nil
	}
	record.Amount += amount
	return nil
}
