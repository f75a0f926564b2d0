package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Memory is an in-process Backend. A single mutex makes every operation
// atomic, including the accumulator transitions.
type Memory struct {
	mu      sync.RWMutex
	scalars map[string]string
	lists   map[string][]string
	sets    map[string]map[string]struct{}
	logger  zerolog.Logger
}

// NewMemory returns an empty in-memory backend.
func NewMemory(logger zerolog.Logger) *Memory {
	return &Memory{
		scalars: make(map[string]string),
		lists:   make(map[string][]string),
		sets:    make(map[string]map[string]struct{}),
		logger:  logger.With().Str("component", "memory_backend").Logger(),
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.scalars[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scalars[key] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.scalars, k)
		delete(m.lists, k)
		delete(m.sets, k)
	}
	return nil
}

func (m *Memory) SetAndPush(_ context.Context, scalarKey, value, listKey, item string, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scalars[scalarKey] = value
	m.push(listKey, item, limit)
	return nil
}

func (m *Memory) PushCapped(_ context.Context, listKey, item string, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.push(listKey, item, limit)
	return nil
}

func (m *Memory) push(listKey, item string, limit int) {
	list := append([]string{item}, m.lists[listKey]...)
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	m.lists[listKey] = list
}

func (m *Memory) Range(_ context.Context, listKey string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.lists[listKey]
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	out := make([]string, len(list))
	copy(out, list)
	return out, nil
}

func (m *Memory) Len(_ context.Context, listKey string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.lists[listKey])), nil
}

func (m *Memory) AddMember(_ context.Context, setKey, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[setKey]
	if !ok {
		set = make(map[string]struct{})
		m.sets[setKey] = set
	}
	if _, exists := set[member]; exists {
		return false, nil
	}
	set[member] = struct{}{}
	return true, nil
}

func (m *Memory) IsMember(_ context.Context, setKey, member string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sets[setKey][member]
	return ok, nil
}

func (m *Memory) Members(_ context.Context, setKey string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sets[setKey]))
	for member := range m.sets[setKey] {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Accumulate(_ context.Context, keys AccumulatorKeys, raw float64, window int64) (*WindowTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, closed := m.loadAccumulator(keys).Advance(decimal.NewFromFloat(raw), window)
	m.storeAccumulator(keys, next)
	return closed, nil
}

func (m *Memory) CloseWindow(_ context.Context, keys AccumulatorKeys, window int64) (*WindowTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, closed := m.loadAccumulator(keys).CloseBefore(window)
	if closed != nil {
		m.storeAccumulator(keys, next)
	}
	return closed, nil
}

func (m *Memory) loadAccumulator(keys AccumulatorKeys) Accumulator {
	ws, wsOK := m.scalars[keys.Window]
	sum, sumOK := m.scalars[keys.Sum]
	cnt, cntOK := m.scalars[keys.Count]
	acc, err := decodeAccumulator(ws, sum, cnt, wsOK, sumOK, cntOK)
	if err != nil {
		m.logger.Warn().Err(err).Str("key", keys.Window).Msg("discarding unreadable accumulator")
	}
	return acc
}

func (m *Memory) storeAccumulator(keys AccumulatorKeys, acc Accumulator) {
	m.scalars[keys.Window], m.scalars[keys.Sum], m.scalars[keys.Count] = acc.encode()
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

var _ Backend = (*Memory)(nil)
