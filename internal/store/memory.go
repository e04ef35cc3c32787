package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"lotline/internal/domain"
)

// Memory is an in-memory Store for tests and local replay. Same semantics as
// the SQLite adapter, including merge-by-document and the append-only feed.
type Memory struct {
	mu     sync.Mutex
	lots   map[string]domain.Lot
	feed   []EventRecord
	nextID int64
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{lots: make(map[string]domain.Lot)}
}

func (m *Memory) Get(ctx context.Context, id string) (domain.Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lots[id]
	if !ok {
		return domain.Lot{}, ErrNotFound
	}
	return cloneLot(l), nil
}

func (m *Memory) Put(ctx context.Context, lot domain.Lot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := []domain.Event{}
	if existing, ok := m.lots[lot.ID]; ok {
		events = existing.Events
	}
	lot = cloneLot(lot)
	lot.Events = events
	m.lots[lot.ID] = lot
	return nil
}

func (m *Memory) Update(ctx context.Context, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.lots[id]
	if !ok {
		return ErrNotFound
	}
	doc, err := encodeLot(existing)
	if err != nil {
		return err
	}
	merged, err := mergeDoc(doc, fields)
	if err != nil {
		return err
	}
	l, err := decodeLot(merged)
	if err != nil {
		return err
	}
	l.Events = existing.Events
	m.lots[id] = l
	return nil
}

func (m *Memory) AppendEvent(ctx context.Context, id string, evt domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lots[id]
	if !ok {
		return ErrNotFound
	}
	l.Events = append(l.Events, evt)
	m.lots[id] = l
	m.nextID++
	m.feed = append(m.feed, EventRecord{ID: m.nextID, LotID: id, Event: evt})
	return nil
}

func (m *Memory) ListByProducer(ctx context.Context, producerID string, includeDeleted bool) ([]domain.Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var lots []domain.Lot
	for _, l := range m.lots {
		if l.ProducerID != producerID {
			continue
		}
		if !includeDeleted && l.Status != domain.StatusActive {
			continue
		}
		lots = append(lots, cloneLot(l))
	}
	sort.Slice(lots, func(i, j int) bool { return lots[i].UpdatedAt.After(lots[j].UpdatedAt) })
	return lots, nil
}

func (m *Memory) EventsAfter(ctx context.Context, limit int, after int64) ([]EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var records []EventRecord
	for _, rec := range m.feed {
		if rec.ID <= after {
			continue
		}
		records = append(records, rec)
		if len(records) == limit {
			break
		}
	}
	return records, nil
}

func (m *Memory) LatestEventID(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextID, nil
}

func (m *Memory) Count(ctx context.Context) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lots)), int64(len(m.feed)), nil
}

// cloneLot deep-copies via JSON so callers can never alias internal state.
func cloneLot(l domain.Lot) domain.Lot {
	b, _ := json.Marshal(l)
	var out domain.Lot
	_ = json.Unmarshal(b, &out)
	return out
}
