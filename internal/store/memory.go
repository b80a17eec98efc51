package store

import (
	"context"
	"sort"
	"sync"

	"VoiceBargainer/internal/model"
)

// MemoryStore 进程内存储，单实例部署和测试使用
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]model.Document
	deals    map[string]model.Deal
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]model.Document),
		deals:    make(map[string]model.Deal),
	}
}

func (m *MemoryStore) Get(_ context.Context, callID string) (*model.CallSession, error) {
	m.mu.Lock()
	doc, ok := m.sessions[callID]
	var snapshot model.Document
	if ok {
		snapshot = model.Document{}.Merge(doc)
	}
	m.mu.Unlock()

	if !ok {
		return nil, model.SessionNotFound(callID)
	}
	return snapshot.Decode()
}

func (m *MemoryStore) Set(_ context.Context, callID string, patch model.SessionPatch) error {
	fields, err := patch.Fields()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[callID] = m.sessions[callID].Merge(fields)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, callID)
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// SaveDeal 同一call_id重复保存时覆盖
func (m *MemoryStore) SaveDeal(_ context.Context, deal *model.Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deals[deal.CallID] = *deal
	return nil
}

func (m *MemoryStore) ListDeals(_ context.Context, tripID string) ([]model.Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Deal
	for _, d := range m.deals {
		if d.TripID == tripID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NegotiatedPrice < out[j].NegotiatedPrice })
	return out, nil
}
