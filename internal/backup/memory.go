package backup

import (
	"context"
	"sync"

	"github.com/sprite-ai/tiergate/internal/model"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	recs []model.BackupRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, rec model.BackupRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *MemoryStore) List(_ context.Context, subject string) ([]model.BackupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.BackupRecord
	for _, r := range s.recs {
		if subject == "" || r.Subject == subject {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.recs {
		if r.ID == id {
			s.recs = append(s.recs[:i], s.recs[i+1:]...)
			return nil
		}
	}
	return nil
}
