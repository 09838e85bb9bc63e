package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type roomPair struct {
	patientID      string
	professionalID string
}

// MemoryStore is an in-process RoomRepository and MessageRepository for
// development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	rooms    map[uuid.UUID]*Room
	pairs    map[roomPair]uuid.UUID
	messages map[uuid.UUID][]*Message
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:    make(map[uuid.UUID]*Room),
		pairs:    make(map[roomPair]uuid.UUID),
		messages: make(map[uuid.UUID][]*Message),
		now:      time.Now,
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) FindOrCreate(_ context.Context, patientID, professionalID string) (*Room, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := roomPair{patientID, professionalID}
	if id, ok := s.pairs[key]; ok {
		cp := *s.rooms[id]
		return &cp, false, nil
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	r := &Room{
		ID:             uuid.New(),
		PatientID:      patientID,
		ProfessionalID: professionalID,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	s.rooms[r.ID] = r
	s.pairs[key] = r.ID
	cp := *r
	return &cp, true, nil
}

func (s *MemoryStore) ListByParticipant(_ context.Context, patientID, professionalID string, limit, offset int) ([]*Room, int, error) {
	s.mu.RLock()
	var matched []*Room
	for _, r := range s.rooms {
		if (patientID != "" && r.PatientID == patientID) ||
			(professionalID != "" && r.ProfessionalID == professionalID) {
			cp := *r
			matched = append(matched, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].LastActivityAt.Equal(matched[j].LastActivityAt) {
			return matched[i].LastActivityAt.After(matched[j].LastActivityAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})
	return page(matched, limit, offset), len(matched), nil
}

func (s *MemoryStore) Append(_ context.Context, roomID uuid.UUID, role Role, senderID, content string) (*Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid sender role %q", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}

	m := &Message{
		ID:         uuid.New(),
		RoomID:     roomID,
		SenderRole: role,
		SenderID:   senderID,
		Content:    content,
		CreatedAt:  nextTimestamp(s.now(), r.LastActivityAt),
	}
	r.LastActivityAt = m.CreatedAt
	s.messages[roomID] = append(s.messages[roomID], m)

	cp := *m
	return &cp, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, roomID uuid.UUID, reader Role) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomID]; !ok {
		return 0, ErrNotFound
	}
	sender := reader.Opposite()
	n := 0
	for _, m := range s.messages[roomID] {
		if m.SenderRole == sender && !m.Read {
			m.Read = true
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) List(_ context.Context, roomID uuid.UUID, limit, offset int) ([]*Message, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.messages[roomID]
	out := make([]*Message, 0, len(all))
	for _, m := range all {
		cp := *m
		out = append(out, &cp)
	}
	// Appends are stored in created_at order already.
	return page(out, limit, offset), len(all), nil
}

func (s *MemoryStore) UnreadCount(_ context.Context, roomID uuid.UUID, reader Role) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sender := reader.Opposite()
	n := 0
	for _, m := range s.messages[roomID] {
		if m.SenderRole == sender && !m.Read {
			n++
		}
	}
	return n, nil
}

func page[T any](items []T, limit, offset int) []T {
	limit, offset = clampPage(limit, offset)
	if limit == 0 || offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit < len(items) {
		items = items[:limit]
	}
	return items
}
