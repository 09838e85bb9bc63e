package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carechat/carechat/internal/platform/auth"
)

const (
	DefaultMaxContentLength = 4000
	DefaultAppendTimeout    = 10 * time.Second
)

// Publisher fans a payload out to the subscribers of a room. ctx carries
// request-scoped values such as the publishing connection, never a deadline
// the fan-out must honor.
type Publisher interface {
	Publish(ctx context.Context, roomID string, payload any) error
}

type ServiceConfig struct {
	MaxContentLength int
	AppendTimeout    time.Duration
}

type Service struct {
	rooms    RoomRepository
	messages MessageRepository
	pub      Publisher
	cfg      ServiceConfig
	locks    *roomLocks
	logger   zerolog.Logger
}

func NewService(rooms RoomRepository, messages MessageRepository, pub Publisher, cfg ServiceConfig, logger zerolog.Logger) *Service {
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = DefaultMaxContentLength
	}
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = DefaultAppendTimeout
	}
	return &Service{
		rooms:    rooms,
		messages: messages,
		pub:      pub,
		cfg:      cfg,
		locks:    newRoomLocks(),
		logger:   logger.With().Str("component", "chat").Logger(),
	}
}

// -- Rooms --

func (s *Service) GetRoom(ctx context.Context, id uuid.UUID) (*Room, error) {
	return s.rooms.GetByID(ctx, id)
}

// OpenRoom finds or creates the room for the pair. The caller must be one of
// its two sides.
func (s *Service) OpenRoom(ctx context.Context, p auth.Principal, patientID, professionalID string) (*Room, bool, error) {
	patientID = strings.TrimSpace(patientID)
	professionalID = strings.TrimSpace(professionalID)
	if patientID == "" || professionalID == "" {
		return nil, false, ErrInvalidRoom
	}
	candidate := &Room{PatientID: patientID, ProfessionalID: professionalID}
	if ParticipationOf(p, candidate) == ParticipationNone {
		return nil, false, ErrNotParticipant
	}

	room, created, err := s.rooms.FindOrCreate(ctx, patientID, professionalID)
	if err != nil {
		return nil, false, fmt.Errorf("open room: %w", err)
	}
	if created {
		s.logger.Info().
			Str("room_id", room.ID.String()).
			Str("user_id", p.UserID).
			Msg("room created")
	}
	return room, created, nil
}

// ListRooms returns the rooms the principal takes part in on either side.
func (s *Service) ListRooms(ctx context.Context, p auth.Principal, limit, offset int) ([]*Room, int, error) {
	if !p.HasIdentity() {
		return []*Room{}, 0, nil
	}
	return s.rooms.ListByParticipant(ctx, p.PatientID, p.ProfessionalID, limit, offset)
}

// RoomView loads a room with unread counts for each side the principal holds.
func (s *Service) RoomView(ctx context.Context, p auth.Principal, roomID uuid.UUID) (*RoomView, error) {
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	part := ParticipationOf(p, room)
	if part == ParticipationNone {
		return nil, ErrNotParticipant
	}

	view := &RoomView{Room: room, Unread: make(map[Role]int, 2)}
	for _, role := range []Role{RolePatient, RoleProfessional} {
		if !part.Holds(role) {
			continue
		}
		n, err := s.messages.UnreadCount(ctx, room.ID, role)
		if err != nil {
			return nil, fmt.Errorf("count unread: %w", err)
		}
		view.Unread[role] = n
	}
	return view, nil
}

// -- Messages --

// ValidateContent trims content and checks it against the length limit.
func (s *Service) ValidateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > s.cfg.MaxContentLength {
		return "", ErrContentTooLong
	}
	return content, nil
}

// Send looks up the room and delegates to SendToRoom.
func (s *Service) Send(ctx context.Context, p auth.Principal, roomID uuid.UUID, content, hint string) (*Message, error) {
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return s.SendToRoom(ctx, p, room, content, hint)
}

// SendToRoom persists a message from the principal and broadcasts it to the
// room. Appends and publishes for one room happen under the same lock, so
// subscribers observe messages in created_at order.
//
// The append runs on a context detached from ctx and bounded by the append
// timeout: once accepted, a message is stored and broadcast even if the
// sender goes away.
func (s *Service) SendToRoom(ctx context.Context, p auth.Principal, room *Room, content, hint string) (*Message, error) {
	if ParticipationOf(p, room) == ParticipationNone {
		return nil, ErrNotParticipant
	}
	content, err := s.ValidateContent(content)
	if err != nil {
		return nil, err
	}
	role, senderID, err := ResolveSender(p, room, hint)
	if err != nil {
		return nil, err
	}

	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.AppendTimeout)
	defer cancel()

	key := room.ID.String()
	unlock := s.locks.lock(key)
	defer unlock()

	msg, err := s.messages.Append(appendCtx, room.ID, role, senderID, content)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	if inv, ok := s.rooms.(roomInvalidator); ok {
		inv.Invalidate(appendCtx, room.ID)
	}
	if err := s.pub.Publish(appendCtx, key, NewEnvelope(msg)); err != nil {
		// The message is stored; subscribers can recover it from history.
		s.logger.Error().Err(err).
			Str("room_id", key).
			Str("message_id", msg.ID.String()).
			Msg("failed to publish message")
	}
	return msg, nil
}

// MarkRead flags as read the messages the other side sent to the reader.
func (s *Service) MarkRead(ctx context.Context, p auth.Principal, roomID uuid.UUID, hint string) (int, error) {
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return 0, err
	}
	reader, err := ResolveReader(p, room, hint)
	if err != nil {
		return 0, err
	}
	n, err := s.messages.MarkRead(ctx, room.ID, reader)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return n, nil
}

// ListMessages returns the room's history, oldest first. Only participants
// may read it.
func (s *Service) ListMessages(ctx context.Context, p auth.Principal, roomID uuid.UUID, limit, offset int) ([]*Message, int, error) {
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, 0, err
	}
	if ParticipationOf(p, room) == ParticipationNone {
		return nil, 0, ErrNotParticipant
	}
	return s.messages.List(ctx, room.ID, limit, offset)
}

// roomLocks is a keyed mutex. Entries are reference counted and removed when
// the last holder releases them.
type roomLocks struct {
	mu    sync.Mutex
	locks map[string]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[string]*roomLock)}
}

func (l *roomLocks) lock(key string) (unlock func()) {
	l.mu.Lock()
	rl, ok := l.locks[key]
	if !ok {
		rl = &roomLock{}
		l.locks[key] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func (l *roomLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
