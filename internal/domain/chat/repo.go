package chat

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RoomRepository persists rooms and answers membership lookups.
//
// Paged methods return the total match count with every page. A limit of
// zero or less yields an empty page; a negative offset counts as zero.
type RoomRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Room, error)
	// FindOrCreate returns the room for the pair, creating it when absent.
	// created is true only for the caller that inserted it.
	FindOrCreate(ctx context.Context, patientID, professionalID string) (room *Room, created bool, err error)
	// ListByParticipant returns rooms where either identity matches,
	// most recent activity first. Empty identities are ignored.
	ListByParticipant(ctx context.Context, patientID, professionalID string, limit, offset int) ([]*Room, int, error)
}

// MessageRepository persists messages. Paging follows RoomRepository.
type MessageRepository interface {
	// Append stores a message and advances the room's last activity in the
	// same transaction. created_at is strictly increasing within a room.
	Append(ctx context.Context, roomID uuid.UUID, role Role, senderID, content string) (*Message, error)
	// MarkRead flags unread messages sent by the side opposite reader and
	// returns how many changed.
	MarkRead(ctx context.Context, roomID uuid.UUID, reader Role) (int, error)
	// List returns messages oldest first, ties broken by id.
	List(ctx context.Context, roomID uuid.UUID, limit, offset int) ([]*Message, int, error)
	UnreadCount(ctx context.Context, roomID uuid.UUID, reader Role) (int, error)
}

// roomInvalidator is implemented by room repositories that hold copies of
// rooms, which go stale once an append advances last activity.
type roomInvalidator interface {
	Invalidate(ctx context.Context, id uuid.UUID)
}

func clampPage(limit, offset int) (int, int) {
	if limit < 0 {
		limit = 0
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// nextTimestamp returns a timestamp strictly after last, normally now.
// Stores keep microsecond precision.
func nextTimestamp(now, last time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if floor := last.UTC().Truncate(time.Microsecond).Add(time.Microsecond); now.Before(floor) {
		return floor
	}
	return now
}
