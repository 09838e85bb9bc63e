package chat

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/carechat/carechat/internal/platform/cache"
)

// CachedRoomRepository is a cache-aside decorator for room lookups. A room's
// participants never change; the service invalidates an entry after each
// append so last_activity_at is reloaded. Listing always goes to the
// underlying store.
type CachedRoomRepository struct {
	next   RoomRepository
	cache  *cache.Cache
	group  singleflight.Group
	logger zerolog.Logger
}

func NewCachedRoomRepository(next RoomRepository, c *cache.Cache, logger zerolog.Logger) *CachedRoomRepository {
	return &CachedRoomRepository{
		next:   next,
		cache:  c,
		logger: logger.With().Str("component", "room_cache").Logger(),
	}
}

func roomKey(id uuid.UUID) string { return "room:" + id.String() }

func (r *CachedRoomRepository) GetByID(ctx context.Context, id uuid.UUID) (*Room, error) {
	var cached Room
	hit, err := r.cache.Get(ctx, roomKey(id), &cached)
	if err != nil {
		r.logger.Warn().Err(err).Str("room_id", id.String()).Msg("room cache read failed")
	}
	if hit {
		return &cached, nil
	}

	// The load is shared by every waiter, so it must outlive the caller
	// that started it.
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := r.group.Do(roomKey(id), func() (interface{}, error) {
		room, err := r.next.GetByID(loadCtx, id)
		if err != nil {
			return nil, err
		}
		r.store(loadCtx, room)
		return room, nil
	})
	if err != nil {
		return nil, err
	}
	cp := *v.(*Room)
	return &cp, nil
}

func (r *CachedRoomRepository) FindOrCreate(ctx context.Context, patientID, professionalID string) (*Room, bool, error) {
	room, created, err := r.next.FindOrCreate(ctx, patientID, professionalID)
	if err != nil {
		return nil, false, err
	}
	r.store(ctx, room)
	return room, created, nil
}

func (r *CachedRoomRepository) ListByParticipant(ctx context.Context, patientID, professionalID string, limit, offset int) ([]*Room, int, error) {
	return r.next.ListByParticipant(ctx, patientID, professionalID, limit, offset)
}

// Invalidate drops the cached copy of a room.
func (r *CachedRoomRepository) Invalidate(ctx context.Context, id uuid.UUID) {
	if err := r.cache.Delete(ctx, roomKey(id)); err != nil {
		r.logger.Warn().Err(err).Str("room_id", id.String()).Msg("room cache invalidate failed")
	}
}

func (r *CachedRoomRepository) store(ctx context.Context, room *Room) {
	if err := r.cache.Set(ctx, roomKey(room.ID), room); err != nil {
		r.logger.Warn().Err(err).Str("room_id", room.ID.String()).Msg("room cache write failed")
	}
}
