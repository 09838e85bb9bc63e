package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/carechat/carechat/internal/platform/cache"
)

// Requires Redis on localhost:6379; tests skip otherwise.
func newTestRoomCache(t *testing.T) *cache.Cache {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	prefix := "test:carechat:rooms:" + uuid.NewString() + ":"
	t.Cleanup(func() {
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		client.Close()
	})
	return cache.New(client, prefix, time.Minute)
}

type countingRooms struct {
	RoomRepository
	gets atomic.Int32
}

func (c *countingRooms) GetByID(ctx context.Context, id uuid.UUID) (*Room, error) {
	c.gets.Add(1)
	return c.RoomRepository.GetByID(ctx, id)
}

func TestCachedRoomRepository_GetByID(t *testing.T) {
	c := newTestRoomCache(t)
	store := NewMemoryStore()
	counting := &countingRooms{RoomRepository: store}
	repo := NewCachedRoomRepository(counting, c, zerolog.Nop())
	ctx := context.Background()

	room, _, err := store.FindOrCreate(ctx, "P1", "Q1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 3; i++ {
		got, err := repo.GetByID(ctx, room.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.PatientID != "P1" || got.ProfessionalID != "Q1" {
			t.Errorf("unexpected room: %+v", got)
		}
	}
	if n := counting.gets.Load(); n != 1 {
		t.Errorf("expected one store lookup, got %d", n)
	}

	repo.Invalidate(ctx, room.ID)
	if _, err := repo.GetByID(ctx, room.ID); err != nil {
		t.Fatalf("get after invalidate: %v", err)
	}
	if n := counting.gets.Load(); n != 2 {
		t.Errorf("expected a second store lookup after invalidate, got %d", n)
	}
}

func TestCachedRoomRepository_NotFoundIsNotCached(t *testing.T) {
	c := newTestRoomCache(t)
	repo := NewCachedRoomRepository(NewMemoryStore(), c, zerolog.Nop())

	if _, err := repo.GetByID(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if c.Stats().Sets != 0 {
		t.Errorf("expected nothing cached, got %d sets", c.Stats().Sets)
	}
}

func TestCachedRoomRepository_FindOrCreatePopulates(t *testing.T) {
	c := newTestRoomCache(t)
	store := NewMemoryStore()
	counting := &countingRooms{RoomRepository: store}
	repo := NewCachedRoomRepository(counting, c, zerolog.Nop())
	ctx := context.Background()

	room, created, err := repo.FindOrCreate(ctx, "P1", "Q1")
	if err != nil || !created {
		t.Fatalf("expected creation, got %v (%v)", created, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.GetByID(ctx, room.ID); err != nil {
				t.Errorf("get: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := counting.gets.Load(); n != 0 {
		t.Errorf("expected lookups served from cache, got %d store reads", n)
	}

	rooms, total, err := repo.ListByParticipant(ctx, "P1", "", 10, 0)
	if err != nil || total != 1 || rooms[0].ID != room.ID {
		t.Errorf("expected listing to pass through, got %d (%v)", total, err)
	}
}

type blockingRooms struct {
	RoomRepository
	entered chan struct{}
	release chan struct{}
	ctxErr  error
}

func (b *blockingRooms) GetByID(ctx context.Context, id uuid.UUID) (*Room, error) {
	close(b.entered)
	<-b.release
	b.ctxErr = ctx.Err()
	if b.ctxErr != nil {
		return nil, b.ctxErr
	}
	return b.RoomRepository.GetByID(ctx, id)
}

func TestCachedRoomRepository_LoadOutlivesCaller(t *testing.T) {
	// Cache errors degrade to store reads, so an unreachable Redis is enough.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { client.Close() })
	c := cache.New(client, "test:", time.Minute)

	store := NewMemoryStore()
	room, _, err := store.FindOrCreate(context.Background(), "P1", "Q1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	blocking := &blockingRooms{RoomRepository: store, entered: make(chan struct{}), release: make(chan struct{})}
	repo := NewCachedRoomRepository(blocking, c, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		room *Room
		err  error
	}
	done := make(chan result, 1)
	go func() {
		r, err := repo.GetByID(ctx, room.ID)
		done <- result{r, err}
	}()

	select {
	case <-blocking.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("load never started")
	}
	cancel()
	close(blocking.release)

	res := <-done
	if blocking.ctxErr != nil {
		t.Errorf("shared load saw the caller's cancellation: %v", blocking.ctxErr)
	}
	if res.err != nil || res.room.ID != room.ID {
		t.Errorf("expected the room, got %v (%v)", res.room, res.err)
	}
}
