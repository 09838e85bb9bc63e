package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carechat/carechat/internal/platform/auth"
	"github.com/carechat/carechat/internal/platform/websocket"
)

var (
	patientP      = auth.Principal{UserID: "u-patient", PatientID: "P1"}
	professionalP = auth.Principal{UserID: "u-professional", ProfessionalID: "Q1"}
	bothP         = auth.Principal{UserID: "u-both", PatientID: "P1", ProfessionalID: "Q1"}
	outsiderP     = auth.Principal{UserID: "u-outsider", PatientID: "P2"}
)

func newTestService(t *testing.T) (*Service, *MemoryStore, *websocket.Hub, *Room) {
	t.Helper()
	store := NewMemoryStore()
	hub := websocket.NewHub(64, zerolog.Nop())
	svc := NewService(store, store, hub, ServiceConfig{}, zerolog.Nop())
	room, _, err := store.FindOrCreate(context.Background(), "P1", "Q1")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return svc, store, hub, room
}

func recvEnvelope(t *testing.T, sub *websocket.Subscription) Envelope {
	t.Helper()
	select {
	case data, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
	}
	return Envelope{}
}

func TestService_SendBroadcastsToRoom(t *testing.T) {
	svc, store, hub, room := newTestService(t)
	sub := hub.Subscribe(room.ID.String())
	defer hub.Unsubscribe(sub)

	msg, err := svc.Send(context.Background(), patientP, room.ID, "  hello  ", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.SenderRole != RolePatient || msg.SenderID != "P1" || msg.Content != "hello" {
		t.Errorf("unexpected message: %+v", msg)
	}

	env := recvEnvelope(t, sub)
	if env.Message.ID != msg.ID.String() || env.Message.Content != "hello" || env.Message.SenderRole != RolePatient {
		t.Errorf("unexpected envelope: %+v", env)
	}

	_, total, _ := store.List(context.Background(), room.ID, 10, 0)
	if total != 1 {
		t.Errorf("expected 1 persisted message, got %d", total)
	}
}

type invalidatingRooms struct {
	RoomRepository
	mu  sync.Mutex
	ids []uuid.UUID
}

func (r *invalidatingRooms) Invalidate(_ context.Context, id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func TestService_SendInvalidatesCachedRoom(t *testing.T) {
	store := NewMemoryStore()
	rooms := &invalidatingRooms{RoomRepository: store}
	svc := NewService(rooms, store, websocket.NewHub(64, zerolog.Nop()), ServiceConfig{}, zerolog.Nop())
	ctx := context.Background()
	room, _, err := store.FindOrCreate(ctx, "P1", "Q1")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	if _, err := svc.Send(ctx, patientP, room.ID, "hello", ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := svc.Send(ctx, outsiderP, room.ID, "hello", ""); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}

	rooms.mu.Lock()
	defer rooms.mu.Unlock()
	if len(rooms.ids) != 1 || rooms.ids[0] != room.ID {
		t.Errorf("expected one invalidation of %s, got %v", room.ID, rooms.ids)
	}
}

func TestService_SendRejections(t *testing.T) {
	svc, store, hub, room := newTestService(t)
	sub := hub.Subscribe(room.ID.String())
	defer hub.Unsubscribe(sub)

	tests := []struct {
		name    string
		p       auth.Principal
		content string
		hint    string
		want    error
	}{
		{"outsider", outsiderP, "hi", "", ErrNotParticipant},
		{"outsider empty content", outsiderP, "", "", ErrNotParticipant},
		{"empty", patientP, "", "", ErrEmptyContent},
		{"whitespace", patientP, " \n\t ", "", ErrEmptyContent},
		{"too long", patientP, strings.Repeat("é", DefaultMaxContentLength+1), "", ErrContentTooLong},
		{"ambiguous", bothP, "hi", "", ErrAmbiguousRole},
		{"mismatch", patientP, "hi", "professional", ErrRoleMismatch},
		{"invalid hint", professionalP, "hi", "admin", ErrInvalidHint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Send(context.Background(), tt.p, room.ID, tt.content, tt.hint)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if _, total, _ := store.List(context.Background(), room.ID, 10, 0); total != 0 {
		t.Errorf("rejected sends must not persist, got %d", total)
	}
	select {
	case <-sub.C():
		t.Error("rejected sends must not broadcast")
	default:
	}
}

func TestService_SendUnknownRoom(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	if _, err := svc.Send(context.Background(), patientP, uuid.New(), "hi", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_SendAsBothWithHint(t *testing.T) {
	svc, _, _, room := newTestService(t)
	msg, err := svc.Send(context.Background(), bothP, room.ID, "hi", "provider")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.SenderRole != RoleProfessional || msg.SenderID != "Q1" {
		t.Errorf("expected professional sender, got %+v", msg)
	}
}

func TestService_ContentLimitCountsRunes(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, store, websocket.NewHub(4, zerolog.Nop()), ServiceConfig{MaxContentLength: 3}, zerolog.Nop())
	room, _, _ := store.FindOrCreate(context.Background(), "P1", "Q1")

	if _, err := svc.Send(context.Background(), patientP, room.ID, "ééé", ""); err != nil {
		t.Errorf("expected three runes to fit, got %v", err)
	}
	if _, err := svc.Send(context.Background(), patientP, room.ID, "éééé", ""); !errors.Is(err, ErrContentTooLong) {
		t.Errorf("expected ErrContentTooLong, got %v", err)
	}
}

func TestService_ConcurrentSendsDeliveredInPersistedOrder(t *testing.T) {
	svc, store, hub, room := newTestService(t)
	sub := hub.Subscribe(room.ID.String())
	defer hub.Unsubscribe(sub)

	const senders, perSender = 4, 10
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := patientP
			if i%2 == 1 {
				p = professionalP
			}
			for j := 0; j < perSender; j++ {
				if _, err := svc.Send(context.Background(), p, room.ID, fmt.Sprintf("%d-%d", i, j), ""); err != nil {
					t.Errorf("send: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	persisted, total, _ := store.List(context.Background(), room.ID, 100, 0)
	if total != senders*perSender {
		t.Fatalf("expected %d messages, got %d", senders*perSender, total)
	}
	for i, m := range persisted {
		env := recvEnvelope(t, sub)
		if env.Message.ID != m.ID.String() {
			t.Fatalf("delivery order diverges from persisted order at %d", i)
		}
	}
	if svc.locks.size() != 0 {
		t.Errorf("expected room locks to be released, %d remain", svc.locks.size())
	}
}

func TestService_SlowSubscriberEvicted(t *testing.T) {
	svc, store, hub, room := newTestService(t)
	slow := hub.Subscribe(room.ID.String())
	fast := hub.Subscribe(room.ID.String())
	defer hub.Unsubscribe(fast)

	var received []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for data := range fast.C() {
			var env Envelope
			_ = json.Unmarshal(data, &env)
			received = append(received, env.Message.Content)
			if len(received) == 65 {
				return
			}
		}
	}()

	for i := 0; i < 65; i++ {
		if _, err := svc.Send(context.Background(), patientP, room.ID, fmt.Sprintf("%d", i), ""); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		if i%16 == 15 {
			time.Sleep(10 * time.Millisecond)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("fast subscriber received %d of 65", len(received))
	}
	for i, c := range received {
		if c != fmt.Sprintf("%d", i) {
			t.Fatalf("out of order at %d: %s", i, c)
		}
	}
	if !slow.Evicted() {
		t.Error("expected slow subscriber to be evicted")
	}
	if _, total, _ := store.List(context.Background(), room.ID, 100, 0); total != 65 {
		t.Errorf("expected 65 persisted, got %d", total)
	}
}

func TestService_AppendSurvivesCanceledContext(t *testing.T) {
	svc, store, _, room := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := svc.SendToRoom(ctx, patientP, room, "still delivered", ""); err != nil {
		t.Fatalf("expected send to proceed, got %v", err)
	}
	if _, total, _ := store.List(context.Background(), room.ID, 10, 0); total != 1 {
		t.Errorf("expected 1 persisted message, got %d", total)
	}
}

type failingMessages struct {
	MessageRepository
}

func (failingMessages) Append(context.Context, uuid.UUID, Role, string, string) (*Message, error) {
	return nil, errors.New("disk full")
}

func TestService_StoreFailureIsInternal(t *testing.T) {
	store := NewMemoryStore()
	hub := websocket.NewHub(4, zerolog.Nop())
	svc := NewService(store, failingMessages{store}, hub, ServiceConfig{}, zerolog.Nop())
	room, _, _ := store.FindOrCreate(context.Background(), "P1", "Q1")
	sub := hub.Subscribe(room.ID.String())
	defer hub.Unsubscribe(sub)

	_, err := svc.Send(context.Background(), patientP, room.ID, "hi", "")
	if err == nil || IsClientError(err) {
		t.Fatalf("expected internal error, got %v", err)
	}
	select {
	case <-sub.C():
		t.Error("failed append must not broadcast")
	default:
	}
}

func TestService_MarkRead(t *testing.T) {
	svc, _, _, room := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := svc.Send(ctx, professionalP, room.ID, "note", ""); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	n, err := svc.MarkRead(ctx, patientP, room.ID, "")
	if err != nil || n != 3 {
		t.Fatalf("expected 3 marked, got %d (%v)", n, err)
	}
	n, err = svc.MarkRead(ctx, patientP, room.ID, "")
	if err != nil || n != 0 {
		t.Fatalf("expected 0 on repeat, got %d (%v)", n, err)
	}

	msgs, total, err := svc.ListMessages(ctx, patientP, room.ID, 10, 0)
	if err != nil || total != 3 || len(msgs) != 3 {
		t.Fatalf("expected the 3 messages, got %d/%d (%v)", len(msgs), total, err)
	}
	for i, m := range msgs {
		if !m.Read {
			t.Errorf("message %d should stay read after the repeated mark", i)
		}
	}

	if _, err := svc.MarkRead(ctx, bothP, room.ID, ""); !errors.Is(err, ErrAmbiguousRole) {
		t.Errorf("expected ErrAmbiguousRole, got %v", err)
	}
	if _, err := svc.MarkRead(ctx, outsiderP, room.ID, ""); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("expected ErrNotParticipant, got %v", err)
	}
}

func TestService_OpenRoom(t *testing.T) {
	svc, _, _, existing := newTestService(t)
	ctx := context.Background()

	room, created, err := svc.OpenRoom(ctx, patientP, "P1", "Q1")
	if err != nil || created || room.ID != existing.ID {
		t.Fatalf("expected existing room, got created=%v err=%v", created, err)
	}

	room, created, err = svc.OpenRoom(ctx, professionalP, " P5 ", "Q1")
	if err != nil || !created {
		t.Fatalf("expected new room, got created=%v err=%v", created, err)
	}
	if room.PatientID != "P5" {
		t.Errorf("expected trimmed patient id, got %q", room.PatientID)
	}

	if _, _, err := svc.OpenRoom(ctx, outsiderP, "P1", "Q1"); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("expected ErrNotParticipant, got %v", err)
	}
	if _, _, err := svc.OpenRoom(ctx, patientP, "P1", ""); !errors.Is(err, ErrInvalidRoom) {
		t.Errorf("expected ErrInvalidRoom, got %v", err)
	}
}

func TestService_ListRoomsAndView(t *testing.T) {
	svc, _, _, room := newTestService(t)
	ctx := context.Background()
	if _, _, err := svc.OpenRoom(ctx, professionalP, "P7", "Q1"); err != nil {
		t.Fatalf("open room: %v", err)
	}
	if _, err := svc.Send(ctx, professionalP, room.ID, "hi", ""); err != nil {
		t.Fatalf("send: %v", err)
	}

	rooms, total, err := svc.ListRooms(ctx, professionalP, 10, 0)
	if err != nil || total != 2 || len(rooms) != 2 {
		t.Fatalf("expected 2 rooms, got %d (%v)", total, err)
	}
	if rooms[0].ID != room.ID {
		t.Error("expected most recently active room first")
	}

	rooms, total, _ = svc.ListRooms(ctx, auth.Principal{UserID: "nobody"}, 10, 0)
	if total != 0 || len(rooms) != 0 {
		t.Errorf("expected no rooms without identity, got %d", total)
	}

	view, err := svc.RoomView(ctx, bothP, room.ID)
	if err != nil {
		t.Fatalf("room view: %v", err)
	}
	if view.Unread[RolePatient] != 1 || view.Unread[RoleProfessional] != 0 {
		t.Errorf("unexpected unread counts: %v", view.Unread)
	}
	view, _ = svc.RoomView(ctx, professionalP, room.ID)
	if _, ok := view.Unread[RolePatient]; ok {
		t.Error("view must only include sides the principal holds")
	}
	if _, err := svc.RoomView(ctx, outsiderP, room.ID); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("expected ErrNotParticipant, got %v", err)
	}
}

func TestService_ListMessagesParticipantsOnly(t *testing.T) {
	svc, _, _, room := newTestService(t)
	ctx := context.Background()
	_, _ = svc.Send(ctx, patientP, room.ID, "one", "")

	msgs, total, err := svc.ListMessages(ctx, professionalP, room.ID, 10, 0)
	if err != nil || total != 1 || msgs[0].Content != "one" {
		t.Fatalf("unexpected history: %v (%v)", msgs, err)
	}
	if _, _, err := svc.ListMessages(ctx, outsiderP, room.ID, 10, 0); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("expected ErrNotParticipant, got %v", err)
	}
}
