package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carechat/carechat/internal/platform/auth"
	"github.com/carechat/carechat/internal/platform/websocket"
)

const DefaultIdleTimeout = 10 * time.Minute

// SessionHandler serves the chat WebSocket. Authentication, room lookup and
// the membership check all happen before the upgrade so that failures are
// plain HTTP responses.
type SessionHandler struct {
	svc         *Service
	resolver    auth.Resolver
	hub         *websocket.Hub
	upgrader    *gorillawebsocket.Upgrader
	idleTimeout time.Duration
	logger      zerolog.Logger
}

func NewSessionHandler(
	svc *Service,
	resolver auth.Resolver,
	hub *websocket.Hub,
	upgrader *gorillawebsocket.Upgrader,
	idleTimeout time.Duration,
	logger zerolog.Logger,
) *SessionHandler {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &SessionHandler{
		svc:         svc,
		resolver:    resolver,
		hub:         hub,
		upgrader:    upgrader,
		idleTimeout: idleTimeout,
		logger:      logger.With().Str("component", "chat_session").Logger(),
	}
}

// RegisterRoutes mounts the WebSocket endpoint. The group must not run the
// bearer middleware: browsers cannot set headers on WebSocket requests, so
// the token may also arrive as a query parameter.
func (h *SessionHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/chat/:room_id", h.Connect)
	g.GET("/chat/:room_id/", h.Connect)
}

func (h *SessionHandler) Connect(c echo.Context) error {
	ctx := c.Request().Context()

	token := auth.TokenFromRequest(c.Request(), true)
	if token == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
	}
	p, err := h.resolver.Resolve(ctx, token)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
	}

	roomID, err := uuid.Parse(c.Param("room_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, NewErrorFrame(ErrNotFound))
	}
	room, err := h.svc.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, NewErrorFrame(ErrNotFound))
		}
		h.logger.Error().Err(err).Str("room_id", roomID.String()).Msg("room lookup failed")
		return echo.NewHTTPError(http.StatusInternalServerError, NewErrorFrame(err))
	}
	if ParticipationOf(p, room) == ParticipationNone {
		return echo.NewHTTPError(http.StatusForbidden, NewErrorFrame(ErrNotParticipant))
	}

	conn, err := websocket.Upgrade(h.upgrader, c.Response(), c.Request())
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.logger.Debug().Err(err).Str("room_id", roomID.String()).Msg("upgrade failed")
		return nil
	}

	s := &session{
		h:         h,
		conn:      conn,
		sub:       h.hub.SubscribeWithAck(room.ID.String()),
		principal: p,
		room:      room,
		activity:  make(chan struct{}, 1),
		drained:   make(chan struct{}, 1),
		pongs:     make(chan string, maxPendingAcks),
		logger: h.logger.With().
			Str("room_id", room.ID.String()).
			Str("user_id", p.UserID).
			Logger(),
	}
	s.run(ctx)
	return nil
}

type closeReason struct {
	code int
	text string
}

// session is one joined connection. The reader goroutine handles ingress;
// the calling goroutine owns egress, heartbeats and the idle timer.
//
// Delivered envelopes stay counted against the subscription buffer until
// the peer answers a ping sent after them (see ackWindow), so a peer that stops reading is
// evicted even while the kernel still accepts writes. The sender's own
// envelopes are exempt, and the reader stops taking frames while its own
// outbound queue is half full.
type session struct {
	h         *SessionHandler
	conn      *websocket.Conn
	sub       *websocket.Subscription
	principal auth.Principal
	room      *Room
	activity  chan struct{}
	drained   chan struct{}
	pongs     chan string
	logger    zerolog.Logger
}

func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.logger.Info().Str("subscription_id", s.sub.ID).Msg("chat session opened")

	s.conn.OnPong(func(appData string) {
		if appData == "" {
			return
		}
		select {
		case s.pongs <- appData:
		default:
		}
	})

	readerDone := make(chan closeReason, 1)
	go func() {
		readerDone <- s.readLoop(websocket.WithOrigin(ctx, s.sub))
	}()

	reason, fromReader := s.writeLoop(readerDone)

	cancel()
	s.h.hub.Unsubscribe(s.sub)
	_ = s.conn.CloseWith(reason.code, reason.text)
	if !fromReader {
		<-readerDone
	}

	s.logger.Info().
		Int("close_code", reason.code).
		Str("close_reason", reason.text).
		Msg("chat session closed")
}

func (s *session) touch() {
	select {
	case s.activity <- struct{}{}:
	default:
	}
}

func (s *session) signalDrained() {
	select {
	case s.drained <- struct{}{}:
	default:
	}
}

// awaitEgress blocks while the session's own outbound queue is at least
// half full. It returns false when ctx ends first.
func (s *session) awaitEgress(ctx context.Context) bool {
	limit := max(s.sub.Capacity()/2, 1)
	for s.sub.Backlog() >= limit {
		select {
		case <-s.drained:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (s *session) readLoop(ctx context.Context) closeReason {
	for {
		if !s.awaitEgress(ctx) {
			return closeReason{code: websocket.CloseNormal}
		}
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedClose(err) {
				s.logger.Debug().Err(err).Msg("chat session read ended")
			}
			return closeReason{code: websocket.CloseNormal}
		}
		s.touch()

		var in InboundFrame
		if mt != websocket.TextMessage || json.Unmarshal(data, &in) != nil {
			if err := s.conn.WriteJSON(NewErrorFrame(ErrInvalidJSON)); err != nil {
				return closeReason{code: websocket.CloseNormal}
			}
			continue
		}

		_, err = s.h.svc.SendToRoom(ctx, s.principal, s.room, in.Content, in.Role)
		if err == nil {
			continue
		}
		if IsClientError(err) {
			if err := s.conn.WriteJSON(NewErrorFrame(err)); err != nil {
				return closeReason{code: websocket.CloseNormal}
			}
			continue
		}

		s.logger.Error().Err(err).Msg("chat send failed")
		_ = s.conn.WriteJSON(NewErrorFrame(err))
		return closeReason{code: websocket.CloseInternalError, text: "internal error"}
	}
}

// writeLoop returns the close reason and whether it came from the reader.
func (s *session) writeLoop(readerDone <-chan closeReason) (closeReason, bool) {
	ping := time.NewTicker(websocket.PingPeriod)
	defer ping.Stop()
	idle := time.NewTimer(s.h.idleTimeout)
	defer idle.Stop()

	var acks ackWindow

	for {
		select {
		case data, ok := <-s.sub.C():
			if !ok {
				if s.sub.Evicted() {
					s.logger.Warn().Msg("chat session evicted for falling behind")
					return closeReason{code: websocket.CloseTryAgainLater, text: "slow consumer"}, false
				}
				return closeReason{code: websocket.CloseNormal}, false
			}
			if err := s.conn.WriteRaw(data); err != nil {
				return closeReason{code: websocket.CloseNormal}, false
			}
			s.signalDrained()
			resetTimer(idle, s.h.idleTimeout)
			if s.sub.Sent() {
				if id, ok := acks.written(); ok {
					if err := s.conn.PingWith([]byte(id)); err != nil {
						return closeReason{code: websocket.CloseNormal}, false
					}
				}
			}
		case id := <-s.pongs:
			n := acks.confirm(id)
			if n == 0 {
				continue
			}
			s.sub.Ack(n)
			if next, ok := acks.next(); ok {
				if err := s.conn.PingWith([]byte(next)); err != nil {
					return closeReason{code: websocket.CloseNormal}, false
				}
			}
		case <-s.activity:
			resetTimer(idle, s.h.idleTimeout)
		case <-ping.C:
			if err := s.conn.Ping(); err != nil {
				return closeReason{code: websocket.CloseNormal}, false
			}
		case <-idle.C:
			return closeReason{code: websocket.CloseNormal, text: "idle timeout"}, false
		case r := <-readerDone:
			return r, true
		}
	}
}

// maxPendingAcks bounds the acknowledgement pings in flight per session.
const maxPendingAcks = 8

type pendingAck struct {
	id      string
	covered int
}

// ackWindow tracks envelopes written to the peer but not yet confirmed by a
// pong. Each ping covers the envelopes written since the previous one.
type ackWindow struct {
	seq       uint64
	pending   []pendingAck
	uncovered int
}

// written records one envelope that awaits confirmation and returns the id
// of a ping to send, if a slot is free.
func (w *ackWindow) written() (string, bool) {
	w.uncovered++
	return w.next()
}

func (w *ackWindow) next() (string, bool) {
	if w.uncovered == 0 || len(w.pending) >= maxPendingAcks {
		return "", false
	}
	w.seq++
	id := strconv.FormatUint(w.seq, 10)
	w.pending = append(w.pending, pendingAck{id: id, covered: w.uncovered})
	w.uncovered = 0
	return id, true
}

// confirm releases every ping up to and including id and returns the number
// of envelopes they covered. Unknown ids release nothing.
func (w *ackWindow) confirm(id string) int {
	for i, p := range w.pending {
		if p.id != id {
			continue
		}
		n := 0
		for _, q := range w.pending[:i+1] {
			n += q.covered
		}
		w.pending = w.pending[i+1:]
		return n
	}
	return 0
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
