package chat

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carechat/carechat/internal/platform/auth"
	"github.com/carechat/carechat/pkg/pagination"
)

type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger.With().Str("component", "chat_http").Logger()}
}

// RegisterRoutes mounts the REST surface on a group that already runs the
// bearer auth middleware.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/chats", h.ListRooms)
	api.POST("/chats", h.OpenRoom)
	api.GET("/chats/:room_id", h.GetRoom)
	api.GET("/chats/:room_id/messages", h.ListMessages)
	api.POST("/chats/:room_id/send", h.Send)
	api.POST("/chats/:room_id/read", h.MarkRead)
}

type sendRequest struct {
	Content string `json:"content"`
	Role    string `json:"role"`
}

type readRequest struct {
	Role string `json:"role"`
}

type openRoomRequest struct {
	PatientID      string `json:"patient_id"`
	ProfessionalID string `json:"professional_id"`
}

type markReadResponse struct {
	Marked int `json:"marked"`
}

// -- Handlers --

func (h *Handler) Send(c echo.Context) error {
	p, roomID, err := h.principalAndRoom(c)
	if err != nil {
		return err
	}
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return h.httpError(c, ErrInvalidJSON)
	}
	msg, err := h.svc.Send(c.Request().Context(), p, roomID, req.Content, req.Role)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, msg)
}

func (h *Handler) MarkRead(c echo.Context) error {
	p, roomID, err := h.principalAndRoom(c)
	if err != nil {
		return err
	}
	var req readRequest
	if err := c.Bind(&req); err != nil {
		return h.httpError(c, ErrInvalidJSON)
	}
	hint := req.Role
	if hint == "" {
		hint = c.QueryParam("role")
	}
	n, err := h.svc.MarkRead(c.Request().Context(), p, roomID, hint)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, markReadResponse{Marked: n})
}

func (h *Handler) ListMessages(c echo.Context) error {
	p, roomID, err := h.principalAndRoom(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	msgs, total, err := h.svc.ListMessages(c.Request().Context(), p, roomID, pg.Limit, pg.Offset)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(msgs, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path))
}

func (h *Handler) GetRoom(c echo.Context) error {
	p, roomID, err := h.principalAndRoom(c)
	if err != nil {
		return err
	}
	view, err := h.svc.RoomView(c.Request().Context(), p, roomID)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) OpenRoom(c echo.Context) error {
	p, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	var req openRoomRequest
	if err := c.Bind(&req); err != nil {
		return h.httpError(c, ErrInvalidJSON)
	}
	room, created, err := h.svc.OpenRoom(c.Request().Context(), p, req.PatientID, req.ProfessionalID)
	if err != nil {
		return h.httpError(c, err)
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, room)
}

func (h *Handler) ListRooms(c echo.Context) error {
	p, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	pg := pagination.FromContext(c)
	rooms, total, err := h.svc.ListRooms(c.Request().Context(), p, pg.Limit, pg.Offset)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(rooms, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path))
}

// -- Helpers --

func (h *Handler) principalAndRoom(c echo.Context) (auth.Principal, uuid.UUID, error) {
	p, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return auth.Principal{}, uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	roomID, err := uuid.Parse(c.Param("room_id"))
	if err != nil {
		return auth.Principal{}, uuid.Nil, h.httpError(c, ErrNotFound)
	}
	return p, roomID, nil
}

// httpError maps a chat error to an HTTP error carrying an ErrorFrame body.
// Unrecognized errors are logged and reported as internal.
func (h *Handler) httpError(c echo.Context, err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	if !IsClientError(err) {
		h.logger.Error().Err(err).
			Str("path", c.Request().URL.Path).
			Str("user_id", auth.UserIDFromContext(c.Request().Context())).
			Msg("chat request failed")
	}
	return echo.NewHTTPError(StatusCode(err), NewErrorFrame(err))
}
