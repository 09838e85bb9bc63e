package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second

	// PingPeriod must be shorter than pongWait.
	PingPeriod = (pongWait * 9) / 10

	// MaxFrameSize bounds inbound frames.
	MaxFrameSize = 64 * 1024

	TextMessage = gorillawebsocket.TextMessage
)

// Close codes used by the chat transport.
const (
	CloseNormal        = gorillawebsocket.CloseNormalClosure
	CloseInternalError = gorillawebsocket.CloseInternalServerErr
	CloseTryAgainLater = gorillawebsocket.CloseTryAgainLater
)

// NewUpgrader returns an upgrader that accepts requests without an Origin
// header and requests whose Origin is in allowedOrigins. A "*" entry allows
// every origin.
func NewUpgrader(allowedOrigins []string) *gorillawebsocket.Upgrader {
	allowAll := false
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			allowAll = true
		}
		allowed[strings.ToLower(o)] = struct{}{}
	}

	return &gorillawebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowAll {
				return true
			}
			_, ok := allowed[strings.ToLower(origin)]
			return ok
		},
	}
}

// Conn serializes writes to a gorilla connection. Reads must happen from a
// single goroutine.
type Conn struct {
	ws        *gorillawebsocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
}

// Upgrade performs the websocket handshake and configures read limits and
// the pong-driven read deadline. Headers already set on w, such as request
// ids and security headers from middleware, are sent with the 101 response.
func Upgrade(up *gorillawebsocket.Upgrader, w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := up.Upgrade(w, r, w.Header().Clone())
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	ws.SetReadLimit(MaxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &Conn{ws: ws}, nil
}

// ReadMessage blocks for the next data frame. Any frame extends the read
// deadline.
func (c *Conn) ReadMessage() (int, []byte, error) {
	mt, data, err := c.ws.ReadMessage()
	if err == nil {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	}
	return mt, data, err
}

// WriteRaw writes a pre-encoded text frame.
func (c *Conn) WriteRaw(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(gorillawebsocket.TextMessage, data)
}

// WriteJSON encodes v as a text frame.
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return c.WriteRaw(data)
}

func (c *Conn) Ping() error {
	return c.PingWith(nil)
}

// PingWith sends a ping carrying data. Peers echo it back in their pong.
func (c *Conn) PingWith(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(gorillawebsocket.PingMessage, data, time.Now().Add(writeWait))
}

// OnPong registers fn for every pong received. Pongs keep extending the read
// deadline. It must be called before reading starts.
func (c *Conn) OnPong(fn func(appData string)) {
	c.ws.SetPongHandler(func(appData string) error {
		fn(appData)
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// CloseWith sends a close frame with code and reason, then closes the
// underlying connection. Only the first close has effect.
func (c *Conn) CloseWith(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		_ = c.ws.WriteControl(gorillawebsocket.CloseMessage,
			gorillawebsocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		c.mu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) Close() error {
	return c.CloseWith(CloseNormal, "")
}

// IsUnexpectedClose reports whether err is a close other than a normal or
// going-away close initiated by the peer.
func IsUnexpectedClose(err error) bool {
	return gorillawebsocket.IsUnexpectedCloseError(err,
		gorillawebsocket.CloseNormalClosure, gorillawebsocket.CloseGoingAway, gorillawebsocket.CloseNoStatusReceived)
}
