// Package transport owns the wire format of the live connection: a websocket
// carrying JSON frames of the form {"event": "...", "data": {...}}. The
// bearer token is presented during the HTTP handshake so the server can
// reject unauthenticated connections before the upgrade completes.
package transport

import (
	"context"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/memory-space/capsule-live/internal"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Control events sent to the server.
const (
	EventJoinCapsules = "join_capsules"
	EventJoinCapsule  = "join_capsule"
	EventLeaveCapsule = "leave_capsule"
	EventSendReaction = "send_reaction"
	EventTypingStart  = "typing_start"
	EventTypingStop   = "typing_stop"
)

// Push events received from the server.
const (
	EventUserOnline   = "user_online"
	EventUserOffline  = "user_offline"
	EventUserTyping   = "user_typing"
	EventLiveReaction = "live_reaction"
	EventError        = "error"
)

// Event is one inbound frame, with its payload pre-parsed for cheap field access.
type Event struct {
	Name string
	Data gjson.Result
}

// Conn is a single established live connection. Send and ReadEvent may be used
// from different goroutines, but neither may be called concurrently with itself.
type Conn interface {
	// Send writes one JSON frame. data may be nil for bodyless control events.
	Send(event string, data []byte) error
	// ReadEvent blocks for the next inbound frame. Returns an error when the
	// connection is closed or broken; the connection is unusable afterwards.
	ReadEvent() (*Event, error)
	Close() error
}

// Dialer establishes authenticated live connections.
type Dialer interface {
	// Dial opens a connection, presenting token in the handshake. Returns
	// internal.ErrUnauthorized (possibly wrapped) if the server rejects the
	// token, which callers must treat as fatal for that token.
	Dial(ctx context.Context, token string) (Conn, error)
}

// WebsocketDialer dials a ws:// or wss:// URL using gorilla/websocket.
type WebsocketDialer struct {
	URL    string
	Dialer *websocket.Dialer
}

func NewWebsocketDialer(wsURL string) *WebsocketDialer {
	return &WebsocketDialer{
		URL:    wsURL,
		Dialer: websocket.DefaultDialer,
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	wsConn, resp, err := d.Dialer.DialContext(ctx, d.URL, h)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &internal.HandlerError{
				StatusCode: resp.StatusCode,
				Err:        internal.ErrUnauthorized,
			}
		}
		return nil, err
	}
	logger.Trace().Str("url", d.URL).Msg("websocket connected")
	return &websocketConn{ws: wsConn}, nil
}

type websocketConn struct {
	ws *websocket.Conn
	// gorilla/websocket permits only one concurrent writer
	writeMu sync.Mutex
}

func (c *websocketConn) Send(event string, data []byte) error {
	frame, err := sjson.SetBytes([]byte(`{}`), "event", event)
	if err != nil {
		return err
	}
	if data != nil {
		frame, err = sjson.SetRawBytes(frame, "data", data)
		if err != nil {
			return err
		}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *websocketConn) ReadEvent() (*Event, error) {
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		parsed := gjson.ParseBytes(msg)
		name := parsed.Get("event").Str
		if name == "" {
			// not a protocol frame, skip rather than kill the connection
			logger.Warn().Str("frame", string(msg)).Msg("dropping frame without event name")
			continue
		}
		return &Event{
			Name: name,
			Data: parsed.Get("data"),
		}, nil
	}
}

func (c *websocketConn) Close() error {
	return c.ws.Close()
}
