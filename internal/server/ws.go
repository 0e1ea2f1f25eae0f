package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"neuralmri-go/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
)

// Client message and reply types on /ws.
const (
	msgScanStream = "scan_stream"
	msgPing       = "ping"
	msgPong       = "pong"
	msgInfo       = "info"
	msgError      = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type clientMessage struct {
	Type   string `json:"type"`
	Mode   string `json:"mode"`
	Prompt string `json:"prompt"`
}

type statusMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

type conn struct {
	ws  *websocket.Conn
	id  string
	log *slog.Logger
}

func (c *conn) send(v any) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}

// stream serves one WebSocket client. Messages are handled in order; a
// scan_stream request runs to completion before the next message is read.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &conn{ws: ws, id: uuid.NewString()}
	c.log = s.log.With("conn_id", c.id)
	gauge := s.session.Metrics().StreamConnections
	gauge.Inc()
	defer func() {
		gauge.Dec()
		_ = ws.Close()
		c.log.Info("websocket client disconnected")
	}()

	ctx, cancel := context.WithCancel(logger.WithScanID(r.Context(), c.id))
	defer cancel()

	ws.SetReadLimit(maxMessageSize)
	if err := c.send(statusMessage{Type: msgInfo, Message: "Neural MRI WebSocket connected."}); err != nil {
		return
	}
	c.log.Info("websocket client connected", "remote", r.RemoteAddr)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read failed", "error", err)
			}
			return
		}
		if err := s.dispatch(ctx, c, raw); err != nil {
			c.log.Warn("websocket write failed", "error", err)
			return
		}
	}
}

// dispatch handles one client message. The returned error is a transport
// failure; request errors are reported to the client as error messages.
func (s *Server) dispatch(ctx context.Context, c *conn, raw []byte) error {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return c.send(statusMessage{Type: msgError, Message: "Invalid JSON"})
	}

	switch msg.Type {
	case msgScanStream:
		var sendErr error
		err := s.session.Stream(ctx, msg.Mode, msg.Prompt, func(frame any) error {
			sendErr = c.send(frame)
			return sendErr
		})
		if sendErr != nil {
			return sendErr
		}
		if err != nil {
			return c.send(statusMessage{Type: msgError, Message: err.Error()})
		}
		c.log.Debug("stream complete", "mode", msg.Mode, "prompt_len", len(msg.Prompt))
		return nil
	case msgPing:
		return c.send(statusMessage{Type: msgPong})
	default:
		return c.send(statusMessage{Type: msgError, Message: fmt.Sprintf("Unknown type: %s", msg.Type)})
	}
}
