package server

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loykin/procevents/internal/report"
)

const clientBuffer = 64

var upgrader = websocket.Upgrader{
	// read-only local diagnostics stream
	CheckOrigin: func(*http.Request) bool { return true },
}

// eventClient forwards transcript lines to one websocket. A client that
// falls clientBuffer lines behind is disconnected.
type eventClient struct {
	send   chan []byte
	conn   *websocket.Conn
	cancel func()
	once   sync.Once
	mu     sync.Mutex
	closed bool
}

func (e *eventClient) push(line report.Line) {
	data, err := json.Marshal(line)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.send <- data:
	default:
		e.closed = true
		close(e.send)
	}
}

func (e *eventClient) shutdown() {
	e.once.Do(func() {
		e.cancel()
		e.mu.Lock()
		if !e.closed {
			e.closed = true
			close(e.send)
		}
		e.mu.Unlock()
	})
}

func (e *eventClient) writePump() {
	defer func() { _ = e.conn.Close() }()
	for msg := range e.send {
		if err := e.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = e.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (r *Router) handleEvents(c *gin.Context) {
	if r.rep == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "no session"})
		return
	}
	// subscribed before the upgrade so no line after the handshake is missed
	ec := &eventClient{send: make(chan []byte, clientBuffer)}
	ec.cancel = r.rep.Observe(ec.push)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		ec.shutdown()
		r.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	ec.conn = conn
	r.log.Debug("events client connected", "remote", c.Request.RemoteAddr)
	go ec.writePump()

	go func() {
		defer func() {
			ec.shutdown()
			r.log.Debug("events client disconnected", "remote", c.Request.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
