package diag

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Local-loopback diagnostics tool: no browser-origin boundary to enforce.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// subscriber is one connected diagnostics websocket client. Adapted from
// leebo-zerogo/internal/controller/ws.go's AgentConn: a mutex-guarded
// SendJSON wrapping a single *websocket.Conn, minus the agent-specific
// metadata fields (NodeAddr, Networks, ...) this read-only stream has no
// use for.
type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *subscriber) sendJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(v)
}

// wsHub tracks connected subscribers and fans out PeerEventView broadcasts
// to all of them. Adapted from leebo-zerogo/internal/controller/ws.go's
// WSHandler, generalized from a node-address-keyed map (agents reconnect
// under a stable identity) to an anonymous connection set (a diagnostics
// viewer has no identity worth keying on).
type wsHub struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	log         *slog.Logger
}

func newWSHub(log *slog.Logger) *wsHub {
	return &wsHub{subscribers: make(map[*subscriber]struct{}), log: log.With("component", "diag-ws")}
}

func (h *wsHub) handleUpgrade(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "err", err)
		return
	}
	sub := &subscriber{conn: conn}

	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.subscribers, sub)
		h.mu.Unlock()
		conn.Close()
	}()

	// This is a push-only stream; drain and discard anything the client
	// sends so a dead peer is still detected via its read error.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *wsHub) broadcast(ev any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subscribers {
		if err := sub.sendJSON(ev); err != nil {
			h.log.Debug("dropping unresponsive diagnostics subscriber", "err", err)
		}
	}
}
