package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shehryarbajwa/pagepulse/internal/tracker"
	"github.com/shehryarbajwa/pagepulse/pkg/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	streamBuffer = 128
)

// StreamMessage is one frame of the live feed
type StreamMessage struct {
	Type    string                       `json:"type"`
	Page    *tracker.PageEvent           `json:"page,omitempty"`
	Request *models.NetworkRequestRecord `json:"request,omitempty"`
}

// Stream handles GET /v1/stream: page boundaries and finalized requests pushed
// as JSON until the client goes away.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}
	defer conn.Close()

	pages, cancelPages := h.monitor.SubscribePages(streamBuffer)
	defer cancelPages()
	requests, cancelRequests := h.monitor.SubscribeRequests(streamBuffer)
	defer cancelRequests()

	log.Printf("✅ Stream client connected from %s", clientAddr(r))

	// the client never sends anything; reading detects the close
	gone := make(chan error, 1)
	go func() {
		gone <- discardMessages(conn)
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		var msg StreamMessage
		select {
		case err := <-gone:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Stream error: %v", err)
			}
			log.Printf("Stream client disconnected from %s", clientAddr(r))
			return
		case ev, ok := <-pages:
			if !ok {
				return
			}
			msg = StreamMessage{Type: string(ev.Kind), Page: &ev}
		case req, ok := <-requests:
			if !ok {
				return
			}
			msg = StreamMessage{Type: "request", Request: &req}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("Failed to write stream message: %v", err)
			return
		}
	}
}

func discardMessages(conn *websocket.Conn) error {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
	}
}
