package event

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/esshgate/esshgate/pkg/utils"
)

const (
	monitorSendBuffer   = 64
	monitorPingInterval = 30 * time.Second
	monitorPongWait     = 60 * time.Second
	monitorWriteWait    = 5 * time.Second
)

// WSMessage is the JSON envelope sent to monitor clients.
type WSMessage struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
	TS    int64          `json:"ts"`
}

// VerifyFunc validates a bearer token and returns the principal ID.
type VerifyFunc func(token string) (string, error)

// WSHandler serves the /ws/monitor endpoint: a read-mostly websocket that
// streams gateway events to authenticated admin clients.
type WSHandler struct {
	emitter  *Emitter
	verify   VerifyFunc
	upgrader websocket.Upgrader
}

func NewWSHandler(verify VerifyFunc) *WSHandler {
	return &WSHandler{
		emitter: Global(),
		verify:  verify,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle upgrades the request and fans out events until either side closes.
// The bearer rides in the Authorization header or a token query parameter.
// An events query parameter narrows the subscription:
//
//	/ws/monitor?events=session.opened,transfer.finished
func (h *WSHandler) Handle(c *gin.Context) {
	token := utils.BearerToken(c.Request)
	if token == "" {
		token = c.Query("token")
	}
	if _, err := h.verify(token); err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var filter map[string]bool
	if p := c.Query("events"); p != "" {
		filter = make(map[string]bool)
		for _, e := range strings.Split(p, ",") {
			if e = strings.TrimSpace(e); e != "" {
				filter[e] = true
			}
		}
	}

	logger := utils.GetLogger()
	sendCh := make(chan WSMessage, monitorSendBuffer)
	done := make(chan struct{})

	unsubscribe := h.emitter.OnAny(func(ev Event) {
		if filter != nil && !filter[ev.EventName()] {
			return
		}
		msg := WSMessage{
			Event: ev.EventName(),
			Data:  eventToData(ev),
			TS:    time.Now().UnixMilli(),
		}
		select {
		case sendCh <- msg:
		default:
			// Slow monitor clients lose events rather than stall the bus.
			logger.Debug("monitor event dropped", "event", ev.EventName())
		}
	})
	defer unsubscribe()

	// Inbound frames are only read to service pongs and detect the close.
	go func() {
		defer close(done)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(monitorPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(monitorPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.writePump(c, conn, sendCh, done)
}

// writePump is the single writer for one monitor connection: it interleaves
// queued events with keepalive pings until the client goes away.
func (h *WSHandler) writePump(c *gin.Context, conn *websocket.Conn, sendCh <-chan WSMessage, done <-chan struct{}) {
	ticker := time.NewTicker(monitorPingInterval)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-c.Request.Context().Done():
			return
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(monitorWriteWait))
			err = conn.WriteMessage(websocket.PingMessage, nil)
		case msg := <-sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(monitorWriteWait))
			err = conn.WriteJSON(msg)
		}
		if err != nil {
			return
		}
	}
}

func eventToData(ev Event) map[string]any {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}
