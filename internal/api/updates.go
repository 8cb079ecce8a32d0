package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/openjobspec/ojs-pacer/internal/core"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

// EventSource hands out per-job event subscriptions.
type EventSource interface {
	Subscribe(jobID string) (<-chan core.Event, func())
}

// StatusReader reads a job's status view.
type StatusReader interface {
	Status(ctx context.Context, jobID string) (*core.JobStatusView, error)
}

// UpdatesHandler streams a job's progress events over a websocket.
type UpdatesHandler struct {
	jobs     StatusReader
	events   EventSource
	upgrader websocket.Upgrader
	logger   *slog.Logger

	closing   chan struct{}
	closeOnce sync.Once
}

// NewUpdatesHandler creates an UpdatesHandler.
func NewUpdatesHandler(jobs StatusReader, events EventSource) *UpdatesHandler {
	return &UpdatesHandler{
		jobs:   jobs,
		events: events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  slog.Default(),
		closing: make(chan struct{}),
	}
}

// Close ends every open stream with a close frame.
func (h *UpdatesHandler) Close() {
	h.closeOnce.Do(func() { close(h.closing) })
}

type subscribedMessage struct {
	Type          string              `json:"type"`
	Message       string              `json:"message"`
	JobID         string              `json:"jobId"`
	CurrentStatus *core.JobStatusView `json:"currentStatus"`
}

type clientMessage struct {
	Type string `json:"type"`
}

type pongMessage struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// Stream handles GET /api/processing/{jobId}/updates. The first message is
// the job's current status; every later one is an event envelope.
func (h *UpdatesHandler) Stream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	view, err := h.jobs.Status(r.Context(), jobID)
	if err != nil {
		HandleError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "job_id", jobID, "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := h.events.Subscribe(jobID)
	defer unsubscribe()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(subscribedMessage{
		Type:          "subscribed",
		Message:       "Subscribed to updates for job " + jobID,
		JobID:         jobID,
		CurrentStatus: view,
	}); err != nil {
		return
	}
	h.logger.Debug("client subscribed", "job_id", jobID)

	c := &wsClient{conn: conn, replies: make(chan any, 8), done: make(chan struct{}), logger: h.logger}
	go c.readPump()
	c.writePump(events, h.closing)
	h.logger.Debug("client unsubscribed", "job_id", jobID)
}

type wsClient struct {
	conn    *websocket.Conn
	replies chan any
	done    chan struct{}
	logger  *slog.Logger
}

// readPump answers pings and notices when the peer goes away. It is the
// only reader of the connection.
func (c *wsClient) readPump() {
	defer close(c.done)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			select {
			case c.replies <- pongMessage{Type: "pong", Timestamp: core.NowFormatted()}:
			default:
			}
		}
	}
}

// writePump is the only writer of the connection.
func (c *wsClient) writePump(events <-chan core.Event, closing <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-closing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case ev, ok := <-events:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := core.MarshalEvent(ev)
			if err != nil {
				c.logger.Warn("skipping unencodable event", "job_id", ev.EventJobID(), "error", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case reply := <-c.replies:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(reply); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
