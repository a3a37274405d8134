package intake

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/deepresearch/orchestrator/internal/model"
	"github.com/deepresearch/orchestrator/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// handleProgressWS upgrades to a WebSocket and streams every ProgressEvent
// published for the task from this point forward, closing the connection
// cleanly once a terminal event is delivered. A task already in a
// terminal state has no live topic to subscribe to, so its current status
// is sent as a single synthetic message before the connection closes.
func (s *Server) handleProgressWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load task", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Warn("intake: websocket upgrade failed", zap.Error(err), zap.String("task_id", id))
		return
	}
	defer conn.Close()

	if task.Status.Terminal() {
		s.writeTerminalSnapshot(conn, *task)
		return
	}

	events, ok := s.bus.Subscribe(id)
	if !ok {
		s.writeTerminalSnapshot(conn, *task)
		return
	}
	defer s.bus.Unsubscribe(id, events)

	done := make(chan struct{})
	go s.readPump(conn, done)

	s.writePump(conn, events, done)
}

// writeTerminalSnapshot sends the one message a late subscriber to an
// already-finished task will ever receive.
func (s *Server) writeTerminalSnapshot(conn *websocket.Conn, task model.ResearchTask) {
	kind := model.EventCompleted
	if task.Status == model.TaskFailed {
		kind = model.EventFailed
	}
	event := model.ProgressEvent{
		TaskID:    task.ID,
		Timestamp: time.Now(),
		Kind:      kind,
		Message:   string(task.Status),
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if b, err := json.Marshal(event); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, b)
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readPump drains client control frames (ping/close) so the connection's
// read deadline keeps advancing; it never expects application data from
// the client. It returns when the connection closes or done fires.
func (s *Server) readPump(conn *websocket.Conn, done chan struct{}) {
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		select {
		case <-done:
			return
		default:
		}
	}
}

// writePump relays events to the client until the topic closes (terminal
// event delivered or the observer was dropped for being slow), then closes
// the connection. A ticker sends periodic pings so readPump's deadline
// keeps advancing across long gaps between events.
func (s *Server) writePump(conn *websocket.Conn, events <-chan model.ProgressEvent, done chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		close(done)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			b, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
			if event.Kind.Terminal() {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
