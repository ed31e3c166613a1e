package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 10 * time.Second
	wsReadLimit = 512
)

// StreamEvents отдаёт события run через WebSocket.
// GET /api/v1/agent/runs/{id}/events?from=N
//
// Каждое событие — JSON сообщение domain.Event. После финального
// статуса сервер закрывает соединение с CloseNormalClosure.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	from := 0
	if s := r.URL.Query().Get("from"); s != "" {
		if from, err = strconv.Atoi(s); err != nil {
			BadRequest(w, "invalid from")
			return
		}
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Ошибки (404, 400) отдаём обычным HTTP ответом до upgrade.
	events, err := h.agent.Events(ctx, id, from)
	if HandleServiceError(w, h.logger, err) {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "run_id", id, "error", err)
		return
	}
	defer conn.Close()

	// Читаем только control frames; закрытие клиентом отменяет поток.
	conn.SetReadLimit(wsReadLimit)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.logger.Debug("websocket read error", "run_id", id, "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream finished")
				conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("websocket write failed", "run_id", id, "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
