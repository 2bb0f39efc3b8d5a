package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog/log"

	"launchbox/internal/execution"
)

// HandleStreamLogs upgrades the connection to WebSocket and streams an
// execution's logs: the persisted backlog first, then live lines until
// the client disconnects or the publisher closes the feed.
func (h *Handlers) HandleStreamLogs(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(w, r)
	if !ok {
		return
	}

	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	// Authorize and snapshot the backlog before upgrading, so auth
	// failures still produce plain HTTP errors.
	backlog, err := h.svc.Logs(r.Context(), id, userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	// Subscribe before replaying the backlog. Lines published during
	// replay buffer in the subscriber channel instead of being lost.
	live := h.subs.Subscribe(id)
	defer h.subs.Unsubscribe(id, live)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Error().Err(err).Str("execution_id", id.String()).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx := r.Context()
	seen := make(map[time.Time]bool, len(backlog))

	for _, line := range backlog {
		seen[line.Timestamp] = true
		if err := writeLine(ctx, conn, line); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "client gone")
			return
		case line, open := <-live:
			if !open {
				conn.Close(websocket.StatusNormalClosure, "execution finished")
				return
			}
			// Skip lines already delivered in the backlog replay.
			if seen[line.Timestamp] {
				continue
			}
			if err := writeLine(ctx, conn, line); err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					log.Debug().Err(err).Str("execution_id", id.String()).Msg("log stream write failed")
				}
				return
			}
		}
	}
}

func writeLine(ctx context.Context, conn *websocket.Conn, line execution.LogLine) error {
	return wsjson.Write(ctx, conn, LogLineResponse{
		Level:     string(line.Level),
		Message:   line.Message,
		Timestamp: line.Timestamp,
	})
}
