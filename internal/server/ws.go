package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/coachpo/reflex/errs"
	"github.com/coachpo/reflex/internal/observability"
	"github.com/coachpo/reflex/internal/schema"
)

// handleWebSocket turns each inbound text frame into a ws.message event.
// The connection id groups every frame from one socket, so triggers scoping
// by connection serialize per client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observability.Log().Warn("websocket accept failed", observability.F("error", err))
		return
	}
	connectionID := uuid.NewString()
	defer conn.Close(websocket.StatusNormalClosure, "shutdown")

	observability.Log().Info("websocket connected",
		observability.F("connection_id", connectionID),
	)

	ctx := r.Context()
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				return
			}
			observability.Log().Warn("websocket read failed",
				observability.F("connection_id", connectionID),
				observability.F("error", err),
			)
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		evt := schema.NewWSMessage("ws:"+connectionID, connectionID, string(data))
		if err := s.store.Publish(ctx, evt); err != nil && !errs.IsCode(err, errs.CodeConflict) {
			observability.Log().Error("websocket publish failed",
				observability.F("connection_id", connectionID),
				observability.F("error", err),
			)
			conn.Close(websocket.StatusInternalError, "publish failed")
			return
		}
	}
}
