package handler

import (
	"Sam2SegServer/engine"
	iface "Sam2SegServer/interface"
	"Sam2SegServer/logger"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const wsEndpoint = "/ws/segment"

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.opts.AllowedOrigins {
		if o == "*" || strings.TrimRight(o, "/") == origin {
			return true
		}
	}
	return false
}

// WSSegment keeps a connection open and answers every text message with a segmentation
// response or an error body.
func (h *Handler) WSSegment(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already wrote the HTTP error
		logger.Log().Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	if h.opts.MaxUploadSize > 0 {
		// base64 grows the payload by a third
		conn.SetReadLimit(h.opts.MaxUploadSize*4/3 + 4096)
	}
	sessionID := uuid.NewString()
	logger.Log().Info("websocket session opened", zap.String("session", sessionID), zap.String("ip", c.ClientIP()))

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Log().Warn("websocket read failed", zap.String("session", sessionID), zap.Error(err))
			}
			logger.Log().Info("websocket session closed", zap.String("session", sessionID))
			return
		}
		var reply any
		if mt != websocket.TextMessage {
			reply = h.wsError(fmt.Errorf("%w: unsupported message type", iface.ErrInvalidInput), "")
		} else if resp, mode, err := h.handleMessage(c.Request.Context(), msg); err != nil {
			logger.Log().Warn("websocket segmentation failed",
				zap.String("session", sessionID),
				zap.String("kind", iface.Kind(err)),
				zap.Error(err))
			reply = h.wsError(err, mode)
		} else {
			h.metrics.ObserveRequest(wsEndpoint, resp.Mode, http.StatusOK)
			reply = resp
		}
		if err := conn.WriteJSON(reply); err != nil {
			logger.Log().Warn("websocket write failed", zap.String("session", sessionID), zap.Error(err))
			return
		}
	}
}

func (h *Handler) wsError(err error, mode string) ErrorResponse {
	h.metrics.ObserveRequest(wsEndpoint, mode, statusOf(err))
	return errorBody(err)
}

func (h *Handler) handleMessage(ctx context.Context, msg []byte) (*SegmentResponse, string, error) {
	var req WSRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return nil, "", fmt.Errorf("%w: malformed message: %v", iface.ErrInvalidInput, err)
	}
	if req.Mode == "" {
		req.Mode = string(iface.ModeEverything)
	}
	if !h.seg.Ready() {
		return nil, req.Mode, errNotLoaded()
	}
	points, boxes := rawField(req.Points), rawField(req.Boxes)
	prompt, err := ParsePrompt(req.Mode, points, boxes)
	if err != nil {
		return nil, req.Mode, err
	}
	data, err := engine.DecodeBase64(req.Image)
	if err != nil {
		return nil, req.Mode, err
	}
	resp, err := h.process(ctx, data, prompt, points+"|"+boxes)
	return resp, req.Mode, err
}
