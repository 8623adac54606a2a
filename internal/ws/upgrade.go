package ws

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handler upgrades requests to WebSocket sessions registered on Registry.
type Handler struct {
	registry *Registry
	upgrader websocket.Upgrader
	origins  originPolicy
}

func NewHandler(r *Registry, allowedOrigins []string) *Handler {
	h := &Handler{registry: r, origins: newOriginPolicy(allowedOrigins)}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.origins.check}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.registry.log
	log.Info("ws handler called", zap.String("remote", r.RemoteAddr))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		log.Warn("ws upgrade error", zap.Error(err))
		return
	}

	s := h.registry.NewSession(conn)
	if err := h.registry.Add(s); err != nil {
		log.Warn("ws client rejected", zap.String("session", s.ID()), zap.Error(err))
		code := websocket.CloseInternalServerErr
		switch {
		case errors.Is(err, ErrTooManyConnections):
			code = websocket.CloseTryAgainLater
		case errors.Is(err, ErrRegistryClosed):
			code = websocket.CloseGoingAway
		}
		s.reject(code, err.Error())
		return
	}

	s.Serve()
}
