// Package websocket carries the session and activity channels over
// gorilla/websocket connections.
package websocket

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/hostdeck/hostdeck/internal/activity"
	"github.com/hostdeck/hostdeck/internal/auth"
	internalerrors "github.com/hostdeck/hostdeck/internal/errors"
	"github.com/hostdeck/hostdeck/internal/session"
)

// Inbound message types on the activity channel.
const msgAbort = "abort"

// Handler upgrades authenticated requests to the session and activity channels.
type Handler struct {
	activities *activity.Registry
	sessions   *session.Registry
	hub        *Hub
	upgrader   websocket.Upgrader
	bufferSize int
}

// NewHandler creates a handler. allowedOrigins are wildcard patterns for
// cross-origin browsers.
func NewHandler(activities *activity.Registry, sessions *session.Registry, allowedOrigins []string) *Handler {
	return &Handler{
		activities: activities,
		sessions:   sessions,
		hub:        NewHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     NewOriginChecker(allowedOrigins),
		},
		bufferSize: sendBufferSize,
	}
}

// Hub returns the set of open connections.
func (h *Handler) Hub() *Hub {
	return h.hub
}

// HandleSession serves GET /ws/session.
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	subject := auth.GetUser(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to upgrade session WebSocket")
		return
	}

	client := newClient(conn, "session", h.bufferSize)
	h.hub.add(client)
	go client.writePump()

	s := h.sessions.Register(client, subject)
	logger := log.With().Str("session_id", s.ID).Str("client", client.id).Logger()

	go client.readPump(
		func(msg inboundMessage) {
			if err := s.HandleMessage(msg.Type, msg.Data); err != nil {
				logger.Debug().Err(err).Str("type", msg.Type).Msg("Rejected session message")
			}
		},
		func() {
			h.sessions.Unregister(s.ID)
			h.hub.remove(client)
		},
	)
}

// HandleActivity serves GET /ws/activity/{id}.
func (h *Handler) HandleActivity(w http.ResponseWriter, r *http.Request) {
	activityID := strings.TrimSpace(r.PathValue("id"))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("activity_id", activityID).Msg("Failed to upgrade activity WebSocket")
		return
	}

	client := newClient(conn, "activity", h.bufferSize)
	h.hub.add(client)
	go client.writePump()

	h.activities.Attach(activityID, &observer{client: client})

	go client.readPump(
		func(msg inboundMessage) {
			switch msg.Type {
			case msgAbort:
				if err := h.activities.Abort(activityID); err != nil {
					log.Info().Err(err).Str("activity_id", activityID).Msg("Abort ignored")
					code := "internal"
					if errors.Is(err, internalerrors.ErrNotRunning) {
						code = string(internalerrors.ErrorTypeNotRunning)
					}
					_ = client.Send("error", map[string]string{"code": code, "error": err.Error()})
				}
			default:
				log.Debug().Str("client", client.id).Str("type", msg.Type).Msg("Ignoring activity message")
			}
		},
		func() {
			h.activities.Detach(activityID, client.id)
			h.hub.remove(client)
		},
	)
}

// observer adapts a Client to activity.Observer.
type observer struct {
	client *Client
}

func (o *observer) ID() string {
	return o.client.id
}

func (o *observer) Deliver(ev activity.Event) error {
	return o.client.Send(string(ev.Kind), ev.Payload())
}

func (o *observer) Disconnect() {
	o.client.Close()
}
