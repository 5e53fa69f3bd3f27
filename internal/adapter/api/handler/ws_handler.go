package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/V4T54L/mod-gate/internal/adapter/pii"
	"github.com/V4T54L/mod-gate/internal/domain"
	"github.com/V4T54L/mod-gate/internal/hub"
)

const (
	// writeWait bounds a single outbound frame write.
	writeWait = 10 * time.Second

	// pongGrace pads the read deadline past two missed pings.
	pongGrace = 5 * time.Second

	// controlQueueSize buffers acks and error replies to one session.
	controlQueueSize = 8
)

// Session control verbs accepted from clients.
const (
	ActionChatMessage     = "chat_message"
	ActionStartSimulation = "start_simulation"
	ActionStopSimulation  = "stop_simulation"
)

// SimControl starts and stops the background traffic simulator.
type SimControl interface {
	Start(ctx context.Context) bool
	Stop()
	Running() bool
}

// SessionHandler upgrades GET /ws requests and runs one bidirectional
// session per client: pipeline events stream out, chat messages and
// control verbs come in.
type SessionHandler struct {
	hub       *hub.Hub
	moderator Moderator
	sim       SimControl
	redactor  *pii.Redactor
	logger    *slog.Logger
	pingEvery time.Duration
	upgrader  websocket.Upgrader

	// appCtx outlives any single session; pipeline work started from a
	// session (including the simulator) must not die with it.
	appCtx context.Context
}

// NewSessionHandler creates a new SessionHandler bound to the given
// application context.
func NewSessionHandler(
	appCtx context.Context,
	h *hub.Hub,
	moderator Moderator,
	sim SimControl,
	redactor *pii.Redactor,
	logger *slog.Logger,
	pingEvery time.Duration,
) *SessionHandler {
	return &SessionHandler{
		hub:       h,
		moderator: moderator,
		sim:       sim,
		redactor:  redactor,
		logger:    logger,
		pingEvery: pingEvery,
		appCtx:    appCtx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// clientCommand is one inbound frame: a control verb or a chat message.
type clientCommand struct {
	Action    string            `json:"action"`
	Message   string            `json:"message"`
	UserID    string            `json:"user_id"`
	Username  string            `json:"username"`
	ChannelID string            `json:"channel_id"`
	Metadata  map[string]string `json:"metadata"`
}

// serverEvent wraps a ProcessedEvent for the wire; the embedded fields
// flatten next to the type tag.
type serverEvent struct {
	Type string `json:"type"`
	domain.ProcessedEvent
}

type session struct {
	conn    *websocket.Conn
	sub     *hub.Subscription
	userID  string
	control chan []byte
	done    chan struct{}
	once    sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		s.sub.Close()
		close(s.done)
		s.conn.Close()
	})
}

// ServeHTTP handles GET /ws. Query parameters: channel_id (default
// "all") selects the event stream, user_id attributes inbound messages.
func (h *SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channelID := r.URL.Query().Get("channel_id")
	if channelID == "" {
		channelID = hub.ChannelAll
	}
	userID := r.URL.Query().Get("user_id")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	s := &session{
		conn:    conn,
		sub:     h.hub.Subscribe(channelID),
		userID:  userID,
		control: make(chan []byte, controlQueueSize),
		done:    make(chan struct{}),
	}
	h.logger.Info("session opened", "channel_id", channelID, "user_id", userID, "remote_addr", r.RemoteAddr)

	go h.writePump(s)
	h.readPump(s)

	h.logger.Info("session closed", "channel_id", channelID, "user_id", userID, "lagged", s.sub.Lagged())
}

// readPump owns inbound frames. A session missing two consecutive pongs
// hits the read deadline and is torn down.
func (h *SessionHandler) readPump(s *session) {
	defer s.close()

	deadline := 2*h.pingEvery + pongGrace
	s.conn.SetReadLimit(maxRequestBytes)
	s.conn.SetReadDeadline(time.Now().Add(deadline))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("session read error", "error", err)
			}
			return
		}
		h.dispatch(s, raw)
	}
}

// writePump owns the connection for writing: hub events, control
// replies, and the ping cadence.
func (h *SessionHandler) writePump(s *session) {
	ticker := time.NewTicker(h.pingEvery)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case event, ok := <-s.sub.Events():
			if !ok {
				// Hub reaped us; say goodbye properly.
				s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(serverEvent{Type: ActionChatMessage, ProcessedEvent: event}); err != nil {
				return
			}
		case raw := <-s.control:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (h *SessionHandler) dispatch(s *session, raw []byte) {
	var cmd clientCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		h.reply(s, map[string]string{"type": "error", "error": "invalid payload"})
		return
	}

	switch cmd.Action {
	case ActionStartSimulation:
		started := h.sim.Start(h.appCtx)
		if started {
			h.logger.Info("simulation started", "user_id", s.userID)
		}
		h.reply(s, map[string]interface{}{"type": "ack", "action": ActionStartSimulation, "running": h.sim.Running()})

	case ActionStopSimulation:
		h.sim.Stop()
		h.logger.Info("simulation stopped", "user_id", s.userID)
		h.reply(s, map[string]interface{}{"type": "ack", "action": ActionStopSimulation, "running": h.sim.Running()})

	case ActionChatMessage:
		msg := domain.IncomingMessage{
			UserID:    cmd.UserID,
			Username:  cmd.Username,
			ChannelID: cmd.ChannelID,
			Body:      cmd.Message,
			Metadata:  cmd.Metadata,
		}
		if msg.UserID == "" {
			msg.UserID = s.userID
		}
		if msg.ChannelID == "" {
			msg.ChannelID = s.sub.ChannelID()
		}
		if msg.UserID == "" {
			h.reply(s, map[string]string{"type": "error", "error": "user_id is required"})
			return
		}
		if len(msg.Metadata) > domain.MaxMetadataEntries {
			h.reply(s, map[string]string{"type": "error", "error": "too many metadata entries"})
			return
		}
		h.redactor.Scrub(&msg)

		// The pipeline can spend seconds on the LLM leg; never stall
		// the read loop on it. The event comes back via the hub.
		go h.moderator.Process(h.appCtx, msg, "")

	default:
		h.reply(s, map[string]string{"type": "error", "error": "unknown action: " + cmd.Action})
	}
}

// reply queues a control frame for the write pump, dropping it if the
// session is already saturated with replies.
func (h *SessionHandler) reply(s *session, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to marshal control reply", "error", err)
		return
	}
	select {
	case s.control <- raw:
	case <-s.done:
	default:
		h.logger.Warn("control reply dropped, session saturated")
	}
}
