package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/aura-kitchen/livecommerce/internal/models"
)

const (
	// PongWait is how long to wait for a pong (seconds).
	PongWait = 60
	// PingInterval is how often to ping (seconds). Must be less than PongWait.
	PingInterval = 25

	writeWait    = 10 * time.Second
	commandWait  = 5 * time.Second
	replyBuffer  = 16
	maxReadBytes = 65536
)

func newUpgrader(allowOrigin func(origin string) bool) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return allowOrigin(r.Header.Get("Origin"))
		},
	}
}

// WSMessage is an inbound WebSocket message.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SessionLookup loads the session a socket joins.
type SessionLookup func(ctx context.Context, id uuid.UUID) (*models.LiveSession, error)

// Identity is the caller named by a bearer token.
type Identity struct {
	UserID uuid.UUID
	Name   string
}

// TokenValidator returns the identity carried by a bearer token.
type TokenValidator func(token string) (Identity, error)

// Commands are the viewer actions a socket may send.
type Commands interface {
	Heartbeat(ctx context.Context, sessionID uuid.UUID, viewerID string) error
	PostComment(ctx context.Context, sessionID uuid.UUID, authorName, content string) (*models.Comment, error)
}

// Ingest accepts the broadcaster's WebRTC publish.
type Ingest interface {
	HandlePublisherOffer(channelID string, sdp webrtc.SessionDescription, sendToClient func(event string, payload interface{})) error
	HandlePublisherICE(channelID string, candidate webrtc.ICECandidateInit) error
}

// WSHandler upgrades GET /ws and streams a session's events to the socket.
type WSHandler struct {
	hub      *Hub
	validate TokenValidator
	lookup   SessionLookup
	cmds     Commands
	ingest   Ingest
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewWSHandler creates the fan-out socket handler. ingest may be nil.
func NewWSHandler(hub *Hub, validate TokenValidator, lookup SessionLookup, cmds Commands, ingest Ingest, logger *zap.Logger) *WSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHandler{
		hub:      hub,
		validate: validate,
		lookup:   lookup,
		cmds:     cmds,
		ingest:   ingest,
		upgrader: newUpgrader(func(string) bool { return true }),
		logger:   logger,
	}
}

// AllowOrigins restricts which browser origins may open a socket. Tokens still gate every socket.
func (h *WSHandler) AllowOrigins(allow func(origin string) bool) {
	h.upgrader = newUpgrader(allow)
}

// Client is one WebSocket connection subscribed to a session.
type Client struct {
	ID      string
	Session models.LiveSession
	UserID  uuid.UUID
	Name    string
	h       *WSHandler
	conn    *websocket.Conn
	sub     *Subscription
	replies chan Event
	logger  *zap.Logger
}

// Serve handles the WebSocket upgrade and runs the client loop.
func (h *WSHandler) Serve(c *gin.Context) {
	sessionIDStr := c.Query("session_id")
	token := c.Query("token")
	if sessionIDStr == "" || token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "session_id and token required"})
		return
	}
	sessionID, err := uuid.Parse(sessionIDStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid session_id"})
		return
	}
	who, err := h.validate(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid token"})
		return
	}
	s, err := h.lookup(c.Request.Context(), sessionID)
	if err != nil || s == nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "session not found"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &Client{
		ID:      uuid.New().String(),
		Session: *s,
		UserID:  who.UserID,
		Name:    who.Name,
		h:       h,
		conn:    conn,
		sub:     h.hub.Subscribe(sessionID),
		replies: make(chan Event, replyBuffer),
	}
	client.logger = h.logger.With(zap.String("session_id", sessionID.String()), zap.String("client_id", client.ID))
	go client.writePump()
	client.readPump()
}

// Broadcaster reports whether the socket belongs to the session's broadcaster.
func (c *Client) Broadcaster() bool {
	return c.UserID == c.Session.BroadcasterID
}

func (c *Client) reply(name string, payload interface{}) {
	e := NewEvent(KindReply, name, c.Session.ID, c.Session.BroadcasterID, payload)
	select {
	case c.replies <- e:
	default:
		c.logger.Debug("reply dropped")
	}
}

func (c *Client) replyError(err error) {
	c.reply("error", map[string]string{"message": err.Error()})
}

func (c *Client) readPump() {
	defer func() {
		c.sub.Close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxReadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	sendToMe := func(event string, payload interface{}) { c.reply(event, payload) }

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		c.handle(msg, sendToMe)
	}
}

func (c *Client) handle(msg WSMessage, sendToMe func(string, interface{})) {
	ctx, cancel := context.WithTimeout(context.Background(), commandWait)
	defer cancel()

	switch msg.Event {
	case "heartbeat":
		if err := c.h.cmds.Heartbeat(ctx, c.Session.ID, c.UserID.String()); err != nil {
			c.replyError(err)
		}
	case "comment":
		var payload struct {
			AuthorName string `json:"author_name"`
			Content    string `json:"content"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			c.reply("error", map[string]string{"message": "invalid comment payload"})
			return
		}
		if payload.AuthorName == "" {
			payload.AuthorName = c.Name
		}
		if _, err := c.h.cmds.PostComment(ctx, c.Session.ID, payload.AuthorName, payload.Content); err != nil {
			c.replyError(err)
		}
	case "publisher_offer":
		if c.h.ingest == nil || !c.Broadcaster() {
			c.reply("error", map[string]string{"message": "publishing not allowed"})
			return
		}
		var payload struct {
			Type string `json:"type"`
			SDP  string `json:"sdp"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err == nil && payload.SDP != "" {
			sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: payload.SDP}
			if err := c.h.ingest.HandlePublisherOffer(c.Session.ChannelID, sdp, sendToMe); err != nil {
				c.logger.Warn("publisher offer failed", zap.Error(err))
				c.replyError(err)
			}
		}
	case "webrtc_ice":
		if c.h.ingest == nil || !c.Broadcaster() {
			return
		}
		var payload struct {
			Candidate json.RawMessage `json:"candidate"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err == nil && len(payload.Candidate) > 0 {
			var cand webrtc.ICECandidateInit
			if json.Unmarshal(payload.Candidate, &cand) == nil {
				_ = c.h.ingest.HandlePublisherICE(c.Session.ChannelID, cand)
			}
		}
	default:
		// ignore
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	events := c.sub.Events()
	for {
		select {
		case e, ok := <-events:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(e); err != nil {
				return
			}
		case e := <-c.replies:
			if err := c.write(e); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(e Event) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(e)
}
