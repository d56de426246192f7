package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/boardchat/internal/logging"
	"github.com/npezzotti/boardchat/internal/stats"
	"github.com/npezzotti/boardchat/internal/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueSize  = 256
	sendTimeout    = 10 * time.Second
)

// Client is one websocket connection. Read handles inbound events on its own
// goroutine; Write drains the send queue.
type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        zerolog.Logger
	user       types.User
	send       chan *ServerMessage
	limiter    *rate.Limiter
	view       RoomKey
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer) *Client {
	id := uuid.NewString()
	return &Client{
		id:         id,
		conn:       conn,
		chatServer: cs,
		log:        cs.log.With().Str(logging.FieldConnId, id).Int(logging.FieldUserId, user.Id).Logger(),
		user:       user,
		send:       make(chan *ServerMessage, sendQueueSize),
		limiter:    rate.NewLimiter(cs.sendRate, cs.sendBurst),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) UserId() int {
	return c.user.Id
}

// Deliver enqueues msg without blocking.
func (c *Client) Deliver(msg *ServerMessage) bool {
	return c.queueMessage(msg)
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := json.Marshal(msg)
			if err != nil {
				c.log.Error().Err(err).Msg("failed to serialize message")
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.sendMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.chatServer.deregister(c)
		c.log.Debug().Msg("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws read")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debug().Err(err).Msg("error parsing message")
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}
		msg.Timestamp = Now()

		c.handle(&msg)
	}
}

func (c *Client) handle(msg *ClientMessage) {
	switch {
	case msg.JoinProject != nil:
		c.joinProject(msg)
	case msg.JoinUser != nil:
		c.joinUser(msg)
	case msg.LeaveProject != nil:
		c.leaveProject(msg)
	case msg.SendMessage != nil:
		c.sendChatMessage(msg)
	default:
		c.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

// joinProject switches the connection's view to a project or the global
// room, leaving the previously viewed one.
func (c *Client) joinProject(msg *ClientMessage) {
	room, err := ParseJoinTarget(string(msg.JoinProject.ProjectId))
	if err != nil {
		c.queueMessage(ErrBadRequest(msg.Id, err.Error()))
		return
	}

	if projectId := projectOf(room); projectId > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		ok, err := c.chatServer.auth.CanAddress(ctx, c.user.Id, types.ProjectAddress(projectId))
		cancel()
		if err != nil {
			c.log.Error().Err(err).Int("project_id", projectId).Msg("failed to check project membership")
			c.queueMessage(ErrInternalError(msg.Id))
			return
		}
		if !ok {
			c.queueMessage(ErrForbidden(msg.Id))
			return
		}
	}

	if err := c.chatServer.registry.Join(c.id, room); err != nil {
		c.log.Error().Err(err).Str(logging.FieldRoom, string(room)).Msg("join failed")
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	if c.view != "" && c.view != room {
		c.chatServer.registry.Leave(c.id, c.view)
	}
	c.view = room

	c.log.Debug().Str(logging.FieldRoom, string(room)).Msg("joined room")
	c.queueMessage(NoErrOK(msg.Id, map[string]any{"room": string(room)}))
}

// joinUser subscribes to the caller's own user room. The connection is
// already a member from registration, so this only confirms it.
func (c *Client) joinUser(msg *ClientMessage) {
	if msg.JoinUser.UserId != c.user.Id {
		c.queueMessage(ErrForbidden(msg.Id))
		return
	}

	room := UserRoom(c.user.Id)
	if err := c.chatServer.registry.Join(c.id, room); err != nil {
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}
	c.queueMessage(NoErrOK(msg.Id, map[string]any{"room": string(room)}))
}

func (c *Client) leaveProject(msg *ClientMessage) {
	room, err := ParseJoinTarget(string(msg.LeaveProject.ProjectId))
	if err != nil {
		c.queueMessage(ErrBadRequest(msg.Id, err.Error()))
		return
	}

	if err := c.chatServer.registry.Leave(c.id, room); err != nil {
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}
	if c.view == room {
		c.view = ""
	}
	c.queueMessage(NoErrOK(msg.Id, map[string]any{"room": string(room)}))
}

func (c *Client) sendChatMessage(msg *ClientMessage) {
	if !c.limiter.Allow() {
		c.chatServer.stats.Incr(stats.SendRejected)
		c.queueMessage(ErrTooManyRequests(msg.Id))
		return
	}

	draft := *msg.SendMessage
	if draft.SenderId == 0 {
		draft.SenderId = c.user.Id
	}
	if draft.SenderId != c.user.Id {
		c.queueMessage(ErrForbidden(msg.Id))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	saved, err := c.chatServer.dispatcher.Send(ctx, draft)
	if err != nil {
		c.queueMessage(c.sendError(msg.Id, err))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, map[string]any{
		"message_id": saved.Id,
		"client_key": saved.ClientKey,
		"created_at": saved.CreatedAt,
	}))
}

func (c *Client) sendError(id int, err error) *ServerMessage {
	var (
		verr *types.ValidationError
		aerr *types.AddressingError
		perr *types.PersistenceError
	)

	switch {
	case errors.As(err, &verr):
		return ErrBadRequest(id, verr.Reason)
	case errors.As(err, &aerr):
		c.log.Info().Err(err).Msg("send rejected")
		return ErrForbidden(id)
	case errors.As(err, &perr):
		c.log.Error().Err(err).Msg("failed to persist message")
	default:
		c.log.Error().Err(err).Msg("send failed")
	}

	return ErrInternalError(id)
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case <-c.stop:
		return false
	default:
	}

	select {
	case c.send <- msg:
	default:
		c.log.Warn().Msg("failed to send message to client, channel is full")
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}
