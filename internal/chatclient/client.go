// Package chatclient is a websocket client for the chat service. It keeps a
// reconcile.View for the open conversation: sends render a placeholder right
// away and pushed messages are merged into the view as they arrive.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/boardchat/internal/api"
	"github.com/npezzotti/boardchat/internal/logging"
	"github.com/npezzotti/boardchat/internal/reconcile"
	"github.com/npezzotti/boardchat/internal/server"
	"github.com/npezzotti/boardchat/internal/types"
	"github.com/rs/zerolog"
)

const (
	defaultRequestTimeout     = 10 * time.Second
	defaultPlaceholderTimeout = 15 * time.Second
	expireInterval            = time.Second
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("connection closed")
)

// ResponseError is a non-2xx response to a websocket request.
type ResponseError struct {
	Code    int
	Message string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("server responded %d: %s", e.Code, e.Message)
}

type Config struct {
	// ServerURL is the http(s) base address of the chat service.
	ServerURL string
	Token     string
	UserId    int

	RequestTimeout     time.Duration
	PlaceholderTimeout time.Duration
}

type Client struct {
	cfg  Config
	base *url.URL
	log  zerolog.Logger
	http *http.Client
	view *reconcile.View

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	nextId  int
	pending map[int]chan *server.Response
	joined  string // join-project target currently held, "" for none
	err     error

	updates   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	base, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", base.Scheme)
	}
	if cfg.UserId <= 0 {
		return nil, errors.New("user id is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.PlaceholderTimeout <= 0 {
		cfg.PlaceholderTimeout = defaultPlaceholderTimeout
	}

	return &Client{
		cfg:     cfg,
		base:    base,
		log:     logger.With().Int(logging.FieldUserId, cfg.UserId).Logger(),
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		view:    reconcile.NewView(cfg.UserId, types.GlobalConversation()),
		pending: make(map[int]chan *server.Response),
		updates: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}, nil
}

// Login exchanges credentials for a session token.
func Login(ctx context.Context, serverURL, email, password string) (api.LoginResponse, error) {
	var resp api.LoginResponse

	body, err := json.Marshal(api.LoginRequest{Email: email, Password: password})
	if err != nil {
		return resp, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(serverURL, "/")+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return resp, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return resp, fmt.Errorf("login: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return resp, decodeApiError(res)
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return resp, fmt.Errorf("decode login response: %w", err)
	}
	return resp, nil
}

// Connect dials the websocket endpoint and starts the reader.
func (c *Client) Connect(ctx context.Context) error {
	wsURL := *c.base
	wsURL.Scheme = "ws"
	if c.base.Scheme == "https" {
		wsURL.Scheme = "wss"
	}
	wsURL.Path = strings.TrimSuffix(c.base.Path, "/") + "/ws"

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)

	conn, res, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if res != nil {
			return fmt.Errorf("dial %s: %w (status %d)", wsURL.String(), err, res.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", wsURL.String(), err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop()
	go c.expireLoop()
	return nil
}

// Open switches the view to conv: history is fetched over REST, then the
// matching room is joined on the socket.
func (c *Client) Open(ctx context.Context, conv types.Conversation) error {
	if conv.Kind == types.AddressDirect && !conv.Includes(c.cfg.UserId) {
		return fmt.Errorf("conversation %s does not include user %d", conv, c.cfg.UserId)
	}

	err := c.view.Switch(ctx, conv, c, c)
	c.notify()
	return err
}

// LoadHistory fetches the newest messages of conv, oldest first.
func (c *Client) LoadHistory(ctx context.Context, conv types.Conversation) ([]types.ChatMessage, error) {
	q := url.Values{}
	switch conv.Kind {
	case types.AddressProject:
		q.Set("project_id", strconv.Itoa(conv.ProjectId))
	case types.AddressDirect:
		q.Set("recipient_id", strconv.Itoa(conv.Peer(c.cfg.UserId)))
	default:
		q.Set("project_id", "global")
	}

	var msgs []types.ChatMessage
	if err := c.getJson(ctx, "/api/messages?"+q.Encode(), &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// JoinConversation subscribes the socket to the room conv is pushed to.
// Direct messages arrive on the user's own room, so opening one only drops
// the project or global room held before.
func (c *Client) JoinConversation(ctx context.Context, conv types.Conversation) error {
	c.mu.Lock()
	previous := c.joined
	c.mu.Unlock()

	if conv.Kind == types.AddressDirect {
		if previous != "" {
			if _, err := c.request(ctx, &server.ClientMessage{LeaveProject: &server.ProjectTarget{ProjectId: server.ProjectRef(previous)}}); err != nil {
				return err
			}
		}
		if _, err := c.request(ctx, &server.ClientMessage{JoinUser: &server.UserTarget{UserId: c.cfg.UserId}}); err != nil {
			return err
		}
		c.setJoined("")
		return nil
	}

	target := "global"
	if conv.Kind == types.AddressProject {
		target = strconv.Itoa(conv.ProjectId)
	}
	// the server leaves the previous view room on join
	if _, err := c.request(ctx, &server.ClientMessage{JoinProject: &server.ProjectTarget{ProjectId: server.ProjectRef(target)}}); err != nil {
		return err
	}
	c.setJoined(target)
	return nil
}

func (c *Client) setJoined(target string) {
	c.mu.Lock()
	c.joined = target
	c.mu.Unlock()
}

// Send addresses content to the open conversation. The placeholder is
// rendered before the request is written and is flagged failed when the
// server rejects it.
func (c *Client) Send(ctx context.Context, content string) (string, error) {
	draft := c.draftFor(c.view.Conversation())
	draft.Content = content

	key, err := c.view.AddPlaceholder(draft, time.Now())
	if err != nil {
		return "", err
	}
	c.notify()

	draft.ClientKey = key
	return key, c.submit(ctx, draft)
}

// Retry sends a failed placeholder again under its original key.
func (c *Client) Retry(ctx context.Context, localKey string) error {
	draft, ok := c.view.Retry(localKey, time.Now())
	if !ok {
		return fmt.Errorf("no failed message %q", localKey)
	}
	c.notify()
	return c.submit(ctx, draft)
}

func (c *Client) submit(ctx context.Context, draft types.Draft) error {
	if _, err := c.request(ctx, &server.ClientMessage{SendMessage: &draft}); err != nil {
		c.view.MarkFailed(draft.ClientKey)
		c.notify()
		return err
	}
	return nil
}

func (c *Client) draftFor(conv types.Conversation) types.Draft {
	d := types.Draft{SenderId: c.cfg.UserId}
	switch conv.Kind {
	case types.AddressProject:
		d.ProjectId = types.IntPtr(conv.ProjectId)
	case types.AddressDirect:
		d.RecipientId = types.IntPtr(conv.Peer(c.cfg.UserId))
	}
	return d
}

func (c *Client) View() *reconcile.View {
	return c.view
}

// Updates signals after every change to the view. Signals coalesce.
func (c *Client) Updates() <-chan struct{} {
	return c.updates
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) ListUsers(ctx context.Context) ([]types.UserSummary, error) {
	var users []types.UserSummary
	if err := c.getJson(ctx, "/api/users", &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (c *Client) ListProjects(ctx context.Context) ([]types.Project, error) {
	var projects []types.Project
	if err := c.getJson(ctx, "/api/projects", &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// Close sends a close frame and waits for the reader to finish.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	if err != nil {
		c.shutdown(ErrClosed)
		return conn.Close()
	}

	select {
	case <-c.done:
	case <-time.After(time.Second):
		c.shutdown(ErrClosed)
	}
	return conn.Close()
}

// request writes msg and waits for the response with the same id.
func (c *Client) request(ctx context.Context, msg *server.ClientMessage) (*server.Response, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextId++
	id := c.nextId
	ch := make(chan *server.Response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	msg.Id = id
	msg.Timestamp = time.Now().UTC()

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.RequestTimeout))
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write request %d: %w", id, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	select {
	case resp := <-ch:
		if resp.ResponseCode < 200 || resp.ResponseCode >= 300 {
			return resp, &ResponseError{Code: resp.ResponseCode, Message: resp.Error}
		}
		return resp, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer c.log.Debug().Msg("read exiting")

	for {
		var msg server.ServerMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.shutdown(nil)
			} else {
				c.shutdown(err)
			}
			return
		}

		switch {
		case msg.ReceiveMessage != nil:
			result := c.view.Merge(*msg.ReceiveMessage)
			c.log.Debug().
				Int64(logging.FieldMessageId, msg.ReceiveMessage.Id).
				Stringer("result", result).
				Msg("merged message")
			if result == reconcile.Appended || result == reconcile.Promoted {
				c.notify()
			}
		case msg.Response != nil:
			c.resolve(msg.Id, msg.Response)
		}
	}
}

func (c *Client) resolve(id int, resp *server.Response) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()

	if !ok {
		if resp.ResponseCode >= 400 {
			c.log.Warn().Int("code", resp.ResponseCode).Str("error", resp.Error).Msg("unsolicited error response")
		}
		return
	}
	ch <- resp
}

func (c *Client) expireLoop() {
	ticker := time.NewTicker(expireInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			if n := c.view.Expire(now, c.cfg.PlaceholderTimeout); n > 0 {
				c.log.Debug().Int("count", n).Msg("placeholders expired")
				c.notify()
			}
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Client) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

func (c *Client) getJson(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(c.base.String(), "/")+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return decodeApiError(res)
	}
	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func decodeApiError(res *http.Response) error {
	var apiErr api.ApiError
	if err := json.NewDecoder(res.Body).Decode(&apiErr); err != nil || apiErr.Message == "" {
		return &api.ApiError{StatusCode: res.StatusCode, Message: strings.ToLower(http.StatusText(res.StatusCode))}
	}
	return &apiErr
}
