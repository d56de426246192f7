package server

import (
	"context"
	"errors"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/boardchat/internal/database"
	"github.com/npezzotti/boardchat/internal/stats"
	"github.com/npezzotti/boardchat/internal/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	DefaultSendRate  = 10
	DefaultSendBurst = 20
)

var ErrServerStopped = errors.New("chat server stopped")

type registerReq struct {
	client *Client
	done   chan error
}

type stopReq struct {
	done chan struct{}
}

// ChatServer owns the session registry and dispatcher. Connection
// registration and shutdown are serialized through Run.
type ChatServer struct {
	log            zerolog.Logger
	registry       *Registry
	dispatcher     *Dispatcher
	auth           Authorizer
	stats          stats.StatsProvider
	sendRate       rate.Limit
	sendBurst      int
	registerChan   chan registerReq
	deregisterChan chan *Client
	stop           chan stopReq
	done           chan struct{}
}

type Option func(*ChatServer)

// WithFanout routes persisted messages through f instead of delivering them
// directly to local connections.
func WithFanout(f Fanout) Option {
	return func(cs *ChatServer) { cs.dispatcher.fanout = f }
}

func WithEventSink(e EventSink) Option {
	return func(cs *ChatServer) { cs.dispatcher.events = e }
}

func WithAuthorizer(a Authorizer) Option {
	return func(cs *ChatServer) {
		cs.auth = a
		cs.dispatcher.auth = a
	}
}

// WithSendRate sets the per connection send-message throttle.
func WithSendRate(perSecond float64, burst int) Option {
	return func(cs *ChatServer) {
		cs.sendRate = rate.Limit(perSecond)
		cs.sendBurst = burst
	}
}

func NewChatServer(logger zerolog.Logger, db database.ChatRepository, su stats.StatsProvider, opts ...Option) (*ChatServer, error) {
	if db == nil {
		return nil, errors.New("chat server requires a repository")
	}

	auth := DirectoryAuthorizer{Directory: db}
	registry := NewRegistry()
	cs := &ChatServer{
		log:            logger,
		registry:       registry,
		dispatcher:     NewDispatcher(db, auth, registry, su, logger),
		auth:           auth,
		stats:          su,
		sendRate:       DefaultSendRate,
		sendBurst:      DefaultSendBurst,
		registerChan:   make(chan registerReq),
		deregisterChan: make(chan *Client),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
	}

	for _, opt := range opts {
		opt(cs)
	}

	su.RegisterMetric(stats.ActiveConnections)
	su.RegisterMetric(stats.MessagesSent)
	su.RegisterMetric(stats.DeliveryFailures)
	su.RegisterMetric(stats.SendRejected)

	return cs, nil
}

func (cs *ChatServer) Dispatcher() *Dispatcher {
	return cs.dispatcher
}

func (cs *ChatServer) Registry() *Registry {
	return cs.registry
}

func (cs *ChatServer) Run() {
	for {
		select {
		case req := <-cs.registerChan:
			err := cs.registry.Register(req.client)
			if err == nil {
				cs.stats.Incr(stats.ActiveConnections)
				req.client.log.Info().Msg("connection registered")
			}
			req.done <- err
		case c := <-cs.deregisterChan:
			if cs.registry.Unregister(c.id) {
				cs.stats.Decr(stats.ActiveConnections)
				c.log.Info().Msg("connection removed")
			}
			c.stopClient()
		case req := <-cs.stop:
			cs.log.Info().Int("connections", cs.registry.Len()).Msg("shutting down connections")
			for _, conn := range cs.registry.Close() {
				cs.stats.Decr(stats.ActiveConnections)
				if c, ok := conn.(*Client); ok {
					c.stopClient()
				}
			}

			close(cs.done)
			close(req.done)
			return
		}
	}
}

// RegisterClient adds c to the registry and returns once it is a member of
// its user room, so events read afterwards see a registered connection.
func (cs *ChatServer) RegisterClient(c *Client) error {
	req := registerReq{client: c, done: make(chan error, 1)}

	select {
	case cs.registerChan <- req:
	case <-cs.done:
		return ErrServerStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-cs.done:
		return ErrServerStopped
	}
}

// Serve registers a websocket connection for user and starts its pumps.
func (cs *ChatServer) Serve(conn *websocket.Conn, user types.User) (*Client, error) {
	c := NewClient(user, conn, cs)
	if err := cs.RegisterClient(c); err != nil {
		return nil, err
	}

	go c.Write()
	go c.Read()
	return c, nil
}

func (cs *ChatServer) deregister(c *Client) {
	select {
	case cs.deregisterChan <- c:
	case <-cs.done:
		c.stopClient()
	}
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info().Msg("received shutdown signal")
	req := stopReq{done: make(chan struct{})}

	select {
	case cs.stop <- req:
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
