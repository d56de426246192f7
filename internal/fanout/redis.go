// Package fanout shares persisted chat messages between server processes
// over Redis pub/sub. Every process subscribes to one channel and delivers
// each published message to its own local connections.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/npezzotti/boardchat/internal/logging"
	"github.com/npezzotti/boardchat/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const resubscribeDelay = 500 * time.Millisecond

var (
	ErrNotSubscribed = errors.New("fanout subscription is not active")
	ErrNoReceivers   = errors.New("no subscriber received the message")
)

// Deliverer pushes a message to the connections registered in this process.
type Deliverer interface {
	Deliver(msg types.ChatMessage) (int, []*types.DeliveryError)
}

type Config struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

type envelope struct {
	Message types.ChatMessage `json:"message"`
}

type RedisFanout struct {
	client     *redis.Client
	channel    string
	log        zerolog.Logger
	ready      chan struct{}
	readyOnce  sync.Once
	subscribed atomic.Bool
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func NewRedisFanout(client *redis.Client, channel string, logger zerolog.Logger) *RedisFanout {
	return &RedisFanout{
		client:  client,
		channel: channel,
		log:     logger.With().Str("component", "fanout").Str("channel", channel).Logger(),
		ready:   make(chan struct{}),
	}
}

// Publish hands msg to every subscribed node. It fails while this node's
// own subscription is down or when nobody received the message, so the
// caller can deliver locally instead.
func (f *RedisFanout) Publish(ctx context.Context, msg types.ChatMessage) error {
	if !f.subscribed.Load() {
		return ErrNotSubscribed
	}

	data, err := json.Marshal(envelope{Message: msg})
	if err != nil {
		return fmt.Errorf("marshal message %d: %w", msg.Id, err)
	}

	receivers, err := f.client.Publish(ctx, f.channel, data).Result()
	if err != nil {
		return fmt.Errorf("publish message %d: %w", msg.Id, err)
	}
	if receivers == 0 {
		return ErrNoReceivers
	}
	return nil
}

// Ready is closed once the subscription is first active.
func (f *RedisFanout) Ready() <-chan struct{} {
	return f.ready
}

// Subscribed reports whether this node currently receives published
// messages.
func (f *RedisFanout) Subscribed() bool {
	return f.subscribed.Load()
}

// Run subscribes to the channel and hands every message to d until ctx is
// cancelled. A dropped connection is resubscribed; Publish fails in the
// meantime.
func (f *RedisFanout) Run(ctx context.Context, d Deliverer) error {
	sub := f.client.Subscribe(ctx, f.channel)
	defer sub.Close()
	defer f.subscribed.Store(false)

	for {
		raw, err := sub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if f.subscribed.Swap(false) {
				f.log.Warn().Err(err).Msg("subscription lost")
			}

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(resubscribeDelay):
			}
			continue
		}

		switch m := raw.(type) {
		case *redis.Subscription:
			if m.Kind != "subscribe" {
				continue
			}
			f.subscribed.Store(true)
			f.readyOnce.Do(func() { close(f.ready) })
			f.log.Info().Msg("subscribed")
		case *redis.Message:
			var env envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				f.log.Warn().Err(err).Msg("dropping malformed fanout payload")
				continue
			}

			delivered, failed := d.Deliver(env.Message)
			f.log.Debug().
				Int64(logging.FieldMessageId, env.Message.Id).
				Int("delivered", delivered).
				Int("failed", len(failed)).
				Msg("fanout delivery")
		}
	}
}
