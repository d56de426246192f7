package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/npezzotti/boardchat/internal/database"
	"github.com/npezzotti/boardchat/internal/logging"
	"github.com/npezzotti/boardchat/internal/stats"
	"github.com/npezzotti/boardchat/internal/types"
	"github.com/rs/zerolog"
)

// Authorizer decides whether a user may address a project or recipient.
type Authorizer interface {
	CanAddress(ctx context.Context, userId int, addr types.Addressing) (bool, error)
}

// DirectoryAuthorizer allows the global room for everyone, a project room for
// its owner and members, and direct messages to any existing user.
type DirectoryAuthorizer struct {
	Directory database.Directory
}

func (a DirectoryAuthorizer) CanAddress(ctx context.Context, userId int, addr types.Addressing) (bool, error) {
	switch addr.Kind {
	case types.AddressGlobal:
		return true, nil
	case types.AddressProject:
		return a.Directory.IsProjectMember(ctx, userId, addr.TargetId)
	case types.AddressDirect:
		if _, err := a.Directory.GetUserById(ctx, addr.TargetId); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}

	return false, nil
}

// Fanout carries a persisted message to every process hosting recipients.
type Fanout interface {
	Publish(ctx context.Context, msg types.ChatMessage) error
}

// EventSink receives every persisted message after fan-out.
type EventSink interface {
	Publish(ctx context.Context, msg types.ChatMessage) error
}

// Dispatcher turns drafts into persisted messages and pushes them to the
// connections in the resolved rooms.
type Dispatcher struct {
	store    database.MessageStore
	auth     Authorizer
	registry *Registry
	fanout   Fanout
	events   EventSink
	stats    stats.StatsProvider
	log      zerolog.Logger
}

func NewDispatcher(store database.MessageStore, auth Authorizer, registry *Registry, su stats.StatsProvider, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		auth:     auth,
		registry: registry,
		stats:    su,
		log:      logger,
	}
}

// Send validates, authorizes and persists draft, then pushes the result.
// It returns once the message is stored and enqueued; slow or failed
// recipients never cause an error here. Nothing is pushed unless the
// message was stored.
func (d *Dispatcher) Send(ctx context.Context, draft types.Draft) (types.ChatMessage, error) {
	if err := draft.Validate(); err != nil {
		return types.ChatMessage{}, err
	}

	addr := draft.Addressing()
	ok, err := d.auth.CanAddress(ctx, draft.SenderId, addr)
	if err != nil {
		return types.ChatMessage{}, fmt.Errorf("authorize sender %d: %w", draft.SenderId, err)
	}
	if !ok {
		return types.ChatMessage{}, &types.AddressingError{SenderId: draft.SenderId, Addressing: addr}
	}

	msg, err := d.store.Append(ctx, draft)
	if err != nil {
		var verr *types.ValidationError
		if errors.As(err, &verr) {
			return types.ChatMessage{}, verr
		}
		return types.ChatMessage{}, &types.PersistenceError{Err: err}
	}
	d.stats.Incr(stats.MessagesSent)

	if d.fanout == nil {
		d.Deliver(msg)
	} else if err := d.fanout.Publish(ctx, msg); err != nil {
		d.log.Warn().Err(err).Int64(logging.FieldMessageId, msg.Id).Msg("fanout publish failed, delivering locally")
		d.Deliver(msg)
	}

	if d.events != nil {
		if err := d.events.Publish(ctx, msg); err != nil {
			d.log.Warn().Err(err).Int64(logging.FieldMessageId, msg.Id).Msg("failed to publish message event")
		}
	}

	return msg, nil
}

// Deliver enqueues msg once on every connection in the rooms it resolves
// to. A connection in several of those rooms receives it once. Failures are
// logged, counted and returned but do not affect other recipients.
func (d *Dispatcher) Deliver(msg types.ChatMessage) (int, []*types.DeliveryError) {
	frame := ReceiveMessage(msg)
	seen := make(map[string]struct{})

	var (
		delivered int
		failed    []*types.DeliveryError
	)
	for _, room := range RoomsFor(msg) {
		for _, conn := range d.registry.MembersOf(room) {
			if _, ok := seen[conn.Id()]; ok {
				continue
			}
			seen[conn.Id()] = struct{}{}

			if conn.Deliver(frame) {
				delivered++
				continue
			}

			derr := &types.DeliveryError{ConnId: conn.Id(), MessageId: msg.Id, Reason: "send queue full or closed"}
			failed = append(failed, derr)
			d.stats.Incr(stats.DeliveryFailures)
			d.log.Warn().
				Str(logging.FieldConnId, conn.Id()).
				Int(logging.FieldUserId, conn.UserId()).
				Str(logging.FieldRoom, string(room)).
				Err(derr).
				Msg("delivery failed")
		}
	}

	return delivered, failed
}
