package database

import (
	"context"

	"github.com/npezzotti/boardchat/internal/types"
)

const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 500
)

// Filter selects one conversation's history. Limit keeps the newest records,
// Before pages backwards from a message id. Results are always ordered by
// (created_at, id) ascending.
type Filter struct {
	Conversation types.Conversation
	Limit        int
	Before       int64
}

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultHistoryLimit
	case f.Limit > MaxHistoryLimit:
		return MaxHistoryLimit
	default:
		return f.Limit
	}
}

// MessageStore is the durable, append-only record of chat messages.
type MessageStore interface {
	Append(ctx context.Context, draft types.Draft) (types.ChatMessage, error)
	Query(ctx context.Context, filter Filter) ([]types.ChatMessage, error)
}

// Directory is the user and project lookup owned by the board service.
type Directory interface {
	ListUsers(ctx context.Context) ([]User, error)
	GetUserById(ctx context.Context, userId int) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	ListProjects(ctx context.Context, userId int) ([]Project, error)
	IsProjectMember(ctx context.Context, userId, projectId int) (bool, error)
}

type ChatRepository interface {
	MessageStore
	Directory
	Ping() error
	Close() error
}
