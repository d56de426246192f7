package database

import (
	"context"
	"database/sql"
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/boardchat/internal/types"
)

// MemoryChatRepository keeps everything in process memory. It backs the
// development mode of the server and the store tests.
type MemoryChatRepository struct {
	mu       sync.RWMutex
	now      func() time.Time
	nextId   int64
	lastTime time.Time
	messages []Message
	keyed    map[clientKey]int
	users    map[int]User
	projects map[int]Project
	members  map[int]map[int]struct{}
}

type clientKey struct {
	senderId int
	key      string
}

func NewMemoryChatRepository() *MemoryChatRepository {
	return &MemoryChatRepository{
		now:      time.Now,
		keyed:    make(map[clientKey]int),
		users:    make(map[int]User),
		projects: make(map[int]Project),
		members:  make(map[int]map[int]struct{}),
	}
}

// SetClock replaces the time source used to stamp appended messages.
func (db *MemoryChatRepository) SetClock(now func() time.Time) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.now = now
}

func (db *MemoryChatRepository) AddUser(u User) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if u.CreatedAt.IsZero() {
		u.CreatedAt = db.now().UTC()
	}
	db.users[u.Id] = u
}

// AddProject stores a project owned by p.OwnerId with the given members.
func (db *MemoryChatRepository) AddProject(p Project, memberIds ...int) {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.projects[p.Id] = p
	if db.members[p.Id] == nil {
		db.members[p.Id] = make(map[int]struct{})
	}
	for _, id := range memberIds {
		db.members[p.Id][id] = struct{}{}
	}
}

func (db *MemoryChatRepository) Append(_ context.Context, draft types.Draft) (types.ChatMessage, error) {
	if err := draft.Validate(); err != nil {
		return types.ChatMessage{}, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	sender, ok := db.users[draft.SenderId]
	if !ok {
		return types.ChatMessage{}, sql.ErrNoRows
	}

	key := clientKey{senderId: draft.SenderId, key: draft.ClientKey}
	if draft.ClientKey != "" {
		if idx, ok := db.keyed[key]; ok {
			return db.messages[idx].ChatMessage(), nil
		}
	}

	createdAt := db.now().UTC()
	if createdAt.Before(db.lastTime) {
		createdAt = db.lastTime
	}
	db.lastTime = createdAt
	db.nextId++

	msg := Message{
		Id:            db.nextId,
		SenderId:      draft.SenderId,
		SenderName:    sender.Name,
		SenderAvatar:  sender.Avatar,
		Content:       draft.Content,
		AttachmentURI: nullString(draft.AttachmentURI),
		FileName:      nullString(draft.FileName),
		MimeType:      nullString(draft.MimeType),
		ProjectId:     nullInt(draft.ProjectId),
		RecipientId:   nullInt(draft.RecipientId),
		ClientKey:     nullString(draft.ClientKey),
		CreatedAt:     createdAt,
	}
	db.messages = append(db.messages, msg)
	if draft.ClientKey != "" {
		db.keyed[key] = len(db.messages) - 1
	}

	return msg.ChatMessage(), nil
}

func (db *MemoryChatRepository) Query(_ context.Context, filter Filter) ([]types.ChatMessage, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var beforeMsg *Message
	if filter.Before > 0 {
		idx := slices.IndexFunc(db.messages, func(m Message) bool { return m.Id == filter.Before })
		if idx < 0 {
			return []types.ChatMessage{}, nil
		}
		beforeMsg = &db.messages[idx]
	}

	matched := make([]types.ChatMessage, 0)
	for _, m := range db.messages {
		if beforeMsg != nil && !lessMessage(m, *beforeMsg) {
			continue
		}

		msg := m.ChatMessage()
		if msg.Conversation() == filter.Conversation {
			matched = append(matched, msg)
		}
	}

	slices.SortStableFunc(matched, func(a, b types.ChatMessage) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.Id < b.Id:
			return -1
		case a.Id > b.Id:
			return 1
		}
		return 0
	})

	if limit := filter.limit(); len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}

	return matched, nil
}

func lessMessage(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Id < b.Id
}

func (db *MemoryChatRepository) ListUsers(_ context.Context) ([]User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	users := make([]User, 0, len(db.users))
	for _, u := range db.users {
		u.PasswordHash = ""
		users = append(users, u)
	}

	slices.SortFunc(users, func(a, b User) int {
		if a.Name != b.Name {
			if a.Name < b.Name {
				return -1
			}
			return 1
		}
		return a.Id - b.Id
	})

	return users, nil
}

func (db *MemoryChatRepository) GetUserById(_ context.Context, userId int) (User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	u, ok := db.users[userId]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	u.PasswordHash = ""
	return u, nil
}

func (db *MemoryChatRepository) GetUserByEmail(_ context.Context, email string) (User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	for _, u := range db.users {
		if u.EmailAddress == email {
			return u, nil
		}
	}
	return User{}, sql.ErrNoRows
}

func (db *MemoryChatRepository) ListProjects(_ context.Context, userId int) ([]Project, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	projects := make([]Project, 0)
	for _, p := range db.projects {
		if db.isMember(userId, p) {
			projects = append(projects, p)
		}
	}

	slices.SortFunc(projects, func(a, b Project) int { return a.Id - b.Id })
	return projects, nil
}

func (db *MemoryChatRepository) IsProjectMember(_ context.Context, userId, projectId int) (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	p, ok := db.projects[projectId]
	if !ok {
		return false, nil
	}
	return db.isMember(userId, p), nil
}

func (db *MemoryChatRepository) isMember(userId int, p Project) bool {
	if p.OwnerId == userId {
		return true
	}
	_, ok := db.members[p.Id][userId]
	return ok
}

func (db *MemoryChatRepository) Ping() error {
	return nil
}

func (db *MemoryChatRepository) Close() error {
	return nil
}
