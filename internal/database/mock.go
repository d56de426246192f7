package database

import (
	"context"

	"github.com/npezzotti/boardchat/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Append(ctx context.Context, draft types.Draft) (types.ChatMessage, error) {
	args := m.Called(ctx, draft)
	return args.Get(0).(types.ChatMessage), args.Error(1)
}
func (m *MockChatRepository) Query(ctx context.Context, filter Filter) ([]types.ChatMessage, error) {
	args := m.Called(ctx, filter)
	if msgs, ok := args.Get(0).([]types.ChatMessage); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) ListUsers(ctx context.Context) ([]User, error) {
	args := m.Called(ctx)
	if users, ok := args.Get(0).([]User); ok {
		return users, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) GetUserById(ctx context.Context, userId int) (User, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	args := m.Called(ctx, email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) ListProjects(ctx context.Context, userId int) ([]Project, error) {
	args := m.Called(ctx, userId)
	if projects, ok := args.Get(0).([]Project); ok {
		return projects, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) IsProjectMember(ctx context.Context, userId, projectId int) (bool, error) {
	args := m.Called(ctx, userId, projectId)
	return args.Bool(0), args.Error(1)
}
func (m *MockChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
