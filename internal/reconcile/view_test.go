package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/npezzotti/boardchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockHistoryLoader struct {
	mock.Mock
}

func (m *MockHistoryLoader) LoadHistory(ctx context.Context, conv types.Conversation) ([]types.ChatMessage, error) {
	args := m.Called(ctx, conv)
	if msgs, ok := args.Get(0).([]types.ChatMessage); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}

type MockRoomJoiner struct {
	mock.Mock
}

func (m *MockRoomJoiner) JoinConversation(ctx context.Context, conv types.Conversation) error {
	return m.Called(ctx, conv).Error(0)
}

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func projectMsg(id int64, sender int, content string, at time.Time) types.ChatMessage {
	return types.ChatMessage{Id: id, SenderId: sender, Content: content, ProjectId: types.IntPtr(5), CreatedAt: at}
}

func confirmedIds(entries []Entry) []int64 {
	var ids []int64
	for _, e := range entries {
		if c, ok := e.(Confirmed); ok {
			ids = append(ids, c.Id)
		}
	}
	return ids
}

func TestMergeIdempotent(t *testing.T) {
	v := NewView(1, types.ProjectConversation(5))
	m := projectMsg(10, 2, "hello", t0)

	assert.Equal(t, Appended, v.Merge(m))
	before := v.Entries()
	assert.Equal(t, Duplicate, v.Merge(m))
	assert.Equal(t, before, v.Entries(), "expected second merge to leave the view unchanged")
}

func TestMergePromotesPlaceholder(t *testing.T) {
	t.Run("by client key", func(t *testing.T) {
		v := NewView(1, types.ProjectConversation(5))
		key, err := v.AddPlaceholder(types.Draft{Content: "Hi team", ProjectId: types.IntPtr(5)}, t0)
		require.NoError(t, err)
		require.NotEmpty(t, key)

		m := projectMsg(42, 1, "Hi team", t0.Add(5*time.Second))
		m.ClientKey = key
		assert.Equal(t, Promoted, v.Merge(m))

		entries := v.Entries()
		require.Len(t, entries, 1, "expected exactly one entry, the confirmed message")
		c, ok := entries[0].(Confirmed)
		require.True(t, ok)
		assert.Equal(t, int64(42), c.Id)
		assert.Zero(t, v.Pending())
	})

	t.Run("by content within window", func(t *testing.T) {
		v := NewView(1, types.ProjectConversation(5))
		_, err := v.AddPlaceholder(types.Draft{Content: "Hi team", ProjectId: types.IntPtr(5)}, t0)
		require.NoError(t, err)

		assert.Equal(t, Promoted, v.Merge(projectMsg(42, 1, "Hi team", t0.Add(500*time.Millisecond))))
		assert.Equal(t, []int64{42}, confirmedIds(v.Entries()))
		assert.Len(t, v.Entries(), 1)
	})

	t.Run("outside window appends", func(t *testing.T) {
		v := NewView(1, types.ProjectConversation(5))
		_, err := v.AddPlaceholder(types.Draft{Content: "Hi team", ProjectId: types.IntPtr(5)}, t0)
		require.NoError(t, err)

		assert.Equal(t, Appended, v.Merge(projectMsg(42, 1, "Hi team", t0.Add(3*time.Second))))
		assert.Len(t, v.Entries(), 2)
		assert.Equal(t, 1, v.Pending())
	})

	t.Run("keyed message does not match by content", func(t *testing.T) {
		v := NewView(1, types.ProjectConversation(5))
		_, err := v.AddPlaceholder(types.Draft{Content: "ok", ProjectId: types.IntPtr(5), ClientKey: "mine"}, t0)
		require.NoError(t, err)

		m := projectMsg(7, 1, "ok", t0)
		m.ClientKey = "other-tab"
		assert.Equal(t, Appended, v.Merge(m))
		assert.Equal(t, 1, v.Pending())
	})

	t.Run("promotes in place", func(t *testing.T) {
		v := NewView(1, types.ProjectConversation(5))
		key, err := v.AddPlaceholder(types.Draft{Content: "first", ProjectId: types.IntPtr(5)}, t0)
		require.NoError(t, err)
		v.Merge(projectMsg(2, 2, "from bob", t0))

		m := projectMsg(3, 1, "first", t0)
		m.ClientKey = key
		v.Merge(m)
		assert.Equal(t, []int64{3, 2}, confirmedIds(v.Entries()))
	})
}

func TestMergeFilters(t *testing.T) {
	tcases := []struct {
		name     string
		conv     types.Conversation
		msg      types.ChatMessage
		expected MergeResult
	}{
		{"global accepts global", types.GlobalConversation(), types.ChatMessage{Id: 1, SenderId: 2}, Appended},
		{"global rejects project", types.GlobalConversation(), types.ChatMessage{Id: 1, SenderId: 2, ProjectId: types.IntPtr(5)}, Filtered},
		{"global rejects direct", types.GlobalConversation(), types.ChatMessage{Id: 1, SenderId: 2, RecipientId: types.IntPtr(1)}, Filtered},
		{"project accepts same project", types.ProjectConversation(5), types.ChatMessage{Id: 1, SenderId: 2, ProjectId: types.IntPtr(5)}, Appended},
		{"project rejects other project", types.ProjectConversation(5), types.ChatMessage{Id: 1, SenderId: 2, ProjectId: types.IntPtr(6)}, Filtered},
		{"dm accepts peer to me", types.DirectConversation(1, 2), types.ChatMessage{Id: 1, SenderId: 2, RecipientId: types.IntPtr(1)}, Appended},
		{"dm accepts me to peer", types.DirectConversation(1, 2), types.ChatMessage{Id: 1, SenderId: 1, RecipientId: types.IntPtr(2)}, Appended},
		{"dm rejects third party", types.DirectConversation(1, 2), types.ChatMessage{Id: 1, SenderId: 3, RecipientId: types.IntPtr(1)}, Filtered},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			v := NewView(1, tc.conv)
			assert.Equal(t, tc.expected, v.Merge(tc.msg))
			assert.Equal(t, tc.expected != Filtered, v.Accepts(tc.msg))
			if tc.expected == Filtered {
				assert.Empty(t, v.Entries())
			}
		})
	}
}

func TestSwitch(t *testing.T) {
	ctx := context.Background()

	t.Run("loads history then joins", func(t *testing.T) {
		loader := &MockHistoryLoader{}
		joiner := &MockRoomJoiner{}
		defer loader.AssertExpectations(t)
		defer joiner.AssertExpectations(t)

		conv := types.ProjectConversation(5)
		history := []types.ChatMessage{projectMsg(1, 2, "a", t0), projectMsg(2, 3, "b", t0)}
		loader.On("LoadHistory", ctx, conv).Return(history, nil).Once()
		joiner.On("JoinConversation", ctx, conv).Return(nil).Once()

		v := NewView(1, types.GlobalConversation())
		v.Merge(types.ChatMessage{Id: 99, SenderId: 2})

		require.NoError(t, v.Switch(ctx, conv, loader, joiner))
		assert.Equal(t, conv, v.Conversation())
		assert.Equal(t, []int64{1, 2}, confirmedIds(v.Entries()), "expected old entries cleared and history in order")
	})

	t.Run("keeps messages merged during load", func(t *testing.T) {
		conv := types.ProjectConversation(5)
		v := NewView(1, types.GlobalConversation())

		loader := &MockHistoryLoader{}
		loader.On("LoadHistory", ctx, conv).Run(func(mock.Arguments) {
			v.Merge(projectMsg(2, 2, "live dup", t0))
			v.Merge(projectMsg(3, 2, "live new", t0))
		}).Return([]types.ChatMessage{projectMsg(1, 2, "a", t0), projectMsg(2, 2, "live dup", t0)}, nil)

		joiner := &MockRoomJoiner{}
		joiner.On("JoinConversation", ctx, conv).Return(nil)

		require.NoError(t, v.Switch(ctx, conv, loader, joiner))
		assert.Equal(t, []int64{1, 2, 3}, confirmedIds(v.Entries()))
	})

	t.Run("superseded switch", func(t *testing.T) {
		first, second := types.ProjectConversation(5), types.GlobalConversation()
		v := NewView(1, types.GlobalConversation())

		joiner := &MockRoomJoiner{}
		joiner.On("JoinConversation", ctx, second).Return(nil).Once()
		defer joiner.AssertExpectations(t)

		inner := &MockHistoryLoader{}
		inner.On("LoadHistory", ctx, second).Return([]types.ChatMessage{{Id: 8, SenderId: 2}}, nil)

		outer := &MockHistoryLoader{}
		outer.On("LoadHistory", ctx, first).Run(func(mock.Arguments) {
			require.NoError(t, v.Switch(ctx, second, inner, joiner))
		}).Return([]types.ChatMessage{projectMsg(1, 2, "stale", t0)}, nil)

		err := v.Switch(ctx, first, outer, joiner)
		assert.ErrorIs(t, err, ErrSuperseded)
		assert.Equal(t, second, v.Conversation())
		assert.Equal(t, []int64{8}, confirmedIds(v.Entries()))
	})

	t.Run("history error", func(t *testing.T) {
		loader := &MockHistoryLoader{}
		loader.On("LoadHistory", ctx, mock.Anything).Return(nil, errors.New("offline"))
		joiner := &MockRoomJoiner{}
		defer joiner.AssertExpectations(t)

		v := NewView(1, types.GlobalConversation())
		err := v.Switch(ctx, types.ProjectConversation(5), loader, joiner)
		assert.ErrorContains(t, err, "offline")
		joiner.AssertNotCalled(t, "JoinConversation", mock.Anything, mock.Anything)
	})
}

func TestExpireAndRetry(t *testing.T) {
	v := NewView(1, types.GlobalConversation())
	oldKey, err := v.AddPlaceholder(types.Draft{Content: "old"}, t0)
	require.NoError(t, err)
	_, err = v.AddPlaceholder(types.Draft{Content: "new"}, t0.Add(25*time.Second))
	require.NoError(t, err)

	assert.Equal(t, 1, v.Expire(t0.Add(30*time.Second), 10*time.Second))
	assert.Equal(t, 0, v.Expire(t0.Add(30*time.Second), 10*time.Second), "expected already failed placeholders to be skipped")

	p, ok := v.Entries()[0].(Placeholder)
	require.True(t, ok)
	assert.True(t, p.Failed, "expected old placeholder to stay visible and flagged")

	draft, ok := v.Retry(oldKey, t0.Add(31*time.Second))
	require.True(t, ok)
	assert.Equal(t, oldKey, draft.ClientKey)
	assert.Equal(t, "old", draft.Content)
	assert.Equal(t, 1, draft.SenderId)

	_, ok = v.Retry(oldKey, t0.Add(32*time.Second))
	assert.False(t, ok, "expected retry of a pending placeholder to be refused")

	assert.True(t, v.MarkFailed(oldKey))
	assert.False(t, v.MarkFailed("missing"))
}

func TestAddPlaceholderKeys(t *testing.T) {
	v := NewView(1, types.GlobalConversation())
	a, err := v.AddPlaceholder(types.Draft{Content: "a"}, t0)
	require.NoError(t, err)
	b, err := v.AddPlaceholder(types.Draft{Content: "b"}, t0)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	c, err := v.AddPlaceholder(types.Draft{Content: "c", ClientKey: "given"}, t0)
	require.NoError(t, err)
	assert.Equal(t, "given", c)

	v.newKey = func() (string, error) { return "", errors.New("no entropy") }
	_, err = v.AddPlaceholder(types.Draft{Content: "d"}, t0)
	assert.Error(t, err)
	assert.Len(t, v.Entries(), 3)
}

func TestMergeRetriedSendStoredTwice(t *testing.T) {
	v := NewView(1, types.GlobalConversation())
	key, err := v.AddPlaceholder(types.Draft{Content: "slow"}, t0)
	require.NoError(t, err)

	// the first attempt timed out client-side but was stored
	require.Equal(t, 1, v.Expire(t0.Add(20*time.Second), 10*time.Second))
	_, ok := v.Retry(key, t0.Add(21*time.Second))
	require.True(t, ok)

	first := types.ChatMessage{Id: 10, SenderId: 1, Content: "slow", ClientKey: key, CreatedAt: t0.Add(time.Second)}
	second := types.ChatMessage{Id: 11, SenderId: 1, Content: "slow", ClientKey: key, CreatedAt: t0.Add(22 * time.Second)}

	assert.Equal(t, Promoted, v.Merge(first))
	assert.Equal(t, Duplicate, v.Merge(second))
	assert.Equal(t, []int64{10}, confirmedIds(v.Entries()))
	assert.Len(t, v.Entries(), 1)

	// another sender reusing the key is a different message
	other := types.ChatMessage{Id: 12, SenderId: 2, Content: "slow", ClientKey: key, CreatedAt: t0.Add(23 * time.Second)}
	assert.Equal(t, Appended, v.Merge(other))
}
