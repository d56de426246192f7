package main

import (
	"testing"
	"time"

	"github.com/npezzotti/boardchat/internal/reconcile"
	"github.com/npezzotti/boardchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConversation(t *testing.T) {
	tcases := []struct {
		name     string
		args     []string
		expected types.Conversation
		wantErr  bool
	}{
		{"global", []string{"global"}, types.GlobalConversation(), false},
		{"project", []string{"project", "5"}, types.ProjectConversation(5), false},
		{"dm", []string{"dm", "1"}, types.DirectConversation(1, 2), false},
		{"bad id", []string{"project", "x"}, types.Conversation{}, true},
		{"unknown kind", []string{"room", "1"}, types.Conversation{}, true},
		{"no args", nil, types.Conversation{}, true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			conv, err := parseConversation(tc.args, 2)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, conv)
		})
	}
}

func TestFormatEntry(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.Local)

	confirmed := reconcile.Confirmed{ChatMessage: types.ChatMessage{
		Sender:     types.UserSummary{Name: "alice"},
		Content:    "draft attached",
		Attachment: &types.Attachment{URI: "https://cdn/x.pdf", FileName: "x.pdf"},
		CreatedAt:  at,
	}}
	assert.Equal(t, "9:30AM alice    draft attached [x.pdf]", formatEntry(confirmed))

	failed := reconcile.Placeholder{LocalKey: "k1", Content: "hi", CreatedAt: at, Failed: true}
	assert.Equal(t, "9:30AM me       hi (failed k1)", formatEntry(failed))
}
