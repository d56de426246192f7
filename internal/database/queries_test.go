package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/npezzotti/boardchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var messageColumns = []string{
	"id", "sender_id", "name", "avatar", "content", "attachment_uri", "file_name",
	"mime_type", "project_id", "recipient_id", "client_key", "created_at",
}

func newMockRepository(t *testing.T) (*PgChatRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &PgChatRepository{conn: db}, mock
}

var (
	lockSQL     = regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1)")
	byKeySQL    = regexp.QuoteMeta("WHERE m.sender_id = $1 AND m.client_key = $2")
	insertSQL   = regexp.QuoteMeta("INSERT INTO messages")
	stampingSQL = regexp.QuoteMeta("GREATEST(clock_timestamp(), COALESCE((SELECT max(created_at) FROM messages), '-infinity'::timestamptz))")
)

func TestPgAppend(t *testing.T) {
	ctx := context.Background()
	stamped := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("inserts under the append lock", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		mock.ExpectBegin()
		mock.ExpectExec(lockSQL).WithArgs(appendLockKey).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(byKeySQL).WithArgs(1, "k1").WillReturnRows(sqlmock.NewRows(messageColumns))
		mock.ExpectQuery(insertSQL+".*"+stampingSQL).
			WithArgs(1, "hello", nil, nil, nil, 5, nil, "k1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "name", "avatar"}).
				AddRow(int64(7), stamped, "alice", "a.png"))
		mock.ExpectCommit()

		msg, err := repo.Append(ctx, types.Draft{SenderId: 1, Content: "hello", ProjectId: types.IntPtr(5), ClientKey: "k1"})
		require.NoError(t, err)
		assert.Equal(t, int64(7), msg.Id)
		assert.True(t, stamped.Equal(msg.CreatedAt))
		assert.Equal(t, types.UserSummary{Id: 1, Name: "alice", Avatar: "a.png"}, msg.Sender)
		assert.Equal(t, types.ProjectAddress(5), msg.Addressing())
		assert.Equal(t, "k1", msg.ClientKey)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unkeyed draft skips the key lookup", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		mock.ExpectBegin()
		mock.ExpectExec(lockSQL).WithArgs(appendLockKey).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(insertSQL).
			WithArgs(2, "", "https://cdn/x.pdf", "x.pdf", "application/pdf", nil, 1, nil).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "name", "avatar"}).
				AddRow(int64(8), stamped, "bob", ""))
		mock.ExpectCommit()

		msg, err := repo.Append(ctx, types.Draft{
			SenderId:      2,
			RecipientId:   types.IntPtr(1),
			AttachmentURI: "https://cdn/x.pdf",
			FileName:      "x.pdf",
			MimeType:      "application/pdf",
		})
		require.NoError(t, err)
		require.NotNil(t, msg.Attachment)
		assert.Equal(t, "x.pdf", msg.Attachment.FileName)
		assert.Equal(t, types.DirectAddress(1), msg.Addressing())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reused client key returns the stored message", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		mock.ExpectBegin()
		mock.ExpectExec(lockSQL).WithArgs(appendLockKey).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(byKeySQL).WithArgs(1, "k1").WillReturnRows(sqlmock.NewRows(messageColumns).
			AddRow(int64(3), 1, "alice", "", "hello", nil, nil, nil, nil, nil, "k1", stamped))
		mock.ExpectCommit()

		msg, err := repo.Append(ctx, types.Draft{SenderId: 1, Content: "hello", ClientKey: "k1"})
		require.NoError(t, err)
		assert.Equal(t, int64(3), msg.Id)
		assert.Equal(t, types.GlobalAddress(), msg.Addressing())
		assert.NoError(t, mock.ExpectationsWereMet(), "expected no insert for a reused key")
	})

	t.Run("lock failure rolls back", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		mock.ExpectBegin()
		mock.ExpectExec(lockSQL).WithArgs(appendLockKey).WillReturnError(errors.New("lock timeout"))
		mock.ExpectRollback()

		_, err := repo.Append(ctx, types.Draft{SenderId: 1, Content: "hello"})
		assert.ErrorContains(t, err, "acquire append lock")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert failure rolls back", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		mock.ExpectBegin()
		mock.ExpectExec(lockSQL).WithArgs(appendLockKey).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(insertSQL).WillReturnError(sql.ErrConnDone)
		mock.ExpectRollback()

		_, err := repo.Append(ctx, types.Draft{SenderId: 1, Content: "hello"})
		assert.ErrorIs(t, err, sql.ErrConnDone)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid draft never reaches the database", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		_, err := repo.Append(ctx, types.Draft{SenderId: 1})
		var verr *types.ValidationError
		assert.True(t, errors.As(err, &verr))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgQuery(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		filter Filter
		where  string
		args   []driver.Value
	}{
		{
			name:   "global",
			filter: Filter{Conversation: types.GlobalConversation()},
			where:  "WHERE m.project_id IS NULL AND m.recipient_id IS NULL ORDER BY m.created_at DESC, m.id DESC LIMIT $1",
			args:   []driver.Value{DefaultHistoryLimit},
		},
		{
			name:   "project",
			filter: Filter{Conversation: types.ProjectConversation(5), Limit: 20},
			where:  "WHERE m.project_id = $1 ORDER BY m.created_at DESC, m.id DESC LIMIT $2",
			args:   []driver.Value{5, 20},
		},
		{
			name:   "direct matches either direction",
			filter: Filter{Conversation: types.DirectConversation(2, 1), Limit: 20},
			where: "WHERE m.recipient_id IS NOT NULL AND " +
				"((m.sender_id = $1 AND m.recipient_id = $2) OR (m.sender_id = $2 AND m.recipient_id = $1)) " +
				"ORDER BY m.created_at DESC, m.id DESC LIMIT $3",
			args: []driver.Value{1, 2, 20},
		},
		{
			name:   "before pages by created_at and id",
			filter: Filter{Conversation: types.ProjectConversation(5), Before: 40, Limit: MaxHistoryLimit + 1},
			where: "WHERE m.project_id = $1 AND " +
				"(m.created_at, m.id) < (SELECT created_at, id FROM messages WHERE id = $2) " +
				"ORDER BY m.created_at DESC, m.id DESC LIMIT $3",
			args: []driver.Value{5, int64(40), MaxHistoryLimit},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newMockRepository(t)

			// rows come back newest first
			rows := sqlmock.NewRows(messageColumns).
				AddRow(int64(3), 2, "bob", "", "second", nil, nil, nil, nil, nil, nil, at.Add(time.Second)).
				AddRow(int64(2), 1, "alice", "", "first", nil, nil, nil, nil, nil, "k1", at)
			mock.ExpectQuery(regexp.QuoteMeta(tt.where)+"$").WithArgs(tt.args...).WillReturnRows(rows)

			msgs, err := repo.Query(ctx, tt.filter)
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			assert.Equal(t, []int64{2, 3}, []int64{msgs[0].Id, msgs[1].Id}, "expected oldest first")
			assert.Equal(t, "k1", msgs[0].ClientKey)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPgQueryScanError(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(regexp.QuoteMeta("m.project_id = $1")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	_, err := repo.Query(context.Background(), Filter{Conversation: types.ProjectConversation(5)})
	assert.ErrorContains(t, err, "scan message")
}
