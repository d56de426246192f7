package database

import (
	"database/sql"
	"time"

	"github.com/npezzotti/boardchat/internal/types"
)

type User struct {
	Id           int
	Name         string
	EmailAddress string
	Avatar       string
	PasswordHash string
	CreatedAt    time.Time
}

// ToUser drops the password hash.
func (u User) ToUser() types.User {
	return types.User{
		Id:           u.Id,
		Name:         u.Name,
		Avatar:       u.Avatar,
		EmailAddress: u.EmailAddress,
		CreatedAt:    u.CreatedAt,
	}
}

type Project struct {
	Id        int
	Title     string
	OwnerId   int
	CreatedAt time.Time
}

type Message struct {
	Id            int64
	SenderId      int
	SenderName    string
	SenderAvatar  string
	Content       string
	AttachmentURI sql.NullString
	FileName      sql.NullString
	MimeType      sql.NullString
	ProjectId     sql.NullInt64
	RecipientId   sql.NullInt64
	ClientKey     sql.NullString
	CreatedAt     time.Time
}

func (m Message) ChatMessage() types.ChatMessage {
	msg := types.ChatMessage{
		Id:       m.Id,
		SenderId: m.SenderId,
		Sender: types.UserSummary{
			Id:     m.SenderId,
			Name:   m.SenderName,
			Avatar: m.SenderAvatar,
		},
		Content:   m.Content,
		ClientKey: m.ClientKey.String,
		CreatedAt: m.CreatedAt.UTC(),
	}

	if m.AttachmentURI.Valid && m.AttachmentURI.String != "" {
		msg.Attachment = &types.Attachment{
			URI:      m.AttachmentURI.String,
			FileName: m.FileName.String,
			MimeType: m.MimeType.String,
		}
	}
	if m.ProjectId.Valid {
		msg.ProjectId = types.IntPtr(int(m.ProjectId.Int64))
	}
	if m.RecipientId.Valid {
		msg.RecipientId = types.IntPtr(int(m.RecipientId.Int64))
	}

	return msg
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
