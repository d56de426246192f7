package types

import (
	"time"
)

type User struct {
	Id           int       `json:"id"`
	Name         string    `json:"name"`
	Avatar       string    `json:"avatar,omitempty"`
	EmailAddress string    `json:"email_address,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

// UserSummary holds the sender display fields denormalized onto every
// canonical message.
type UserSummary struct {
	Id     int    `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

type Project struct {
	Id    int    `json:"id"`
	Title string `json:"title"`
}

type Attachment struct {
	URI      string `json:"uri"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// ChatMessage is the canonical, persisted chat message. Id and CreatedAt are
// assigned by the message store and never supplied by callers.
type ChatMessage struct {
	Id          int64       `json:"id"`
	SenderId    int         `json:"sender_id"`
	Sender      UserSummary `json:"sender"`
	Content     string      `json:"content"`
	Attachment  *Attachment `json:"attachment,omitempty"`
	ProjectId   *int        `json:"project_id,omitempty"`
	RecipientId *int        `json:"recipient_id,omitempty"`
	ClientKey   string      `json:"client_key,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

func (m ChatMessage) Addressing() Addressing {
	return addressingOf(m.ProjectId, m.RecipientId)
}

// Conversation returns the thread the message belongs to.
func (m ChatMessage) Conversation() Conversation {
	return m.Addressing().Conversation(m.SenderId)
}

// Draft is a send request as submitted by a client.
type Draft struct {
	SenderId      int    `json:"sender_id,omitempty"`
	Content       string `json:"content,omitempty"`
	ProjectId     *int   `json:"project_id,omitempty"`
	RecipientId   *int   `json:"recipient_id,omitempty"`
	AttachmentURI string `json:"attachment_uri,omitempty"`
	FileName      string `json:"file_name,omitempty"`
	MimeType      string `json:"mime_type,omitempty"`
	ClientKey     string `json:"client_key,omitempty"`
}

func (d Draft) Addressing() Addressing {
	return addressingOf(d.ProjectId, d.RecipientId)
}

func (d Draft) Attachment() *Attachment {
	if d.AttachmentURI == "" {
		return nil
	}

	return &Attachment{
		URI:      d.AttachmentURI,
		FileName: d.FileName,
		MimeType: d.MimeType,
	}
}

// Validate reports a *ValidationError when the draft cannot be persisted.
func (d Draft) Validate() error {
	switch {
	case d.SenderId <= 0:
		return &ValidationError{Reason: "missing sender"}
	case d.Content == "" && d.AttachmentURI == "":
		return &ValidationError{Reason: "message has no content or attachment"}
	case d.ProjectId != nil && d.RecipientId != nil:
		return &ValidationError{Reason: "message cannot address both a project and a recipient"}
	case d.ProjectId != nil && *d.ProjectId <= 0:
		return &ValidationError{Reason: "invalid project id"}
	case d.RecipientId != nil && *d.RecipientId <= 0:
		return &ValidationError{Reason: "invalid recipient id"}
	}

	return nil
}

// IntPtr is a small helper for building optional ids.
func IntPtr(v int) *int {
	return &v
}
