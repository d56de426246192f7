package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/npezzotti/boardchat/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is a single inbound frame. Exactly one event field is set.
type ClientMessage struct {
	BaseMessage
	JoinProject  *ProjectTarget `json:"join-project,omitempty"`
	JoinUser     *UserTarget    `json:"join-user,omitempty"`
	LeaveProject *ProjectTarget `json:"leave-project,omitempty"`
	SendMessage  *types.Draft   `json:"send-message,omitempty"`
}

// ProjectTarget carries a project id or "global".
type ProjectTarget struct {
	ProjectId ProjectRef `json:"project_id"`
}

type UserTarget struct {
	UserId int `json:"user_id"`
}

// ProjectRef accepts both "7" and 7 on the wire.
type ProjectRef string

func (p *ProjectRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = ProjectRef(s)
		return nil
	}

	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("project_id must be a string or integer: %w", err)
	}
	*p = ProjectRef(strconv.Itoa(n))
	return nil
}

type ServerMessage struct {
	BaseMessage
	Response       *Response          `json:"response,omitempty"`
	ReceiveMessage *types.ChatMessage `json:"receive-message,omitempty"`
}

type Response struct {
	ResponseCode int            `json:"response_code"`
	Error        string         `json:"error,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// ReceiveMessage wraps a persisted message for push. The same value is
// shared by every recipient and must not be modified.
func ReceiveMessage(msg types.ChatMessage) *ServerMessage {
	return &ServerMessage{
		BaseMessage:    BaseMessage{Timestamp: Now()},
		ReceiveMessage: &msg,
	}
}

func NoErrOK(id int, data map[string]any) *ServerMessage {
	return newResponse(id, http.StatusOK, "", data)
}

func ErrInvalidMessage(id int) *ServerMessage {
	return newResponse(id, http.StatusBadRequest, "invalid message format", nil)
}

func ErrBadRequest(id int, reason string) *ServerMessage {
	return newResponse(id, http.StatusBadRequest, reason, nil)
}

func ErrForbidden(id int) *ServerMessage {
	return newResponse(id, http.StatusForbidden, "forbidden", nil)
}

func ErrTooManyRequests(id int) *ServerMessage {
	return newResponse(id, http.StatusTooManyRequests, "too many requests", nil)
}

func ErrInternalError(id int) *ServerMessage {
	return newResponse(id, http.StatusInternalServerError, "internal server error", nil)
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return newResponse(id, http.StatusServiceUnavailable, "service unavailable", nil)
}

func newResponse(id, code int, errText string, data map[string]any) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Response: &Response{
			ResponseCode: code,
			Error:        errText,
			Data:         data,
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
