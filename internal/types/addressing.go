package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type AddressKind int

const (
	AddressGlobal AddressKind = iota
	AddressProject
	AddressDirect
)

func (k AddressKind) String() string {
	switch k {
	case AddressGlobal:
		return "global"
	case AddressProject:
		return "project"
	case AddressDirect:
		return "direct"
	default:
		return fmt.Sprintf("AddressKind(%d)", int(k))
	}
}

// Addressing determines a message's intended audience. TargetId is the
// project id for AddressProject and the recipient id for AddressDirect.
type Addressing struct {
	Kind     AddressKind
	TargetId int
}

func GlobalAddress() Addressing {
	return Addressing{Kind: AddressGlobal}
}

func ProjectAddress(projectId int) Addressing {
	return Addressing{Kind: AddressProject, TargetId: projectId}
}

func DirectAddress(recipientId int) Addressing {
	return Addressing{Kind: AddressDirect, TargetId: recipientId}
}

func addressingOf(projectId, recipientId *int) Addressing {
	switch {
	case projectId != nil:
		return ProjectAddress(*projectId)
	case recipientId != nil:
		return DirectAddress(*recipientId)
	default:
		return GlobalAddress()
	}
}

func (a Addressing) String() string {
	if a.Kind == AddressGlobal {
		return a.Kind.String()
	}
	return fmt.Sprintf("%s(%d)", a.Kind, a.TargetId)
}

// Conversation resolves the addressing of a message sent by senderId to the
// thread it belongs to.
func (a Addressing) Conversation(senderId int) Conversation {
	switch a.Kind {
	case AddressProject:
		return ProjectConversation(a.TargetId)
	case AddressDirect:
		return DirectConversation(senderId, a.TargetId)
	default:
		return GlobalConversation()
	}
}

// Conversation identifies a logical thread: the global room, a project, or
// an unordered pair of users. For direct conversations UserA <= UserB.
type Conversation struct {
	Kind      AddressKind
	ProjectId int
	UserA     int
	UserB     int
}

func GlobalConversation() Conversation {
	return Conversation{Kind: AddressGlobal}
}

func ProjectConversation(projectId int) Conversation {
	return Conversation{Kind: AddressProject, ProjectId: projectId}
}

func DirectConversation(a, b int) Conversation {
	if a > b {
		a, b = b, a
	}
	return Conversation{Kind: AddressDirect, UserA: a, UserB: b}
}

// Includes reports whether userId is one end of a direct conversation.
func (c Conversation) Includes(userId int) bool {
	return c.Kind == AddressDirect && (c.UserA == userId || c.UserB == userId)
}

// Peer returns the other end of a direct conversation as seen by userId.
func (c Conversation) Peer(userId int) int {
	if c.UserA == userId {
		return c.UserB
	}
	return c.UserA
}

// Key is a stable string form: "global", "project:<id>" or "dm:<a>:<b>".
func (c Conversation) Key() string {
	switch c.Kind {
	case AddressProject:
		return "project:" + strconv.Itoa(c.ProjectId)
	case AddressDirect:
		return "dm:" + strconv.Itoa(c.UserA) + ":" + strconv.Itoa(c.UserB)
	default:
		return "global"
	}
}

func (c Conversation) String() string {
	return c.Key()
}

// ParseConversation is the inverse of Key.
func ParseConversation(key string) (Conversation, error) {
	parts := strings.Split(key, ":")
	switch {
	case len(parts) == 1 && parts[0] == "global":
		return GlobalConversation(), nil
	case len(parts) == 2 && parts[0] == "project":
		id, err := strconv.Atoi(parts[1])
		if err != nil || id <= 0 {
			return Conversation{}, fmt.Errorf("invalid project conversation %q", key)
		}
		return ProjectConversation(id), nil
	case len(parts) == 3 && parts[0] == "dm":
		a, errA := strconv.Atoi(parts[1])
		b, errB := strconv.Atoi(parts[2])
		if errA != nil || errB != nil || a <= 0 || b <= 0 {
			return Conversation{}, fmt.Errorf("invalid direct conversation %q", key)
		}
		return DirectConversation(a, b), nil
	}

	return Conversation{}, fmt.Errorf("unknown conversation %q", key)
}

func (c Conversation) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Key())
}

func (c *Conversation) UnmarshalJSON(data []byte) error {
	var key string
	if err := json.Unmarshal(data, &key); err != nil {
		return err
	}

	conv, err := ParseConversation(key)
	if err != nil {
		return err
	}
	*c = conv
	return nil
}
