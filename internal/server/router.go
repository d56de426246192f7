package server

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/npezzotti/boardchat/internal/types"
)

// RoomKey names a fan-out group: "global", "project:<id>" or "user:<id>".
type RoomKey string

const GlobalRoom RoomKey = "global"

func ProjectRoom(projectId int) RoomKey {
	return RoomKey("project:" + strconv.Itoa(projectId))
}

func UserRoom(userId int) RoomKey {
	return RoomKey("user:" + strconv.Itoa(userId))
}

// IsUserRoom reports whether r is a per-user room.
func (r RoomKey) IsUserRoom() bool {
	return strings.HasPrefix(string(r), "user:")
}

// RoomsFor returns the rooms a persisted message is pushed to. A direct
// message goes to both the recipient's and the sender's user rooms so the
// sender's other connections see it too.
func RoomsFor(msg types.ChatMessage) []RoomKey {
	addr := msg.Addressing()
	switch addr.Kind {
	case types.AddressProject:
		return []RoomKey{ProjectRoom(addr.TargetId)}
	case types.AddressDirect:
		if addr.TargetId == msg.SenderId {
			return []RoomKey{UserRoom(msg.SenderId)}
		}
		return []RoomKey{UserRoom(addr.TargetId), UserRoom(msg.SenderId)}
	default:
		return []RoomKey{GlobalRoom}
	}
}

// ParseJoinTarget maps the project_id of a join-project or leave-project
// request to a room: "global" selects the global room, a positive integer
// selects that project's room.
func ParseJoinTarget(target string) (RoomKey, error) {
	target = strings.TrimSpace(target)
	if strings.EqualFold(target, string(GlobalRoom)) {
		return GlobalRoom, nil
	}

	id, err := strconv.Atoi(target)
	if err != nil || id <= 0 {
		return "", fmt.Errorf("invalid project id %q", target)
	}
	return ProjectRoom(id), nil
}

// projectOf returns the project id of a project room and 0 otherwise.
func projectOf(room RoomKey) int {
	rest, ok := strings.CutPrefix(string(room), "project:")
	if !ok {
		return 0
	}
	id, _ := strconv.Atoi(rest)
	return id
}
