// Package reconcile maintains a client's rendered message list for one
// conversation, merging optimistic local messages with the canonical copies
// pushed by the server.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/npezzotti/boardchat/internal/types"
	"github.com/teris-io/shortid"
)

// MatchWindow bounds the content match used to promote a placeholder when
// the canonical message carries no client key.
const MatchWindow = 2 * time.Second

var ErrSuperseded = errors.New("conversation switch superseded")

// Entry is either a Placeholder or a Confirmed message.
type Entry interface {
	entry()
}

// Placeholder is a message rendered before the server acknowledged it.
type Placeholder struct {
	LocalKey    string
	SenderId    int
	Content     string
	Attachment  *types.Attachment
	ProjectId   *int
	RecipientId *int
	CreatedAt   time.Time
	Failed      bool
}

type Confirmed struct {
	types.ChatMessage
}

func (Placeholder) entry() {}
func (Confirmed) entry()   {}

type MergeResult int

const (
	Filtered MergeResult = iota
	Duplicate
	Promoted
	Appended
)

func (r MergeResult) String() string {
	switch r {
	case Filtered:
		return "filtered"
	case Duplicate:
		return "duplicate"
	case Promoted:
		return "promoted"
	case Appended:
		return "appended"
	}
	return fmt.Sprintf("MergeResult(%d)", int(r))
}

type HistoryLoader interface {
	LoadHistory(ctx context.Context, conv types.Conversation) ([]types.ChatMessage, error)
}

type RoomJoiner interface {
	JoinConversation(ctx context.Context, conv types.Conversation) error
}

// View is safe for concurrent use: the socket reader merges while the UI
// adds placeholders and reads entries.
type View struct {
	mu         sync.Mutex
	self       int
	conv       types.Conversation
	entries    []Entry
	generation uint64
	newKey     func() (string, error)
}

func NewView(selfId int, conv types.Conversation) *View {
	return &View{
		self:   selfId,
		conv:   conv,
		newKey: shortid.Generate,
	}
}

func (v *View) Conversation() types.Conversation {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.conv
}

// AddPlaceholder renders d immediately and returns the local key to send as
// the draft's client key. A client key already set on d is reused.
func (v *View) AddPlaceholder(d types.Draft, now time.Time) (string, error) {
	key := d.ClientKey
	if key == "" {
		var err error
		if key, err = v.newKey(); err != nil {
			return "", fmt.Errorf("generate local key: %w", err)
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.entries = append(v.entries, Placeholder{
		LocalKey:    key,
		SenderId:    v.self,
		Content:     d.Content,
		Attachment:  d.Attachment(),
		ProjectId:   d.ProjectId,
		RecipientId: d.RecipientId,
		CreatedAt:   now,
	})
	return key, nil
}

// Accepts reports whether m belongs to the open conversation.
func (v *View) Accepts(m types.ChatMessage) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return m.Conversation() == v.conv
}

// Merge folds a canonical message into the view. Merging the same message
// twice leaves the view unchanged.
func (v *View) Merge(m types.ChatMessage) MergeResult {
	v.mu.Lock()
	defer v.mu.Unlock()

	if m.Conversation() != v.conv {
		return Filtered
	}
	return v.merge(m)
}

func (v *View) merge(m types.ChatMessage) MergeResult {
	for _, e := range v.entries {
		if c, ok := e.(Confirmed); ok && sameMessage(c.ChatMessage, m) {
			return Duplicate
		}
	}

	if i := v.matchPlaceholder(m); i >= 0 {
		v.entries[i] = Confirmed{ChatMessage: m}
		return Promoted
	}

	v.entries = append(v.entries, Confirmed{ChatMessage: m})
	return Appended
}

// sameMessage reports whether a and b are one send. A retried send stored
// twice carries the same sender and client key under two ids.
func sameMessage(a, b types.ChatMessage) bool {
	if a.Id == b.Id {
		return true
	}
	return a.ClientKey != "" && a.ClientKey == b.ClientKey && a.SenderId == b.SenderId
}

// matchPlaceholder finds the placeholder m confirms. A keyed message only
// matches by key; an unkeyed one falls back to sender, content and time.
func (v *View) matchPlaceholder(m types.ChatMessage) int {
	for i, e := range v.entries {
		p, ok := e.(Placeholder)
		if !ok {
			continue
		}

		if m.ClientKey != "" {
			if p.LocalKey == m.ClientKey {
				return i
			}
			continue
		}

		if p.SenderId == m.SenderId && p.Content == m.Content && absDuration(p.CreatedAt.Sub(m.CreatedAt)) < MatchWindow {
			return i
		}
	}
	return -1
}

// Switch opens conv: the view is cleared, history is loaded, then the room
// is joined. Messages merged while history loads are kept after it. A later
// Switch supersedes one still in flight.
func (v *View) Switch(ctx context.Context, conv types.Conversation, loader HistoryLoader, joiner RoomJoiner) error {
	v.mu.Lock()
	v.generation++
	gen := v.generation
	v.conv = conv
	v.entries = nil
	v.mu.Unlock()

	history, err := loader.LoadHistory(ctx, conv)
	if err != nil {
		return fmt.Errorf("load history for %s: %w", conv, err)
	}

	v.mu.Lock()
	if gen != v.generation {
		v.mu.Unlock()
		return ErrSuperseded
	}

	live := v.entries
	v.entries = make([]Entry, 0, len(history)+len(live))
	for _, m := range history {
		if m.Conversation() == conv {
			v.merge(m)
		}
	}
	for _, e := range live {
		switch e := e.(type) {
		case Confirmed:
			v.merge(e.ChatMessage)
		case Placeholder:
			if !v.confirmedKey(e.LocalKey) {
				v.entries = append(v.entries, e)
			}
		}
	}
	v.mu.Unlock()

	if err := joiner.JoinConversation(ctx, conv); err != nil {
		return fmt.Errorf("join %s: %w", conv, err)
	}
	return nil
}

func (v *View) confirmedKey(key string) bool {
	for _, e := range v.entries {
		if c, ok := e.(Confirmed); ok && c.ClientKey == key {
			return true
		}
	}
	return false
}

// Expire flags placeholders older than timeout as failed and returns how
// many were flagged.
func (v *View) Expire(now time.Time, timeout time.Duration) int {
	v.mu.Lock()
	defer v.mu.Unlock()

	var n int
	for i, e := range v.entries {
		p, ok := e.(Placeholder)
		if !ok || p.Failed || now.Sub(p.CreatedAt) < timeout {
			continue
		}
		p.Failed = true
		v.entries[i] = p
		n++
	}
	return n
}

// MarkFailed flags the placeholder with localKey, e.g. after the server
// rejected the send.
func (v *View) MarkFailed(localKey string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i, e := range v.entries {
		if p, ok := e.(Placeholder); ok && p.LocalKey == localKey {
			p.Failed = true
			v.entries[i] = p
			return true
		}
	}
	return false
}

// Retry clears the failed flag and returns the draft to send again under
// the same key.
func (v *View) Retry(localKey string, now time.Time) (types.Draft, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i, e := range v.entries {
		p, ok := e.(Placeholder)
		if !ok || p.LocalKey != localKey || !p.Failed {
			continue
		}

		p.Failed = false
		p.CreatedAt = now
		v.entries[i] = p

		d := types.Draft{
			SenderId:    p.SenderId,
			Content:     p.Content,
			ProjectId:   p.ProjectId,
			RecipientId: p.RecipientId,
			ClientKey:   p.LocalKey,
		}
		if p.Attachment != nil {
			d.AttachmentURI = p.Attachment.URI
			d.FileName = p.Attachment.FileName
			d.MimeType = p.Attachment.MimeType
		}
		return d, true
	}
	return types.Draft{}, false
}

// Entries returns a snapshot in render order.
func (v *View) Entries() []Entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Entry(nil), v.entries...)
}

func (v *View) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	var n int
	for _, e := range v.entries {
		if _, ok := e.(Placeholder); ok {
			n++
		}
	}
	return n
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
