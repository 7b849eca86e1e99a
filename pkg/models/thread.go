package models

import "time"

// MessageRole is the author type of a thread message.
type MessageRole string

const (
	MessageRoleUser MessageRole = "user"
	MessageRoleBot  MessageRole = "bot"
	MessageRoleTool MessageRole = "tool"
)

// ThreadMessage is one entry in a thread's ordered, append-only log.
// MessageID is time-ordered: a lexicographic sort is a temporal sort.
type ThreadMessage struct {
	ThreadURI string      `json:"threadUri"`
	MessageID string      `json:"messageId"`
	Role      MessageRole `json:"role"`
	AuthorID  string      `json:"authorId"`
	Text      string      `json:"text,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Cursor pins the last message a reader has seen on a thread.
type Cursor struct {
	ThreadURI     string `json:"threadUri"`
	LastMessageID string `json:"lastMessageId"`
}

// String renders the canonical cursor form "threadUri+lastMessageId".
func (c Cursor) String() string {
	return c.ThreadURI + "+" + c.LastMessageID
}

// Newer reports whether id is strictly newer than the cursor's last seen id.
func (c Cursor) Newer(id string) bool {
	return id > c.LastMessageID
}

// ThreadInfo is a thread's persisted metadata record.
type ThreadInfo struct {
	URI       string    `json:"uri"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
