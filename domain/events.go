package domain

import (
	"time"

	"github.com/bytedance/sonic"
)

const (
	MessageCreated = "message-created"
	MessageDeleted = "message-deleted"
)

// Event is one frame delivered over the push channel.
type Event struct {
	Type string                 `json:"type"`
	Room string                 `json:"room,omitempty"`
	Data sonic.NoCopyRawMessage `json:"data,omitempty"`
	Time int64                  `json:"time,omitempty"`
}

// MessageEventData is the payload of message-created frames. The relay may
// omit CreatedAt, in which case the receiver stamps the frame with its local
// receive time. ID is only present when the relay echoes an already persisted
// message.
type MessageEventData struct {
	ID         string     `json:"id,omitempty"`
	Content    string     `json:"content"`
	AuthorID   string     `json:"authorId"`
	AuthorName string     `json:"authorName"`
	CreatedAt  *time.Time `json:"createdAt,omitempty"`
}

// MessageDeletedData is the payload of message-deleted frames.
type MessageDeletedData struct {
	ID string `json:"id"`
}
