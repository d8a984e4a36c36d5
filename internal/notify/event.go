// Package notify fans board changes out to connected browsers.
package notify

import (
	"context"
	"time"

	"haven/api/internal/visibility"
)

type EventType string

const (
	PostCreated  EventType = "post.created"
	ReplyCreated EventType = "reply.created"
)

// Event is what a live listener receives. It carries identities and parent
// linkage only; clients fetch content through the regular read endpoints.
type Event struct {
	Type       EventType `json:"type"`
	PostID     string    `json:"postId"`
	ReplyID    string    `json:"replyId,omitempty"`
	AuthorID   string    `json:"authorId"`
	OccurredAt time.Time `json:"occurredAt"`

	// Audience is the visibility of the post the event belongs to. It never
	// reaches a browser.
	Audience *visibility.Subject `json:"-"`
}

// Notifier publishes board events. Implementations are best-effort.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
}

// Broadcaster delivers an event to the locally connected listeners and
// reports how many received it.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev Event) int
}

func stamp(ev Event) Event {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	return ev
}
