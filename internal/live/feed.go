// Package live fans committed thread mutations out to subscribers of a
// problem so open editors can refresh without polling.
package live

import (
	"context"
	"time"
)

const (
	KindThreadCreated  = "thread.created"
	KindThreadResolved = "thread.resolved"
	KindThreadReopened = "thread.reopened"
	KindThreadArchived = "thread.archived"
	KindThreadRestored = "thread.restored"
	KindCommentAdded   = "comment.added"
	KindCommentEdited  = "comment.edited"
	KindCommentDeleted = "comment.deleted"
	KindReaction       = "reaction.changed"
)

type Event struct {
	Kind      string    `json:"kind"`
	ProblemID string    `json:"problemId"`
	ThreadID  string    `json:"threadId,omitempty"`
	CommentID string    `json:"commentId,omitempty"`
	ActorID   string    `json:"actorId"`
	At        time.Time `json:"at"`
}

// Subscription delivers events until Close is called or its context ends.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

type Feed interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, problemID string) (Subscription, error)
}

func channelName(problemID string) string {
	return "margin:problem:" + problemID
}
