package store

import (
	"encoding/json"
	"time"
)

const (
	ThreadTypeComment = "comment"
	ThreadTypeDispute = "dispute"

	ThreadStatusOpen     = "open"
	ThreadStatusResolved = "resolved"

	TargetComment = "comment"
	TargetThread  = "thread"

	NotificationMention         = "mention"
	NotificationReply           = "reply"
	NotificationDisputeResolved = "dispute_resolved"
	NotificationReaction        = "reaction"

	ActivityCommentAdded    = "comment_added"
	ActivityDisputeOpened   = "dispute_opened"
	ActivityDisputeResolved = "dispute_resolved"
	ActivityThreadResolved  = "thread_resolved"
	ActivityThreadReopened  = "thread_reopened"
	ActivityThreadArchived  = "thread_archived"
	ActivityThreadRestored  = "thread_restored"
)

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

type Class struct {
	ID      string
	Name    string
	OwnerID string
}

// ClassInstance is one offering (term) of a class; memberships hang off it.
type ClassInstance struct {
	ID      string
	ClassID string
	Term    string
	Status  string
}

type Membership struct {
	InstanceID  string
	UserID      string
	Role        string
	Status      string
	Permissions []string
}

// Problem carries the owning class id resolved through its assignment.
type Problem struct {
	ID           string
	AssignmentID string
	ClassID      string
	Title        string
}

// Thread is anchored to a document block. An empty BlockID marks a general
// thread that is not attached to any block.
type Thread struct {
	ID         string
	ProblemID  string
	BlockID    string
	Type       string
	Status     string
	IsArchived bool
	CreatedBy  string
	CreatedAt  time.Time
	ResolvedBy string
	ResolvedAt *time.Time
}

func (t Thread) IsGeneral() bool {
	return t.BlockID == ""
}

type Comment struct {
	ID          string
	ThreadID    string
	ParentID    string
	AuthorID    string
	ContentJSON json.RawMessage
	BodyText    string
	Mentions    []string
	IsDeleted   bool
	CreatedAt   time.Time
	EditedAt    *time.Time
}

type Reaction struct {
	ID         string
	TargetType string
	TargetID   string
	UserID     string
	Emoji      string
	CreatedAt  time.Time
}

type Notification struct {
	ID        string
	UserID    string
	Type      string
	ThreadID  string
	CommentID string
	ActorID   string
	IsRead    bool
	CreatedAt time.Time
}

type Activity struct {
	ID        string
	ClassID   string
	Type      string
	ActorID   string
	ProblemID string
	BlockID   string
	ThreadID  string
	CommentID string
	Metadata  json.RawMessage
	CreatedAt time.Time
}
