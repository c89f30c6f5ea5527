package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"margin/api/internal/live"
	"margin/api/internal/prosemirror"
	"margin/api/internal/search"
	"margin/api/internal/store"
	"margin/api/internal/util"
)

type CreateThreadResult struct {
	ThreadID  string `json:"threadId"`
	CommentID string `json:"commentId"`
	Appended  bool   `json:"appended"`
}

type ThreadSummary struct {
	ID              string     `json:"id"`
	ProblemID       string     `json:"problemId"`
	BlockID         *string    `json:"blockId"`
	Type            string     `json:"type"`
	Status          string     `json:"status"`
	IsArchived      bool       `json:"isArchived"`
	CreatedBy       string     `json:"createdBy"`
	CreatedAt       time.Time  `json:"createdAt"`
	ResolvedBy      *string    `json:"resolvedBy"`
	ResolvedAt      *time.Time `json:"resolvedAt"`
	CreatorName     string     `json:"creatorName"`
	CommentCount    int        `json:"commentCount"`
	LatestCommentAt *time.Time `json:"latestCommentAt"`
}

type ThreadList struct {
	Threads      []ThreadSummary `json:"threads"`
	ActiveCount  int             `json:"activeCount"`
	DisputeCount int             `json:"disputeCount"`
}

type CommentView struct {
	ID          string            `json:"id"`
	ThreadID    string            `json:"threadId"`
	ParentID    *string           `json:"parentId"`
	AuthorID    string            `json:"authorId"`
	AuthorName  string            `json:"authorName"`
	ContentJSON json.RawMessage   `json:"contentJson"`
	Mentions    []string          `json:"mentions"`
	IsDeleted   bool              `json:"isDeleted"`
	CreatedAt   time.Time         `json:"createdAt"`
	EditedAt    *time.Time        `json:"editedAt"`
	Reactions   []ReactionSummary `json:"reactions"`
}

type ThreadDetail struct {
	ThreadSummary
	Comments  []CommentView     `json:"comments"`
	Reactions []ReactionSummary `json:"reactions"`
}

type GhostThread struct {
	ID           string    `json:"id"`
	BlockID      *string   `json:"blockId"`
	Type         string    `json:"type"`
	CreatorName  string    `json:"creatorName"`
	CommentCount int       `json:"commentCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

type FeedItem struct {
	ID               string            `json:"id"`
	ThreadID         string            `json:"threadId"`
	BlockID          *string           `json:"blockId"`
	ThreadType       string            `json:"threadType"`
	ThreadStatus     string            `json:"threadStatus"`
	IsThreadArchived bool              `json:"isThreadArchived"`
	AuthorID         string            `json:"authorId"`
	AuthorName       string            `json:"authorName"`
	AuthorEmail      string            `json:"authorEmail"`
	IsProfessor      bool              `json:"isProfessor"`
	ContentJSON      json.RawMessage   `json:"contentJson"`
	Mentions         []string          `json:"mentions"`
	IsDeleted        bool              `json:"isDeleted"`
	CreatedAt        time.Time         `json:"createdAt"`
	EditedAt         *time.Time        `json:"editedAt"`
	Reactions        []ReactionSummary `json:"reactions"`
}

// parseContent validates a comment body and extracts its plain text.
func parseContent(raw json.RawMessage) (json.RawMessage, string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, "", validationError("contentJson is required", nil)
	}
	doc, err := prosemirror.Parse(trimmed)
	if err != nil {
		return nil, "", validationError("contentJson must be a document", nil)
	}
	return json.RawMessage(trimmed), prosemirror.PlainText(doc), nil
}

func normalizeThreadType(value string) (string, error) {
	switch strings.TrimSpace(value) {
	case "", store.ThreadTypeComment:
		return store.ThreadTypeComment, nil
	case store.ThreadTypeDispute:
		return store.ThreadTypeDispute, nil
	default:
		return "", validationError("type must be comment or dispute", map[string]any{"type": value})
	}
}

// CreateThread appends to the newest non-archived thread on the same block
// when one exists, escalating it to a dispute if asked; otherwise it opens
// a new thread. General threads (no block) are always new.
func (s *Service) CreateThread(ctx context.Context, session Session, problemID string, in CreateThreadInput) (CreateThreadResult, error) {
	threadType, err := normalizeThreadType(in.Type)
	if err != nil {
		return CreateThreadResult{}, err
	}
	content, body, err := parseContent(in.ContentJSON)
	if err != nil {
		return CreateThreadResult{}, err
	}
	problem, _, err := s.requireProblemAccess(ctx, session, problemID)
	if err != nil {
		return CreateThreadResult{}, err
	}

	blockID := ""
	if in.BlockID != nil {
		blockID = strings.TrimSpace(*in.BlockID)
	}
	now := s.now()

	var thread store.Thread
	appended := false
	if blockID != "" {
		existing, err := s.store.FindActiveThreadForBlock(ctx, problem.ID, blockID)
		switch {
		case err == nil:
			thread = existing
			appended = true
		case errors.Is(err, store.ErrNotFound):
		default:
			return CreateThreadResult{}, fmt.Errorf("find thread for block: %w", err)
		}
	}

	if appended {
		threadTransitions.WithLabelValues(transitionAppended).Inc()
		if threadType == store.ThreadTypeDispute && thread.Type == store.ThreadTypeComment {
			escalated, err := s.store.EscalateThread(ctx, thread.ID)
			if err != nil {
				return CreateThreadResult{}, fmt.Errorf("escalate thread: %w", err)
			}
			if escalated {
				thread.Type = store.ThreadTypeDispute
				threadTransitions.WithLabelValues(transitionEscalated).Inc()
			}
		}
	} else {
		thread = store.Thread{
			ID:        util.NewID("thr"),
			ProblemID: problem.ID,
			BlockID:   blockID,
			Type:      threadType,
			Status:    store.ThreadStatusOpen,
			CreatedBy: session.UserID,
			CreatedAt: now,
		}
		if err := s.store.InsertThread(ctx, thread); err != nil {
			return CreateThreadResult{}, fmt.Errorf("insert thread: %w", err)
		}
		threadTransitions.WithLabelValues(transitionCreated).Inc()
	}

	comment := store.Comment{
		ID:          util.NewID("cmt"),
		ThreadID:    thread.ID,
		AuthorID:    session.UserID,
		ContentJSON: content,
		BodyText:    body,
		Mentions:    normalizeMentions(in.Mentions),
		CreatedAt:   now,
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return CreateThreadResult{}, fmt.Errorf("insert comment: %w", err)
	}

	activityType := store.ActivityCommentAdded
	if threadType == store.ThreadTypeDispute {
		activityType = store.ActivityDisputeOpened
	}
	s.recordActivity(ctx, problem, store.Activity{
		Type:      activityType,
		ActorID:   session.UserID,
		BlockID:   thread.BlockID,
		ThreadID:  thread.ID,
		CommentID: comment.ID,
	})
	s.notifyMentions(ctx, problem, thread, comment, comment.Mentions, content)
	s.indexComment(problem, thread, comment, session.UserName)

	kind := live.KindThreadCreated
	if appended {
		kind = live.KindCommentAdded
	}
	s.publish(ctx, live.Event{Kind: kind, ProblemID: problem.ID, ThreadID: thread.ID, CommentID: comment.ID, ActorID: session.UserID})

	return CreateThreadResult{ThreadID: thread.ID, CommentID: comment.ID, Appended: appended}, nil
}

// CreateComment replies inside an existing thread. The thread creator gets a
// reply notification unless they wrote it or are already mentioned.
func (s *Service) CreateComment(ctx context.Context, session Session, threadID string, in CreateCommentInput) (string, error) {
	content, body, err := parseContent(in.ContentJSON)
	if err != nil {
		return "", err
	}
	thread, problem, _, err := s.threadScope(ctx, session, threadID)
	if err != nil {
		return "", err
	}

	parentID := ""
	if in.ParentID != nil && strings.TrimSpace(*in.ParentID) != "" {
		parent, err := s.store.GetComment(ctx, strings.TrimSpace(*in.ParentID))
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("get parent comment: %w", err)
		}
		if err != nil || parent.ThreadID != thread.ID {
			return "", validationError("parentId must reference a comment in this thread", nil)
		}
		parentID = parent.ID
	}

	comment := store.Comment{
		ID:          util.NewID("cmt"),
		ThreadID:    thread.ID,
		ParentID:    parentID,
		AuthorID:    session.UserID,
		ContentJSON: content,
		BodyText:    body,
		Mentions:    normalizeMentions(in.Mentions),
		CreatedAt:   s.now(),
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return "", fmt.Errorf("insert comment: %w", err)
	}

	s.recordActivity(ctx, problem, store.Activity{
		Type:      store.ActivityCommentAdded,
		ActorID:   session.UserID,
		BlockID:   thread.BlockID,
		ThreadID:  thread.ID,
		CommentID: comment.ID,
	})
	s.notifyMentions(ctx, problem, thread, comment, comment.Mentions, content)
	if !lo.Contains(comment.Mentions, thread.CreatedBy) {
		s.notify(ctx, problem, store.Notification{
			UserID:    thread.CreatedBy,
			Type:      store.NotificationReply,
			ThreadID:  thread.ID,
			CommentID: comment.ID,
			ActorID:   session.UserID,
		}, content)
	}
	s.indexComment(problem, thread, comment, session.UserName)
	s.publish(ctx, live.Event{Kind: live.KindCommentAdded, ProblemID: problem.ID, ThreadID: thread.ID, CommentID: comment.ID, ActorID: session.UserID})

	return comment.ID, nil
}

// UpdateComment is author-only. Users newly added to mentions are notified;
// users already mentioned are not notified again.
func (s *Service) UpdateComment(ctx context.Context, session Session, commentID string, in UpdateCommentInput) error {
	comment, thread, problem, _, err := s.commentScope(ctx, session, commentID)
	if err != nil {
		return err
	}
	if comment.AuthorID != session.UserID {
		return forbidden("You can only edit your own comments")
	}
	if comment.IsDeleted {
		return validationError("Deleted comments cannot be edited", nil)
	}
	content, body, err := parseContent(in.ContentJSON)
	if err != nil {
		return err
	}

	mentions := normalizeMentions(in.Mentions)
	added := lo.Without(mentions, comment.Mentions...)
	editedAt := s.now()
	comment.ContentJSON = content
	comment.BodyText = body
	comment.Mentions = mentions
	comment.EditedAt = &editedAt
	if err := s.store.UpdateComment(ctx, comment); err != nil {
		return fmt.Errorf("update comment: %w", err)
	}

	s.notifyMentions(ctx, problem, thread, comment, added, content)
	s.indexComment(problem, thread, comment, session.UserName)
	s.publish(ctx, live.Event{Kind: live.KindCommentEdited, ProblemID: problem.ID, ThreadID: thread.ID, CommentID: comment.ID, ActorID: session.UserID})
	return nil
}

func (s *Service) DeleteComment(ctx context.Context, session Session, commentID string) error {
	comment, thread, problem, _, err := s.commentScope(ctx, session, commentID)
	if err != nil {
		return err
	}
	if comment.AuthorID != session.UserID {
		return forbidden("You can only delete your own comments")
	}
	return s.softDelete(ctx, session, problem, thread, comment)
}

// DeleteAnyComment is the moderation path for other users' comments.
func (s *Service) DeleteAnyComment(ctx context.Context, session Session, commentID string) error {
	comment, thread, problem, class, err := s.commentScope(ctx, session, commentID)
	if err != nil {
		return err
	}
	if err := s.requireModerator(ctx, class, session.UserID, "delete other users' comments"); err != nil {
		return err
	}
	return s.softDelete(ctx, session, problem, thread, comment)
}

func (s *Service) softDelete(ctx context.Context, session Session, problem store.Problem, thread store.Thread, comment store.Comment) error {
	if comment.IsDeleted {
		return nil
	}
	if err := s.store.SoftDeleteComment(ctx, comment.ID); err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	s.search.DeleteComment(comment.ID)
	s.publish(ctx, live.Event{Kind: live.KindCommentDeleted, ProblemID: problem.ID, ThreadID: thread.ID, CommentID: comment.ID, ActorID: session.UserID})
	return nil
}

// ResolveThread: moderators resolve anything; the creator may resolve their
// own comment thread but never a dispute. Resolving twice is a no-op.
func (s *Service) ResolveThread(ctx context.Context, session Session, threadID string) error {
	thread, problem, class, err := s.threadScope(ctx, session, threadID)
	if err != nil {
		return err
	}
	moderator, err := s.isModerator(ctx, class, session.UserID)
	if err != nil {
		return err
	}
	if !moderator && thread.CreatedBy != session.UserID {
		return forbidden("You cannot resolve this thread")
	}
	if thread.Type == store.ThreadTypeDispute && !moderator {
		return forbidden(moderatorRequired + " resolve disputes")
	}

	resolved, err := s.store.ResolveThread(ctx, thread.ID, session.UserID, s.now(), moderator)
	if err != nil {
		return fmt.Errorf("resolve thread: %w", err)
	}
	if !resolved {
		if moderator {
			return nil
		}
		// The thread may have been escalated since it was read.
		current, err := s.store.GetThread(ctx, thread.ID)
		if err != nil {
			return fmt.Errorf("get thread: %w", err)
		}
		if current.Type == store.ThreadTypeDispute && current.Status != store.ThreadStatusResolved {
			return forbidden(moderatorRequired + " resolve disputes")
		}
		return nil
	}
	threadTransitions.WithLabelValues(transitionResolved).Inc()

	activityType := store.ActivityThreadResolved
	if thread.Type == store.ThreadTypeDispute {
		activityType = store.ActivityDisputeResolved
		s.notify(ctx, problem, store.Notification{
			UserID:   thread.CreatedBy,
			Type:     store.NotificationDisputeResolved,
			ThreadID: thread.ID,
			ActorID:  session.UserID,
		}, nil)
	}
	s.recordActivity(ctx, problem, store.Activity{
		Type:     activityType,
		ActorID:  session.UserID,
		BlockID:  thread.BlockID,
		ThreadID: thread.ID,
	})
	s.publish(ctx, live.Event{Kind: live.KindThreadResolved, ProblemID: problem.ID, ThreadID: thread.ID, ActorID: session.UserID})
	return nil
}

// ReopenThread is moderator-only for both thread types.
func (s *Service) ReopenThread(ctx context.Context, session Session, threadID string) error {
	thread, problem, class, err := s.threadScope(ctx, session, threadID)
	if err != nil {
		return err
	}
	if err := s.requireModerator(ctx, class, session.UserID, "reopen threads"); err != nil {
		return err
	}

	reopened, err := s.store.ReopenThread(ctx, thread.ID)
	if err != nil {
		return fmt.Errorf("reopen thread: %w", err)
	}
	if !reopened {
		return nil
	}
	threadTransitions.WithLabelValues(transitionReopened).Inc()
	s.recordActivity(ctx, problem, store.Activity{
		Type:     store.ActivityThreadReopened,
		ActorID:  session.UserID,
		BlockID:  thread.BlockID,
		ThreadID: thread.ID,
	})
	s.publish(ctx, live.Event{Kind: live.KindThreadReopened, ProblemID: problem.ID, ThreadID: thread.ID, ActorID: session.UserID})
	return nil
}

func summarize(thread store.Thread, comments []store.Comment, users map[string]store.User) ThreadSummary {
	summary := ThreadSummary{
		ID:          thread.ID,
		ProblemID:   thread.ProblemID,
		BlockID:     optional(thread.BlockID),
		Type:        thread.Type,
		Status:      thread.Status,
		IsArchived:  thread.IsArchived,
		CreatedBy:   thread.CreatedBy,
		CreatedAt:   thread.CreatedAt,
		ResolvedBy:  optional(thread.ResolvedBy),
		ResolvedAt:  thread.ResolvedAt,
		CreatorName: displayName(users, thread.CreatedBy),
	}
	for _, comment := range comments {
		if !comment.IsDeleted {
			summary.CommentCount++
		}
		if summary.LatestCommentAt == nil || comment.CreatedAt.After(*summary.LatestCommentAt) {
			createdAt := comment.CreatedAt
			summary.LatestCommentAt = &createdAt
		}
	}
	return summary
}

func (s *Service) problemThreads(ctx context.Context, problemID string) ([]store.Thread, map[string][]store.Comment, map[string]store.User, error) {
	threads, err := s.store.ListThreadsByProblem(ctx, problemID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("list threads: %w", err)
	}
	comments, err := s.store.ListProblemComments(ctx, problemID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("list problem comments: %w", err)
	}
	userIDs := append(
		lo.Map(threads, func(t store.Thread, _ int) string { return t.CreatedBy }),
		lo.Map(comments, func(c store.Comment, _ int) string { return c.AuthorID })...,
	)
	users, err := s.usersByID(ctx, userIDs)
	if err != nil {
		return nil, nil, nil, err
	}
	return threads, lo.GroupBy(comments, func(c store.Comment) string { return c.ThreadID }), users, nil
}

func (s *Service) ListThreadsForProblem(ctx context.Context, session Session, problemID string) (ThreadList, error) {
	problem, _, err := s.requireProblemAccess(ctx, session, problemID)
	if err != nil {
		return ThreadList{}, err
	}
	threads, comments, users, err := s.problemThreads(ctx, problem.ID)
	if err != nil {
		return ThreadList{}, err
	}

	list := ThreadList{Threads: make([]ThreadSummary, 0, len(threads))}
	for _, thread := range threads {
		list.Threads = append(list.Threads, summarize(thread, comments[thread.ID], users))
		if thread.IsArchived || thread.Status != store.ThreadStatusOpen {
			continue
		}
		list.ActiveCount++
		if thread.Type == store.ThreadTypeDispute {
			list.DisputeCount++
		}
	}
	return list, nil
}

func (s *Service) ListGhostThreads(ctx context.Context, session Session, problemID string) ([]GhostThread, error) {
	problem, _, err := s.requireProblemAccess(ctx, session, problemID)
	if err != nil {
		return nil, err
	}
	threads, comments, users, err := s.problemThreads(ctx, problem.ID)
	if err != nil {
		return nil, err
	}

	ghosts := make([]GhostThread, 0)
	for _, thread := range threads {
		if !thread.IsArchived {
			continue
		}
		summary := summarize(thread, comments[thread.ID], users)
		ghosts = append(ghosts, GhostThread{
			ID:           thread.ID,
			BlockID:      summary.BlockID,
			Type:         thread.Type,
			CreatorName:  summary.CreatorName,
			CommentCount: summary.CommentCount,
			CreatedAt:    thread.CreatedAt,
		})
	}
	return ghosts, nil
}

// redact hides the body of a soft-deleted comment while keeping its place
// in the conversation.
func redact(comment store.Comment) (json.RawMessage, []string) {
	if comment.IsDeleted {
		return nil, []string{}
	}
	if comment.Mentions == nil {
		return comment.ContentJSON, []string{}
	}
	return comment.ContentJSON, comment.Mentions
}

func nonNilReactions(items []ReactionSummary) []ReactionSummary {
	if items == nil {
		return []ReactionSummary{}
	}
	return items
}

// GetThread returns nil without error when the thread does not exist.
func (s *Service) GetThread(ctx context.Context, session Session, threadID string) (*ThreadDetail, error) {
	if session.UserID == "" {
		return nil, unauthenticated()
	}
	thread, err := s.store.GetThread(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get thread: %w", err)
	}
	if _, _, err := s.requireProblemAccess(ctx, session, thread.ProblemID); err != nil {
		return nil, err
	}

	comments, err := s.store.ListComments(ctx, thread.ID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	sort.SliceStable(comments, func(i, j int) bool { return comments[i].CreatedAt.Before(comments[j].CreatedAt) })

	users, err := s.usersByID(ctx, append([]string{thread.CreatedBy}, lo.Map(comments, func(c store.Comment, _ int) string { return c.AuthorID })...))
	if err != nil {
		return nil, err
	}
	commentReactions, err := s.reactionsByTarget(ctx, store.TargetComment, lo.Map(comments, func(c store.Comment, _ int) string { return c.ID }), session.UserID)
	if err != nil {
		return nil, err
	}
	threadReactions, err := s.reactionsByTarget(ctx, store.TargetThread, []string{thread.ID}, session.UserID)
	if err != nil {
		return nil, err
	}

	detail := &ThreadDetail{
		ThreadSummary: summarize(thread, comments, users),
		Comments:      make([]CommentView, 0, len(comments)),
		Reactions:     nonNilReactions(threadReactions[thread.ID]),
	}
	for _, comment := range comments {
		content, mentions := redact(comment)
		detail.Comments = append(detail.Comments, CommentView{
			ID:          comment.ID,
			ThreadID:    comment.ThreadID,
			ParentID:    optional(comment.ParentID),
			AuthorID:    comment.AuthorID,
			AuthorName:  displayName(users, comment.AuthorID),
			ContentJSON: content,
			Mentions:    mentions,
			IsDeleted:   comment.IsDeleted,
			CreatedAt:   comment.CreatedAt,
			EditedAt:    comment.EditedAt,
			Reactions:   nonNilReactions(commentReactions[comment.ID]),
		})
	}
	return detail, nil
}

// ListAllCommentsForProblem is the flat chronological feed across every
// thread of a problem, archived ones included.
func (s *Service) ListAllCommentsForProblem(ctx context.Context, session Session, problemID string) ([]FeedItem, error) {
	problem, class, err := s.requireProblemAccess(ctx, session, problemID)
	if err != nil {
		return nil, err
	}
	threads, comments, users, err := s.problemThreads(ctx, problem.ID)
	if err != nil {
		return nil, err
	}

	commentIDs := make([]string, 0)
	for _, thread := range threads {
		for _, comment := range comments[thread.ID] {
			commentIDs = append(commentIDs, comment.ID)
		}
	}
	reactions, err := s.reactionsByTarget(ctx, store.TargetComment, commentIDs, session.UserID)
	if err != nil {
		return nil, err
	}

	items := make([]FeedItem, 0, len(commentIDs))
	for _, thread := range threads {
		for _, comment := range comments[thread.ID] {
			content, mentions := redact(comment)
			items = append(items, FeedItem{
				ID:               comment.ID,
				ThreadID:         thread.ID,
				BlockID:          optional(thread.BlockID),
				ThreadType:       thread.Type,
				ThreadStatus:     thread.Status,
				IsThreadArchived: thread.IsArchived,
				AuthorID:         comment.AuthorID,
				AuthorName:       displayName(users, comment.AuthorID),
				AuthorEmail:      users[comment.AuthorID].Email,
				IsProfessor:      comment.AuthorID == class.OwnerID,
				ContentJSON:      content,
				Mentions:         mentions,
				IsDeleted:        comment.IsDeleted,
				CreatedAt:        comment.CreatedAt,
				EditedAt:         comment.EditedAt,
				Reactions:        nonNilReactions(reactions[comment.ID]),
			})
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (s *Service) indexComment(problem store.Problem, thread store.Thread, comment store.Comment, authorName string) {
	s.search.IndexComment(search.CommentRecord{
		ID:         comment.ID,
		ThreadID:   thread.ID,
		ProblemID:  problem.ID,
		ClassID:    problem.ClassID,
		BlockID:    thread.BlockID,
		ThreadType: thread.Type,
		AuthorID:   comment.AuthorID,
		AuthorName: authorName,
		Body:       comment.BodyText,
		CreatedAt:  comment.CreatedAt.Unix(),
	})
}
