package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/samber/lo"

	"margin/api/internal/live"
	"margin/api/internal/store"
	"margin/api/internal/util"
)

const maxEmojiLength = 16

type ReactionSummary struct {
	Emoji      string `json:"emoji"`
	Count      int    `json:"count"`
	HasReacted bool   `json:"hasReacted"`
}

// aggregateReactions collapses rows into per-emoji counts in first-seen
// order. HasReacted reflects only the viewer's own row.
func aggregateReactions(reactions []store.Reaction, viewerID string) []ReactionSummary {
	summaries := make([]ReactionSummary, 0)
	index := map[string]int{}
	for _, reaction := range reactions {
		i, ok := index[reaction.Emoji]
		if !ok {
			i = len(summaries)
			index[reaction.Emoji] = i
			summaries = append(summaries, ReactionSummary{Emoji: reaction.Emoji})
		}
		summaries[i].Count++
		if viewerID != "" && reaction.UserID == viewerID {
			summaries[i].HasReacted = true
		}
	}
	return summaries
}

// reactionsByTarget loads and aggregates reactions for many targets at once.
func (s *Service) reactionsByTarget(ctx context.Context, targetType string, targetIDs []string, viewerID string) (map[string][]ReactionSummary, error) {
	if len(targetIDs) == 0 {
		return map[string][]ReactionSummary{}, nil
	}
	reactions, err := s.store.ListReactions(ctx, targetType, targetIDs)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	grouped := lo.GroupBy(reactions, func(r store.Reaction) string { return r.TargetID })
	return lo.MapValues(grouped, func(rows []store.Reaction, _ string) []ReactionSummary {
		return aggregateReactions(rows, viewerID)
	}), nil
}

type reactionTarget struct {
	thread  store.Thread
	problem store.Problem
	ownerID string
	comment string
}

func (s *Service) resolveReactionTarget(ctx context.Context, session Session, in ReactionInput) (reactionTarget, error) {
	switch in.TargetType {
	case store.TargetComment:
		comment, thread, problem, _, err := s.commentScope(ctx, session, in.TargetID)
		if err != nil {
			return reactionTarget{}, err
		}
		return reactionTarget{thread: thread, problem: problem, ownerID: comment.AuthorID, comment: comment.ID}, nil
	case store.TargetThread:
		thread, problem, _, err := s.threadScope(ctx, session, in.TargetID)
		if err != nil {
			return reactionTarget{}, err
		}
		return reactionTarget{thread: thread, problem: problem, ownerID: thread.CreatedBy}, nil
	default:
		return reactionTarget{}, validationError("targetType must be comment or thread", nil)
	}
}

func normalizeEmoji(emoji string) (string, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return "", validationError("emoji is required", nil)
	}
	if utf8.RuneCountInString(emoji) > maxEmojiLength {
		return "", validationError("emoji is too long", nil)
	}
	return emoji, nil
}

// AddReaction keeps at most one reaction per user and target: the same
// emoji is a no-op, a different one overwrites in place.
func (s *Service) AddReaction(ctx context.Context, session Session, in ReactionInput) error {
	emoji, err := normalizeEmoji(in.Emoji)
	if err != nil {
		return err
	}
	target, err := s.resolveReactionTarget(ctx, session, in)
	if err != nil {
		return err
	}

	existing, err := s.store.GetReaction(ctx, in.TargetType, in.TargetID, session.UserID)
	switch {
	case err == nil:
		if existing.Emoji == emoji {
			return nil
		}
		if err := s.store.UpdateReactionEmoji(ctx, existing.ID, emoji); err != nil {
			return fmt.Errorf("update reaction: %w", err)
		}
	case errors.Is(err, store.ErrNotFound):
		inserted, err := s.store.InsertReaction(ctx, store.Reaction{
			ID:         util.NewID("rxn"),
			TargetType: in.TargetType,
			TargetID:   in.TargetID,
			UserID:     session.UserID,
			Emoji:      emoji,
			CreatedAt:  s.now(),
		})
		if err != nil {
			return fmt.Errorf("insert reaction: %w", err)
		}
		if !inserted {
			// Lost a race with another add from the same user; converge on
			// the requested emoji.
			return s.overwriteReaction(ctx, in.TargetType, in.TargetID, session.UserID, emoji)
		}
		s.notify(ctx, target.problem, store.Notification{
			UserID:    target.ownerID,
			Type:      store.NotificationReaction,
			ThreadID:  target.thread.ID,
			CommentID: target.comment,
			ActorID:   session.UserID,
		}, nil)
	default:
		return fmt.Errorf("get reaction: %w", err)
	}

	s.publish(ctx, live.Event{
		Kind:      live.KindReaction,
		ProblemID: target.problem.ID,
		ThreadID:  target.thread.ID,
		CommentID: target.comment,
		ActorID:   session.UserID,
	})
	return nil
}

func (s *Service) overwriteReaction(ctx context.Context, targetType, targetID, userID, emoji string) error {
	existing, err := s.store.GetReaction(ctx, targetType, targetID, userID)
	if err != nil {
		return fmt.Errorf("get reaction: %w", err)
	}
	if existing.Emoji == emoji {
		return nil
	}
	if err := s.store.UpdateReactionEmoji(ctx, existing.ID, emoji); err != nil {
		return fmt.Errorf("update reaction: %w", err)
	}
	return nil
}

// RemoveReaction deletes the caller's reaction only while it still holds
// the given emoji.
func (s *Service) RemoveReaction(ctx context.Context, session Session, in ReactionInput) error {
	emoji, err := normalizeEmoji(in.Emoji)
	if err != nil {
		return err
	}
	target, err := s.resolveReactionTarget(ctx, session, in)
	if err != nil {
		return err
	}

	existing, err := s.store.GetReaction(ctx, in.TargetType, in.TargetID, session.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get reaction: %w", err)
	}
	if existing.Emoji != emoji {
		return nil
	}
	if err := s.store.DeleteReaction(ctx, existing.ID); err != nil {
		return fmt.Errorf("delete reaction: %w", err)
	}

	s.publish(ctx, live.Event{
		Kind:      live.KindReaction,
		ProblemID: target.problem.ID,
		ThreadID:  target.thread.ID,
		CommentID: target.comment,
		ActorID:   session.UserID,
	})
	return nil
}
