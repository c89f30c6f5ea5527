package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"margin/api/internal/store"
)

const maxMentionResults = 10

type MentionCandidate struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// SearchUsersForMention matches active members of every instance of the
// class, plus the owner, against a case-insensitive name/email substring.
func (s *Service) SearchUsersForMention(ctx context.Context, session Session, classID, term string) ([]MentionCandidate, error) {
	class, err := s.requireClassAccess(ctx, session, classID)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(term))
	if needle == "" {
		return []MentionCandidate{}, nil
	}

	members, err := s.store.ListActiveClassMembers(ctx, class.ID)
	if err != nil {
		return nil, fmt.Errorf("list class members: %w", err)
	}
	owner, err := s.store.GetUserByID(ctx, class.OwnerID)
	switch {
	case err == nil:
		members = append(members, owner)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("get class owner: %w", err)
	}

	matches := lo.Filter(lo.UniqBy(members, func(u store.User) string { return u.ID }), func(u store.User, _ int) bool {
		return strings.Contains(strings.ToLower(u.DisplayName), needle) ||
			strings.Contains(strings.ToLower(u.Email), needle)
	})
	if len(matches) > maxMentionResults {
		matches = matches[:maxMentionResults]
	}
	return lo.Map(matches, func(u store.User, _ int) MentionCandidate {
		return MentionCandidate{ID: u.ID, Name: u.DisplayName, Email: u.Email}
	}), nil
}

func normalizeMentions(mentions []string) []string {
	cleaned := lo.FilterMap(mentions, func(id string, _ int) (string, bool) {
		id = strings.TrimSpace(id)
		return id, id != ""
	})
	return lo.Uniq(cleaned)
}

// notifyMentions sends one mention notification per user, skipping the author.
func (s *Service) notifyMentions(ctx context.Context, problem store.Problem, thread store.Thread, comment store.Comment, mentioned []string, content json.RawMessage) {
	for _, userID := range mentioned {
		s.notify(ctx, problem, store.Notification{
			UserID:    userID,
			Type:      store.NotificationMention,
			ThreadID:  thread.ID,
			CommentID: comment.ID,
			ActorID:   comment.AuthorID,
		}, content)
	}
}
