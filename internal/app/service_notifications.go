package app

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"margin/api/internal/email"
	"margin/api/internal/prosemirror"
	"margin/api/internal/store"
	"margin/api/internal/util"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type NotificationView struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	ThreadID  *string   `json:"threadId"`
	CommentID *string   `json:"commentId"`
	ActorID   string    `json:"actorId"`
	ActorName string    `json:"actorName"`
	IsRead    bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
}

type ActivityView struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	ActorID   string          `json:"actorId"`
	ActorName string          `json:"actorName"`
	ProblemID string          `json:"problemId"`
	BlockID   *string         `json:"blockId"`
	ThreadID  *string         `json:"threadId"`
	CommentID *string         `json:"commentId"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return min(limit, maxListLimit)
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

// usersByID resolves display data for a set of user ids in one query.
func (s *Service) usersByID(ctx context.Context, ids []string) (map[string]store.User, error) {
	ids = lo.Uniq(lo.Filter(ids, func(id string, _ int) bool { return id != "" }))
	if len(ids) == 0 {
		return map[string]store.User{}, nil
	}
	users, err := s.store.ListUsersByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return lo.KeyBy(users, func(u store.User) string { return u.ID }), nil
}

func displayName(users map[string]store.User, id string) string {
	if user, ok := users[id]; ok && user.DisplayName != "" {
		return user.DisplayName
	}
	return "Unknown"
}

// recordActivity is best effort: the primary write has already committed.
func (s *Service) recordActivity(ctx context.Context, problem store.Problem, item store.Activity) {
	item.ID = util.NewID("act")
	item.ClassID = problem.ClassID
	item.ProblemID = problem.ID
	item.CreatedAt = s.now()
	if err := s.store.InsertActivity(ctx, item); err != nil {
		sideEffectFailures.WithLabelValues("activity").Inc()
		log.Error().Err(err).Str("type", item.Type).Str("thread_id", item.ThreadID).Msg("record activity")
	}
}

// notify writes one inbox row. Self-targeted notifications are dropped.
func (s *Service) notify(ctx context.Context, problem store.Problem, item store.Notification, content json.RawMessage) {
	if item.UserID == "" || item.UserID == item.ActorID {
		return
	}
	item.ID = util.NewID("ntf")
	item.CreatedAt = s.now()
	if err := s.store.InsertNotification(ctx, item); err != nil {
		sideEffectFailures.WithLabelValues("notification").Inc()
		log.Error().Err(err).Str("type", item.Type).Str("user_id", item.UserID).Msg("create notification")
		return
	}
	notificationsCreated.WithLabelValues(item.Type).Inc()
	s.sendNotificationEmail(problem, item, content)
}

func (s *Service) sendNotificationEmail(problem store.Problem, item store.Notification, content json.RawMessage) {
	if s.mailer == nil || !s.mailer.IsConfigured() {
		return
	}
	switch item.Type {
	case store.NotificationMention, store.NotificationReply, store.NotificationDisputeResolved:
	default:
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		users, err := s.usersByID(ctx, []string{item.UserID, item.ActorID})
		if err != nil {
			log.Warn().Err(err).Str("notification_id", item.ID).Msg("load email recipients")
			return
		}
		recipient, ok := users[item.UserID]
		if !ok || recipient.Email == "" {
			return
		}

		doc, err := prosemirror.Parse(content)
		if err != nil {
			doc = prosemirror.Node{}
		}
		data := email.NotificationData{
			RecipientName: recipient.DisplayName,
			ActorName:     displayName(users, item.ActorID),
			Kind:          item.Type,
			ProblemTitle:  problem.Title,
			BodyHTML:      template.HTML(prosemirror.HTML(doc)),
			BodyText:      prosemirror.PlainText(doc),
			ThreadURL:     s.threadURL(problem.ID, item.ThreadID),
		}
		if err := s.mailer.SendNotificationEmail(recipient.Email, data); err != nil {
			sideEffectFailures.WithLabelValues("email").Inc()
			log.Warn().Err(err).Str("notification_id", item.ID).Msg("send notification email")
		}
	}()
}

func (s *Service) threadURL(problemID, threadID string) string {
	base := strings.TrimRight(s.cfg.AppURL, "/")
	return fmt.Sprintf("%s/problems/%s?thread=%s", base, url.PathEscape(problemID), url.QueryEscape(threadID))
}

func (s *Service) ListNotifications(ctx context.Context, session Session, unreadOnly bool, limit int) ([]NotificationView, error) {
	if session.UserID == "" {
		return nil, unauthenticated()
	}
	items, err := s.store.ListNotifications(ctx, session.UserID, unreadOnly, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	users, err := s.usersByID(ctx, lo.Map(items, func(n store.Notification, _ int) string { return n.ActorID }))
	if err != nil {
		return nil, err
	}

	views := make([]NotificationView, 0, len(items))
	for _, item := range items {
		views = append(views, NotificationView{
			ID:        item.ID,
			Type:      item.Type,
			ThreadID:  optional(item.ThreadID),
			CommentID: optional(item.CommentID),
			ActorID:   item.ActorID,
			ActorName: displayName(users, item.ActorID),
			IsRead:    item.IsRead,
			CreatedAt: item.CreatedAt,
		})
	}
	return views, nil
}

// MarkNotificationRead only touches the caller's own inbox; anyone else's
// notification id is reported as missing.
func (s *Service) MarkNotificationRead(ctx context.Context, session Session, notificationID string) error {
	if session.UserID == "" {
		return unauthenticated()
	}
	updated, err := s.store.MarkNotificationRead(ctx, session.UserID, notificationID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if !updated {
		return notFound("Notification not found")
	}
	return nil
}

func (s *Service) MarkAllNotificationsRead(ctx context.Context, session Session) (int, error) {
	if session.UserID == "" {
		return 0, unauthenticated()
	}
	count, err := s.store.MarkAllNotificationsRead(ctx, session.UserID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	return count, nil
}

func (s *Service) ListActivities(ctx context.Context, session Session, classID string, limit int) ([]ActivityView, error) {
	class, err := s.requireClassAccess(ctx, session, classID)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListActivities(ctx, class.ID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	users, err := s.usersByID(ctx, lo.Map(items, func(a store.Activity, _ int) string { return a.ActorID }))
	if err != nil {
		return nil, err
	}

	views := make([]ActivityView, 0, len(items))
	for _, item := range items {
		views = append(views, ActivityView{
			ID:        item.ID,
			Type:      item.Type,
			ActorID:   item.ActorID,
			ActorName: displayName(users, item.ActorID),
			ProblemID: item.ProblemID,
			BlockID:   optional(item.BlockID),
			ThreadID:  optional(item.ThreadID),
			CommentID: optional(item.CommentID),
			Metadata:  item.Metadata,
			CreatedAt: item.CreatedAt,
		})
	}
	return views, nil
}
