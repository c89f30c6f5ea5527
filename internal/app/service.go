package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"margin/api/internal/auth"
	"margin/api/internal/authpw"
	"margin/api/internal/config"
	"margin/api/internal/email"
	"margin/api/internal/live"
	"margin/api/internal/search"
	"margin/api/internal/store"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Email     string
	JTI       string
	ExpiresAt time.Time
}

type CreateThreadInput struct {
	BlockID     *string         `json:"blockId"`
	Type        string          `json:"type"`
	ContentJSON json.RawMessage `json:"contentJson"`
	Mentions    []string        `json:"mentions"`
}

type CreateCommentInput struct {
	ContentJSON json.RawMessage `json:"contentJson"`
	Mentions    []string        `json:"mentions"`
	ParentID    *string         `json:"parentId"`
}

type UpdateCommentInput struct {
	ContentJSON json.RawMessage `json:"contentJson"`
	Mentions    []string        `json:"mentions"`
}

type ReactionInput struct {
	TargetType string `json:"targetType"`
	TargetID   string `json:"targetId"`
	Emoji      string `json:"emoji"`
}

type ReconcileInput struct {
	ActiveBlockIDs []string        `json:"activeBlockIds"`
	ContentJSON    json.RawMessage `json:"contentJson"`
}

type dataStore interface {
	Ping(ctx context.Context) error

	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	ListUsersByIDs(context.Context, []string) ([]store.User, error)

	GetProblem(context.Context, string) (store.Problem, error)
	GetClass(context.Context, string) (store.Class, error)
	ListClassMemberships(ctx context.Context, classID, userID string) ([]store.Membership, error)
	ListActiveClassMembers(ctx context.Context, classID string) ([]store.User, error)

	InsertThread(context.Context, store.Thread) error
	GetThread(context.Context, string) (store.Thread, error)
	ListThreadsByProblem(context.Context, string) ([]store.Thread, error)
	FindActiveThreadForBlock(ctx context.Context, problemID, blockID string) (store.Thread, error)
	EscalateThread(context.Context, string) (bool, error)
	ResolveThread(ctx context.Context, threadID, resolvedBy string, resolvedAt time.Time, allowDispute bool) (bool, error)
	ReopenThread(context.Context, string) (bool, error)
	SetThreadArchived(ctx context.Context, threadID string, archived bool) (bool, error)

	InsertComment(context.Context, store.Comment) error
	GetComment(context.Context, string) (store.Comment, error)
	ListComments(context.Context, string) ([]store.Comment, error)
	ListProblemComments(context.Context, string) ([]store.Comment, error)
	UpdateComment(context.Context, store.Comment) error
	SoftDeleteComment(context.Context, string) error

	ListReactions(ctx context.Context, targetType string, targetIDs []string) ([]store.Reaction, error)
	GetReaction(ctx context.Context, targetType, targetID, userID string) (store.Reaction, error)
	InsertReaction(context.Context, store.Reaction) (bool, error)
	UpdateReactionEmoji(ctx context.Context, reactionID, emoji string) error
	DeleteReaction(context.Context, string) error

	InsertNotification(context.Context, store.Notification) error
	ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]store.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, notificationID string) (bool, error)
	MarkAllNotificationsRead(ctx context.Context, userID string) (int, error)

	InsertActivity(context.Context, store.Activity) error
	ListActivities(ctx context.Context, classID string, limit int) ([]store.Activity, error)
}

type passwordAuth interface {
	SignUp(context.Context, authpw.SignUpRequest) (store.User, error)
	SignIn(context.Context, authpw.SignInRequest) (store.User, error)
}

type commentIndex interface {
	Search(search.Query) search.Response
	IndexComment(search.CommentRecord)
	DeleteComment(id string)
}

type mailer interface {
	IsConfigured() bool
	SendNotificationEmail(to string, data email.NotificationData) error
}

type tokenRevoker interface {
	Revoke(ctx context.Context, jti, userID string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Options carries the optional collaborators. Nil fields fall back to
// in-process implementations, or are disabled where no fallback makes sense
// (mail, token revocation).
type Options struct {
	Passwords passwordAuth
	Feed      live.Feed
	Search    commentIndex
	Mailer    mailer
	Revoker   tokenRevoker
}

type Service struct {
	cfg       config.Config
	store     dataStore
	passwords passwordAuth
	feed      live.Feed
	search    commentIndex
	mailer    mailer
	revoker   tokenRevoker
	now       func() time.Time
}

func New(cfg config.Config, dataStore dataStore, opts Options) *Service {
	s := &Service{
		cfg:       cfg,
		store:     dataStore,
		passwords: opts.Passwords,
		feed:      opts.Feed,
		search:    opts.Search,
		mailer:    opts.Mailer,
		revoker:   opts.Revoker,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if s.passwords == nil {
		s.passwords = authpw.NewService(dataStore)
	}
	if s.feed == nil {
		s.feed = live.NewLocalFeed()
	}
	if s.search == nil {
		s.search = search.NewMemoryService(search.NewMemoryIndex())
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.passwords.SignUp(ctx, req)
	if err != nil {
		return Session{}, passwordError(err)
	}
	return s.issueSession(user)
}

func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (Session, error) {
	user, err := s.passwords.SignIn(ctx, req)
	if err != nil {
		return Session{}, passwordError(err)
	}
	return s.issueSession(user)
}

func passwordError(err error) error {
	switch {
	case errors.Is(err, authpw.ErrInvalidInput):
		return validationError(err.Error(), nil)
	case errors.Is(err, authpw.ErrEmailTaken):
		return domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	default:
		return err
	}
}

func (s *Service) tokens() *auth.Signer {
	return auth.NewSigner([]byte(s.cfg.JWTSecret), s.cfg.AccessTTL(), s.revoker)
}

func (s *Service) issueSession(user store.User) (Session, error) {
	token, claims, err := s.tokens().Issue(auth.Identity{UserID: user.ID, Name: user.DisplayName, Email: user.Email})
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		JTI:       claims.JTI,
		ExpiresAt: claims.ExpiresAt(),
	}, nil
}

// SessionFromToken verifies the token, revocation included, and reloads the
// user so renamed or removed accounts take effect before expiry.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.tokens().Verify(ctx, token)
	if err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session user: %w", err)
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		JTI:       claims.JTI,
		ExpiresAt: claims.ExpiresAt(),
	}, nil
}

// SignOut revokes the presented token. Without a revocation store tokens
// simply run to expiry.
func (s *Service) SignOut(ctx context.Context, session Session) error {
	if s.revoker == nil || session.JTI == "" {
		return nil
	}
	if err := s.revoker.Revoke(ctx, session.JTI, session.UserID, session.ExpiresAt); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// Subscribe opens a live change stream for a problem the caller can see.
func (s *Service) Subscribe(ctx context.Context, session Session, problemID string) (live.Subscription, error) {
	if _, _, err := s.requireProblemAccess(ctx, session, problemID); err != nil {
		return nil, err
	}
	sub, err := s.feed.Subscribe(ctx, problemID)
	if err != nil {
		return nil, fmt.Errorf("subscribe to problem feed: %w", err)
	}
	return sub, nil
}

func (s *Service) publish(ctx context.Context, event live.Event) {
	event.At = s.now()
	if err := s.feed.Publish(ctx, event); err != nil {
		sideEffectFailures.WithLabelValues("live").Inc()
		log.Warn().Err(err).Str("kind", event.Kind).Str("problem_id", event.ProblemID).Msg("publish live event")
	}
}
