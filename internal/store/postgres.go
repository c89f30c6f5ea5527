package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func nullTime(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func decodeTextArray(raw []byte) ([]string, error) {
	items := make([]string, 0)
	if len(raw) == 0 {
		return items, nil
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode text array: %w", err)
	}
	return items, nil
}

func rawJSON(value json.RawMessage) string {
	if len(value) == 0 {
		return "{}"
	}
	return string(value)
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

// Users

const userColumns = `id, display_name, email, password_hash, created_at`

func scanUser(row rowScanner) (User, error) {
	var user User
	if err := row.Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt); err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash)
		VALUES ($1, $2, LOWER($3), $4)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
	if err != nil {
		return User{}, mapNoRows(err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=LOWER($1)`, email))
	if err != nil {
		return User{}, mapNoRows(err)
	}
	return user, nil
}

func (s *PostgresStore) ListUsersByIDs(ctx context.Context, userIDs []string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ANY($1::text[])`, nonNil(userIDs))
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

// Class context

func (s *PostgresStore) GetProblem(ctx context.Context, problemID string) (Problem, error) {
	var item Problem
	err := s.db.QueryRowContext(ctx, `
		SELECT p.id, p.assignment_id, a.class_id, p.title
		FROM problems p
		JOIN assignments a ON a.id = p.assignment_id
		WHERE p.id=$1
	`, problemID).Scan(&item.ID, &item.AssignmentID, &item.ClassID, &item.Title)
	if err != nil {
		return Problem{}, mapNoRows(err)
	}
	return item, nil
}

func (s *PostgresStore) GetClass(ctx context.Context, classID string) (Class, error) {
	var item Class
	err := s.db.QueryRowContext(ctx, `SELECT id, name, owner_id FROM classes WHERE id=$1`, classID).Scan(&item.ID, &item.Name, &item.OwnerID)
	if err != nil {
		return Class{}, mapNoRows(err)
	}
	return item, nil
}

// ListClassMemberships returns the user's memberships across every instance
// of the class, regardless of membership or instance status.
func (s *PostgresStore) ListClassMemberships(ctx context.Context, classID, userID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.instance_id, m.user_id, m.role, m.status, COALESCE(to_json(m.permissions)::text, '[]')
		FROM class_members m
		JOIN class_instances ci ON ci.id = m.instance_id
		WHERE ci.class_id=$1 AND m.user_id=$2
		ORDER BY ci.created_at ASC
	`, classID, userID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	items := make([]Membership, 0)
	for rows.Next() {
		var item Membership
		var permissions []byte
		if err := rows.Scan(&item.InstanceID, &item.UserID, &item.Role, &item.Status, &permissions); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		if item.Permissions, err = decodeTextArray(permissions); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memberships: %w", err)
	}
	return items, nil
}

// ListActiveClassMembers returns each user holding an active membership in
// any instance of the class, once.
func (s *PostgresStore) ListActiveClassMembers(ctx context.Context, classID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT u.id, u.display_name, u.email, u.password_hash, u.created_at
		FROM class_members m
		JOIN class_instances ci ON ci.id = m.instance_id
		JOIN users u ON u.id = m.user_id
		WHERE ci.class_id=$1 AND m.status='active'
		ORDER BY u.display_name ASC
	`, classID)
	if err != nil {
		return nil, fmt.Errorf("list class members: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan class member: %w", err)
		}
		items = append(items, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate class members: %w", err)
	}
	return items, nil
}

// Threads

const threadColumns = `id, problem_id, COALESCE(block_id, ''), type, status, is_archived, created_by, created_at, COALESCE(resolved_by, ''), resolved_at`

func scanThread(row rowScanner) (Thread, error) {
	var item Thread
	var resolvedAt sql.NullTime
	if err := row.Scan(
		&item.ID,
		&item.ProblemID,
		&item.BlockID,
		&item.Type,
		&item.Status,
		&item.IsArchived,
		&item.CreatedBy,
		&item.CreatedAt,
		&item.ResolvedBy,
		&resolvedAt,
	); err != nil {
		return Thread{}, err
	}
	item.ResolvedAt = nullTime(resolvedAt)
	return item, nil
}

func (s *PostgresStore) queryThreads(ctx context.Context, query string, args ...any) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	items := make([]Thread, 0)
	for rows.Next() {
		item, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertThread(ctx context.Context, thread Thread) error {
	threadType := thread.Type
	if threadType == "" {
		threadType = ThreadTypeComment
	}
	status := thread.Status
	if status == "" {
		status = ThreadStatusOpen
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, problem_id, block_id, type, status, is_archived, created_by, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)
	`, thread.ID, thread.ProblemID, thread.BlockID, threadType, status, thread.IsArchived, thread.CreatedBy, thread.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetThread(ctx context.Context, threadID string) (Thread, error) {
	item, err := scanThread(s.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE id=$1`, threadID))
	if err != nil {
		return Thread{}, mapNoRows(err)
	}
	return item, nil
}

func (s *PostgresStore) ListThreadsByProblem(ctx context.Context, problemID string) ([]Thread, error) {
	return s.queryThreads(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE problem_id=$1
		ORDER BY created_at ASC, id ASC
	`, problemID)
}

// FindActiveThreadForBlock returns the newest non-archived thread anchored
// to the block.
func (s *PostgresStore) FindActiveThreadForBlock(ctx context.Context, problemID, blockID string) (Thread, error) {
	item, err := scanThread(s.db.QueryRowContext(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE problem_id=$1 AND block_id=$2 AND is_archived=FALSE
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, problemID, blockID))
	if err != nil {
		return Thread{}, mapNoRows(err)
	}
	return item, nil
}

func (s *PostgresStore) execAffected(ctx context.Context, label, query string, args ...any) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", label, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s rows: %w", label, err)
	}
	return affected > 0, nil
}

// EscalateThread turns a comment thread into a dispute. Disputes never go back.
func (s *PostgresStore) EscalateThread(ctx context.Context, threadID string) (bool, error) {
	return s.execAffected(ctx, "escalate thread", `
		UPDATE threads SET type='dispute' WHERE id=$1 AND type='comment'
	`, threadID)
}

// ResolveThread only touches a dispute when allowDispute is set.
func (s *PostgresStore) ResolveThread(ctx context.Context, threadID, resolvedBy string, resolvedAt time.Time, allowDispute bool) (bool, error) {
	return s.execAffected(ctx, "resolve thread", `
		UPDATE threads
		SET status='resolved', resolved_by=$2, resolved_at=$3
		WHERE id=$1 AND status <> 'resolved' AND (type='comment' OR $4)
	`, threadID, resolvedBy, resolvedAt, allowDispute)
}

func (s *PostgresStore) ReopenThread(ctx context.Context, threadID string) (bool, error) {
	return s.execAffected(ctx, "reopen thread", `
		UPDATE threads
		SET status='open', resolved_by=NULL, resolved_at=NULL
		WHERE id=$1 AND status='resolved'
	`, threadID)
}

func (s *PostgresStore) SetThreadArchived(ctx context.Context, threadID string, archived bool) (bool, error) {
	return s.execAffected(ctx, "archive thread", `
		UPDATE threads SET is_archived=$2 WHERE id=$1 AND is_archived <> $2
	`, threadID, archived)
}

// Comments

const commentColumns = `id, thread_id, COALESCE(parent_id, ''), author_id, content_json::text, body_text, COALESCE(to_json(mentions)::text, '[]'), is_deleted, created_at, edited_at`

func scanComment(row rowScanner) (Comment, error) {
	var item Comment
	var content string
	var mentions []byte
	var editedAt sql.NullTime
	if err := row.Scan(
		&item.ID,
		&item.ThreadID,
		&item.ParentID,
		&item.AuthorID,
		&content,
		&item.BodyText,
		&mentions,
		&item.IsDeleted,
		&item.CreatedAt,
		&editedAt,
	); err != nil {
		return Comment{}, err
	}
	item.ContentJSON = json.RawMessage(content)
	item.EditedAt = nullTime(editedAt)
	decoded, err := decodeTextArray(mentions)
	if err != nil {
		return Comment{}, err
	}
	item.Mentions = decoded
	return item, nil
}

func (s *PostgresStore) queryComments(ctx context.Context, query string, args ...any) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, thread_id, parent_id, author_id, content_json, body_text, mentions, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5::jsonb, $6, $7::text[], $8)
	`, comment.ID, comment.ThreadID, comment.ParentID, comment.AuthorID, rawJSON(comment.ContentJSON), comment.BodyText, nonNil(comment.Mentions), comment.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	item, err := scanComment(s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id=$1`, commentID))
	if err != nil {
		return Comment{}, mapNoRows(err)
	}
	return item, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, threadID string) ([]Comment, error) {
	return s.queryComments(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE thread_id=$1
		ORDER BY created_at ASC, id ASC
	`, threadID)
}

// ListProblemComments returns every comment of every thread of the problem,
// archived threads and deleted comments included, oldest first.
func (s *PostgresStore) ListProblemComments(ctx context.Context, problemID string) ([]Comment, error) {
	return s.queryComments(ctx, `
		SELECT c.id, c.thread_id, COALESCE(c.parent_id, ''), c.author_id, c.content_json::text, c.body_text, COALESCE(to_json(c.mentions)::text, '[]'), c.is_deleted, c.created_at, c.edited_at
		FROM comments c
		JOIN threads t ON t.id = c.thread_id
		WHERE t.problem_id=$1
		ORDER BY c.created_at ASC, c.id ASC
	`, problemID)
}

func (s *PostgresStore) UpdateComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE comments
		SET content_json=$2::jsonb, body_text=$3, mentions=$4::text[], edited_at=$5
		WHERE id=$1
	`, comment.ID, rawJSON(comment.ContentJSON), comment.BodyText, nonNil(comment.Mentions), comment.EditedAt)
	if err != nil {
		return fmt.Errorf("update comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) SoftDeleteComment(ctx context.Context, commentID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE comments SET is_deleted=TRUE WHERE id=$1`, commentID)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return nil
}

// Reactions

func (s *PostgresStore) ListReactions(ctx context.Context, targetType string, targetIDs []string) ([]Reaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target_type, target_id, user_id, emoji, created_at
		FROM reactions
		WHERE target_type=$1 AND target_id = ANY($2::text[])
		ORDER BY created_at ASC, id ASC
	`, targetType, nonNil(targetIDs))
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	defer rows.Close()

	items := make([]Reaction, 0)
	for rows.Next() {
		var item Reaction
		if err := rows.Scan(&item.ID, &item.TargetType, &item.TargetID, &item.UserID, &item.Emoji, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reactions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetReaction(ctx context.Context, targetType, targetID, userID string) (Reaction, error) {
	var item Reaction
	err := s.db.QueryRowContext(ctx, `
		SELECT id, target_type, target_id, user_id, emoji, created_at
		FROM reactions
		WHERE target_type=$1 AND target_id=$2 AND user_id=$3
	`, targetType, targetID, userID).Scan(&item.ID, &item.TargetType, &item.TargetID, &item.UserID, &item.Emoji, &item.CreatedAt)
	if err != nil {
		return Reaction{}, mapNoRows(err)
	}
	return item, nil
}

// InsertReaction reports false when the user already reacted to the target;
// the unique index keeps one row per user and target.
func (s *PostgresStore) InsertReaction(ctx context.Context, reaction Reaction) (bool, error) {
	return s.execAffected(ctx, "insert reaction", `
		INSERT INTO reactions (id, target_type, target_id, user_id, emoji, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (target_type, target_id, user_id) DO NOTHING
	`, reaction.ID, reaction.TargetType, reaction.TargetID, reaction.UserID, reaction.Emoji, reaction.CreatedAt)
}

func (s *PostgresStore) UpdateReactionEmoji(ctx context.Context, reactionID, emoji string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE reactions SET emoji=$2 WHERE id=$1`, reactionID, emoji)
	if err != nil {
		return fmt.Errorf("update reaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteReaction(ctx context.Context, reactionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reactions WHERE id=$1`, reactionID)
	if err != nil {
		return fmt.Errorf("delete reaction: %w", err)
	}
	return nil
}

// Notifications

func (s *PostgresStore) InsertNotification(ctx context.Context, item Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, thread_id, comment_id, actor_id, is_read, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8)
	`, item.ID, item.UserID, item.Type, item.ThreadID, item.CommentID, item.ActorID, item.IsRead, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, COALESCE(thread_id, ''), COALESCE(comment_id, ''), actor_id, is_read, created_at
		FROM notifications
		WHERE user_id=$1 AND (NOT $2::boolean OR is_read=FALSE)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, userID, unreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var item Notification
		if err := rows.Scan(&item.ID, &item.UserID, &item.Type, &item.ThreadID, &item.CommentID, &item.ActorID, &item.IsRead, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

// MarkNotificationRead reports false when the notification does not belong
// to the user.
func (s *PostgresStore) MarkNotificationRead(ctx context.Context, userID, notificationID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		WITH updated AS (
			UPDATE notifications SET is_read=TRUE WHERE id=$1 AND user_id=$2 RETURNING id
		)
		SELECT EXISTS(SELECT 1 FROM updated)
	`, notificationID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context, userID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE notifications SET is_read=TRUE WHERE user_id=$1 AND is_read=FALSE`, userID)
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark notifications read rows: %w", err)
	}
	return int(affected), nil
}

// Activities

func (s *PostgresStore) InsertActivity(ctx context.Context, item Activity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activities (id, class_id, type, actor_id, problem_id, block_id, thread_id, comment_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9::jsonb, $10)
	`, item.ID, item.ClassID, item.Type, item.ActorID, item.ProblemID, item.BlockID, item.ThreadID, item.CommentID, rawJSON(item.Metadata), item.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActivities(ctx context.Context, classID string, limit int) ([]Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, class_id, type, actor_id, COALESCE(problem_id, ''), COALESCE(block_id, ''), COALESCE(thread_id, ''), COALESCE(comment_id, ''), metadata::text, created_at
		FROM activities
		WHERE class_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, classID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	items := make([]Activity, 0)
	for rows.Next() {
		var item Activity
		var metadata string
		if err := rows.Scan(&item.ID, &item.ClassID, &item.Type, &item.ActorID, &item.ProblemID, &item.BlockID, &item.ThreadID, &item.CommentID, &metadata, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		item.Metadata = json.RawMessage(metadata)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activities: %w", err)
	}
	return items, nil
}
