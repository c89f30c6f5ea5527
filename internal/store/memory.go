package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process store with the same semantics as
// PostgresStore. It backs scenario tests and the --memory dev server.
type MemoryStore struct {
	mu sync.RWMutex

	users         map[string]User
	classes       map[string]Class
	instances     map[string]ClassInstance
	memberships   []Membership
	problems      map[string]Problem
	threads       []Thread
	comments      []Comment
	reactions     []Reaction
	notifications []Notification
	activities    []Activity
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     map[string]User{},
		classes:   map[string]Class{},
		instances: map[string]ClassInstance{},
		problems:  map[string]Problem{},
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// Seeding. Class, roster and problem management live outside this service;
// these exist so tests and dev mode can build a course.

func (m *MemoryStore) AddClass(class Class) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classes[class.ID] = class
}

func (m *MemoryStore) AddClassInstance(instance ClassInstance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[instance.ID] = instance
}

// AddMembership inserts or replaces the user's membership in an instance.
func (m *MemoryStore) AddMembership(membership Membership) {
	m.mu.Lock()
	defer m.mu.Unlock()
	membership.Permissions = cloneStrings(membership.Permissions)
	for i, existing := range m.memberships {
		if existing.InstanceID == membership.InstanceID && existing.UserID == membership.UserID {
			m.memberships[i] = membership
			return
		}
	}
	m.memberships = append(m.memberships, membership)
}

func (m *MemoryStore) AddProblem(problem Problem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.problems[problem.ID] = problem
}

func cloneStrings(items []string) []string {
	out := make([]string, len(items))
	copy(out, items)
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

func cloneComment(comment Comment) Comment {
	comment.ContentJSON = cloneRaw(comment.ContentJSON)
	comment.Mentions = cloneStrings(comment.Mentions)
	if comment.EditedAt != nil {
		at := *comment.EditedAt
		comment.EditedAt = &at
	}
	return comment
}

func cloneThread(thread Thread) Thread {
	if thread.ResolvedAt != nil {
		at := *thread.ResolvedAt
		thread.ResolvedAt = &at
	}
	return thread
}

// Users

func (m *MemoryStore) CreateUser(_ context.Context, user User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user.Email = strings.ToLower(user.Email)
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	m.users[user.ID] = user
	return nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, userID string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	email = strings.ToLower(email)
	for _, user := range m.users {
		if user.Email == email {
			return user, nil
		}
	}
	return User{}, ErrNotFound
}

func (m *MemoryStore) ListUsersByIDs(_ context.Context, userIDs []string) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]User, 0, len(userIDs))
	seen := map[string]bool{}
	for _, id := range userIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if user, ok := m.users[id]; ok {
			items = append(items, user)
		}
	}
	return items, nil
}

// Class context

func (m *MemoryStore) GetProblem(_ context.Context, problemID string) (Problem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	problem, ok := m.problems[problemID]
	if !ok {
		return Problem{}, ErrNotFound
	}
	return problem, nil
}

func (m *MemoryStore) GetClass(_ context.Context, classID string) (Class, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	class, ok := m.classes[classID]
	if !ok {
		return Class{}, ErrNotFound
	}
	return class, nil
}

func (m *MemoryStore) ListClassMemberships(_ context.Context, classID, userID string) ([]Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]Membership, 0)
	for _, membership := range m.memberships {
		if membership.UserID != userID {
			continue
		}
		if instance, ok := m.instances[membership.InstanceID]; !ok || instance.ClassID != classID {
			continue
		}
		membership.Permissions = cloneStrings(membership.Permissions)
		items = append(items, membership)
	}
	return items, nil
}

func (m *MemoryStore) ListActiveClassMembers(_ context.Context, classID string) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]bool{}
	items := make([]User, 0)
	for _, membership := range m.memberships {
		if membership.Status != "active" || seen[membership.UserID] {
			continue
		}
		if instance, ok := m.instances[membership.InstanceID]; !ok || instance.ClassID != classID {
			continue
		}
		user, ok := m.users[membership.UserID]
		if !ok {
			continue
		}
		seen[membership.UserID] = true
		items = append(items, user)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].DisplayName < items[j].DisplayName })
	return items, nil
}

// Threads

func (m *MemoryStore) InsertThread(_ context.Context, thread Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if thread.Type == "" {
		thread.Type = ThreadTypeComment
	}
	if thread.Status == "" {
		thread.Status = ThreadStatusOpen
	}
	m.threads = append(m.threads, cloneThread(thread))
	return nil
}

func (m *MemoryStore) threadIndex(threadID string) int {
	for i, thread := range m.threads {
		if thread.ID == threadID {
			return i
		}
	}
	return -1
}

func (m *MemoryStore) GetThread(_ context.Context, threadID string) (Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.threadIndex(threadID)
	if idx < 0 {
		return Thread{}, ErrNotFound
	}
	return cloneThread(m.threads[idx]), nil
}

func (m *MemoryStore) ListThreadsByProblem(_ context.Context, problemID string) ([]Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]Thread, 0)
	for _, thread := range m.threads {
		if thread.ProblemID == problemID {
			items = append(items, cloneThread(thread))
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (m *MemoryStore) FindActiveThreadForBlock(_ context.Context, problemID, blockID string) (Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	found := -1
	for i, thread := range m.threads {
		if thread.ProblemID != problemID || thread.BlockID != blockID || thread.IsArchived {
			continue
		}
		// Later inserts win ties.
		if found < 0 || !thread.CreatedAt.Before(m.threads[found].CreatedAt) {
			found = i
		}
	}
	if found < 0 {
		return Thread{}, ErrNotFound
	}
	return cloneThread(m.threads[found]), nil
}

func (m *MemoryStore) EscalateThread(_ context.Context, threadID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.threadIndex(threadID)
	if idx < 0 || m.threads[idx].Type != ThreadTypeComment {
		return false, nil
	}
	m.threads[idx].Type = ThreadTypeDispute
	return true, nil
}

func (m *MemoryStore) ResolveThread(_ context.Context, threadID, resolvedBy string, resolvedAt time.Time, allowDispute bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.threadIndex(threadID)
	if idx < 0 || m.threads[idx].Status == ThreadStatusResolved {
		return false, nil
	}
	if m.threads[idx].Type == ThreadTypeDispute && !allowDispute {
		return false, nil
	}
	at := resolvedAt
	m.threads[idx].Status = ThreadStatusResolved
	m.threads[idx].ResolvedBy = resolvedBy
	m.threads[idx].ResolvedAt = &at
	return true, nil
}

func (m *MemoryStore) ReopenThread(_ context.Context, threadID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.threadIndex(threadID)
	if idx < 0 || m.threads[idx].Status != ThreadStatusResolved {
		return false, nil
	}
	m.threads[idx].Status = ThreadStatusOpen
	m.threads[idx].ResolvedBy = ""
	m.threads[idx].ResolvedAt = nil
	return true, nil
}

func (m *MemoryStore) SetThreadArchived(_ context.Context, threadID string, archived bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.threadIndex(threadID)
	if idx < 0 || m.threads[idx].IsArchived == archived {
		return false, nil
	}
	m.threads[idx].IsArchived = archived
	return true, nil
}

// Comments

func (m *MemoryStore) InsertComment(_ context.Context, comment Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comments = append(m.comments, cloneComment(comment))
	return nil
}

func (m *MemoryStore) commentIndex(commentID string) int {
	for i, comment := range m.comments {
		if comment.ID == commentID {
			return i
		}
	}
	return -1
}

func (m *MemoryStore) GetComment(_ context.Context, commentID string) (Comment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.commentIndex(commentID)
	if idx < 0 {
		return Comment{}, ErrNotFound
	}
	return cloneComment(m.comments[idx]), nil
}

func (m *MemoryStore) ListComments(_ context.Context, threadID string) ([]Comment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]Comment, 0)
	for _, comment := range m.comments {
		if comment.ThreadID == threadID {
			items = append(items, cloneComment(comment))
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (m *MemoryStore) ListProblemComments(_ context.Context, problemID string) ([]Comment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	threadIDs := map[string]bool{}
	for _, thread := range m.threads {
		if thread.ProblemID == problemID {
			threadIDs[thread.ID] = true
		}
	}
	items := make([]Comment, 0)
	for _, comment := range m.comments {
		if threadIDs[comment.ThreadID] {
			items = append(items, cloneComment(comment))
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (m *MemoryStore) UpdateComment(_ context.Context, comment Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.commentIndex(comment.ID)
	if idx < 0 {
		return nil
	}
	updated := cloneComment(comment)
	m.comments[idx].ContentJSON = updated.ContentJSON
	m.comments[idx].BodyText = updated.BodyText
	m.comments[idx].Mentions = updated.Mentions
	m.comments[idx].EditedAt = updated.EditedAt
	return nil
}

func (m *MemoryStore) SoftDeleteComment(_ context.Context, commentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx := m.commentIndex(commentID); idx >= 0 {
		m.comments[idx].IsDeleted = true
	}
	return nil
}

// Reactions

func (m *MemoryStore) ListReactions(_ context.Context, targetType string, targetIDs []string) ([]Reaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wanted := map[string]bool{}
	for _, id := range targetIDs {
		wanted[id] = true
	}
	items := make([]Reaction, 0)
	for _, reaction := range m.reactions {
		if reaction.TargetType == targetType && wanted[reaction.TargetID] {
			items = append(items, reaction)
		}
	}
	return items, nil
}

func (m *MemoryStore) GetReaction(_ context.Context, targetType, targetID, userID string) (Reaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, reaction := range m.reactions {
		if reaction.TargetType == targetType && reaction.TargetID == targetID && reaction.UserID == userID {
			return reaction, nil
		}
	}
	return Reaction{}, ErrNotFound
}

func (m *MemoryStore) InsertReaction(_ context.Context, reaction Reaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.reactions {
		if existing.TargetType == reaction.TargetType && existing.TargetID == reaction.TargetID && existing.UserID == reaction.UserID {
			return false, nil
		}
	}
	m.reactions = append(m.reactions, reaction)
	return true, nil
}

func (m *MemoryStore) UpdateReactionEmoji(_ context.Context, reactionID, emoji string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.reactions {
		if m.reactions[i].ID == reactionID {
			m.reactions[i].Emoji = emoji
		}
	}
	return nil
}

func (m *MemoryStore) DeleteReaction(_ context.Context, reactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.reactions[:0]
	for _, reaction := range m.reactions {
		if reaction.ID != reactionID {
			kept = append(kept, reaction)
		}
	}
	m.reactions = kept
	return nil
}

// Notifications

func (m *MemoryStore) InsertNotification(_ context.Context, item Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, item)
	return nil
}

func (m *MemoryStore) ListNotifications(_ context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]Notification, 0)
	for i := len(m.notifications) - 1; i >= 0; i-- {
		item := m.notifications[i]
		if item.UserID != userID || (unreadOnly && item.IsRead) {
			continue
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *MemoryStore) MarkNotificationRead(_ context.Context, userID, notificationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.notifications {
		if m.notifications[i].ID == notificationID && m.notifications[i].UserID == userID {
			m.notifications[i].IsRead = true
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) MarkAllNotificationsRead(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for i := range m.notifications {
		if m.notifications[i].UserID == userID && !m.notifications[i].IsRead {
			m.notifications[i].IsRead = true
			count++
		}
	}
	return count, nil
}

// Activities

func (m *MemoryStore) InsertActivity(_ context.Context, item Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.Metadata = cloneRaw(item.Metadata)
	m.activities = append(m.activities, item)
	return nil
}

func (m *MemoryStore) ListActivities(_ context.Context, classID string, limit int) ([]Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]Activity, 0)
	for i := len(m.activities) - 1; i >= 0; i-- {
		if m.activities[i].ClassID == classID {
			items = append(items, m.activities[i])
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}
