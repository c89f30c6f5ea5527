package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"

	"margin/api/internal/rbac"
	"margin/api/internal/store"
)

const moderatorRequired = "Only professors and authorized TAs can"

func (s *Service) grants(ctx context.Context, classID, userID string) ([]rbac.Grant, error) {
	memberships, err := s.store.ListClassMemberships(ctx, classID, userID)
	if err != nil {
		return nil, fmt.Errorf("list class memberships: %w", err)
	}
	return lo.Map(memberships, func(m store.Membership, _ int) rbac.Grant {
		return rbac.Grant{Role: rbac.Normalize(m.Role), Status: m.Status, Permissions: m.Permissions}
	}), nil
}

// isModerator walks every instance membership the caller holds in the class.
func (s *Service) isModerator(ctx context.Context, class store.Class, userID string) (bool, error) {
	if class.OwnerID == userID {
		return true, nil
	}
	grants, err := s.grants(ctx, class.ID, userID)
	if err != nil {
		return false, err
	}
	return rbac.IsModerator(class.OwnerID, userID, grants), nil
}

func (s *Service) requireModerator(ctx context.Context, class store.Class, userID, action string) error {
	ok, err := s.isModerator(ctx, class, userID)
	if err != nil {
		return err
	}
	if !ok {
		return forbidden(moderatorRequired + " " + action)
	}
	return nil
}

func (s *Service) requireClassAccess(ctx context.Context, session Session, classID string) (store.Class, error) {
	if session.UserID == "" {
		return store.Class{}, unauthenticated()
	}
	class, err := s.store.GetClass(ctx, classID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Class{}, notFound("Class not found")
	}
	if err != nil {
		return store.Class{}, fmt.Errorf("get class: %w", err)
	}
	if class.OwnerID == session.UserID {
		return class, nil
	}
	grants, err := s.grants(ctx, class.ID, session.UserID)
	if err != nil {
		return store.Class{}, err
	}
	if !rbac.IsParticipant(class.OwnerID, session.UserID, grants) {
		return store.Class{}, forbidden("You are not a member of this class")
	}
	return class, nil
}

func (s *Service) requireProblemAccess(ctx context.Context, session Session, problemID string) (store.Problem, store.Class, error) {
	if session.UserID == "" {
		return store.Problem{}, store.Class{}, unauthenticated()
	}
	problem, err := s.store.GetProblem(ctx, problemID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Problem{}, store.Class{}, notFound("Problem not found")
	}
	if err != nil {
		return store.Problem{}, store.Class{}, fmt.Errorf("get problem: %w", err)
	}
	class, err := s.requireClassAccess(ctx, session, problem.ClassID)
	if err != nil {
		return store.Problem{}, store.Class{}, err
	}
	return problem, class, nil
}

// threadScope loads a thread and checks the caller can see its problem.
func (s *Service) threadScope(ctx context.Context, session Session, threadID string) (store.Thread, store.Problem, store.Class, error) {
	if session.UserID == "" {
		return store.Thread{}, store.Problem{}, store.Class{}, unauthenticated()
	}
	thread, err := s.store.GetThread(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Thread{}, store.Problem{}, store.Class{}, notFound("Thread not found")
	}
	if err != nil {
		return store.Thread{}, store.Problem{}, store.Class{}, fmt.Errorf("get thread: %w", err)
	}
	problem, class, err := s.requireProblemAccess(ctx, session, thread.ProblemID)
	if err != nil {
		return store.Thread{}, store.Problem{}, store.Class{}, err
	}
	return thread, problem, class, nil
}

// commentScope is threadScope for the thread owning a comment.
func (s *Service) commentScope(ctx context.Context, session Session, commentID string) (store.Comment, store.Thread, store.Problem, store.Class, error) {
	if session.UserID == "" {
		return store.Comment{}, store.Thread{}, store.Problem{}, store.Class{}, unauthenticated()
	}
	comment, err := s.store.GetComment(ctx, commentID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Comment{}, store.Thread{}, store.Problem{}, store.Class{}, notFound("Comment not found")
	}
	if err != nil {
		return store.Comment{}, store.Thread{}, store.Problem{}, store.Class{}, fmt.Errorf("get comment: %w", err)
	}
	thread, problem, class, err := s.threadScope(ctx, session, comment.ThreadID)
	if err != nil {
		return store.Comment{}, store.Thread{}, store.Problem{}, store.Class{}, err
	}
	return comment, thread, problem, class, nil
}
