package app

import (
	"context"
	"strings"

	"margin/api/internal/search"
)

type SearchInput struct {
	Query     string
	ProblemID string
	ClassID   string
	Limit     int
	Offset    int
}

// SearchComments is always scoped to one class the caller belongs to; a
// problem id narrows it further and implies the class.
func (s *Service) SearchComments(ctx context.Context, session Session, in SearchInput) (search.Response, error) {
	text := strings.TrimSpace(in.Query)
	if text == "" {
		return search.Response{}, validationError("q is required", nil)
	}

	classID := strings.TrimSpace(in.ClassID)
	problemID := strings.TrimSpace(in.ProblemID)
	switch {
	case problemID != "":
		_, class, err := s.requireProblemAccess(ctx, session, problemID)
		if err != nil {
			return search.Response{}, err
		}
		if classID != "" && classID != class.ID {
			return search.Response{}, validationError("problemId does not belong to classId", nil)
		}
		classID = class.ID
	case classID != "":
		if _, err := s.requireClassAccess(ctx, session, classID); err != nil {
			return search.Response{}, err
		}
	default:
		return search.Response{}, validationError("classId or problemId is required", nil)
	}

	return s.search.Search(search.Query{
		Text:      text,
		ClassID:   classID,
		ProblemID: problemID,
		Limit:     in.Limit,
		Offset:    max(in.Offset, 0),
	}), nil
}
