package app

import (
	"bytes"
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"margin/api/internal/live"
	"margin/api/internal/prosemirror"
	"margin/api/internal/store"
)

type ReconcileResult struct {
	ArchivedCount int `json:"archivedCount"`
	RestoredCount int `json:"restoredCount"`
	FailedCount   int `json:"failedCount"`
}

// activeBlockSet merges explicit block ids with those found by walking the
// submitted document. At least one of the two must be present.
func activeBlockSet(in ReconcileInput) (map[string]bool, error) {
	hasContent := len(bytes.TrimSpace(in.ContentJSON)) > 0
	if in.ActiveBlockIDs == nil && !hasContent {
		return nil, validationError("activeBlockIds or contentJson is required", nil)
	}
	ids := append([]string{}, in.ActiveBlockIDs...)
	if hasContent {
		doc, err := prosemirror.Parse(in.ContentJSON)
		if err != nil {
			return nil, validationError("contentJson must be a document", nil)
		}
		ids = append(ids, prosemirror.BlockIDs(doc)...)
	}
	return lo.Associate(ids, func(id string) (string, bool) { return id, true }), nil
}

// ArchiveOrphanedThreads archives threads whose block is gone and restores
// archived ones whose block is back. A general thread has the empty block id,
// which no document produces, so it is archived like any other orphan. Each
// thread is handled on its own; a failed update is counted and the walk
// continues.
func (s *Service) ArchiveOrphanedThreads(ctx context.Context, session Session, problemID string, in ReconcileInput) (ReconcileResult, error) {
	problem, class, err := s.requireProblemAccess(ctx, session, problemID)
	if err != nil {
		return ReconcileResult{}, err
	}
	if err := s.requireModerator(ctx, class, session.UserID, "manage ghost threads"); err != nil {
		return ReconcileResult{}, err
	}
	active, err := activeBlockSet(in)
	if err != nil {
		return ReconcileResult{}, err
	}

	threads, err := s.store.ListThreadsByProblem(ctx, problem.ID)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("list threads: %w", err)
	}

	var result ReconcileResult
	for _, thread := range threads {
		present := active[thread.BlockID]
		var archive bool
		switch {
		case !thread.IsArchived && !present:
			archive = true
		case thread.IsArchived && present:
			archive = false
		default:
			continue
		}

		changed, err := s.store.SetThreadArchived(ctx, thread.ID, archive)
		if err != nil {
			result.FailedCount++
			reconciledThreads.WithLabelValues("failed").Inc()
			log.Error().Err(err).Str("thread_id", thread.ID).Bool("archive", archive).Msg("reconcile thread")
			continue
		}
		if !changed {
			continue
		}

		activity, kind, outcome := store.ActivityThreadRestored, live.KindThreadRestored, "restored"
		if archive {
			activity, kind, outcome = store.ActivityThreadArchived, live.KindThreadArchived, "archived"
			result.ArchivedCount++
		} else {
			result.RestoredCount++
		}
		reconciledThreads.WithLabelValues(outcome).Inc()
		s.recordActivity(ctx, problem, store.Activity{
			Type:     activity,
			ActorID:  session.UserID,
			BlockID:  thread.BlockID,
			ThreadID: thread.ID,
		})
		s.publish(ctx, live.Event{Kind: kind, ProblemID: problem.ID, ThreadID: thread.ID, ActorID: session.UserID})
	}

	log.Info().
		Str("problem_id", problem.ID).
		Int("archived", result.ArchivedCount).
		Int("restored", result.RestoredCount).
		Int("failed", result.FailedCount).
		Msg("reconciled thread anchors")
	return result, nil
}
