package search

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Service is the facade that tries Meilisearch first and falls back to the
// secondary searcher (Postgres FTS, or the in-memory index in dev mode).
type Service struct {
	meili    *Meili
	fallback Searcher
	indexer  Indexer
	loader   func(ctx context.Context) ([]CommentRecord, error)
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	s := &Service{meili: meili}
	if pgfts != nil {
		s.fallback = pgfts
		s.loader = pgfts.LoadAllRecords
	}
	if meili != nil {
		s.indexer = meili
	}
	return s
}

// NewMemoryService searches an in-process index only.
func NewMemoryService(index *MemoryIndex) *Service {
	return &Service{fallback: index, indexer: index}
}

func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Warn().Err(err).Msg("meilisearch error, falling back")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.fallback.Search(q)
	if err != nil {
		log.Error().Err(err).Msg("fallback search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexComment indexes a comment (fire-and-forget).
func (s *Service) IndexComment(c CommentRecord) {
	if !s.indexReady() {
		return
	}
	go func() {
		if err := s.indexer.IndexComment(c); err != nil {
			log.Warn().Err(err).Str("comment_id", c.ID).Msg("index comment")
		}
	}()
}

// DeleteComment removes a comment from the index (fire-and-forget).
func (s *Service) DeleteComment(id string) {
	if !s.indexReady() {
		return
	}
	go func() {
		if err := s.indexer.DeleteComment(id); err != nil {
			log.Warn().Err(err).Str("comment_id", id).Msg("delete comment from index")
		}
	}()
}

func (s *Service) indexReady() bool {
	if s.indexer == nil {
		return false
	}
	if s.meili != nil && s.indexer == Indexer(s.meili) {
		return s.meili.Healthy()
	}
	return true
}

// ReindexAllFromPG pushes every non-deleted comment from Postgres into
// Meilisearch. Called at startup.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.loader == nil {
		return
	}
	records, err := s.loader(ctx)
	if err != nil {
		log.Error().Err(err).Msg("reindex load failed")
		return
	}
	if err := s.meili.IndexComments(records); err != nil {
		log.Error().Err(err).Int("count", len(records)).Msg("reindex comments")
		return
	}
	log.Info().Int("count", len(records)).Msg("reindexed comments")
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
