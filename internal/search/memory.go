package search

import (
	"sort"
	"strings"
	"sync"

	"margin/api/internal/prosemirror"
)

// MemoryIndex is a substring-matching Searcher and Indexer for dev mode and
// tests, where neither Meilisearch nor Postgres is available.
type MemoryIndex struct {
	mu      sync.RWMutex
	records map[string]CommentRecord
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{records: map[string]CommentRecord{}}
}

func (m *MemoryIndex) Healthy() bool {
	return true
}

func (m *MemoryIndex) IndexComment(c CommentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[c.ID] = c
	return nil
}

func (m *MemoryIndex) DeleteComment(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *MemoryIndex) Search(q Query) ([]Result, int, error) {
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	if needle == "" {
		return nil, 0, nil
	}

	m.mu.RLock()
	matches := make([]CommentRecord, 0)
	for _, record := range m.records {
		if record.ClassID != q.ClassID {
			continue
		}
		if q.ProblemID != "" && record.ProblemID != q.ProblemID {
			continue
		}
		if strings.Contains(strings.ToLower(record.Body), needle) {
			matches = append(matches, record)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt != matches[j].CreatedAt {
			return matches[i].CreatedAt > matches[j].CreatedAt
		}
		return matches[i].ID < matches[j].ID
	})

	total := len(matches)
	offset := q.Offset
	if offset < 0 || offset > total {
		offset = total
	}
	end := offset + limitOrDefault(q.Limit)
	if end > total {
		end = total
	}

	results := make([]Result, 0, end-offset)
	for _, record := range matches[offset:end] {
		results = append(results, record.result(prosemirror.TruncateText(record.Body, 160)))
	}
	return results, total, nil
}
