package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

const commentSearchFrom = `
	FROM comments c
	JOIN threads t ON t.id = c.thread_id
	JOIN problems p ON p.id = t.problem_id
	JOIN assignments a ON a.id = p.assignment_id
	JOIN users u ON u.id = c.author_id
	WHERE c.is_deleted = FALSE
	  AND c.fts @@ plainto_tsquery('english', $1)
	  AND a.class_id = $2
	  AND ($3 = '' OR t.problem_id = $3)`

// Search matches non-deleted comment bodies with plainto_tsquery and ranks
// them with ts_rank, using ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	args := []any{q.Text, q.ClassID, q.ProblemID}
	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*)`+commentSearchFrom, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT c.id, c.thread_id, t.problem_id, COALESCE(t.block_id, ''), t.type, u.display_name,
			ts_headline('english', c.body_text, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>')
		%s
		ORDER BY ts_rank(c.fts, plainto_tsquery('english', $1)) DESC, c.created_at DESC
		LIMIT %d OFFSET %d`, commentSearchFrom, limitOrDefault(q.Limit), offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.CommentID, &r.ThreadID, &r.ProblemID, &r.BlockID, &r.ThreadType, &r.AuthorName, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every non-deleted comment for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]CommentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.thread_id, t.problem_id, a.class_id, COALESCE(t.block_id, ''), t.type, c.author_id, u.display_name, c.body_text, EXTRACT(EPOCH FROM c.created_at)::bigint
		FROM comments c
		JOIN threads t ON t.id = c.thread_id
		JOIN problems p ON p.id = t.problem_id
		JOIN assignments a ON a.id = p.assignment_id
		JOIN users u ON u.id = c.author_id
		WHERE c.is_deleted = FALSE
	`)
	if err != nil {
		return nil, fmt.Errorf("load comments: %w", err)
	}
	defer rows.Close()

	records := make([]CommentRecord, 0)
	for rows.Next() {
		var c CommentRecord
		if err := rows.Scan(&c.ID, &c.ThreadID, &c.ProblemID, &c.ClassID, &c.BlockID, &c.ThreadType, &c.AuthorID, &c.AuthorName, &c.Body, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		records = append(records, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return records, nil
}
