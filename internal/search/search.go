package search

// Result is a single comment hit returned to the caller.
type Result struct {
	CommentID  string `json:"commentId"`
	ThreadID   string `json:"threadId"`
	ProblemID  string `json:"problemId"`
	BlockID    string `json:"blockId,omitempty"`
	ThreadType string `json:"threadType"`
	AuthorName string `json:"authorName"`
	Snippet    string `json:"snippet"`
}

// Query describes a search request. ClassID is always set by the caller so
// results never leak across classes.
type Query struct {
	Text      string
	ClassID   string
	ProblemID string
	Limit     int
	Offset    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push comments into a search index.
type Indexer interface {
	IndexComment(c CommentRecord) error
	DeleteComment(id string) error
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID         string `json:"id"`
	ThreadID   string `json:"threadId"`
	ProblemID  string `json:"problemId"`
	ClassID    string `json:"classId"`
	BlockID    string `json:"blockId"`
	ThreadType string `json:"threadType"`
	AuthorID   string `json:"authorId"`
	AuthorName string `json:"authorName"`
	Body       string `json:"body"`
	CreatedAt  int64  `json:"createdAt"`
}

func (c CommentRecord) result(snippet string) Result {
	return Result{
		CommentID:  c.ID,
		ThreadID:   c.ThreadID,
		ProblemID:  c.ProblemID,
		BlockID:    c.BlockID,
		ThreadType: c.ThreadType,
		AuthorName: c.AuthorName,
		Snippet:    snippet,
	}
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
