package search

import "context"

// Hit is a candidate post returned by an index. Callers load the post and apply
// the visibility predicate before showing anything.
type Hit struct {
	PostID  string  `json:"postId"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Rank    float64 `json:"rank"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Hit, int, error)
	Healthy() bool
}

// PostRecord is the data we index for a post. Visibility grants are not
// indexed; they are evaluated per viewer after the lookup.
type PostRecord struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	AuthorID string `json:"authorId"`
	Status   string `json:"status"`
}

func (q Query) normalized() Query {
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
