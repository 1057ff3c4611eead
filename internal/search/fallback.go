package search

import (
	"context"
	"time"

	"signflow/api/internal/document"
)

const fallbackTimeout = 5 * time.Second

// DocumentSource is the slice of the document store the fallback needs.
type DocumentSource interface {
	SearchDocuments(ctx context.Context, text string) ([]document.Document, error)
}

// StoreSearcher answers queries with the store's substring search. It is
// always healthy and is what Service falls back to.
type StoreSearcher struct {
	source DocumentSource
}

func NewStoreSearcher(source DocumentSource) *StoreSearcher {
	return &StoreSearcher{source: source}
}

func (s *StoreSearcher) Healthy() bool { return true }

func (s *StoreSearcher) Search(q Query) ([]Result, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), fallbackTimeout)
	defer cancel()

	docs, err := s.source.SearchDocuments(ctx, q.Text)
	if err != nil {
		return nil, 0, err
	}

	matched := make([]Result, 0, len(docs))
	for _, doc := range docs {
		if q.OwnerID != "" && doc.OwnerID != q.OwnerID {
			continue
		}
		if q.Status != "" && string(doc.Status) != q.Status {
			continue
		}
		matched = append(matched, resultFor(doc))
	}

	total := len(matched)
	start := min(max(q.Offset, 0), total)
	end := total
	if q.Limit > 0 {
		end = min(start+q.Limit, total)
	}
	return matched[start:end], total, nil
}
