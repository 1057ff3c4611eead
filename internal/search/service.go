package search

import (
	"context"
	"log"

	"signflow/api/internal/document"
	"signflow/api/internal/lifecycle"
)

// Indexer is the write side of the Meilisearch client.
type Indexer interface {
	IndexDocument(doc DocumentRecord) error
	IndexDocuments(docs []DocumentRecord) error
	DeleteDocument(id string) error
}

// Engine is a Searcher that can also be written to.
type Engine interface {
	Searcher
	Indexer
}

// Service is the facade that tries Meilisearch first and falls back to the
// store's substring search.
type Service struct {
	meili    Engine
	fallback Searcher
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili Engine, fallback Searcher) *Service {
	return &Service{meili: meili, fallback: fallback}
}

// Search tries Meilisearch if healthy, otherwise falls back to the store.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: "meilisearch"}
		}
		log.Printf("search: meilisearch error, falling back to store: %v", err)
	}

	results, total, err := s.fallback.Search(q)
	if err != nil {
		log.Printf("search: store search error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Source: "store"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: "store"}
}

// Observe keeps the index in step with committed document changes. Work is
// handed to a goroutine so a slow index never holds up the request.
func (s *Service) Observe(event lifecycle.Event) error {
	if event.Kind == lifecycle.EventDeleted {
		s.DeleteDocument(event.DocumentID)
		return nil
	}
	if event.Document != nil {
		s.IndexDocument(RecordFor(*event.Document))
	}
	return nil
}

// IndexDocument indexes a document (fire-and-forget to Meilisearch).
func (s *Service) IndexDocument(doc DocumentRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexDocument(doc); err != nil {
			log.Printf("search: index document %s: %v", doc.ID, err)
		}
	}()
}

// DeleteDocument removes a document from the search index (fire-and-forget).
func (s *Service) DeleteDocument(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteDocument(id); err != nil {
			log.Printf("search: delete document %s: %v", id, err)
		}
	}()
}

// DocumentLister loads every document for a full reindex.
type DocumentLister interface {
	SearchDocuments(ctx context.Context, text string) ([]document.Document, error)
}

// ReindexAll pushes every stored document to Meilisearch. Called at startup
// when Meilisearch is healthy.
func (s *Service) ReindexAll(ctx context.Context, source DocumentLister) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	docs, err := source.SearchDocuments(ctx, "")
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	records := make([]DocumentRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, RecordFor(doc))
	}
	if err := s.meili.IndexDocuments(records); err != nil {
		log.Printf("search: reindex documents: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
