package search

import (
	"context"
	"log"
)

// Service tries Meilisearch first and falls back to Postgres.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}

	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		log.Printf("search: postgres fallback error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexDocument pushes one record to Meilisearch, fire-and-forget. Postgres
// needs no indexing step.
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

// DeleteDocument removes a record from the index, fire-and-forget.
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

// ReindexAll bulk-pushes all document records, used at startup.
func (s *Service) ReindexAll(docs []DocumentRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexDocuments(docs); err != nil {
		log.Printf("search: reindex documents: %v", err)
	}
}

func nonNil(results []Result) []Result {
	if results == nil {
		return []Result{}
	}
	return results
}
