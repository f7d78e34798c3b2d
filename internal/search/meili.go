package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxDocuments = "docvault_documents"

// Meili indexes and searches documents via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the document index.
// An unreachable server is tolerated; the health loop picks it up later.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxDocuments,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxDocuments, err)
	}

	index := m.client.Index(idxDocuments)
	filterable := []interface{}{"projectId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs: %v", err)
	}
	searchable := []string{"name"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs: %v", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the document index, restricted to the visible projects.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	if len(q.VisibleProjectIDs) == 0 {
		return nil, 0, nil
	}

	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 20
	}

	resp, err := m.client.Index(idxDocuments).Search(q.Text, &meili.SearchRequest{
		Limit:  limit,
		Filter: buildProjectFilter(q),
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var results []Result
	for _, hit := range resp.Hits {
		results = append(results, Result{
			ID:        decodeString(hit, "id"),
			Name:      decodeString(hit, "name"),
			ProjectID: decodeString(hit, "projectId"),
		})
	}
	return results, int(resp.EstimatedTotalHits), nil
}

// buildProjectFilter restricts hits to the caller's visible projects, further
// narrowed to one project when requested.
func buildProjectFilter(q Query) string {
	ids := q.VisibleProjectIDs
	if q.ProjectID != "" {
		ids = []string{q.ProjectID}
	}
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = fmt.Sprintf("%q", id)
	}
	return "projectId IN [" + strings.Join(quoted, ", ") + "]"
}

// IndexDocument adds or updates one document record.
func (m *Meili) IndexDocument(doc DocumentRecord) error {
	_, err := m.client.Index(idxDocuments).AddDocuments([]DocumentRecord{doc}, nil)
	if err != nil {
		return fmt.Errorf("index document %s: %w", doc.ID, err)
	}
	return nil
}

// IndexDocuments bulk-indexes records, used by reindexing at startup.
func (m *Meili) IndexDocuments(docs []DocumentRecord) error {
	if len(docs) == 0 {
		return nil
	}
	_, err := m.client.Index(idxDocuments).AddDocuments(docs, nil)
	if err != nil {
		return fmt.Errorf("index %d documents: %w", len(docs), err)
	}
	return nil
}

// DeleteDocument removes a record from the index.
func (m *Meili) DeleteDocument(id string) error {
	_, err := m.client.Index(idxDocuments).DeleteDocument(id, nil)
	if err != nil {
		return fmt.Errorf("delete document %s from index: %w", id, err)
	}
	return nil
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}
