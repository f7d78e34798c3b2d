// Package search provides document-name search: Meilisearch when configured
// and healthy, Postgres fallback otherwise. Results are always restricted to
// the set of projects the caller may view; the caller supplies that set.
package search

// Result is a single search hit.
type Result struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ProjectID string `json:"projectId"`
}

// Query describes a search request. VisibleProjectIDs is the authorization
// boundary: hits outside it are never returned.
type Query struct {
	Text              string
	ProjectID         string // optional narrowing to one project
	VisibleProjectIDs []string
	Limit             int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// DocumentRecord is the data indexed per document.
type DocumentRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ProjectID string `json:"projectId"`
}
