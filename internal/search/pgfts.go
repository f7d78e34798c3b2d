package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS is the Postgres fallback searcher. Document names are filenames, not
// prose, so a trigram-friendly ILIKE match beats ts_vector here.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true - if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || len(q.VisibleProjectIDs) == 0 {
		return nil, 0, nil
	}

	ids := q.VisibleProjectIDs
	if q.ProjectID != "" {
		ids = []string{q.ProjectID}
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, project_id
		FROM documents
		WHERE project_id = ANY($1)
			AND name ILIKE '%' || $2 || '%'
		ORDER BY name
		LIMIT $3
	`, ids, q.Text, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Name, &r.ProjectID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, len(results), rows.Err()
}
