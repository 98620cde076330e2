package store

import (
	"context"
	"fmt"
	"strings"
)

// SearchHit is one match from the fallback text search.
type SearchHit struct {
	Type       string `json:"type"`
	ID         int64  `json:"id"`
	DivisionID int64  `json:"division_id"`
	Title      string `json:"title"`
	Owner      string `json:"owner,omitempty"`
	Status     string `json:"status,omitempty"`
}

func escapeLike(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(q) + "%"
}

// SearchEntities matches rocks, issues and todos by substring within the given
// divisions. all lifts the division restriction.
func (s *Store) SearchEntities(ctx context.Context, query string, all bool, divisionIDs []int64, limit int) ([]SearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" || (!all && len(divisionIDs) == 0) {
		return []SearchHit{}, nil
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	scope := ""
	var scopeArgs []any
	if !all {
		scope = ` AND division_id IN (` + placeholders(len(divisionIDs)) + `)`
		scopeArgs = int64Args(divisionIDs)
	}
	pattern := escapeLike(query)

	sqlText := `
		SELECT 'rock', id, division_id, description, owner_name, status FROM rocks
		WHERE is_active = 1 AND (description LIKE ? ESCAPE '\' OR owner_name LIKE ? ESCAPE '\')` + scope + `
		UNION ALL
		SELECT 'issue', id, division_id, issue, COALESCE(owner_name, ''), status FROM issues
		WHERE is_active = 1 AND (issue LIKE ? ESCAPE '\' OR COALESCE(discussion_notes, '') LIKE ? ESCAPE '\')` + scope + `
		UNION ALL
		SELECT 'todo', id, division_id, task, owner_name, status FROM todos
		WHERE is_active = 1 AND (task LIKE ? ESCAPE '\' OR owner_name LIKE ? ESCAPE '\')` + scope + `
		LIMIT ?`
	var args []any
	for i := 0; i < 3; i++ {
		args = append(args, pattern, pattern)
		args = append(args, scopeArgs...)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("search entities: %w", err)
	}
	defer rows.Close()

	items := make([]SearchHit, 0)
	for rows.Next() {
		var hit SearchHit
		if err := rows.Scan(&hit.Type, &hit.ID, &hit.DivisionID, &hit.Title, &hit.Owner, &hit.Status); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		items = append(items, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search hits: %w", err)
	}
	return items, nil
}

// SearchDocument is an active entity as fed to an external index.
type SearchDocument struct {
	SearchHit
	Body string
}

// ListSearchDocuments returns every active rock, issue and todo.
func (s *Store) ListSearchDocuments(ctx context.Context) ([]SearchDocument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT 'rock', id, division_id, description, owner_name, status, '' FROM rocks WHERE is_active = 1
		UNION ALL
		SELECT 'issue', id, division_id, issue, COALESCE(owner_name, ''), status,
			COALESCE(discussion_notes, '') || ' ' || COALESCE(solution, '') FROM issues WHERE is_active = 1
		UNION ALL
		SELECT 'todo', id, division_id, task, owner_name, status, '' FROM todos WHERE is_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("list search documents: %w", err)
	}
	defer rows.Close()

	items := make([]SearchDocument, 0)
	for rows.Next() {
		var d SearchDocument
		if err := rows.Scan(&d.Type, &d.ID, &d.DivisionID, &d.Title, &d.Owner, &d.Status, &d.Body); err != nil {
			return nil, fmt.Errorf("scan search document: %w", err)
		}
		d.Body = strings.TrimSpace(d.Body)
		items = append(items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search documents: %w", err)
	}
	return items, nil
}
