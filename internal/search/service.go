package search

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"eos/api/internal/store"
)

const defaultLimit = 50

// Engine is an external full-text index.
type Engine interface {
	Healthy() bool
	Search(q Query) ([]Result, int, error)
	Index(records []Record) error
	Delete(id string) error
}

// Store is the database side: a LIKE fallback and the source for reindexing.
type Store interface {
	SearchEntities(ctx context.Context, query string, all bool, divisionIDs []int64, limit int) ([]store.SearchHit, error)
	ListSearchDocuments(ctx context.Context) ([]store.SearchDocument, error)
}

// Service tries the engine first and falls back to the database.
type Service struct {
	engine Engine
	store  Store
	wg     sync.WaitGroup
}

// NewService creates a search service. engine may be nil when no index is configured.
func NewService(engine Engine, st Store) *Service {
	return &Service{engine: engine, store: st}
}

func (s *Service) available() bool {
	return s.engine != nil && s.engine.Healthy()
}

// Search runs q. Results never leave the divisions q allows.
func (s *Service) Search(ctx context.Context, q Query) Response {
	q.Text = strings.TrimSpace(q.Text)
	if q.Limit <= 0 || q.Limit > 200 {
		q.Limit = defaultLimit
	}
	if q.Text == "" || (!q.All && len(q.DivisionIDs) == 0) {
		return Response{Results: []Result{}, Query: q.Text}
	}

	if s.available() {
		results, total, err := s.engine.Search(q)
		if err == nil {
			return Response{Results: allowed(nonNil(results), q), Total: total, Query: q.Text}
		}
		zerolog.Ctx(ctx).Warn().Err(err).Msg("search engine failed, falling back to database")
	}

	hits, err := s.store.SearchEntities(ctx, q.Text, q.All, q.DivisionIDs, q.Limit)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("database search failed")
		return Response{Results: []Result{}, Query: q.Text}
	}
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		if q.FilterType != "" && ResultType(h.Type) != q.FilterType {
			continue
		}
		results = append(results, FromHit(h))
	}
	return Response{Results: results, Total: len(results), Query: q.Text}
}

// FromHit converts a database match.
func FromHit(h store.SearchHit) Result {
	return Result{
		Type:       ResultType(h.Type),
		ID:         h.ID,
		DivisionID: h.DivisionID,
		Title:      h.Title,
		Owner:      h.Owner,
		Status:     h.Status,
	}
}

// RecordFrom converts a database document to an index record.
func RecordFrom(d store.SearchDocument) Record {
	t := ResultType(d.Type)
	return Record{
		ID:         RecordID(t, d.ID),
		Type:       t,
		EntityID:   d.ID,
		DivisionID: d.DivisionID,
		Title:      d.Title,
		Body:       d.Body,
		Owner:      d.Owner,
		Status:     d.Status,
	}
}

// IndexEntity pushes one record to the engine in the background.
func (s *Service) IndexEntity(r Record) {
	if !s.available() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.engine.Index([]Record{r}); err != nil {
			log.Warn().Err(err).Str("record", r.ID).Msg("search index failed")
		}
	}()
}

// DeleteEntity removes one record from the engine in the background.
func (s *Service) DeleteEntity(t ResultType, id int64) {
	if !s.available() {
		return
	}
	key := RecordID(t, id)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.engine.Delete(key); err != nil {
			log.Warn().Err(err).Str("record", key).Msg("search delete failed")
		}
	}()
}

// ReindexAll loads every active entity from the database and pushes it to the engine.
func (s *Service) ReindexAll(ctx context.Context) (int, error) {
	if !s.available() {
		return 0, nil
	}
	docs, err := s.store.ListSearchDocuments(ctx)
	if err != nil {
		return 0, err
	}
	records := make([]Record, len(docs))
	for i, d := range docs {
		records[i] = RecordFrom(d)
	}
	if err := s.engine.Index(records); err != nil {
		return 0, err
	}
	zerolog.Ctx(ctx).Info().Int("records", len(records)).Msg("search reindexed")
	return len(records), nil
}

// Wait blocks until background index calls have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}

// allowed drops anything outside q's divisions, in case the index filter was
// not applied (stale settings after an index rebuild).
func allowed(results []Result, q Query) []Result {
	if q.All {
		return results
	}
	ok := make(map[int64]bool, len(q.DivisionIDs))
	for _, id := range q.DivisionIDs {
		ok[id] = true
	}
	filtered := make([]Result, 0, len(results))
	for _, r := range results {
		if ok[r.DivisionID] {
			filtered = append(filtered, r)
		}
	}
	return filtered
}
