package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	MetricGreen  = "GREEN"
	MetricYellow = "YELLOW"
	MetricRed    = "RED"

	scorecardWeeks = 13
)

type Metric struct {
	ID             int64                    `json:"id"`
	OrganizationID int64                    `json:"organization_id"`
	DivisionID     int64                    `json:"division_id"`
	MetricName     string                   `json:"metric_name"`
	OwnerName      string                   `json:"owner_name"`
	Goal           *string                  `json:"goal"`
	Weeks          [scorecardWeeks]*float64 `json:"weeks"`
	Status         string                   `json:"status"`
	Quarter        *string                  `json:"quarter"`
	Year           *int64                   `json:"year"`
	CreatedBy      *int64                   `json:"created_by"`
	UpdatedBy      *int64                   `json:"updated_by"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

type MetricInput struct {
	MetricName string `json:"metric_name" validate:"required"`
	OwnerName  string `json:"owner_name" validate:"required"`
	Goal       string `json:"goal"`
	Status     string `json:"status" validate:"omitempty,oneof=GREEN YELLOW RED"`
	Quarter    string `json:"quarter" validate:"omitempty,oneof=Q1 Q2 Q3 Q4"`
	Year       int    `json:"year" validate:"omitempty,gte=2000,lte=2100"`
}

type ScorecardSummary struct {
	Total  int `json:"total"`
	Green  int `json:"green"`
	Yellow int `json:"yellow"`
	Red    int `json:"red"`
}

var metricEntity = func() entity {
	fields := map[string]field{
		"metric_name": {column: "metric_name", normalize: requiredText},
		"owner_name":  {column: "owner_name", normalize: requiredText},
		"goal":        {column: "goal", normalize: optionalText},
		"status":      {column: "status", normalize: oneOf(MetricGreen, MetricYellow, MetricRed)},
		"quarter":     {column: "quarter", normalize: optionalQuarter},
		"year":        {column: "year", normalize: optionalIntRange(2000, 2100)},
	}
	for w := 1; w <= scorecardWeeks; w++ {
		name := fmt.Sprintf("week_%d", w)
		fields[name] = field{column: name, normalize: optionalFloat}
	}
	return entity{
		table:        "scorecard_metrics",
		historyTable: "scorecard_metrics_history",
		historyFK:    "metric_id",
		fields:       fields,
	}
}()

var metricColumns = func() string {
	cols := []string{"id", "organization_id", "division_id", "metric_name", "owner_name", "goal"}
	for w := 1; w <= scorecardWeeks; w++ {
		cols = append(cols, fmt.Sprintf("week_%d", w))
	}
	cols = append(cols, "status", "quarter", "year", "created_by", "updated_by", "created_at", "updated_at")
	return strings.Join(cols, ", ")
}()

func scanMetric(row interface{ Scan(...any) error }) (Metric, error) {
	var m Metric
	dest := []any{&m.ID, &m.OrganizationID, &m.DivisionID, &m.MetricName, &m.OwnerName, &m.Goal}
	for i := range m.Weeks {
		dest = append(dest, &m.Weeks[i])
	}
	dest = append(dest, &m.Status, &m.Quarter, &m.Year, &m.CreatedBy, &m.UpdatedBy, &m.CreatedAt, &m.UpdatedAt)
	err := row.Scan(dest...)
	return m, err
}

func (s *Store) CreateMetric(ctx context.Context, actor Actor, divisionID int64, in MetricInput) (Metric, error) {
	in.MetricName = strings.TrimSpace(in.MetricName)
	in.OwnerName = strings.TrimSpace(in.OwnerName)
	in.Status = strings.ToUpper(strings.TrimSpace(in.Status))
	in.Quarter = strings.ToUpper(strings.TrimSpace(in.Quarter))
	if in.Status == "" {
		in.Status = MetricYellow
	}
	if err := validateInput(in); err != nil {
		return Metric{}, err
	}
	var id, orgID int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		orgID, err = divisionOrg(ctx, tx, divisionID)
		if err != nil {
			return err
		}
		now := s.now()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO scorecard_metrics (organization_id, division_id, metric_name, owner_name, goal, status, quarter, year, created_by, updated_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, orgID, divisionID, in.MetricName, in.OwnerName, nullIfEmpty(strings.TrimSpace(in.Goal)), in.Status,
			nullIfEmpty(in.Quarter), positiveOrNil(int64(in.Year)), actor.UserID, actor.UserID, now, now)
		if err != nil {
			return fmt.Errorf("insert metric: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return Metric{}, err
	}
	s.record(ctx, auditEntry(actor, orgID, divisionPtr(divisionID), "scorecard_metrics", id, ActionCreate, map[string]any{
		"metric_name": in.MetricName,
		"owner_name":  in.OwnerName,
		"goal":        nullIfEmpty(strings.TrimSpace(in.Goal)),
		"status":      in.Status,
		"quarter":     nullIfEmpty(in.Quarter),
		"year":        positiveOrNil(int64(in.Year)),
	}))
	return s.GetMetric(ctx, divisionID, id)
}

func (s *Store) GetMetric(ctx context.Context, divisionID, id int64) (Metric, error) {
	m, err := scanMetric(s.db.QueryRowContext(ctx,
		`SELECT `+metricColumns+` FROM scorecard_metrics WHERE id = ? AND division_id = ? AND is_active = 1`, id, divisionID))
	if errors.Is(err, sql.ErrNoRows) {
		return Metric{}, ErrNotFound
	}
	if err != nil {
		return Metric{}, fmt.Errorf("get metric: %w", err)
	}
	return m, nil
}

func (s *Store) ListMetrics(ctx context.Context, divisionID int64) ([]Metric, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+metricColumns+` FROM scorecard_metrics WHERE division_id = ? AND is_active = 1 ORDER BY metric_name, id`, divisionID)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	items := make([]Metric, 0)
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metrics: %w", err)
	}
	return items, nil
}

func (s *Store) UpdateMetric(ctx context.Context, actor Actor, divisionID, id int64, patch map[string]any) (map[string]Change, error) {
	return s.update(ctx, metricEntity, actor, DivisionScope(divisionID), id, patch)
}

func (s *Store) DeleteMetric(ctx context.Context, actor Actor, divisionID, id int64) error {
	return s.softDelete(ctx, metricEntity, actor, DivisionScope(divisionID), id)
}

func (s *Store) MetricHistory(ctx context.Context, divisionID, id int64) ([]HistoryEntry, error) {
	return s.history(ctx, metricEntity, DivisionScope(divisionID), id)
}

func SummarizeScorecard(metrics []Metric) ScorecardSummary {
	var sum ScorecardSummary
	for _, m := range metrics {
		sum.Total++
		switch m.Status {
		case MetricGreen:
			sum.Green++
		case MetricYellow:
			sum.Yellow++
		case MetricRed:
			sum.Red++
		}
	}
	return sum
}
