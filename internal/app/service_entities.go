package app

import (
	"context"
	"strings"

	"eos/api/internal/email"
	"eos/api/internal/financial"
	"eos/api/internal/rbac"
	"eos/api/internal/search"
	"eos/api/internal/store"
	"eos/api/internal/workflow"
)

// Rocks

func (s *Service) ListRocks(ctx context.Context, p *rbac.Principal, divisionID int64, filter store.RockFilter) (map[string]any, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionRead); err != nil {
		return nil, err
	}
	rocks, err := s.store.ListRocks(ctx, divisionID, filter)
	if err != nil {
		return nil, err
	}
	return map[string]any{"rocks": rocks, "summary": store.SummarizeRocks(rocks)}, nil
}

func (s *Service) CreateRock(ctx context.Context, p *rbac.Principal, ip string, divisionID int64, in store.RockInput) (store.Rock, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionWrite); err != nil {
		return store.Rock{}, err
	}
	rock, err := s.store.CreateRock(ctx, actorOf(p, ip), divisionID, in)
	if err != nil {
		return store.Rock{}, err
	}
	s.indexRock(rock)
	return rock, nil
}

func (s *Service) GetRock(ctx context.Context, p *rbac.Principal, divisionID, id int64) (store.Rock, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionRead); err != nil {
		return store.Rock{}, err
	}
	return s.store.GetRock(ctx, divisionID, id)
}

func (s *Service) UpdateRock(ctx context.Context, p *rbac.Principal, ip string, divisionID, id int64, patch map[string]any) (map[string]any, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	changes, err := s.store.UpdateRock(ctx, actorOf(p, ip), divisionID, id, patch)
	if err != nil {
		return nil, err
	}
	rock, err := s.store.GetRock(ctx, divisionID, id)
	if err != nil {
		return nil, err
	}
	s.indexRock(rock)
	return map[string]any{"rock": rock, "changes": changes}, nil
}

func (s *Service) DeleteRock(ctx context.Context, p *rbac.Principal, ip string, divisionID, id int64) error {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionWrite); err != nil {
		return err
	}
	if err := s.store.DeleteRock(ctx, actorOf(p, ip), divisionID, id); err != nil {
		return err
	}
	s.unindex(search.ResultRock, id)
	return nil
}

func (s *Service) RockHistory(ctx context.Context, p *rbac.Principal, divisionID, id int64) ([]store.HistoryEntry, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.RockHistory(ctx, divisionID, id)
}

// Issues

func (s *Service) ListIssues(ctx context.Context, p *rbac.Principal, divisionID int64, filter store.IssueFilter) (map[string]any, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionRead); err != nil {
		return nil, err
	}
	issues, err := s.store.ListIssues(ctx, divisionID, filter)
	if err != nil {
		return nil, err
	}
	return map[string]any{"issues": issues, "summary": store.SummarizeIssues(issues)}, nil
}

func (s *Service) CreateIssue(ctx context.Context, p *rbac.Principal, ip string, divisionID int64, in store.IssueInput) (store.Issue, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionWrite); err != nil {
		return store.Issue{}, err
	}
	issue, err := s.store.CreateIssue(ctx, actorOf(p, ip), divisionID, in)
	if err != nil {
		return store.Issue{}, err
	}
	s.indexIssue(issue)
	return issue, nil
}

func (s *Service) GetIssue(ctx context.Context, p *rbac.Principal, divisionID, id int64) (store.Issue, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionRead); err != nil {
		return store.Issue{}, err
	}
	return s.store.GetIssue(ctx, divisionID, id)
}

func (s *Service) UpdateIssue(ctx context.Context, p *rbac.Principal, ip string, divisionID, id int64, patch map[string]any) (map[string]any, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	changes, err := s.store.UpdateIssue(ctx, actorOf(p, ip), divisionID, id, patch)
	if err != nil {
		return nil, err
	}
	issue, err := s.store.GetIssue(ctx, divisionID, id)
	if err != nil {
		return nil, err
	}
	s.indexIssue(issue)
	return map[string]any{"issue": issue, "changes": changes}, nil
}

func (s *Service) DeleteIssue(ctx context.Context, p *rbac.Principal, ip string, divisionID, id int64) error {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionWrite); err != nil {
		return err
	}
	if err := s.store.DeleteIssue(ctx, actorOf(p, ip), divisionID, id); err != nil {
		return err
	}
	s.unindex(search.ResultIssue, id)
	return nil
}

func (s *Service) IssueHistory(ctx context.Context, p *rbac.Principal, divisionID, id int64) ([]store.HistoryEntry, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.IssueHistory(ctx, divisionID, id)
}

func (s *Service) SetIssueStage(ctx context.Context, p *rbac.Principal, ip string, divisionID, id int64, stage string) (store.Issue, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionWrite); err != nil {
		return store.Issue{}, err
	}
	st, err := workflow.ParseStage(stage)
	if err != nil {
		return store.Issue{}, validationError(err.Error())
	}
	issue, err := s.store.SetIssueStage(ctx, actorOf(p, ip), divisionID, id, st)
	if err != nil {
		return store.Issue{}, err
	}
	s.indexIssue(issue)
	return issue, nil
}

type ConvertInput struct {
	Target  string `json:"target"`
	Resolve *bool  `json:"resolve"`
	DueDate string `json:"due_date"`
}

// ConvertIssue turns an issue into a rock or a todo. Todo conversions resolve
// the issue unless resolve is explicitly false.
func (s *Service) ConvertIssue(ctx context.Context, p *rbac.Principal, ip string, divisionID, id int64, in ConvertInput) (store.ConversionResult, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionWrite); err != nil {
		return store.ConversionResult{}, err
	}
	var m store.Materializer
	switch strings.ToLower(strings.TrimSpace(in.Target)) {
	case "rock":
		m = store.RockMaterializer{}
	case "todo":
		resolve := in.Resolve == nil || *in.Resolve
		m = store.TodoMaterializer{Resolve: resolve, DueDate: in.DueDate}
	default:
		return store.ConversionResult{}, validationError("target must be rock or todo")
	}
	res, err := s.store.ConvertIssue(ctx, actorOf(p, ip), divisionID, id, m)
	if err != nil {
		return store.ConversionResult{}, err
	}
	if issue, err := s.store.GetIssue(ctx, divisionID, id); err == nil {
		s.indexIssue(issue)
	}
	switch res.Table {
	case "rocks":
		if rock, err := s.store.GetRock(ctx, divisionID, res.TargetID); err == nil {
			s.indexRock(rock)
		}
	case "todos":
		if todo, err := s.store.GetTodo(ctx, divisionID, res.TargetID); err == nil {
			s.indexTodo(todo)
		}
	}
	return res, nil
}

// MoveIssue needs edit rights on both divisions.
func (s *Service) MoveIssue(ctx context.Context, p *rbac.Principal, ip string, fromDivision, id, toDivision int64) (store.Issue, error) {
	if err := s.authorizeDivision(ctx, p, fromDivision, rbac.ActionWrite); err != nil {
		return store.Issue{}, err
	}
	if toDivision <= 0 {
		return store.Issue{}, validationError("division_id is required")
	}
	if fromDivision == toDivision {
		return store.Issue{}, validationError("issue is already in that division")
	}
	if err := s.authorizeDivision(ctx, p, toDivision, rbac.ActionWrite); err != nil {
		return store.Issue{}, err
	}
	issue, err := s.store.MoveIssue(ctx, actorOf(p, ip), fromDivision, id, toDivision)
	if err != nil {
		return store.Issue{}, err
	}
	s.indexIssue(issue)
	return issue, nil
}

// Todos

func (s *Service) ListTodos(ctx context.Context, p *rbac.Principal, divisionID int64, filter store.TodoFilter) (map[string]any, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionRead); err != nil {
		return nil, err
	}
	todos, err := s.store.ListTodos(ctx, divisionID, filter)
	if err != nil {
		return nil, err
	}
	return map[string]any{"todos": todos, "summary": store.SummarizeTodos(todos, s.now())}, nil
}

func (s *Service) CreateTodo(ctx context.Context, p *rbac.Principal, ip string, divisionID int64, in store.TodoInput) (store.Todo, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionWrite); err != nil {
		return store.Todo{}, err
	}
	todo, err := s.store.CreateTodo(ctx, actorOf(p, ip), divisionID, in)
	if err != nil {
		return store.Todo{}, err
	}
	s.indexTodo(todo)
	return todo, nil
}

func (s *Service) GetTodo(ctx context.Context, p *rbac.Principal, divisionID, id int64) (store.Todo, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionRead); err != nil {
		return store.Todo{}, err
	}
	return s.store.GetTodo(ctx, divisionID, id)
}

func (s *Service) UpdateTodo(ctx context.Context, p *rbac.Principal, ip string, divisionID, id int64, patch map[string]any) (map[string]any, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	changes, err := s.store.UpdateTodo(ctx, actorOf(p, ip), divisionID, id, patch)
	if err != nil {
		return nil, err
	}
	todo, err := s.store.GetTodo(ctx, divisionID, id)
	if err != nil {
		return nil, err
	}
	s.indexTodo(todo)
	return map[string]any{"todo": todo, "changes": changes}, nil
}

func (s *Service) DeleteTodo(ctx context.Context, p *rbac.Principal, ip string, divisionID, id int64) error {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionWrite); err != nil {
		return err
	}
	if err := s.store.DeleteTodo(ctx, actorOf(p, ip), divisionID, id); err != nil {
		return err
	}
	s.unindex(search.ResultTodo, id)
	return nil
}

func (s *Service) TodoHistory(ctx context.Context, p *rbac.Principal, divisionID, id int64) ([]store.HistoryEntry, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.TodoHistory(ctx, divisionID, id)
}

func (s *Service) SetTodoCompleted(ctx context.Context, p *rbac.Principal, ip string, divisionID, id int64, done bool) (store.Todo, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionWrite); err != nil {
		return store.Todo{}, err
	}
	todo, err := s.store.SetTodoCompleted(ctx, actorOf(p, ip), divisionID, id, done)
	if err != nil {
		return store.Todo{}, err
	}
	s.indexTodo(todo)
	return todo, nil
}

type DigestInput struct {
	Owner     string `json:"owner" validate:"required"`
	Email     string `json:"email" validate:"required,email"`
	OwnerName string `json:"owner_name"`
}

// SendTaskDigest mails an owner the open todos they hold in the division.
func (s *Service) SendTaskDigest(ctx context.Context, p *rbac.Principal, divisionID int64, in DigestInput) (email.Result, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionWrite); err != nil {
		return email.Result{}, err
	}
	in.Owner, in.Email = strings.TrimSpace(in.Owner), strings.TrimSpace(in.Email)
	if err := store.V.Struct(in); err != nil {
		return email.Result{}, err
	}
	owner := in.Owner
	div, err := s.store.GetDivision(ctx, divisionID)
	if err != nil {
		return email.Result{}, err
	}
	todos, err := s.store.ListOpenTodosByOwner(ctx, []int64{divisionID}, owner)
	if err != nil {
		return email.Result{}, err
	}
	if len(todos) == 0 {
		return email.Result{}, validationError("owner has no open todos")
	}
	tasks := make([]email.Task, len(todos))
	for i, t := range todos {
		tasks[i] = taskOf(t)
	}
	name := strings.TrimSpace(in.OwnerName)
	if name == "" {
		name = owner
	}
	return s.email.SendTaskDigest(ctx, in.Email, name, divisionLabel(div), tasks)
}

func taskOf(t store.Todo) email.Task {
	task := email.Task{Task: t.Task, Owner: t.OwnerName, Priority: t.Priority, Source: t.Source}
	if t.DueDate != nil {
		task.DueDate = *t.DueDate
	}
	return task
}

func divisionLabel(d store.Division) string {
	if strings.TrimSpace(d.DisplayName) != "" {
		return d.DisplayName
	}
	return d.Name
}

// Scorecard

func (s *Service) ListMetrics(ctx context.Context, p *rbac.Principal, divisionID int64) (map[string]any, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionRead); err != nil {
		return nil, err
	}
	metrics, err := s.store.ListMetrics(ctx, divisionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"metrics": metrics, "summary": store.SummarizeScorecard(metrics)}, nil
}

func (s *Service) CreateMetric(ctx context.Context, p *rbac.Principal, ip string, divisionID int64, in store.MetricInput) (store.Metric, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionWrite); err != nil {
		return store.Metric{}, err
	}
	return s.store.CreateMetric(ctx, actorOf(p, ip), divisionID, in)
}

func (s *Service) GetMetric(ctx context.Context, p *rbac.Principal, divisionID, id int64) (store.Metric, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionRead); err != nil {
		return store.Metric{}, err
	}
	return s.store.GetMetric(ctx, divisionID, id)
}

func (s *Service) UpdateMetric(ctx context.Context, p *rbac.Principal, ip string, divisionID, id int64, patch map[string]any) (map[string]any, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	changes, err := s.store.UpdateMetric(ctx, actorOf(p, ip), divisionID, id, patch)
	if err != nil {
		return nil, err
	}
	metric, err := s.store.GetMetric(ctx, divisionID, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"metric": metric, "changes": changes}, nil
}

func (s *Service) DeleteMetric(ctx context.Context, p *rbac.Principal, ip string, divisionID, id int64) error {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionWrite); err != nil {
		return err
	}
	return s.store.DeleteMetric(ctx, actorOf(p, ip), divisionID, id)
}

func (s *Service) MetricHistory(ctx context.Context, p *rbac.Principal, divisionID, id int64) ([]store.HistoryEntry, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.MetricHistory(ctx, divisionID, id)
}

// Accountability chart, division or corporate

func (s *Service) ListSeats(ctx context.Context, p *rbac.Principal, sc store.Scope) (map[string]any, error) {
	if err := s.authorizeScope(ctx, p, sc, rbac.ActionRead); err != nil {
		return nil, err
	}
	seats, err := s.store.ListSeats(ctx, sc)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"seats":   seats,
		"tree":    store.SeatTree(seats),
		"summary": store.SummarizeSeats(seats),
	}, nil
}

func (s *Service) CreateSeat(ctx context.Context, p *rbac.Principal, ip string, sc store.Scope, in store.SeatInput) (store.Seat, error) {
	if err := s.authorizeScope(ctx, p, sc, rbac.ActionWrite); err != nil {
		return store.Seat{}, err
	}
	return s.store.CreateSeat(ctx, actorOf(p, ip), sc, in)
}

func (s *Service) GetSeat(ctx context.Context, p *rbac.Principal, sc store.Scope, id int64) (store.Seat, error) {
	if err := s.authorizeScope(ctx, p, sc, rbac.ActionRead); err != nil {
		return store.Seat{}, err
	}
	return s.store.GetSeat(ctx, sc, id)
}

func (s *Service) UpdateSeat(ctx context.Context, p *rbac.Principal, ip string, sc store.Scope, id int64, patch map[string]any) (map[string]any, error) {
	if err := s.authorizeScope(ctx, p, sc, rbac.ActionWrite); err != nil {
		return nil, err
	}
	changes, err := s.store.UpdateSeat(ctx, actorOf(p, ip), sc, id, patch)
	if err != nil {
		return nil, err
	}
	seat, err := s.store.GetSeat(ctx, sc, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"seat": seat, "changes": changes}, nil
}

func (s *Service) DeleteSeat(ctx context.Context, p *rbac.Principal, ip string, sc store.Scope, id int64) error {
	if err := s.authorizeScope(ctx, p, sc, rbac.ActionWrite); err != nil {
		return err
	}
	return s.store.DeleteSeat(ctx, actorOf(p, ip), sc, id)
}

func (s *Service) SeatHistory(ctx context.Context, p *rbac.Principal, sc store.Scope, id int64) ([]store.HistoryEntry, error) {
	if err := s.authorizeScope(ctx, p, sc, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.SeatHistory(ctx, sc, id)
}

// VTO, division or corporate

func (s *Service) GetVTO(ctx context.Context, p *rbac.Principal, sc store.Scope) (store.VTO, error) {
	if err := s.authorizeScope(ctx, p, sc, rbac.ActionRead); err != nil {
		return store.VTO{}, err
	}
	return s.store.GetVTO(ctx, sc)
}

func (s *Service) SaveVTO(ctx context.Context, p *rbac.Principal, ip string, sc store.Scope, patch map[string]any) (store.VTO, error) {
	if err := s.authorizeScope(ctx, p, sc, rbac.ActionWrite); err != nil {
		return store.VTO{}, err
	}
	return s.store.SaveVTO(ctx, actorOf(p, ip), sc, patch)
}

func (s *Service) ListVTOVersions(ctx context.Context, p *rbac.Principal, sc store.Scope) ([]store.VTO, error) {
	if err := s.authorizeScope(ctx, p, sc, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListVTOVersions(ctx, sc)
}

// Financials

func (s *Service) DivisionFinancials(ctx context.Context, p *rbac.Principal, divisionID int64) (financial.Summary, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionRead); err != nil {
		return financial.Summary{}, err
	}
	div, err := s.store.GetDivision(ctx, divisionID)
	if err != nil {
		return financial.Summary{}, err
	}
	return s.financials.Summary(ctx, div.Name)
}

// OrganizationFinancials sums the divisions of an organization the principal
// can read.
func (s *Service) OrganizationFinancials(ctx context.Context, p *rbac.Principal, orgID int64) (financial.Rollup, error) {
	if !rbac.CanAccessOrganization(p, orgID) {
		return financial.Rollup{}, errNotFound
	}
	divisions, err := s.ListDivisions(ctx, p, orgID)
	if err != nil {
		return financial.Rollup{}, err
	}
	names := make([]string, len(divisions))
	for i, d := range divisions {
		names[i] = d.Name
	}
	return s.financials.Rollup(ctx, names), nil
}

// Search

func (s *Service) Search(ctx context.Context, p *rbac.Principal, text, filterType string, limit int) (search.Response, error) {
	all, ids := rbac.AccessibleDivisions(p)
	q := search.Query{Text: text, All: all, DivisionIDs: ids, Limit: limit}
	switch t := search.ResultType(strings.ToLower(strings.TrimSpace(filterType))); t {
	case "":
	case search.ResultRock, search.ResultIssue, search.ResultTodo:
		q.FilterType = t
	default:
		return search.Response{}, validationError("type must be rock, issue or todo")
	}
	if s.search == nil {
		return search.NewService(nil, s.store).Search(ctx, q), nil
	}
	return s.search.Search(ctx, q), nil
}

// Reindex rebuilds the external search index from the database.
func (s *Service) Reindex(ctx context.Context, p *rbac.Principal) (int, error) {
	if err := requireSuperuser(p); err != nil {
		return 0, err
	}
	if s.search == nil {
		return 0, nil
	}
	return s.search.ReindexAll(ctx)
}

func (s *Service) indexRock(r store.Rock) {
	if s.search == nil {
		return
	}
	s.search.IndexEntity(search.Record{
		ID:         search.RecordID(search.ResultRock, r.ID),
		Type:       search.ResultRock,
		EntityID:   r.ID,
		DivisionID: r.DivisionID,
		Title:      r.Description,
		Owner:      r.OwnerName,
		Status:     r.Status,
	})
}

func (s *Service) indexIssue(i store.Issue) {
	if s.search == nil {
		return
	}
	s.search.IndexEntity(search.Record{
		ID:         search.RecordID(search.ResultIssue, i.ID),
		Type:       search.ResultIssue,
		EntityID:   i.ID,
		DivisionID: i.DivisionID,
		Title:      i.Issue,
		Body:       strings.TrimSpace(deref(i.DiscussionNotes) + " " + deref(i.Solution)),
		Owner:      deref(i.OwnerName),
		Status:     i.Status,
	})
}

func (s *Service) indexTodo(t store.Todo) {
	if s.search == nil {
		return
	}
	s.search.IndexEntity(search.Record{
		ID:         search.RecordID(search.ResultTodo, t.ID),
		Type:       search.ResultTodo,
		EntityID:   t.ID,
		DivisionID: t.DivisionID,
		Title:      t.Task,
		Owner:      t.OwnerName,
		Status:     t.Status,
	})
}

func (s *Service) unindex(t search.ResultType, id int64) {
	if s.search == nil {
		return
	}
	s.search.DeleteEntity(t, id)
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
