package app

import (
	"context"
	"net/http"
	"strings"

	"eos/api/internal/rbac"
	"eos/api/internal/store"
)

// entityRoutes wires the CRUD-and-history surface shared by rocks, issues,
// todos and scorecard metrics. actions are extra POST routes on one item.
type entityRoutes[T any, In any] struct {
	list    func(ctx context.Context, r *http.Request) (map[string]any, error)
	create  func(ctx context.Context, in In) (T, error)
	get     func(ctx context.Context, id int64) (T, error)
	update  func(ctx context.Context, id int64, patch map[string]any) (map[string]any, error)
	del     func(ctx context.Context, id int64) error
	history func(ctx context.Context, id int64) ([]store.HistoryEntry, error)
	actions map[string]func(w http.ResponseWriter, r *http.Request, id int64)
}

func serveEntity[T any, In any](w http.ResponseWriter, r *http.Request, rest []string, e entityRoutes[T, In]) {
	ctx := r.Context()
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			payload, err := e.list(ctx, r)
			respond(w, http.StatusOK, payload, err)
		case http.MethodPost:
			var in In
			if err := decodeBody(r, &in); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			item, err := e.create(ctx, in)
			respond(w, http.StatusCreated, item, err)
		default:
			methodNotAllowed(w)
		}
		return
	}

	id, ok := pathID(w, rest[0])
	if !ok {
		return
	}
	if len(rest) == 1 {
		switch r.Method {
		case http.MethodGet:
			item, err := e.get(ctx, id)
			respond(w, http.StatusOK, item, err)
		case http.MethodPut, http.MethodPatch:
			var patch map[string]any
			if err := decodeBody(r, &patch); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := e.update(ctx, id, patch)
			respond(w, http.StatusOK, payload, err)
		case http.MethodDelete:
			err := e.del(ctx, id)
			respond(w, http.StatusOK, map[string]any{"ok": true}, err)
		default:
			methodNotAllowed(w)
		}
		return
	}

	if len(rest) == 2 && rest[1] == "history" && r.Method == http.MethodGet {
		items, err := e.history(ctx, id)
		respond(w, http.StatusOK, map[string]any{"history": items}, err)
		return
	}
	if action, ok := e.actions[rest[1]]; ok && len(rest) == 2 && r.Method == http.MethodPost {
		action(w, r, id)
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleDivisions(w http.ResponseWriter, r *http.Request, p *rbac.Principal, ip string, rest []string) {
	ctx := r.Context()
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			orgID, _ := queryInt(r, "organization_id")
			items, err := s.service.ListDivisions(ctx, p, orgID)
			respond(w, http.StatusOK, map[string]any{"divisions": items}, err)
		case http.MethodPost:
			var body store.DivisionInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			div, err := s.service.CreateDivision(ctx, p, ip, body)
			respond(w, http.StatusCreated, div, err)
		default:
			methodNotAllowed(w)
		}
		return
	}

	divisionID, ok := pathID(w, rest[0])
	if !ok {
		return
	}
	if len(rest) == 1 {
		switch r.Method {
		case http.MethodGet:
			div, err := s.service.GetDivision(ctx, p, divisionID)
			respond(w, http.StatusOK, div, err)
		case http.MethodDelete:
			err := s.service.DeactivateDivision(ctx, p, ip, divisionID)
			respond(w, http.StatusOK, map[string]any{"ok": true}, err)
		default:
			methodNotAllowed(w)
		}
		return
	}

	sub := rest[2:]
	switch rest[1] {
	case "rocks":
		serveEntity(w, r, sub, s.rockRoutes(p, ip, divisionID))
	case "issues":
		serveEntity(w, r, sub, s.issueRoutes(p, ip, divisionID))
	case "todos":
		if len(sub) == 1 && sub[0] == "digest" && r.Method == http.MethodPost {
			var body DigestInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			res, err := s.service.SendTaskDigest(ctx, p, divisionID, body)
			respond(w, http.StatusOK, res, err)
			return
		}
		serveEntity(w, r, sub, s.todoRoutes(p, ip, divisionID))
	case "scorecard":
		serveEntity(w, r, sub, s.metricRoutes(p, ip, divisionID))
	case "seats":
		s.handleSeats(w, r, p, ip, store.DivisionScope(divisionID), sub)
	case "vto":
		s.handleVTO(w, r, p, ip, store.DivisionScope(divisionID), sub)
	case "meetings":
		s.handleMeetings(w, r, p, ip, divisionID, sub)
	case "users":
		if len(sub) != 0 || r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		items, err := s.service.ListUsers(ctx, p, divisionID)
		respond(w, http.StatusOK, map[string]any{"users": items}, err)
	case "audit":
		if len(sub) != 0 || r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		filter, err := auditFilter(r)
		if err != nil {
			writeFailure(w, err)
			return
		}
		items, err := s.service.DivisionAudit(ctx, p, divisionID, filter)
		respond(w, http.StatusOK, map[string]any{"entries": items}, err)
	case "financials":
		if len(sub) != 0 || r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		summary, err := s.service.DivisionFinancials(ctx, p, divisionID)
		respond(w, http.StatusOK, summary, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) rockRoutes(p *rbac.Principal, ip string, div int64) entityRoutes[store.Rock, store.RockInput] {
	svc := s.service
	return entityRoutes[store.Rock, store.RockInput]{
		list: func(ctx context.Context, r *http.Request) (map[string]any, error) {
			filter := store.RockFilter{
				Quarter: strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("quarter"))),
				Status:  strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))),
			}
			if year, ok := queryInt(r, "year"); ok {
				filter.Year = int(year)
			}
			return svc.ListRocks(ctx, p, div, filter)
		},
		create: func(ctx context.Context, in store.RockInput) (store.Rock, error) {
			return svc.CreateRock(ctx, p, ip, div, in)
		},
		get: func(ctx context.Context, id int64) (store.Rock, error) {
			return svc.GetRock(ctx, p, div, id)
		},
		update: func(ctx context.Context, id int64, patch map[string]any) (map[string]any, error) {
			return svc.UpdateRock(ctx, p, ip, div, id, patch)
		},
		del: func(ctx context.Context, id int64) error {
			return svc.DeleteRock(ctx, p, ip, div, id)
		},
		history: func(ctx context.Context, id int64) ([]store.HistoryEntry, error) {
			return svc.RockHistory(ctx, p, div, id)
		},
	}
}

func (s *HTTPServer) issueRoutes(p *rbac.Principal, ip string, div int64) entityRoutes[store.Issue, store.IssueInput] {
	svc := s.service
	return entityRoutes[store.Issue, store.IssueInput]{
		list: func(ctx context.Context, r *http.Request) (map[string]any, error) {
			return svc.ListIssues(ctx, p, div, store.IssueFilter{
				Stage:    strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("stage"))),
				Status:   strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))),
				OpenOnly: queryBool(r, "open"),
			})
		},
		create: func(ctx context.Context, in store.IssueInput) (store.Issue, error) {
			return svc.CreateIssue(ctx, p, ip, div, in)
		},
		get: func(ctx context.Context, id int64) (store.Issue, error) {
			return svc.GetIssue(ctx, p, div, id)
		},
		update: func(ctx context.Context, id int64, patch map[string]any) (map[string]any, error) {
			return svc.UpdateIssue(ctx, p, ip, div, id, patch)
		},
		del: func(ctx context.Context, id int64) error {
			return svc.DeleteIssue(ctx, p, ip, div, id)
		},
		history: func(ctx context.Context, id int64) ([]store.HistoryEntry, error) {
			return svc.IssueHistory(ctx, p, div, id)
		},
		actions: map[string]func(http.ResponseWriter, *http.Request, int64){
			"stage": func(w http.ResponseWriter, r *http.Request, id int64) {
				var body struct {
					Stage string `json:"stage"`
				}
				if err := decodeBody(r, &body); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				issue, err := svc.SetIssueStage(r.Context(), p, ip, div, id, body.Stage)
				respond(w, http.StatusOK, issue, err)
			},
			"convert": func(w http.ResponseWriter, r *http.Request, id int64) {
				var body ConvertInput
				if err := decodeBody(r, &body); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				res, err := svc.ConvertIssue(r.Context(), p, ip, div, id, body)
				respond(w, http.StatusOK, res, err)
			},
			"move": func(w http.ResponseWriter, r *http.Request, id int64) {
				var body struct {
					DivisionID int64 `json:"division_id"`
				}
				if err := decodeBody(r, &body); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				issue, err := svc.MoveIssue(r.Context(), p, ip, div, id, body.DivisionID)
				respond(w, http.StatusOK, issue, err)
			},
		},
	}
}

func (s *HTTPServer) todoRoutes(p *rbac.Principal, ip string, div int64) entityRoutes[store.Todo, store.TodoInput] {
	svc := s.service
	return entityRoutes[store.Todo, store.TodoInput]{
		list: func(ctx context.Context, r *http.Request) (map[string]any, error) {
			return svc.ListTodos(ctx, p, div, store.TodoFilter{
				OwnerName:        strings.TrimSpace(r.URL.Query().Get("owner")),
				IncludeCompleted: queryBool(r, "include_completed"),
			})
		},
		create: func(ctx context.Context, in store.TodoInput) (store.Todo, error) {
			return svc.CreateTodo(ctx, p, ip, div, in)
		},
		get: func(ctx context.Context, id int64) (store.Todo, error) {
			return svc.GetTodo(ctx, p, div, id)
		},
		update: func(ctx context.Context, id int64, patch map[string]any) (map[string]any, error) {
			return svc.UpdateTodo(ctx, p, ip, div, id, patch)
		},
		del: func(ctx context.Context, id int64) error {
			return svc.DeleteTodo(ctx, p, ip, div, id)
		},
		history: func(ctx context.Context, id int64) ([]store.HistoryEntry, error) {
			return svc.TodoHistory(ctx, p, div, id)
		},
		actions: map[string]func(http.ResponseWriter, *http.Request, int64){
			"complete": func(w http.ResponseWriter, r *http.Request, id int64) {
				body := struct {
					Completed *bool `json:"completed"`
				}{}
				if err := decodeBody(r, &body); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				done := body.Completed == nil || *body.Completed
				todo, err := svc.SetTodoCompleted(r.Context(), p, ip, div, id, done)
				respond(w, http.StatusOK, todo, err)
			},
		},
	}
}

func (s *HTTPServer) metricRoutes(p *rbac.Principal, ip string, div int64) entityRoutes[store.Metric, store.MetricInput] {
	svc := s.service
	return entityRoutes[store.Metric, store.MetricInput]{
		list: func(ctx context.Context, _ *http.Request) (map[string]any, error) {
			return svc.ListMetrics(ctx, p, div)
		},
		create: func(ctx context.Context, in store.MetricInput) (store.Metric, error) {
			return svc.CreateMetric(ctx, p, ip, div, in)
		},
		get: func(ctx context.Context, id int64) (store.Metric, error) {
			return svc.GetMetric(ctx, p, div, id)
		},
		update: func(ctx context.Context, id int64, patch map[string]any) (map[string]any, error) {
			return svc.UpdateMetric(ctx, p, ip, div, id, patch)
		},
		del: func(ctx context.Context, id int64) error {
			return svc.DeleteMetric(ctx, p, ip, div, id)
		},
		history: func(ctx context.Context, id int64) ([]store.HistoryEntry, error) {
			return svc.MetricHistory(ctx, p, div, id)
		},
	}
}

// handleSeats serves the accountability chart of a division or, for an
// organization, the corporate chart.
func (s *HTTPServer) handleSeats(w http.ResponseWriter, r *http.Request, p *rbac.Principal, ip string, sc store.Scope, rest []string) {
	svc := s.service
	serveEntity(w, r, rest, entityRoutes[store.Seat, store.SeatInput]{
		list: func(ctx context.Context, _ *http.Request) (map[string]any, error) {
			return svc.ListSeats(ctx, p, sc)
		},
		create: func(ctx context.Context, in store.SeatInput) (store.Seat, error) {
			return svc.CreateSeat(ctx, p, ip, sc, in)
		},
		get: func(ctx context.Context, id int64) (store.Seat, error) {
			return svc.GetSeat(ctx, p, sc, id)
		},
		update: func(ctx context.Context, id int64, patch map[string]any) (map[string]any, error) {
			return svc.UpdateSeat(ctx, p, ip, sc, id, patch)
		},
		del: func(ctx context.Context, id int64) error {
			return svc.DeleteSeat(ctx, p, ip, sc, id)
		},
		history: func(ctx context.Context, id int64) ([]store.HistoryEntry, error) {
			return svc.SeatHistory(ctx, p, sc, id)
		},
	})
}

func (s *HTTPServer) handleVTO(w http.ResponseWriter, r *http.Request, p *rbac.Principal, ip string, sc store.Scope, rest []string) {
	ctx := r.Context()
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		vto, err := s.service.GetVTO(ctx, p, sc)
		respond(w, http.StatusOK, vto, err)
	case len(rest) == 0 && (r.Method == http.MethodPut || r.Method == http.MethodPatch):
		var patch map[string]any
		if err := decodeBody(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		vto, err := s.service.SaveVTO(ctx, p, ip, sc, patch)
		respond(w, http.StatusOK, vto, err)
	case len(rest) == 1 && rest[0] == "versions" && r.Method == http.MethodGet:
		items, err := s.service.ListVTOVersions(ctx, p, sc)
		respond(w, http.StatusOK, map[string]any{"versions": items}, err)
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleMeetings(w http.ResponseWriter, r *http.Request, p *rbac.Principal, ip string, div int64, rest []string) {
	ctx := r.Context()
	svc := s.service
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			payload, err := svc.ListMeetings(ctx, p, div, strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))
			respond(w, http.StatusOK, payload, err)
		case http.MethodPost:
			var body store.MeetingInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			m, err := svc.ScheduleMeeting(ctx, p, ip, div, body)
			respond(w, http.StatusCreated, m, err)
		default:
			methodNotAllowed(w)
		}
		return
	}

	id, ok := pathID(w, rest[0])
	if !ok {
		return
	}
	if len(rest) == 1 {
		switch r.Method {
		case http.MethodGet:
			payload, err := svc.GetMeeting(ctx, p, div, id)
			respond(w, http.StatusOK, payload, err)
		case http.MethodPut, http.MethodPatch:
			var patch map[string]any
			if err := decodeBody(r, &patch); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := svc.UpdateMeetingNotes(ctx, p, ip, div, id, patch)
			respond(w, http.StatusOK, payload, err)
		case http.MethodDelete:
			err := svc.DeleteMeeting(ctx, p, ip, div, id)
			respond(w, http.StatusOK, map[string]any{"ok": true}, err)
		default:
			methodNotAllowed(w)
		}
		return
	}

	switch {
	case len(rest) == 2 && rest[1] == "start" && r.Method == http.MethodPost:
		m, err := svc.StartMeeting(ctx, p, ip, div, id)
		respond(w, http.StatusOK, m, err)
	case len(rest) == 2 && rest[1] == "complete" && r.Method == http.MethodPost:
		var body CompleteMeetingInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		res, err := svc.CompleteMeeting(ctx, p, ip, div, id, body)
		respond(w, http.StatusOK, res, err)
	case len(rest) == 3 && rest[1] == "sections" && (r.Method == http.MethodPut || r.Method == http.MethodPatch):
		sectionID, ok := pathID(w, rest[2])
		if !ok {
			return
		}
		var body store.SectionPatch
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		sec, err := svc.UpdateSection(ctx, p, ip, div, id, sectionID, body)
		respond(w, http.StatusOK, sec, err)
	case len(rest) == 2 && rest[1] == "todos" && r.Method == http.MethodPost:
		var body store.TodoInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		todo, err := svc.CreateMeetingTodo(ctx, p, ip, div, id, body)
		respond(w, http.StatusCreated, todo, err)
	case len(rest) == 2 && rest[1] == "issues" && r.Method == http.MethodPost:
		var body store.IssueInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		issue, err := svc.CreateMeetingIssue(ctx, p, ip, div, id, body)
		respond(w, http.StatusCreated, issue, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}
