package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"eos/api/internal/authpw"
	"eos/api/internal/rbac"
	"eos/api/internal/store"
)

// HTTPConfig carries the request-facing settings of the server.
type HTTPConfig struct {
	CORSOrigin string
	// TrustedEmailHeader enables auto-login from a trusted proxy when set.
	TrustedEmailHeader  string
	TrustedGroupsHeader string
	SSOSharedSecret     string
}

type HTTPServer struct {
	service *Service
	cfg     HTTPConfig
	log     zerolog.Logger
}

func NewHTTPServer(service *Service, cfg HTTPConfig, log zerolog.Logger) *HTTPServer {
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}
	return &HTTPServer{service: service, cfg: cfg, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.withPrincipal(http.HandlerFunc(s.handle)))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
		var body struct {
			Login    string `json:"login"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		login, err := s.service.Login(r.Context(), body.Login, body.Password, clientIP(r))
		if err != nil {
			if errors.Is(err, authpw.ErrInvalidCredentials) {
				writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
				return
			}
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, login)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout" {
		if p, ok := rbac.PrincipalFrom(r.Context()); ok {
			if err := s.service.Logout(r.Context(), sessionIDFrom(r.Context())); err != nil {
				zerolog.Ctx(r.Context()).Warn().Err(err).Int64("user_id", p.ID).Msg("logout")
			}
		}
		clearSessionCookie(w)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/sso" {
		s.handleSSO(w, r)
		return
	}

	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	ip := clientIP(r)
	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "me":
		s.handleMe(w, r, p, ip, parts[2:])
	case "search":
		s.handleSearch(w, r, p, parts[2:])
	case "organizations":
		s.handleOrganizations(w, r, p, ip, parts[2:])
	case "divisions":
		s.handleDivisions(w, r, p, ip, parts[2:])
	case "users":
		s.handleUsers(w, r, p, ip, parts[2:])
	case "roles":
		s.handleRoles(w, r, p, ip, parts[2:])
	case "audit":
		if r.Method != http.MethodGet || len(parts) != 2 {
			methodNotAllowed(w)
			return
		}
		filter, err := auditFilter(r)
		if err != nil {
			writeFailure(w, err)
			return
		}
		if orgID, ok := queryInt(r, "organization_id"); ok {
			filter.OrganizationID = orgID
		}
		items, err := s.service.Audit(r.Context(), p, filter)
		respond(w, http.StatusOK, map[string]any{"entries": items}, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"sessions": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.service.PingSessions(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["sessions"] = map[string]any{"status": "error", "error": err.Error()}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handleSSO accepts an assertion from an upstream that already validated the
// user. It is guarded by a shared secret and disabled when none is set.
func (s *HTTPServer) handleSSO(w http.ResponseWriter, r *http.Request) {
	secret := strings.TrimSpace(r.Header.Get("X-EOS-SSO-Secret"))
	if s.cfg.SSOSharedSecret == "" || !constantTimeEqual(secret, s.cfg.SSOSharedSecret) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	var body authpw.Assertion
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	login, err := s.service.FederatedLogin(r.Context(), body, clientIP(r))
	respond(w, http.StatusOK, login, err)
}

func (s *HTTPServer) handleMe(w http.ResponseWriter, r *http.Request, p *rbac.Principal, ip string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"user": p})
	case len(rest) == 1 && rest[0] == "password" && r.Method == http.MethodPost:
		var body struct {
			CurrentPassword string `json:"current_password"`
			NewPassword     string `json:"new_password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		err := s.service.ChangePassword(r.Context(), p, ip, body.CurrentPassword, body.NewPassword)
		respond(w, http.StatusOK, map[string]any{"ok": true}, err)
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, p *rbac.Principal, rest []string) {
	if len(rest) == 1 && rest[0] == "reindex" && r.Method == http.MethodPost {
		n, err := s.service.Reindex(r.Context(), p)
		respond(w, http.StatusOK, map[string]any{"indexed": n}, err)
		return
	}
	if len(rest) != 0 || r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		limit = parsed
	}
	resp, err := s.service.Search(r.Context(), p, r.URL.Query().Get("q"), r.URL.Query().Get("type"), limit)
	respond(w, http.StatusOK, resp, err)
}

func (s *HTTPServer) handleOrganizations(w http.ResponseWriter, r *http.Request, p *rbac.Principal, ip string, rest []string) {
	ctx := r.Context()
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListOrganizations(ctx, p)
			respond(w, http.StatusOK, map[string]any{"organizations": items}, err)
		case http.MethodPost:
			var body store.OrganizationInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			org, err := s.service.CreateOrganization(ctx, p, ip, body)
			respond(w, http.StatusCreated, org, err)
		default:
			methodNotAllowed(w)
		}
		return
	}

	orgID, ok := pathID(w, rest[0])
	if !ok {
		return
	}
	if len(rest) == 1 {
		if r.Method != http.MethodDelete {
			methodNotAllowed(w)
			return
		}
		err := s.service.DeactivateOrganization(ctx, p, ip, orgID)
		respond(w, http.StatusOK, map[string]any{"ok": true}, err)
		return
	}

	sc := store.CorporateScope(orgID)
	switch rest[1] {
	case "divisions":
		if len(rest) != 2 || r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		items, err := s.service.ListDivisions(ctx, p, orgID)
		respond(w, http.StatusOK, map[string]any{"divisions": items}, err)
	case "financials":
		if len(rest) != 2 || r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		rollup, err := s.service.OrganizationFinancials(ctx, p, orgID)
		respond(w, http.StatusOK, rollup, err)
	case "vto":
		s.handleVTO(w, r, p, ip, sc, rest[2:])
	case "seats":
		s.handleSeats(w, r, p, ip, sc, rest[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleUsers(w http.ResponseWriter, r *http.Request, p *rbac.Principal, ip string, rest []string) {
	ctx := r.Context()
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListUsers(ctx, p, 0)
			respond(w, http.StatusOK, map[string]any{"users": items}, err)
		case http.MethodPost:
			var body CreateUserInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			user, err := s.service.CreateUser(ctx, p, ip, body)
			respond(w, http.StatusCreated, user, err)
		default:
			methodNotAllowed(w)
		}
		return
	}
	userID, ok := pathID(w, rest[0])
	if !ok {
		return
	}
	switch {
	case len(rest) == 1 && r.Method == http.MethodDelete:
		err := s.service.DeactivateUser(ctx, p, ip, userID)
		respond(w, http.StatusOK, map[string]any{"ok": true}, err)
	case len(rest) == 2 && rest[1] == "roles" && r.Method == http.MethodGet:
		roles, err := s.service.UserRoles(ctx, p, userID)
		respond(w, http.StatusOK, map[string]any{"roles": roles}, err)
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleRoles(w http.ResponseWriter, r *http.Request, p *rbac.Principal, ip string, rest []string) {
	ctx := r.Context()
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		var body store.GrantInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.GrantRole(ctx, p, ip, body)
		respond(w, http.StatusOK, payload, err)
	case len(rest) == 1 && r.Method == http.MethodDelete:
		grantID, ok := pathID(w, rest[0])
		if !ok {
			return
		}
		err := s.service.RevokeRole(ctx, p, ip, grantID)
		respond(w, http.StatusOK, map[string]any{"ok": true}, err)
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) requirePrincipal(w http.ResponseWriter, r *http.Request) (*rbac.Principal, bool) {
	p, ok := rbac.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return nil, false
	}
	return p, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeFailure(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

// respond writes payload, or the mapped error when err is set.
func respond(w http.ResponseWriter, status int, payload any, err error) {
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, status, payload)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// pathID parses a positive id segment. Anything else is NOT_FOUND.
func pathID(w http.ResponseWriter, raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string) (int64, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(strings.TrimSpace(r.URL.Query().Get(key)))
	return v
}

func auditFilter(r *http.Request) (store.AuditFilter, error) {
	filter := store.AuditFilter{Table: strings.TrimSpace(r.URL.Query().Get("table")), Limit: 100}
	if id, ok := queryInt(r, "record_id"); ok {
		filter.RecordID = id
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return filter, validationError("limit must be a positive integer")
		}
		filter.Limit = n
	}
	return filter, nil
}
