package app

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"eos/api/internal/authpw"
	"eos/api/internal/logger"
	"eos/api/internal/rbac"
	"eos/api/internal/util"
)

// Paths that never trigger trusted-header auto-login.
var ssoBypass = []string{
	"/static/",
	"/api/auth/login",
	"/api/auth/logout",
	"/api/auth/sso",
	"/api/health",
	"/api/ready",
}

type sessionIDKey struct{}

func sessionIDFrom(ctx context.Context) string {
	sid, _ := ctx.Value(sessionIDKey{}).(string)
	return sid
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		r = r.WithContext(logger.WithContext(r.Context(), s.log, requestID))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.cfg.CORSOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		zerolog.Ctx(r.Context()).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

// sessionCookie carries the token issued by a trusted-header login so the
// next request reuses that session instead of logging in again.
const sessionCookie = "eos_session"

// withPrincipal resolves the caller from a bearer token, then the session
// cookie, falling back to trusted-header login when the proxy asserts a user.
// A cookie session is only reused while it belongs to the asserted email.
func (s *HTTPServer) withPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if token := bearerToken(r); token != "" {
			p, sid, err := s.service.Authenticate(ctx, token)
			if err == nil {
				ctx = context.WithValue(rbac.WithPrincipal(ctx, p), sessionIDKey{}, sid)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			zerolog.Ctx(ctx).Debug().Err(err).Msg("bearer token rejected")
		}

		var asserted string
		if s.cfg.TrustedEmailHeader != "" {
			asserted = strings.TrimSpace(r.Header.Get(s.cfg.TrustedEmailHeader))
		}
		if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
			p, sid, err := s.service.Authenticate(ctx, c.Value)
			if err == nil && (asserted == "" || strings.EqualFold(p.Email, asserted)) {
				ctx = context.WithValue(rbac.WithPrincipal(ctx, p), sessionIDKey{}, sid)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}

		if asserted != "" && !bypassesSSO(r.URL.Path) {
			assertion := authpw.Assertion{Email: asserted}
			if s.cfg.TrustedGroupsHeader != "" {
				assertion.Groups = splitGroups(r.Header.Get(s.cfg.TrustedGroupsHeader))
			}
			login, err := s.service.FederatedLogin(ctx, assertion, clientIP(r))
			if err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Str("email", asserted).Msg("trusted header login failed")
			} else {
				w.Header().Set("X-EOS-Token", login.Token)
				setSessionCookie(w, r, login.Token, login.ExpiresAt)
				ctx = context.WithValue(rbac.WithPrincipal(ctx, login.User), sessionIDKey{}, login.SessionID)
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func setSessionCookie(w http.ResponseWriter, r *http.Request, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https",
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
}

func bypassesSSO(path string) bool {
	for _, prefix := range ssoBypass {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func splitGroups(raw string) []string {
	var out []string
	for _, g := range strings.Split(raw, ",") {
		if g = strings.TrimSpace(g); g != "" {
			out = append(out, g)
		}
	}
	return out
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Expose-Headers", "X-EOS-Token, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
