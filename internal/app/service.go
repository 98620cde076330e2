package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"eos/api/internal/auth"
	"eos/api/internal/authpw"
	"eos/api/internal/email"
	"eos/api/internal/financial"
	"eos/api/internal/rbac"
	"eos/api/internal/search"
	"eos/api/internal/session"
	"eos/api/internal/store"
)

// Deps are the collaborators a Service is built from. Search, Email and
// Financials may be nil.
type Deps struct {
	Store      *store.Store
	Auth       *authpw.Service
	Sessions   session.Store
	Search     *search.Service
	Email      *email.Dispatcher
	Financials *financial.Source
	JWTSecret  []byte
	SessionTTL time.Duration
}

type Service struct {
	store      *store.Store
	auth       *authpw.Service
	sessions   session.Store
	search     *search.Service
	email      *email.Dispatcher
	financials *financial.Source
	secret     []byte
	ttl        time.Duration
	now        func() time.Time
}

// Login is what the client receives after any successful login.
type Login struct {
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expires_at"`
	User      *rbac.Principal `json:"user"`
	SessionID string          `json:"-"`
}

func New(d Deps) *Service {
	ttl := d.SessionTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Service{
		store:      d.Store,
		auth:       d.Auth,
		sessions:   d.Sessions,
		search:     d.Search,
		email:      d.Email,
		financials: d.Financials,
		secret:     d.JWTSecret,
		ttl:        ttl,
		now:        time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingSessions checks the session backend.
func (s *Service) PingSessions(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

func (s *Service) startSession(ctx context.Context, p *rbac.Principal) (Login, error) {
	now := s.now().UTC()
	sess := session.New(*p, now)
	if err := s.sessions.Save(ctx, sess); err != nil {
		return Login{}, err
	}
	token, err := auth.IssueToken(s.secret, sess.ID, p.ID, now, s.ttl)
	if err != nil {
		return Login{}, err
	}
	return Login{Token: token, ExpiresAt: now.Add(s.ttl), User: p, SessionID: sess.ID}, nil
}

// Login checks a username or email with its password and opens a session.
func (s *Service) Login(ctx context.Context, login, password, ip string) (Login, error) {
	if strings.TrimSpace(login) == "" || password == "" {
		return Login{}, authpw.ErrInvalidCredentials
	}
	p, err := s.auth.Authenticate(ctx, login, password, ip)
	if err != nil {
		return Login{}, err
	}
	return s.startSession(ctx, p)
}

// FederatedLogin opens a session for a user asserted by a trusted upstream.
// New group grants make older sessions of the user stale, so they are revoked.
func (s *Service) FederatedLogin(ctx context.Context, a authpw.Assertion, ip string) (Login, error) {
	res, err := s.auth.FederatedLogin(ctx, a, ip)
	if err != nil {
		return Login{}, err
	}
	if res.NewGrants > 0 {
		if err := s.sessions.RevokeUser(ctx, res.Principal.ID); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Int64("user_id", res.Principal.ID).Msg("revoke stale sessions")
		}
	}
	return s.startSession(ctx, res.Principal)
}

// Authenticate resolves a bearer token to its principal snapshot and renews
// the session.
func (s *Service) Authenticate(ctx context.Context, token string) (*rbac.Principal, string, error) {
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		return nil, "", err
	}
	sess, err := s.sessions.Get(ctx, claims.SessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, "", auth.ErrExpiredToken
	}
	if err != nil {
		return nil, "", err
	}
	if uid, err := claims.UserID(); err != nil || uid != sess.Principal.ID {
		return nil, "", auth.ErrInvalidToken
	}
	if err := s.sessions.Touch(ctx, sess.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
		zerolog.Ctx(ctx).Warn().Err(err).Str("session_id", sess.ID).Msg("renew session")
	}
	p := sess.Principal
	return &p, sess.ID, nil
}

func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return s.sessions.Delete(ctx, sessionID)
}

func (s *Service) ChangePassword(ctx context.Context, p *rbac.Principal, ip, current, next string) error {
	err := s.auth.ChangePassword(ctx, actorOf(p, ip), current, next)
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return validationError("current password is incorrect")
	}
	return err
}

// revokeSessions drops cached snapshots after a role change. Failure only
// delays the change until the sessions expire.
func (s *Service) revokeSessions(ctx context.Context, userID int64) {
	if err := s.sessions.RevokeUser(ctx, userID); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Int64("user_id", userID).Msg("revoke sessions after role change")
	}
}

func actorOf(p *rbac.Principal, ip string) store.Actor {
	if p == nil {
		return store.Actor{IP: ip}
	}
	return store.Actor{UserID: p.ID, IP: ip}
}
