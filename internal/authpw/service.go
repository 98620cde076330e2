// Package authpw authenticates local password users and federated users
// asserted by a trusted upstream, and resolves their principal snapshot.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"eos/api/internal/rbac"
	"eos/api/internal/store"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const MinPasswordLength = 8

var (
	// ErrInvalidCredentials covers both an unknown login and a wrong password.
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrMissingEmail       = errors.New("assertion carries no email")
)

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByLogin(ctx context.Context, login string) (store.User, error)
	GetUserByID(ctx context.Context, id int64) (store.User, error)
	FindFederatedUser(ctx context.Context, email, identity string) (store.User, error)
	UniqueUsername(ctx context.Context, base string) (string, error)
	CreateUser(ctx context.Context, actor store.Actor, in store.UserInput) (store.User, error)
	RecordFederatedLogin(ctx context.Context, actor store.Actor, identity, provider, fullName string) error
	TouchLastLogin(ctx context.Context, actor store.Actor) error
	SetPasswordHash(ctx context.Context, actor store.Actor, userID int64, hash string) error
	GetDivisionByFullSlug(ctx context.Context, fullSlug string) (store.Division, error)
	GrantRole(ctx context.Context, actor store.Actor, in store.GrantInput) (int64, bool, error)
	LoadPrincipal(ctx context.Context, userID int64) (*rbac.Principal, error)
}

// Service provides password and federated authentication
type Service struct {
	store    UserStore
	cost     int
	groups   GroupRoleMap
	provider string
}

// NewService creates a new auth service. A cost outside bcrypt's range falls
// back to bcrypt.DefaultCost.
func NewService(store UserStore, cost int, groups GroupRoleMap) *Service {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	if groups == nil {
		groups = GroupRoleMap{}
	}
	return &Service{store: store, cost: cost, groups: groups, provider: "trusted_header"}
}

func HashPassword(password string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func VerifyPassword(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Authenticate checks a username or email against the stored hash and returns
// the principal snapshot for the session.
func (s *Service) Authenticate(ctx context.Context, login, password, ip string) (*rbac.Principal, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	user, err := s.store.GetUserByLogin(ctx, login)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if !user.IsActive || !VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}

	actor := store.Actor{UserID: user.ID, IP: ip}
	if err := s.store.TouchLastLogin(ctx, actor); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Int64("user_id", user.ID).Msg("stamp last login")
	}
	return s.store.LoadPrincipal(ctx, user.ID)
}

// Assertion is what a trusted upstream says about an already authenticated user.
type Assertion struct {
	Email    string   `json:"email"`
	FullName string   `json:"full_name"`
	Groups   []string `json:"groups"`
}

type FederatedResult struct {
	Principal   *rbac.Principal
	UserCreated bool
	// NewGrants counts grants written by this login. Existing sessions of the
	// user are stale when it is above zero.
	NewGrants int
}

// FederatedLogin finds or creates the user named by the assertion, applies the
// group grants and resolves the principal.
func (s *Service) FederatedLogin(ctx context.Context, a Assertion, ip string) (FederatedResult, error) {
	email := strings.ToLower(strings.TrimSpace(a.Email))
	if email == "" || !strings.Contains(email, "@") {
		return FederatedResult{}, ErrMissingEmail
	}
	fullName := strings.TrimSpace(a.FullName)
	log := zerolog.Ctx(ctx)

	var result FederatedResult
	user, err := s.store.FindFederatedUser(ctx, email, email)
	switch {
	case errors.Is(err, store.ErrNotFound):
		username, err := s.store.UniqueUsername(ctx, strings.SplitN(email, "@", 2)[0])
		if err != nil {
			return FederatedResult{}, err
		}
		user, err = s.store.CreateUser(ctx, store.Actor{IP: ip}, store.UserInput{
			Username:    username,
			Email:       email,
			FullName:    fullName,
			SSOIdentity: email,
			SSOProvider: s.provider,
		})
		if err != nil {
			return FederatedResult{}, fmt.Errorf("create federated user: %w", err)
		}
		result.UserCreated = true
		log.Info().Int64("user_id", user.ID).Str("username", username).Msg("created federated user")
	case err != nil:
		return FederatedResult{}, fmt.Errorf("find federated user: %w", err)
	}

	actor := store.Actor{UserID: user.ID, IP: ip}
	if err := s.store.RecordFederatedLogin(ctx, actor, email, s.provider, fullName); err != nil {
		return FederatedResult{}, err
	}

	for _, grant := range s.groups.Grants(a.Groups) {
		in := store.GrantInput{UserID: user.ID, RoleName: string(grant.Role)}
		if grant.Division != "" {
			div, err := s.store.GetDivisionByFullSlug(ctx, grant.Division)
			if errors.Is(err, store.ErrNotFound) {
				log.Warn().Str("division", grant.Division).Msg("group grant names an unknown division")
				continue
			}
			if err != nil {
				return FederatedResult{}, err
			}
			in.DivisionID = &div.ID
		}
		_, created, err := s.store.GrantRole(ctx, actor, in)
		if err != nil {
			return FederatedResult{}, fmt.Errorf("grant %s: %w", grant.Role, err)
		}
		if created {
			result.NewGrants++
		}
	}

	result.Principal, err = s.store.LoadPrincipal(ctx, user.ID)
	if err != nil {
		return FederatedResult{}, err
	}
	return result, nil
}

// ChangePassword replaces the caller's password after checking the current one.
func (s *Service) ChangePassword(ctx context.Context, actor store.Actor, current, next string) error {
	user, err := s.store.GetUserByID(ctx, actor.UserID)
	if err != nil {
		return err
	}
	if !VerifyPassword(user.PasswordHash, current) {
		return ErrInvalidCredentials
	}
	return s.SetPassword(ctx, actor, user.ID, next)
}

// SetPassword stores a new hash without checking the old password. Callers
// must have authorized the change.
func (s *Service) SetPassword(ctx context.Context, actor store.Actor, userID int64, password string) error {
	if len(password) < MinPasswordLength {
		return ErrWeakPassword
	}
	hash, err := HashPassword(password, s.cost)
	if err != nil {
		return err
	}
	return s.store.SetPasswordHash(ctx, actor, userID, hash)
}
