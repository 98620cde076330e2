// Package session keeps principal snapshots server-side, keyed by session id.
package session

import (
	"context"
	"errors"
	"time"

	"eos/api/internal/rbac"
	"eos/api/internal/util"
)

var ErrNotFound = errors.New("session not found or expired")

type Session struct {
	ID        string         `json:"id"`
	Principal rbac.Principal `json:"principal"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store holds sessions for a bounded lifetime. Touch renews that lifetime and
// RevokeUser drops every session of a user, which is how role changes reach
// users who are already logged in.
type Store interface {
	Save(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	Touch(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	RevokeUser(ctx context.Context, userID int64) error
	Ping(ctx context.Context) error
	Close() error
}

// New creates a session for p with a fresh id.
func New(p rbac.Principal, now time.Time) Session {
	return Session{ID: util.NewID("sess"), Principal: p, CreatedAt: now}
}
