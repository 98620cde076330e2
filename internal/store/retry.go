package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mattn/go-sqlite3"
)

type RetryPolicy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxRetries   int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2,
		MaxRetries:   5,
	}
}

// IsBusy reports whether err is a lock contention error worth retrying.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// Do runs op until it succeeds, fails with a non-busy error, or the retry budget
// is spent. Delays grow geometrically from InitialDelay without jitter.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = time.Minute

	var lastBusy error
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err == nil {
			return struct{}{}, nil
		}
		if IsBusy(err) {
			lastBusy = err
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(p.MaxRetries+1)))
	if err == nil {
		return nil
	}
	if lastBusy != nil && IsBusy(err) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}
