package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyExhaustsOnPersistentLock(t *testing.T) {
	policy := RetryPolicy{InitialDelay: time.Millisecond, Multiplier: 2, MaxRetries: 5}
	attempts := 0
	err := policy.Do(context.Background(), func() error {
		attempts++
		return fmt.Errorf("insert rock: %w", sqlite3.Error{Code: sqlite3.ErrBusy})
	})
	require.ErrorIs(t, err, ErrTransient)
	require.Equal(t, 6, attempts)
}

func TestRetryPolicyRecovers(t *testing.T) {
	policy := RetryPolicy{InitialDelay: time.Millisecond, Multiplier: 2, MaxRetries: 5}
	attempts := 0
	err := policy.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetryPolicyDoesNotRetryPermanentErrors(t *testing.T) {
	policy := DefaultRetryPolicy()
	attempts := 0
	err := policy.Do(context.Background(), func() error {
		attempts++
		return ErrNotFound
	})
	require.ErrorIs(t, err, ErrNotFound)
	require.NotErrorIs(t, err, ErrTransient)
	require.Equal(t, 1, attempts)
}

func TestIsBusy(t *testing.T) {
	require.True(t, IsBusy(sqlite3.Error{Code: sqlite3.ErrLocked}))
	require.True(t, IsBusy(fmt.Errorf("wrap: %w", errors.New("database is locked (5)"))))
	require.False(t, IsBusy(errors.New("no such table")))
	require.False(t, IsBusy(nil))
}
