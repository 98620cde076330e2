package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrationsRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "migrate.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, ApplyMigrations(ctx, db))
	// second run is a no-op
	require.NoError(t, ApplyMigrations(ctx, db))

	var roles int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM roles`).Scan(&roles))
	require.Equal(t, 4, roles)

	ups, err := migrationNames(".up.sql")
	require.NoError(t, err)
	downs, err := migrationNames(".down.sql")
	require.NoError(t, err)
	require.Len(t, downs, len(ups), "every up migration needs a down migration")

	reverted, err := RevertMigrations(ctx, db, len(ups))
	require.NoError(t, err)
	require.Len(t, reverted, len(ups))
	require.Equal(t, "0004_l10_meetings", reverted[0])

	var tables int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('rocks', 'vto', 'audit_log')`).Scan(&tables))
	require.Zero(t, tables)

	require.NoError(t, ApplyMigrations(ctx, db))
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM roles`).Scan(&roles))
	require.Equal(t, 4, roles)
}

func TestSingleActiveVTOIndex(t *testing.T) {
	f := setupTestStore(t)
	ctx := context.Background()
	_, err := f.store.SaveVTO(ctx, f.admin, DivisionScope(f.div1.ID), map[string]any{"core_purpose": "Serve"})
	require.NoError(t, err)

	_, err = f.store.DB().ExecContext(ctx,
		`INSERT INTO vto (organization_id, division_id, version, is_active) VALUES (?, ?, 9, 1)`, f.org.ID, f.div1.ID)
	require.Error(t, err)
}
