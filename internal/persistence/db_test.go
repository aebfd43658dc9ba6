package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	for _, code := range []string{"40001", "40P01", "55P03"} {
		err := fmt.Errorf("debit: %w", &pq.Error{Code: pq.ErrorCode(code)})
		assert.True(t, IsTransient(err), code)
	}
	assert.False(t, IsTransient(&pq.Error{Code: "23505"}))
	assert.False(t, IsTransient(errors.New("boom")))
	assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := LoadMigrations("../../migrations")
	require.NoError(t, err)
	require.Len(t, migrations, 3)

	assert.Equal(t, Migration{Version: "000001", Name: "accounts", UpFile: "000001_accounts.up.sql", DownFile: "000001_accounts.down.sql"}, migrations[0])
	assert.Equal(t, "trades", migrations[1].Name)
	assert.Equal(t, "ledger_journal", migrations[2].Name)
}

func writeScripts(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("SELECT 1;"), 0o644))
	}
	return dir
}

func TestLoadMigrations_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		files []string
		want  string
	}{
		{"missing down", []string{"000001_a.up.sql"}, "needs both"},
		{"missing up", []string{"000001_a.down.sql"}, "needs both"},
		{"reused version", []string{"000001_a.up.sql", "000001_a.down.sql", "000001_b.up.sql", "000001_b.down.sql"}, "used by both"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadMigrations(writeScripts(t, tt.files...))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMigrations_OrdersAndIgnoresOtherFiles(t *testing.T) {
	dir := writeScripts(t,
		"000010_late.up.sql", "000010_late.down.sql",
		"000002_early.up.sql", "000002_early.down.sql",
		"README.md", "notes.sql",
	)
	migrations, err := LoadMigrations(dir)
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, "000002", migrations[0].Version)
	assert.Equal(t, "000010", migrations[1].Version)
}

func TestMergeStatus(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	migrations := []Migration{
		{Version: "000001", Name: "accounts"},
		{Version: "000002", Name: "trades"},
	}
	statuses := mergeStatus(migrations, map[string]time.Time{"000001": at, "000009": at})

	require.Len(t, statuses, 3)
	assert.True(t, statuses[0].Applied)
	assert.True(t, statuses[0].AppliedAt.Equal(at))
	assert.False(t, statuses[1].Applied)
	assert.Equal(t, "000009", statuses[2].Version)
	assert.True(t, statuses[2].Missing)
}

func TestExecerFor_JoinsOnlySamePool(t *testing.T) {
	a, err := sql.Open("postgres", "postgres://localhost/a?sslmode=disable")
	require.NoError(t, err)
	defer a.Close()
	b, err := sql.Open("postgres", "postgres://localhost/b?sslmode=disable")
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	assert.Same(t, a, execerFor(ctx, a))

	var tx *sql.Tx
	scoped := withTx(ctx, a, tx)
	assert.Equal(t, execer(tx), execerFor(scoped, a))
	assert.Same(t, b, execerFor(scoped, b))
}
