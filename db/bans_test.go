package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/roster/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchBan(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		email    string
		want     bool
	}{
		{"no patterns", nil, "anne@example.com", false},
		{"exact match", []string{"anne@example.com"}, "anne@example.com", true},
		{"exact match ignores case", []string{"Anne@Example.com"}, "anne@example.COM", true},
		{"exact mismatch", []string{"bart@example.com"}, "anne@example.com", false},
		{"regexp domain", []string{`^.*@example\.com$`}, "cris@example.com", true},
		{"regexp other domain", []string{`^.*@example\.com$`}, "cris@example.org", false},
		{"regexp ignores case", []string{`^anne@`}, "ANNE@example.com", true},
		{"invalid regexp skipped", []string{`^(`, "anne@example.com"}, "anne@example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchBan(tt.patterns, tt.email))
		})
	}
}

func TestBansListAndGlobal(t *testing.T) {
	database := setupTestDatabase(t)
	ctx := context.Background()
	list := createTestList(t, database, "ant@example.com", policy.Open)
	other := createTestList(t, database, "bee@example.com", policy.Open)

	inTx(t, database, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := database.AddBan(ctx, tx, &list.ID, "anne@example.com"); err != nil {
			return err
		}
		_, err := database.AddBan(ctx, tx, nil, `^.*@spam\.example$`)
		return err
	})

	banned, err := database.IsBanned(ctx, list.ID, "anne@example.com")
	require.NoError(t, err)
	assert.True(t, banned)

	banned, err = database.IsBanned(ctx, other.ID, "anne@example.com")
	require.NoError(t, err)
	assert.False(t, banned, "list ban must not leak to other lists")

	banned, err = database.IsBanned(ctx, other.ID, "bot@spam.example")
	require.NoError(t, err)
	assert.True(t, banned, "global ban applies everywhere")

	inTx(t, database, func(ctx context.Context, tx pgx.Tx) error {
		return database.DeleteList(ctx, tx, list.Name)
	})
	global, err := database.ListBans(ctx, nil)
	require.NoError(t, err)
	require.Len(t, global, 1)
	assert.Equal(t, `^.*@spam\.example$`, global[0].Pattern)
}
