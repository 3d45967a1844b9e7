package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "mining_profiles",
		Columns:      []string{"id", "site_id"},
		ConflictKeys: []string{"id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "mining_profiles",
		ConflictKeys: []string{"id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:   "mining_profiles",
		Columns: []string{"id", "site_id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_mining_profiles"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_mining_profiles"}, []string{"id", "site_id"}).
		WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "mining_profiles"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "mining_profiles",
		Columns:      []string{"id", "site_id"},
		ConflictKeys: []string{"id"},
		UpdateCols:   []string{},
	}, [][]any{{"p1", "site-a"}, {"p2", "site-a"}})

	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_InsertError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_mining_profiles"}, []string{"id"}).
		WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO`).WillReturnError(fmt.Errorf("unique violation"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "mining_profiles",
		Columns:      []string{"id"},
		ConflictKeys: []string{"id"},
	}, [][]any{{"p1"}})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "INSERT ON CONFLICT for mining_profiles")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildUpsertSQL(t *testing.T) {
	tests := []struct {
		name string
		cfg  UpsertConfig
		want string
	}{
		{
			name: "default updates non-conflict columns",
			cfg:  UpsertConfig{Table: "mining_profiles", Columns: []string{"id", "site_id", "search_query_ref"}, ConflictKeys: []string{"id"}},
			want: `INSERT INTO "mining_profiles" ("id", "site_id", "search_query_ref") SELECT "id", "site_id", "search_query_ref" FROM "_tmp_upsert_mining_profiles" ON CONFLICT ("id") DO UPDATE SET "site_id" = EXCLUDED."site_id", "search_query_ref" = EXCLUDED."search_query_ref"`,
		},
		{
			name: "empty update cols do nothing",
			cfg:  UpsertConfig{Table: "mining_profiles", Columns: []string{"id"}, ConflictKeys: []string{"id"}, UpdateCols: []string{}},
			want: `INSERT INTO "mining_profiles" ("id") SELECT "id" FROM "_tmp_upsert_mining_profiles" ON CONFLICT ("id") DO NOTHING`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, buildUpsertSQL(tt.cfg))
		})
	}
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"mining.profiles", `"mining"."profiles"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := sanitizeTable(tt.input)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	result := quoteAndJoin([]string{"id", "name", "value"})
	assert.Equal(t, `"id", "name", "value"`, result)
}
