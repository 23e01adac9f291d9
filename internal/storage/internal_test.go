package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestQueryRewrite(t *testing.T) {
	pg := newDB(nil, BackendPostgres, "t_", nil)
	assert.Equal(t,
		"SELECT x FROM t_feedbacks WHERE a = $1 AND b IN ($2, $3)",
		pg.q("SELECT x FROM {p}feedbacks WHERE a = ? AND b IN (?, ?)"))

	lite := newDB(nil, BackendSQLite, "", nil)
	assert.Equal(t,
		"SELECT x FROM feedbacks WHERE a = ?",
		lite.q("SELECT x FROM {p}feedbacks WHERE a = ?"))
}

func TestSplitStatements(t *testing.T) {
	script := `-- header
CREATE TABLE a (
    id TEXT
);

-- between
CREATE INDEX a_idx ON a (id);
`
	got := splitStatements(script)
	assert.Equal(t, []string{
		"CREATE TABLE a (\n    id TEXT\n)",
		"CREATE INDEX a_idx ON a (id)",
	}, got)
}

func TestIsRetriable(t *testing.T) {
	assert.True(t, isRetriable(&pgconn.PgError{Code: "40001"}))
	assert.True(t, isRetriable(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40P01"})))
	assert.False(t, isRetriable(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isRetriable(errors.New("plain")))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", placeholders(0))
	assert.Equal(t, "?", placeholders(1))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}
