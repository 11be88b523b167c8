package sqlast_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/lixql/engine/sqlast"
)

func TestParseClassifiesStatementKind(t *testing.T) {
	cases := []struct {
		sql  string
		kind sqlast.Kind
	}{
		{"SELECT * FROM lix_kv WHERE k = ?", sqlast.KindSelect},
		{"INSERT INTO lix_kv (k, v) VALUES (?, ?)", sqlast.KindInsert},
		{"UPDATE lix_kv SET v = ? WHERE k = ?", sqlast.KindUpdate},
		{"DELETE FROM lix_kv WHERE k = ?", sqlast.KindDelete},
	}
	for _, c := range cases {
		stmt, errE := sqlast.ParseOne(c.sql)
		require.NoError(t, errE, c.sql)
		assert.Equal(t, c.kind, stmt.Kind, c.sql)
	}
}

func TestStatementTableNames(t *testing.T) {
	stmt, errE := sqlast.ParseOne(`SELECT a.k FROM lix_state_by_version AS a JOIN lix_version AS b ON a.version_id = b.id`)
	require.NoError(t, errE)
	assert.Equal(t, []string{"lix_state_by_version", "lix_version"}, stmt.TableNames())
}

func TestStatementReferencesAny(t *testing.T) {
	stmt, errE := sqlast.ParseOne(`SELECT * FROM lix_internal_state_materialized_v1_kv`)
	require.NoError(t, errE)
	assert.True(t, stmt.ReferencesAny("lix_internal_"))
	assert.False(t, stmt.ReferencesAny("lix_file"))
}

func TestParseMultipleStatements(t *testing.T) {
	stmts, errE := sqlast.Parse(`SELECT 1; SELECT 2;`)
	require.NoError(t, errE)
	assert.Len(t, stmts, 2)
}

func TestParseInvalidSQL(t *testing.T) {
	_, errE := sqlast.ParseOne(`SELEKT GARBLE FROM (((`)
	require.Error(t, errE)
	assert.ErrorIs(t, errE, sqlast.ErrParse)
}
