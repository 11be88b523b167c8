package backend_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/lixql/engine/backend"
)

func TestMemoryInsertAndSelect(t *testing.T) {
	ctx := context.Background()
	m := backend.NewMemory()

	_, errE := m.Execute(ctx, `CREATE TABLE widgets (id TEXT, name TEXT, qty INTEGER)`, nil)
	require.NoError(t, errE)

	_, errE = m.Execute(ctx, `INSERT INTO widgets (id, name, qty) VALUES (?, ?, ?)`,
		[]backend.Value{backend.TextValue("w1"), backend.TextValue("sprocket"), backend.IntegerValue(3)})
	require.NoError(t, errE)

	_, errE = m.Execute(ctx, `INSERT INTO widgets (id, name, qty) VALUES (?, ?, ?)`,
		[]backend.Value{backend.TextValue("w2"), backend.TextValue("cog"), backend.IntegerValue(7)})
	require.NoError(t, errE)

	result, errE := m.Execute(ctx, `SELECT id, qty FROM widgets WHERE name = ?`, []backend.Value{backend.TextValue("cog")})
	require.NoError(t, errE)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "w2", result.Rows[0][0].Text)
	assert.Equal(t, int64(7), result.Rows[0][1].Integer)
}

func TestMemoryUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	m := backend.NewMemory()

	_, errE := m.Execute(ctx, `CREATE TABLE widgets (id TEXT, qty INTEGER)`, nil)
	require.NoError(t, errE)
	_, errE = m.Execute(ctx, `INSERT INTO widgets (id, qty) VALUES (?, ?)`,
		[]backend.Value{backend.TextValue("w1"), backend.IntegerValue(3)})
	require.NoError(t, errE)

	_, errE = m.Execute(ctx, `UPDATE widgets SET qty = ? WHERE id = ?`,
		[]backend.Value{backend.IntegerValue(9), backend.TextValue("w1")})
	require.NoError(t, errE)

	result, errE := m.Execute(ctx, `SELECT qty FROM widgets WHERE id = ?`, []backend.Value{backend.TextValue("w1")})
	require.NoError(t, errE)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, int64(9), result.Rows[0][0].Integer)

	_, errE = m.Execute(ctx, `DELETE FROM widgets WHERE id = ?`, []backend.Value{backend.TextValue("w1")})
	require.NoError(t, errE)

	result, errE = m.Execute(ctx, `SELECT qty FROM widgets WHERE id = ?`, []backend.Value{backend.TextValue("w1")})
	require.NoError(t, errE)
	assert.Empty(t, result.Rows)
}

func TestMemoryUnknownTable(t *testing.T) {
	ctx := context.Background()
	m := backend.NewMemory()
	_, errE := m.Execute(ctx, `SELECT * FROM nope`, nil)
	require.Error(t, errE)
	assert.ErrorIs(t, errE, backend.ErrNoSuchTable)
}

func TestMemoryTransactionCommit(t *testing.T) {
	ctx := context.Background()
	m := backend.NewMemory()
	_, errE := m.Execute(ctx, `CREATE TABLE widgets (id TEXT)`, nil)
	require.NoError(t, errE)

	tx, errE := m.BeginTransaction(ctx)
	require.NoError(t, errE)
	_, errE = tx.Execute(ctx, `INSERT INTO widgets (id) VALUES (?)`, []backend.Value{backend.TextValue("w1")})
	require.NoError(t, errE)
	require.NoError(t, tx.Commit(ctx))

	result, errE := m.Execute(ctx, `SELECT id FROM widgets`, nil)
	require.NoError(t, errE)
	assert.Len(t, result.Rows, 1)
}
