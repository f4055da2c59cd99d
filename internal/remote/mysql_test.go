package remote

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-service/internal/config"
)

func TestNewCollections(t *testing.T) {
	cols, err := NewCollections([]config.CollectionConfig{
		{Name: "customers"},
		{Name: "invoices", Table: "invoice", PrimaryKey: "invoice_id"},
	})
	require.NoError(t, err)
	assert.Equal(t, Collection{Name: "customers", Table: "customers", PrimaryKey: "id"}, cols["customers"])
	assert.Equal(t, "invoice_id", cols["invoices"].PrimaryKey)

	_, err = NewCollections([]config.CollectionConfig{{Name: "x", Table: "drop table;"}})
	assert.Error(t, err)
}

func TestDecodeFields(t *testing.T) {
	fields, err := decodeFields(json.RawMessage(`{"id":"c1","name":"Acme","credit":12.50,"active":true,"tags":["a"],"address":{"city":"Oslo"},"note":null}`))
	require.NoError(t, err)

	assert.Equal(t, "c1", fields["id"])
	assert.Equal(t, "12.50", fields["credit"], "numbers keep their text form")
	assert.Equal(t, true, fields["active"])
	assert.Equal(t, `["a"]`, fields["tags"])
	assert.Equal(t, `{"city":"Oslo"}`, fields["address"])
	assert.Nil(t, fields["note"])

	t.Run("NotAnObject", func(t *testing.T) {
		_, err := decodeFields(json.RawMessage(`[1,2]`))
		assert.Error(t, err)
		_, err = decodeFields(json.RawMessage(`null`))
		assert.Error(t, err)
	})

	t.Run("BadColumn", func(t *testing.T) {
		_, err := decodeFields(json.RawMessage(`{"name; DROP":1}`))
		assert.Error(t, err)
	})
}

func TestBuildQueries(t *testing.T) {
	col := Collection{Name: "customers", Table: "customers", PrimaryKey: "id"}
	fields := map[string]any{"id": "c1", "name": "Acme", "city": "Oslo"}

	q, args, err := buildInsert(col, fields)
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO `customers` (`city`, `id`, `name`) VALUES (?, ?, ?)", q)
	assert.Equal(t, []any{"Oslo", "c1", "Acme"}, args)

	q, args, err = buildUpdate(col, "c1", fields)
	require.NoError(t, err)
	assert.Equal(t, "UPDATE `customers` SET `city` = ?, `name` = ? WHERE `id` = ?", q)
	assert.Equal(t, []any{"Oslo", "Acme", "c1"}, args)

	_, _, err = buildUpdate(col, "c1", map[string]any{"id": "c1"})
	assert.Error(t, err)

	q, args = buildDelete(col, "c1")
	assert.Equal(t, "DELETE FROM `customers` WHERE `id` = ?", q)
	assert.Equal(t, []any{"c1"}, args)
}

func TestUnknownCollection(t *testing.T) {
	b := &MySQLBackend{collections: map[string]Collection{}}
	err := b.Insert(context.Background(), "payroll", json.RawMessage(`{"id":"p1"}`))
	assert.ErrorIs(t, err, ErrUnknownCollection)
	assert.ErrorIs(t, b.DeleteByID(context.Background(), "payroll", "p1"), ErrUnknownCollection)
}

func TestUnconfigured(t *testing.T) {
	var b Backend = Unconfigured{}
	assert.ErrorIs(t, b.Insert(context.Background(), "c", nil), ErrOffline)
	assert.ErrorIs(t, b.Ping(context.Background()), ErrOffline)
}
