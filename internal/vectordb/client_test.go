package vectordb

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := Open(t.TempDir(), 2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCollectionLifecycle(t *testing.T) {
	ctx := context.Background()
	c := openTestClient(t)

	names, err := c.ListCollections(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = c.GetCollection(ctx, "images")
	assert.True(t, IsNotFound(err))

	col, err := c.CreateCollection(ctx, "images", nil)
	require.NoError(t, err)
	assert.Nil(t, col.Metadata)
	assert.NotEmpty(t, col.UID)

	_, err = c.CreateCollection(ctx, "images", nil)
	assert.True(t, errors.Is(err, ErrCollectionExists))

	again, err := c.GetOrCreateCollection(ctx, "images")
	require.NoError(t, err)
	assert.Equal(t, col.UID, again.UID)

	require.NoError(t, col.ModifyMetadata(ctx, map[string]string{"model_name": "m", "model_dimension": "3"}))
	require.NoError(t, col.ModifyMetadata(ctx, map[string]string{"model_device": "cpu"}))

	fetched, err := c.GetCollection(ctx, "images")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"model_name": "m", "model_dimension": "3", "model_device": "cpu"}, fetched.Metadata)
	assert.Equal(t, "model_device=cpu, model_dimension=3, model_name=m", DescribeMetadata(fetched.Metadata))

	require.NoError(t, c.DeleteCollection(ctx, "images"))
	require.NoError(t, c.DeleteCollection(ctx, "images"), "deleting twice is fine")

	_, err = c.GetCollection(ctx, "images")
	assert.True(t, IsNotFound(err))

	err = col.ModifyMetadata(ctx, map[string]string{"x": "y"})
	assert.True(t, IsNotFound(err))
}

func TestUpsertGetListQuery(t *testing.T) {
	ctx := context.Background()
	c := openTestClient(t)
	col, err := c.CreateCollection(ctx, "images", nil)
	require.NoError(t, err)

	rows := []Row{
		{ID: "a", Document: "dog", Metadata: map[string]string{"path": "/a.jpg"}, Embedding: []float32{1, 0, 0}},
		{ID: "b", Document: "cat", Metadata: map[string]string{"path": "/b.jpg"}, Embedding: []float32{0, 1, 0}},
		{ID: "c", Document: "dog and cat", Metadata: map[string]string{"path": "/c.jpg"}, Embedding: []float32{1, 1, 0}},
	}
	require.NoError(t, col.Upsert(ctx, rows))

	n, err := col.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := col.Get(ctx, []string{"c", "missing", "a"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "/a.jpg", got[1].Metadata["path"])
	assert.Equal(t, []float32{1, 0, 0}, got[1].Embedding)

	// Overwrite keeps insertion position.
	require.NoError(t, col.Upsert(ctx, []Row{{ID: "a", Document: "puppy", Embedding: []float32{1, 0, 0}}}))
	list, err := col.List(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{list[0].ID, list[1].ID, list[2].ID})
	assert.Equal(t, "puppy", list[0].Document)

	page, err := col.List(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].ID)

	matches, err := col.Query(ctx, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "a", matches[0].ID)
	assert.InDelta(t, 0.0, matches[0].Distance, 1e-6)
	assert.Equal(t, "c", matches[1].ID)
	assert.LessOrEqual(t, matches[0].Distance, matches[1].Distance)

	ids, err := col.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestReadsTolerateMissingAndMalformedEmbeddings(t *testing.T) {
	ctx := context.Background()
	c := openTestClient(t)
	col, err := c.CreateCollection(ctx, "images", nil)
	require.NoError(t, err)

	require.NoError(t, col.Upsert(ctx, []Row{
		{ID: "good", Document: "ok", Embedding: []float32{0, 1}},
		{ID: "none", Document: "no vector"},
		{ID: "short", Document: "other dimension", Embedding: []float32{1, 0, 0}},
	}))

	err = c.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Exec(conn,
			`INSERT INTO records (collection_uid, id, document, metadata, embedding, updated_at) VALUES (?, ?, ?, ?, ?, 0);`,
			nil, col.UID, "bad", "garbage", "not json", []byte{1, 2, 3, 4, 5})
	})
	require.NoError(t, err)

	rows, err := col.Get(ctx, []string{"none", "bad"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Nil(t, rows[0].Embedding)
	assert.Nil(t, rows[1].Embedding)
	assert.Nil(t, rows[1].Metadata)

	matches, err := col.Query(ctx, []float32{0, 1}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "good", matches[0].ID)
}

func TestDeleteAndDeleteAll(t *testing.T) {
	ctx := context.Background()
	c := openTestClient(t)
	col, err := c.CreateCollection(ctx, "images", map[string]string{"model_name": "m"})
	require.NoError(t, err)

	var rows []Row
	for i := 0; i < 5; i++ {
		rows = append(rows, Row{ID: fmt.Sprintf("r%d", i), Document: "doc", Embedding: []float32{1}})
	}
	require.NoError(t, col.Upsert(ctx, rows))

	removed, err := col.Delete(ctx, []string{"r0", "r1", "nope"})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	removed, err = col.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	fetched, err := c.GetCollection(ctx, "images")
	require.NoError(t, err)
	assert.Equal(t, "m", fetched.Metadata["model_name"], "DeleteAll keeps collection metadata")
}

func TestUpsertIntoDeletedCollectionFails(t *testing.T) {
	ctx := context.Background()
	c := openTestClient(t)
	col, err := c.CreateCollection(ctx, "images", nil)
	require.NoError(t, err)
	require.NoError(t, c.DeleteCollection(ctx, "images"))

	err = col.Upsert(ctx, []Row{{ID: "a", Document: "x"}})
	assert.True(t, IsNotFound(err))

	recreated, err := c.CreateCollection(ctx, "images", nil)
	require.NoError(t, err)
	assert.NotEqual(t, col.UID, recreated.UID)
	n, err := recreated.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCorruptCollectionMetadata(t *testing.T) {
	ctx := context.Background()
	c := openTestClient(t)
	_, err := c.CreateCollection(ctx, "images", nil)
	require.NoError(t, err)

	err = c.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Exec(conn, `UPDATE collections SET metadata = '{broken' WHERE name = 'images';`, nil)
	})
	require.NoError(t, err)

	_, err = c.GetCollection(ctx, "images")
	require.Error(t, err)
	assert.False(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "corrupt metadata")
}
