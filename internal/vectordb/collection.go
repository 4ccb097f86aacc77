package vectordb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/localrivet/imagecontext/internal/embedding"
	"github.com/localrivet/imagecontext/internal/errortypes"
)

// Collection is a handle on one named collection. Metadata is a snapshot
// taken when the handle was obtained and refreshed by ModifyMetadata.
type Collection struct {
	client    *Client
	Name      string
	UID       string
	Metadata  map[string]string
	CreatedAt time.Time
}

// Row is one stored record. Embedding is nil when none is stored or the
// stored bytes cannot be decoded.
type Row struct {
	ID        string
	Document  string
	Metadata  map[string]string
	Embedding []float32
}

// Match is a query hit.
type Match struct {
	Row
	Distance float64
}

// ModifyMetadata merges md into the collection metadata.
func (c *Collection) ModifyMetadata(ctx context.Context, md map[string]string) error {
	merged := cloneMetadata(c.Metadata)
	if merged == nil {
		merged = make(map[string]string, len(md))
	}
	for k, v := range md {
		merged[k] = v
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return err
	}

	err = c.client.withWriteConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Exec(conn, `UPDATE collections SET metadata = ? WHERE uid = ?;`,
			nil, string(data), c.UID); err != nil {
			return errortypes.StoreUnavailableError(err, "failed to update collection metadata").
				WithField("collection", c.Name)
		}
		if conn.Changes() == 0 {
			return ErrCollectionNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.Metadata = merged
	return nil
}

// Upsert writes rows, replacing any existing row with the same id. The batch
// is applied atomically.
func (c *Collection) Upsert(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	return c.client.withWriteConn(ctx, func(conn *sqlite.Conn) (err error) {
		defer sqlitex.Save(conn)(&err)

		if err = c.checkExists(conn); err != nil {
			return err
		}

		now := time.Now().Unix()
		for _, row := range rows {
			var blob interface{}
			if row.Embedding != nil {
				data, encErr := embedding.Float32SliceToBytes(row.Embedding)
				if encErr != nil {
					return encErr
				}
				blob = data
			}

			meta, encErr := json.Marshal(row.Metadata)
			if encErr != nil {
				return encErr
			}
			if row.Metadata == nil {
				meta = []byte("{}")
			}

			err = sqlitex.Exec(conn, `
				INSERT INTO records (collection_uid, id, document, metadata, embedding, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (collection_uid, id) DO UPDATE SET
					document = excluded.document,
					metadata = excluded.metadata,
					embedding = excluded.embedding,
					updated_at = excluded.updated_at;`,
				nil, c.UID, row.ID, row.Document, string(meta), blob, now)
			if err != nil {
				return errortypes.StoreUnavailableError(err, "failed to upsert record").
					WithField("collection", c.Name).
					WithField("record_id", row.ID)
			}
		}
		return nil
	})
}

func (c *Collection) checkExists(conn *sqlite.Conn) error {
	found := false
	err := sqlitex.Exec(conn, `SELECT 1 FROM collections WHERE uid = ?;`, func(stmt *sqlite.Stmt) error {
		found = true
		return nil
	}, c.UID)
	if err != nil {
		return errortypes.StoreUnavailableError(err, "failed to read collection").
			WithField("collection", c.Name)
	}
	if !found {
		return fmt.Errorf("%w: %s was deleted", ErrCollectionNotFound, c.Name)
	}
	return nil
}

// Get returns the rows with the given ids, in the order requested. Missing
// ids are skipped.
func (c *Collection) Get(ctx context.Context, ids []string) ([]Row, error) {
	var rows []Row
	err := c.client.withConn(ctx, func(conn *sqlite.Conn) error {
		for _, id := range ids {
			err := sqlitex.Exec(conn,
				`SELECT id, document, metadata, embedding FROM records WHERE collection_uid = ? AND id = ?;`,
				func(stmt *sqlite.Stmt) error {
					rows = append(rows, c.scanRow(stmt))
					return nil
				}, c.UID, id)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errortypes.StoreUnavailableError(err, "failed to get records").
			WithField("collection", c.Name)
	}
	return rows, nil
}

// List returns rows in insertion order. A limit of zero or less means no limit.
func (c *Collection) List(ctx context.Context, limit, offset int) ([]Row, error) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}

	var rows []Row
	err := c.client.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Exec(conn, `
			SELECT id, document, metadata, embedding FROM records
			WHERE collection_uid = ?
			ORDER BY rowid
			LIMIT ? OFFSET ?;`,
			func(stmt *sqlite.Stmt) error {
				rows = append(rows, c.scanRow(stmt))
				return nil
			}, c.UID, int64(limit), int64(offset))
	})
	if err != nil {
		return nil, errortypes.StoreUnavailableError(err, "failed to list records").
			WithField("collection", c.Name)
	}
	return rows, nil
}

// IDs returns every record id in insertion order.
func (c *Collection) IDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := c.client.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Exec(conn, `SELECT id FROM records WHERE collection_uid = ? ORDER BY rowid;`,
			func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.ColumnText(0))
				return nil
			}, c.UID)
	})
	if err != nil {
		return nil, errortypes.StoreUnavailableError(err, "failed to list record ids").
			WithField("collection", c.Name)
	}
	return ids, nil
}

// Count returns the number of records.
func (c *Collection) Count(ctx context.Context) (int, error) {
	var n int
	err := c.client.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Exec(conn, `SELECT COUNT(*) FROM records WHERE collection_uid = ?;`,
			func(stmt *sqlite.Stmt) error {
				n = int(stmt.ColumnInt64(0))
				return nil
			}, c.UID)
	})
	if err != nil {
		return 0, errortypes.StoreUnavailableError(err, "failed to count records").
			WithField("collection", c.Name)
	}
	return n, nil
}

// Delete removes the rows with the given ids and returns how many existed.
func (c *Collection) Delete(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var removed int
	err := c.client.withWriteConn(ctx, func(conn *sqlite.Conn) (err error) {
		defer sqlitex.Save(conn)(&err)
		for _, id := range ids {
			if err = sqlitex.Exec(conn, `DELETE FROM records WHERE collection_uid = ? AND id = ?;`,
				nil, c.UID, id); err != nil {
				return err
			}
			removed += conn.Changes()
		}
		return nil
	})
	if err != nil {
		return 0, errortypes.StoreUnavailableError(err, "failed to delete records").
			WithField("collection", c.Name)
	}
	return removed, nil
}

// DeleteAll removes every row but keeps the collection and its metadata.
func (c *Collection) DeleteAll(ctx context.Context) (int, error) {
	var removed int
	err := c.client.withWriteConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Exec(conn, `DELETE FROM records WHERE collection_uid = ?;`, nil, c.UID); err != nil {
			return err
		}
		removed = conn.Changes()
		return nil
	})
	if err != nil {
		return 0, errortypes.StoreUnavailableError(err, "failed to clear records").
			WithField("collection", c.Name)
	}
	return removed, nil
}

// Query returns up to k rows closest to vector by cosine distance, in
// ascending distance order. Rows without a usable embedding of the same
// dimension are skipped.
func (c *Collection) Query(ctx context.Context, vector []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}

	var (
		matches []Match
		skipped int
	)
	err := c.client.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Exec(conn, `
			SELECT id, document, metadata, embedding FROM records
			WHERE collection_uid = ? AND embedding IS NOT NULL
			ORDER BY rowid;`,
			func(stmt *sqlite.Stmt) error {
				row := c.scanRow(stmt)
				if len(row.Embedding) != len(vector) {
					skipped++
					return nil
				}
				distance, err := embedding.CosineDistance(vector, row.Embedding)
				if err != nil {
					skipped++
					return nil
				}
				matches = append(matches, Match{Row: row, Distance: distance})
				return nil
			}, c.UID)
	})
	if err != nil {
		return nil, errortypes.StoreUnavailableError(err, "failed to query records").
			WithField("collection", c.Name)
	}
	if skipped > 0 {
		c.client.logger.Warn("Skipped records without a comparable embedding",
			"collection", c.Name, "skipped", skipped)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Distance < matches[j].Distance
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (c *Collection) scanRow(stmt *sqlite.Stmt) Row {
	row := Row{
		ID:       stmt.ColumnText(0),
		Document: stmt.ColumnText(1),
	}

	if raw := stmt.ColumnText(2); raw != "" {
		if err := json.Unmarshal([]byte(raw), &row.Metadata); err != nil {
			c.client.logger.Debug("Ignoring undecodable record metadata", "record_id", row.ID, "error", err)
			row.Metadata = nil
		}
	}

	if n := stmt.ColumnLen(3); n > 0 {
		buf := make([]byte, n)
		stmt.ColumnBytes(3, buf)
		vec, err := embedding.BytesToFloat32Slice(buf)
		if err != nil {
			c.client.logger.Debug("Ignoring undecodable embedding", "record_id", row.ID, "error", err)
		} else {
			row.Embedding = vec
		}
	}
	return row
}

// IsNotFound reports whether err means the collection does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCollectionNotFound)
}

// DescribeMetadata renders collection metadata as sorted key=value pairs.
func DescribeMetadata(md map[string]string) string {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+md[k])
	}
	return strings.Join(parts, ", ")
}
