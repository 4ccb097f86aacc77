// Package vectordb is a small persistent vector database on SQLite. A
// store directory holds named collections, each with key/value metadata and
// records made of a document, metadata and an embedding.
package vectordb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/google/uuid"
	"github.com/localrivet/imagecontext/internal/errortypes"
)

// DatabaseFile is the SQLite file created inside the store directory.
const DatabaseFile = "vectors.db"

var (
	// ErrCollectionNotFound is returned when a named collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")
	// ErrCollectionExists is returned when creating a collection that already exists.
	ErrCollectionExists = errors.New("collection already exists")
	// ErrClosed is returned after the client has been closed.
	ErrClosed = errors.New("vector database closed")
)

const schema = `
CREATE TABLE IF NOT EXISTS collections (
	name TEXT PRIMARY KEY,
	uid TEXT NOT NULL UNIQUE,
	metadata TEXT,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS records (
	collection_uid TEXT NOT NULL,
	id TEXT NOT NULL,
	document TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	embedding BLOB,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (collection_uid, id)
);
`

// Client is a handle on one persistent store directory. It is safe for
// concurrent use.
type Client struct {
	pool   *sqlitex.Pool
	dir    string
	logger *slog.Logger

	// writeMu serializes writers so a deferred savepoint never races
	// another writer's commit.
	writeMu sync.Mutex
}

// Open opens (creating if needed) the store in dir with a pool of poolSize
// connections.
func Open(dir string, poolSize int, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if poolSize <= 0 {
		poolSize = 1
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errortypes.StoreUnavailableError(err, "failed to create store directory").
			WithField("path", dir)
	}

	dbPath := filepath.Join(dir, DatabaseFile)
	pool, err := sqlitex.Open(dbPath, 0, poolSize)
	if err != nil {
		return nil, errortypes.StoreUnavailableError(err, "failed to open SQLite database").
			WithField("path", dbPath)
	}

	c := &Client{pool: pool, dir: dir, logger: logger.With("component", "vectordb")}
	err = c.withConn(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.ExecScript(conn, schema)
	})
	if err != nil {
		pool.Close()
		return nil, errortypes.StoreUnavailableError(err, "failed to create schema").
			WithField("path", dbPath)
	}

	c.logger.Debug("Opened vector database", "path", dbPath, "pool_size", poolSize)
	return c, nil
}

// Path returns the store directory.
func (c *Client) Path() string {
	return c.dir
}

// Close closes every pooled connection.
func (c *Client) Close() error {
	return c.pool.Close()
}

func (c *Client) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn := c.pool.Get(ctx)
	if conn == nil {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrClosed
	}
	defer c.pool.Put(conn)
	return fn(conn)
}

func (c *Client) withWriteConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.withConn(ctx, fn)
}

// ListCollections returns the names of all collections, sorted.
func (c *Client) ListCollections(ctx context.Context) ([]string, error) {
	var names []string
	err := c.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Exec(conn, `SELECT name FROM collections;`, func(stmt *sqlite.Stmt) error {
			names = append(names, stmt.ColumnText(0))
			return nil
		})
	})
	if err != nil {
		return nil, errortypes.StoreUnavailableError(err, "failed to list collections")
	}
	sort.Strings(names)
	return names, nil
}

// GetCollection returns the named collection or ErrCollectionNotFound.
// Undecodable collection metadata is reported as an error.
func (c *Client) GetCollection(ctx context.Context, name string) (*Collection, error) {
	var col *Collection
	err := c.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		col, err = c.getCollection(conn, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return col, nil
}

func (c *Client) getCollection(conn *sqlite.Conn, name string) (*Collection, error) {
	var (
		found    bool
		uid      string
		rawMeta  string
		hasMeta  bool
		created  int64
		parseErr error
	)
	err := sqlitex.Exec(conn, `SELECT uid, metadata, created_at FROM collections WHERE name = ?;`,
		func(stmt *sqlite.Stmt) error {
			found = true
			uid = stmt.ColumnText(0)
			hasMeta = stmt.ColumnLen(1) > 0
			rawMeta = stmt.ColumnText(1)
			created = stmt.ColumnInt64(2)
			return nil
		}, name)
	if err != nil {
		return nil, errortypes.StoreUnavailableError(err, "failed to read collection").
			WithField("collection", name)
	}
	if !found {
		return nil, ErrCollectionNotFound
	}

	var metadata map[string]string
	if hasMeta {
		if parseErr = json.Unmarshal([]byte(rawMeta), &metadata); parseErr != nil {
			return nil, fmt.Errorf("collection %q has corrupt metadata: %w", name, parseErr)
		}
	}

	return &Collection{
		client:    c,
		Name:      name,
		UID:       uid,
		Metadata:  metadata,
		CreatedAt: time.Unix(created, 0),
	}, nil
}

// CreateCollection creates a new empty collection. metadata may be nil.
func (c *Client) CreateCollection(ctx context.Context, name string, metadata map[string]string) (*Collection, error) {
	var col *Collection
	err := c.withWriteConn(ctx, func(conn *sqlite.Conn) (err error) {
		defer sqlitex.Save(conn)(&err)
		col, err = c.createCollection(conn, name, metadata)
		return err
	})
	if err != nil {
		return nil, err
	}
	return col, nil
}

func (c *Client) createCollection(conn *sqlite.Conn, name string, metadata map[string]string) (*Collection, error) {
	if _, err := c.getCollection(conn, name); err == nil {
		return nil, ErrCollectionExists
	} else if !errors.Is(err, ErrCollectionNotFound) {
		return nil, err
	}

	var rawMeta interface{}
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err != nil {
			return nil, err
		}
		rawMeta = string(data)
	}

	now := time.Now()
	uid := uuid.New().String()
	err := sqlitex.Exec(conn,
		`INSERT INTO collections (name, uid, metadata, created_at) VALUES (?, ?, ?, ?);`,
		nil, name, uid, rawMeta, now.Unix())
	if err != nil {
		return nil, errortypes.StoreUnavailableError(err, "failed to create collection").
			WithField("collection", name)
	}

	c.logger.Info("Created collection", "collection", name, "uid", uid)
	return &Collection{
		client:    c,
		Name:      name,
		UID:       uid,
		Metadata:  cloneMetadata(metadata),
		CreatedAt: time.Unix(now.Unix(), 0),
	}, nil
}

// GetOrCreateCollection returns the named collection, creating it empty
// when it does not exist.
func (c *Client) GetOrCreateCollection(ctx context.Context, name string) (*Collection, error) {
	var col *Collection
	err := c.withWriteConn(ctx, func(conn *sqlite.Conn) (err error) {
		defer sqlitex.Save(conn)(&err)
		col, err = c.getCollection(conn, name)
		if errors.Is(err, ErrCollectionNotFound) {
			col, err = c.createCollection(conn, name, nil)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return col, nil
}

// DeleteCollection removes the collection and all of its records. Deleting
// a missing collection is not an error.
func (c *Client) DeleteCollection(ctx context.Context, name string) error {
	var removed int
	err := c.withWriteConn(ctx, func(conn *sqlite.Conn) (err error) {
		defer sqlitex.Save(conn)(&err)

		err = sqlitex.Exec(conn,
			`DELETE FROM records WHERE collection_uid IN (SELECT uid FROM collections WHERE name = ?);`,
			nil, name)
		if err != nil {
			return err
		}
		removed = conn.Changes()
		return sqlitex.Exec(conn, `DELETE FROM collections WHERE name = ?;`, nil, name)
	})
	if err != nil {
		return errortypes.StoreUnavailableError(err, "failed to delete collection").
			WithField("collection", name)
	}
	c.logger.Info("Deleted collection", "collection", name, "records_removed", removed)
	return nil
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
