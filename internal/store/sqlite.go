package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// scanPageSize is how many rows a single Scan page fetches. The context is
// checked between pages so a caller-supplied cancellation aborts a long scan.
const scanPageSize = 500

// SQLiteTable implements Table on top of a local SQLite database. One row per
// entity, keyed by (partition_key, row_key); the etag column carries the
// concurrency token and raw fields live in a JSON properties column.
type SQLiteTable struct {
	db     *sql.DB
	name   string
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the table store at dbPath.
func OpenSQLite(dbPath, tableName string) (*SQLiteTable, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	t := &SQLiteTable{db: db, name: tableName, logger: slog.Default()}

	if err := t.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return t, nil
}

// SetLogger routes scan diagnostics through the given logger.
func (t *SQLiteTable) SetLogger(logger *slog.Logger) {
	if logger != nil {
		t.logger = logger
	}
}

// Close closes the database connection.
func (t *SQLiteTable) Close() error {
	return t.db.Close()
}

func (t *SQLiteTable) initSchema() error {
	_, err := t.db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %q (
			partition_key TEXT NOT NULL,
			row_key       TEXT NOT NULL,
			etag          TEXT NOT NULL,
			ts            TEXT NOT NULL,
			properties    TEXT NOT NULL,
			PRIMARY KEY (partition_key, row_key)
		)
	`, t.name))
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	_, err = t.db.Exec(fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %q ON %q(row_key)
	`, "idx_"+t.name+"_row_key", t.name))
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

// Get implements Table.
func (t *SQLiteTable) Get(ctx context.Context, partitionKey, rowKey string) (Entity, error) {
	row := t.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT partition_key, row_key, etag, ts, properties
		FROM %q
		WHERE partition_key = ? AND row_key = ?
	`, t.name), partitionKey, rowKey)

	ent, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, ErrNotFound
	}
	if err != nil {
		return Entity{}, fmt.Errorf("failed to read entity: %w", err)
	}

	return ent, nil
}

// Insert implements Table.
func (t *SQLiteTable) Insert(ctx context.Context, ent Entity) (Entity, error) {
	props, err := json.Marshal(ent.Properties)
	if err != nil {
		return Entity{}, fmt.Errorf("failed to encode properties: %w", err)
	}

	ent.ETag = uuid.NewString()
	ent.Timestamp = time.Now().UTC()

	_, err = t.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %q (partition_key, row_key, etag, ts, properties)
		VALUES (?, ?, ?, ?, ?)
	`, t.name),
		ent.PartitionKey,
		ent.RowKey,
		ent.ETag,
		ent.Timestamp.Format(time.RFC3339Nano),
		string(props),
	)
	if err != nil {
		return Entity{}, fmt.Errorf("failed to insert entity: %w", err)
	}

	return ent, nil
}

// Update implements Table. The write only lands when the stored etag still
// equals ent.ETag; otherwise the caller lost the race and gets ErrConcurrency.
func (t *SQLiteTable) Update(ctx context.Context, ent Entity) (Entity, error) {
	props, err := json.Marshal(ent.Properties)
	if err != nil {
		return Entity{}, fmt.Errorf("failed to encode properties: %w", err)
	}

	newTag := uuid.NewString()
	now := time.Now().UTC()

	result, err := t.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %q
		SET etag = ?, ts = ?, properties = ?
		WHERE partition_key = ? AND row_key = ? AND etag = ?
	`, t.name),
		newTag,
		now.Format(time.RFC3339Nano),
		string(props),
		ent.PartitionKey,
		ent.RowKey,
		ent.ETag,
	)
	if err != nil {
		return Entity{}, fmt.Errorf("failed to update entity: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return Entity{}, fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		// Distinguish a stale token from a vanished row
		var exists int
		err := t.db.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT COUNT(*) FROM %q WHERE partition_key = ? AND row_key = ?
		`, t.name), ent.PartitionKey, ent.RowKey).Scan(&exists)
		if err != nil {
			return Entity{}, fmt.Errorf("failed to check entity existence: %w", err)
		}
		if exists == 0 {
			return Entity{}, ErrNotFound
		}
		return Entity{}, ErrConcurrency
	}

	ent.ETag = newTag
	ent.Timestamp = now
	return ent, nil
}

// Scan implements Table. Rows are fetched in pages keyed by rowid so the
// context can abort between pages; the filter is applied per entity.
func (t *SQLiteTable) Scan(ctx context.Context, filter *Filter, fn func(Entity) error) error {
	var lastRowID int64

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		entities, nextRowID, err := t.scanPage(ctx, lastRowID)
		if err != nil {
			return err
		}
		// No rowid progress means the table is exhausted; a page can be
		// empty yet advance when every row on it was skipped.
		if nextRowID == lastRowID {
			return nil
		}

		for _, ent := range entities {
			if !filter.Match(ent) {
				continue
			}
			if err := fn(ent); err != nil {
				return err
			}
		}

		lastRowID = nextRowID
	}
}

func (t *SQLiteTable) scanPage(ctx context.Context, afterRowID int64) ([]Entity, int64, error) {
	rows, err := t.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT rowid, partition_key, row_key, etag, ts, properties
		FROM %q
		WHERE rowid > ?
		ORDER BY rowid
		LIMIT ?
	`, t.name), afterRowID, scanPageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to scan entities: %w", err)
	}
	defer rows.Close()

	var entities []Entity
	lastRowID := afterRowID
	for rows.Next() {
		var (
			rowID    int64
			ent      Entity
			tsStr    string
			propsStr string
		)
		if err := rows.Scan(&rowID, &ent.PartitionKey, &ent.RowKey, &ent.ETag, &tsStr, &propsStr); err != nil {
			return nil, 0, fmt.Errorf("failed to scan entity row: %w", err)
		}
		lastRowID = rowID
		if ts, err := time.Parse(time.RFC3339Nano, tsStr); err == nil {
			ent.Timestamp = ts
		}
		// One undecodable row only costs that row, never the whole scan
		if err := json.Unmarshal([]byte(propsStr), &ent.Properties); err != nil {
			t.logger.Warn("skipping row with undecodable properties",
				"partition_key", ent.PartitionKey, "row_key", ent.RowKey, "error", err)
			continue
		}
		entities = append(entities, ent)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating rows: %w", err)
	}

	return entities, lastRowID, nil
}

// Count implements Table.
func (t *SQLiteTable) Count(ctx context.Context) (int64, error) {
	var count int64
	err := t.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %q`, t.name)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count entities: %w", err)
	}
	return count, nil
}

// Ping implements Table.
func (t *SQLiteTable) Ping(ctx context.Context) error {
	return t.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(s rowScanner) (Entity, error) {
	var (
		ent      Entity
		tsStr    string
		propsStr string
	)
	if err := s.Scan(&ent.PartitionKey, &ent.RowKey, &ent.ETag, &tsStr, &propsStr); err != nil {
		return Entity{}, err
	}
	if ts, err := time.Parse(time.RFC3339Nano, tsStr); err == nil {
		ent.Timestamp = ts
	}
	if err := json.Unmarshal([]byte(propsStr), &ent.Properties); err != nil {
		return Entity{}, fmt.Errorf("failed to decode properties: %w", err)
	}
	return ent, nil
}
