// Package postgres implements rowstore.Store on PostgreSQL. The two
// collections map to fixed tables with whitelisted columns; queries
// are assembled from the generic filter/sort/cursor contract.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/cirrusdrive/cirrusdrive/internal/errs"
	"github.com/cirrusdrive/cirrusdrive/internal/rowstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS folders (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	owner_id         TEXT NOT NULL,
	parent_folder_id TEXT,
	path             TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_folders_owner ON folders (owner_id);
CREATE INDEX IF NOT EXISTS idx_folders_parent ON folders (parent_folder_id);

CREATE TABLE IF NOT EXISTS files (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	size             BIGINT NOT NULL DEFAULT 0,
	mime_type        TEXT NOT NULL DEFAULT '',
	object_key       TEXT NOT NULL DEFAULT '',
	bucket_id        TEXT NOT NULL DEFAULT '',
	owner_id         TEXT NOT NULL,
	parent_folder_id TEXT,
	created          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_files_owner ON files (owner_id);
CREATE INDEX IF NOT EXISTS idx_files_parent ON files (parent_folder_id);
`

// columns whitelists the queryable columns per collection.
var columns = map[string][]string{
	rowstore.CollectionFolders: {"id", "name", "owner_id", "parent_folder_id", "path"},
	rowstore.CollectionFiles:   {"id", "name", "size", "mime_type", "object_key", "bucket_id", "owner_id", "parent_folder_id", "created"},
}

// Store is a PostgreSQL row store.
type Store struct {
	db *sql.DB
}

// New connects to PostgreSQL and verifies the connection.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// EnsureSchema creates the collection tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the pool for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// upstream tags a database failure so callers can distinguish it from
// domain errors.
func upstream(err error) error {
	return fmt.Errorf("%w: %v", errs.ErrUpstream, err)
}

func collectionColumns(collection string) ([]string, error) {
	cols, ok := columns[collection]
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", collection)
	}
	return cols, nil
}

func validColumn(collection, name string) bool {
	for _, c := range columns[collection] {
		if c == name {
			return true
		}
	}
	return false
}

// Get implements rowstore.Store.
func (s *Store) Get(ctx context.Context, collection, id string) (rowstore.Row, error) {
	cols, err := collectionColumns(collection)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", strings.Join(cols, ", "), collection)
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, upstream(err))
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, errs.ErrNotFound)
	}
	return scanRow(rows, cols)
}

// Create implements rowstore.Store.
func (s *Store) Create(ctx context.Context, collection, id string, fields rowstore.Row) (rowstore.Row, error) {
	if _, err := collectionColumns(collection); err != nil {
		return nil, err
	}

	names := []string{"id"}
	args := []any{id}
	for name, value := range fields {
		if name == "id" || !validColumn(collection, name) {
			continue
		}
		names = append(names, name)
		args = append(args, value)
	}

	placeholders := make([]string, len(names))
	for i := range names {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		collection, strings.Join(names, ", "), strings.Join(placeholders, ", "))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("create %s/%s: %w", collection, id, upstream(err))
	}

	return s.Get(ctx, collection, id)
}

// Update implements rowstore.Store.
func (s *Store) Update(ctx context.Context, collection, id string, fields rowstore.Row) (rowstore.Row, error) {
	if _, err := collectionColumns(collection); err != nil {
		return nil, err
	}

	var sets []string
	var args []any
	for name, value := range fields {
		if name == "id" || !validColumn(collection, name) {
			continue
		}
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", name, len(args)))
	}
	if len(sets) == 0 {
		return s.Get(ctx, collection, id)
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", collection, strings.Join(sets, ", "), len(args))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", collection, id, upstream(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, errs.ErrNotFound)
	}

	return s.Get(ctx, collection, id)
}

// Delete implements rowstore.Store.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if _, err := collectionColumns(collection); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", collection), id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, upstream(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, errs.ErrNotFound)
	}
	return nil
}

// List implements rowstore.Store. Cursor pagination is keyset-based on
// (sort field, id); at most one sort field is supported, which is all
// the engine uses.
func (s *Store) List(ctx context.Context, collection string, q rowstore.Query) (*rowstore.Page, error) {
	if _, err := collectionColumns(collection); err != nil {
		return nil, err
	}

	selectCols := q.Fields
	if len(selectCols) == 0 {
		selectCols = columns[collection]
	} else {
		filtered := []string{"id"}
		for _, f := range selectCols {
			if f != "id" && validColumn(collection, f) {
				filtered = append(filtered, f)
			}
		}
		selectCols = filtered
	}

	var where []string
	var args []any
	for _, f := range q.Filters {
		if !validColumn(collection, f.Field) {
			return nil, fmt.Errorf("invalid filter field %q", f.Field)
		}
		switch f.Op {
		case rowstore.OpIsNull:
			where = append(where, fmt.Sprintf("%s IS NULL", f.Field))
		case rowstore.OpEqual:
			args = append(args, f.Value)
			where = append(where, fmt.Sprintf("%s = $%d", f.Field, len(args)))
		default:
			return nil, fmt.Errorf("invalid filter op %q", f.Op)
		}
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", collection, whereClause)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count %s: %w", collection, upstream(err))
	}

	if len(q.Sort) > 1 {
		return nil, fmt.Errorf("at most one sort field is supported")
	}
	sortField, sortDesc := "id", false
	if len(q.Sort) == 1 {
		if !validColumn(collection, q.Sort[0].Field) {
			return nil, fmt.Errorf("invalid sort field %q", q.Sort[0].Field)
		}
		sortField = q.Sort[0].Field
		sortDesc = q.Sort[0].Desc
	}

	cursorClause, args, err := s.cursorClause(ctx, collection, q.Cursor, sortField, sortDesc, args)
	if err != nil {
		return nil, err
	}
	if cursorClause != "" {
		if whereClause == "" {
			whereClause = " WHERE " + cursorClause
		} else {
			whereClause += " AND " + cursorClause
		}
	}

	dir := "ASC"
	if sortDesc {
		dir = "DESC"
	}
	orderClause := fmt.Sprintf(" ORDER BY %s %s, id %s", sortField, dir, dir)

	limitClause := ""
	if q.Limit > 0 {
		// One extra row decides whether a next page exists.
		limitClause = fmt.Sprintf(" LIMIT %d", q.Limit+1)
	}

	query := fmt.Sprintf("SELECT %s FROM %s%s%s%s",
		strings.Join(selectCols, ", "), collection, whereClause, orderClause, limitClause)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, upstream(err))
	}
	defer rows.Close()

	var items []rowstore.Row
	for rows.Next() {
		row, err := scanRow(rows, selectCols)
		if err != nil {
			return nil, err
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, upstream(err))
	}

	next := ""
	if q.Limit > 0 && len(items) > q.Limit {
		items = items[:q.Limit]
		next = items[len(items)-1].ID()
	}

	return &rowstore.Page{Total: total, Items: items, NextCursor: next}, nil
}

// cursorClause builds the keyset condition for resuming after the row
// identified by cursor. The cursor row's sort value is read first so
// the comparison can be done with plain parameters.
func (s *Store) cursorClause(ctx context.Context, collection, cursor, sortField string, desc bool, args []any) (string, []any, error) {
	if cursor == "" {
		return "", args, nil
	}

	var sortValue any
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", sortField, collection)
	if err := s.db.QueryRowContext(ctx, query, cursor).Scan(&sortValue); err != nil {
		if err == sql.ErrNoRows {
			return "", args, fmt.Errorf("cursor %s/%s: %w", collection, cursor, errs.ErrNotFound)
		}
		return "", args, fmt.Errorf("resolve cursor: %w", upstream(err))
	}

	op := ">"
	if desc {
		op = "<"
	}
	args = append(args, sortValue)
	sortArg := len(args)
	args = append(args, cursor)
	idArg := len(args)

	clause := fmt.Sprintf("(%s %s $%d OR (%s = $%d AND id %s $%d))",
		sortField, op, sortArg, sortField, sortArg, op, idArg)
	return clause, args, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRow(rows scannable, cols []string) (rowstore.Row, error) {
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan row: %w", upstream(err))
	}

	row := make(rowstore.Row, len(cols))
	for i, col := range cols {
		switch v := values[i].(type) {
		case nil:
			// Absent field; IsNull filters match it.
		case []byte:
			row[col] = string(v)
		default:
			row[col] = v
		}
	}
	return row, nil
}
