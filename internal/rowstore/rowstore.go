// Package rowstore defines the generic record-store capability the
// metadata engine is built on: CRUD plus filtered, sorted, cursor-
// paginated queries over named collections. Implementations live in
// the memory and postgres subpackages.
package rowstore

import "context"

// Collections persisted by the metadata engine.
const (
	CollectionFolders = "folders"
	CollectionFiles   = "files"
)

// Row is one record's fields. The record id is stored under "id".
type Row map[string]any

// ID returns the row's id, or "" if unset.
func (r Row) ID() string {
	id, _ := r["id"].(string)
	return id
}

// Filter ops.
const (
	OpEqual  = "eq"
	OpIsNull = "isnull"
)

// Filter restricts a List query.
type Filter struct {
	Field string
	Op    string
	Value any
}

// Equal matches rows whose field equals value.
func Equal(field string, value any) Filter {
	return Filter{Field: field, Op: OpEqual, Value: value}
}

// IsNull matches rows whose field is null or absent.
func IsNull(field string) Filter {
	return Filter{Field: field, Op: OpIsNull}
}

// Sort orders a List query by one field.
type Sort struct {
	Field string
	Desc  bool
}

// Query describes a List call. Fields, when non-empty, projects the
// result rows down to those fields (the id is always included).
// Cursor is the id of the last row of the previous page.
type Query struct {
	Filters []Filter
	Sort    []Sort
	Fields  []string
	Limit   int
	Cursor  string
}

// Page is one page of List results. Total counts all matching rows,
// not just this page. NextCursor is empty when the page is the last.
type Page struct {
	Total      int
	Items      []Row
	NextCursor string
}

// Store is the row store contract.
type Store interface {
	// Get returns the row with the given id, or ErrNotFound.
	Get(ctx context.Context, collection, id string) (Row, error)

	// Create inserts a new row under id and returns the stored row.
	Create(ctx context.Context, collection, id string, fields Row) (Row, error)

	// Update applies a partial field update and returns the stored row.
	Update(ctx context.Context, collection, id string, fields Row) (Row, error)

	// Delete removes the row with the given id, or returns ErrNotFound.
	Delete(ctx context.Context, collection, id string) error

	// List returns rows matching the query.
	List(ctx context.Context, collection string, q Query) (*Page, error)
}
