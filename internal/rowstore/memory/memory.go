// Package memory implements rowstore.Store in process memory. It backs
// tests and single-node development deployments; production uses the
// postgres implementation.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cirrusdrive/cirrusdrive/internal/errs"
	"github.com/cirrusdrive/cirrusdrive/internal/rowstore"
)

// Store is an in-memory row store.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]rowstore.Row
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{collections: make(map[string]map[string]rowstore.Row)}
}

// Get implements rowstore.Store.
func (s *Store) Get(ctx context.Context, collection, id string) (rowstore.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.collections[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, errs.ErrNotFound)
	}
	return copyRow(row, nil), nil
}

// Create implements rowstore.Store.
func (s *Store) Create(ctx context.Context, collection, id string, fields rowstore.Row) (rowstore.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string]rowstore.Row)
		s.collections[collection] = coll
	}
	if _, exists := coll[id]; exists {
		return nil, fmt.Errorf("%s/%s: row already exists", collection, id)
	}

	row := copyRow(fields, nil)
	row["id"] = id
	coll[id] = row
	return copyRow(row, nil), nil
}

// Update implements rowstore.Store. Fields not present in the update
// are left untouched; a nil value clears the field.
func (s *Store) Update(ctx context.Context, collection, id string, fields rowstore.Row) (rowstore.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.collections[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, errs.ErrNotFound)
	}
	for k, v := range fields {
		if k == "id" {
			continue
		}
		if v == nil {
			delete(row, k)
			continue
		}
		row[k] = v
	}
	return copyRow(row, nil), nil
}

// Delete implements rowstore.Store.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.collections[collection]
	if _, ok := coll[id]; !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, errs.ErrNotFound)
	}
	delete(coll, id)
	return nil
}

// List implements rowstore.Store.
func (s *Store) List(ctx context.Context, collection string, q rowstore.Query) (*rowstore.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []rowstore.Row
	for _, row := range s.collections[collection] {
		if matches(row, q.Filters) {
			matched = append(matched, row)
		}
	}

	sortRows(matched, q.Sort)
	total := len(matched)

	// Cursor is the id of the last row of the previous page.
	if q.Cursor != "" {
		start := 0
		for i, row := range matched {
			if row.ID() == q.Cursor {
				start = i + 1
				break
			}
		}
		matched = matched[start:]
	}

	next := ""
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
		if len(matched) > 0 {
			next = matched[len(matched)-1].ID()
		}
	}

	items := make([]rowstore.Row, 0, len(matched))
	for _, row := range matched {
		items = append(items, copyRow(row, q.Fields))
	}

	return &rowstore.Page{Total: total, Items: items, NextCursor: next}, nil
}

func matches(row rowstore.Row, filters []rowstore.Filter) bool {
	for _, f := range filters {
		val, ok := row[f.Field]
		switch f.Op {
		case rowstore.OpIsNull:
			if ok && val != nil {
				return false
			}
		case rowstore.OpEqual:
			if !ok || !equal(val, f.Value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func equal(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func sortRows(rows []rowstore.Row, keys []rowstore.Sort) {
	if len(keys) == 0 {
		keys = []rowstore.Sort{{Field: "id"}}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, key := range keys {
			c := compare(rows[i][key.Field], rows[j][key.Field])
			if c == 0 {
				continue
			}
			if key.Desc {
				return c > 0
			}
			return c < 0
		}
		return rows[i].ID() < rows[j].ID()
	})
}

func compare(a, b any) int {
	switch av := a.(type) {
	case string:
		bv, _ := b.(string)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case time.Time:
		bv, _ := b.(time.Time)
		switch {
		case av.Before(bv):
			return -1
		case av.After(bv):
			return 1
		}
		return 0
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// copyRow copies a row, optionally projecting it down to fields. The
// id is always carried over.
func copyRow(row rowstore.Row, fields []string) rowstore.Row {
	out := make(rowstore.Row, len(row))
	if len(fields) == 0 {
		for k, v := range row {
			out[k] = v
		}
		return out
	}
	out["id"] = row["id"]
	for _, f := range fields {
		if v, ok := row[f]; ok {
			out[f] = v
		}
	}
	return out
}
