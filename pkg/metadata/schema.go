package metadata

import (
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Column describes one table column as the parser needs it.
type Column struct {
	ColNo     int    `json:"col-no"`
	SegColNo  int    `json:"seg-col-no"`
	Name      string `json:"name"`
	TypeNo    uint64 `json:"type-no"`
	CharsetId uint64 `json:"charset-id"`
	Precision int    `json:"precision"`
	Scale     int    `json:"scale"`
	NumPk     int    `json:"num-pk"`
	Nullable  bool   `json:"nullable"`
}

// Table describes one replicated table.
type Table struct {
	Obj        uint32   `json:"obj"`
	DataObj    uint32   `json:"data-obj"`
	Owner      string   `json:"owner"`
	Name       string   `json:"name"`
	Columns    []Column `json:"columns"`
	GuardSegNo int      `json:"guard-seg-no"` // -1 when the table has no guard column
}

// HasPk reports whether any column is part of the primary key.
func (t *Table) HasPk() bool {
	for i := range t.Columns {
		if t.Columns[i].NumPk > 0 {
			return true
		}
	}
	return false
}

// SchemaReader is what the parser needs from the schema layer. The loader
// that populates it from the source database is an external collaborator.
type SchemaReader interface {
	// TableByObj resolves an object id to its table definition, nil when
	// the object is not replicated.
	TableByObj(obj uint32) *Table
}

const schemaCacheSize = 1024

// Schema resolves table definitions from the state store, caching parsed
// entries in a bounded LRU. State documents are named table-<obj>.
type Schema struct {
	store Store
	cache *lru.Cache[uint32, *Table]
}

// NewSchema builds the schema registry over the given store.
func NewSchema(store Store) (*Schema, error) {
	cache, err := lru.New[uint32, *Table](schemaCacheSize)
	if err != nil {
		return nil, err
	}
	return &Schema{store: store, cache: cache}, nil
}

func tableKey(obj uint32) string {
	return fmt.Sprintf("table-%d", obj)
}

// TableByObj implements SchemaReader.
func (s *Schema) TableByObj(obj uint32) *Table {
	if t, ok := s.cache.Get(obj); ok {
		return t
	}

	data, err := s.store.Read(tableKey(obj))
	if err != nil || data == nil {
		return nil
	}
	var t Table
	if err := json.Unmarshal(data, &t); err != nil {
		return nil
	}
	s.cache.Add(obj, &t)
	return &t
}

// Define persists a table definition and primes the cache. Used by the
// schema loader and by tests.
func (s *Schema) Define(t *Table) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := s.store.Write(tableKey(t.Obj), data); err != nil {
		return err
	}
	s.cache.Add(t.Obj, t)
	return nil
}

// Forget drops a table from store and cache (DDL dropped it).
func (s *Schema) Forget(obj uint32) error {
	s.cache.Remove(obj)
	return s.store.Delete(tableKey(obj))
}
