package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Sentinel errors returned by Table implementations. Callers distinguish a
// missing record from a lost optimistic-concurrency race via errors.Is.
var (
	ErrNotFound    = errors.New("store: entity not found")
	ErrConcurrency = errors.New("store: concurrency token mismatch")
)

// Entity is one row of the partitioned key-value table. Properties holds the
// raw stored fields without any interpretation; field casing and value types
// vary across schema generations, so values stay as decoded JSON (string,
// float64, bool, nested structures).
type Entity struct {
	PartitionKey string
	RowKey       string
	ETag         string
	Timestamp    time.Time
	Properties   map[string]any
}

// Property looks up a raw field by name, case-insensitively.
func (e Entity) Property(name string) (any, bool) {
	if v, ok := e.Properties[name]; ok {
		return v, true
	}
	for k, v := range e.Properties {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

// SetProperty overwrites a field, reusing the stored key casing when the field
// already exists under a different case. The map is allocated on first use so
// entities stored with no properties stay writable.
func (e *Entity) SetProperty(name string, value any) {
	if e.Properties == nil {
		e.Properties = make(map[string]any)
	}
	for k := range e.Properties {
		if strings.EqualFold(k, name) {
			e.Properties[k] = value
			return
		}
	}
	e.Properties[name] = value
}

// Table is the backing partitioned key-value store: point reads, conditional
// updates guarded by the entity's ETag, and filtered paged scans.
type Table interface {
	// Get returns the entity at (partitionKey, rowKey) or ErrNotFound.
	Get(ctx context.Context, partitionKey, rowKey string) (Entity, error)

	// Insert writes a new entity and assigns it a fresh ETag.
	Insert(ctx context.Context, ent Entity) (Entity, error)

	// Update replaces the stored entity if and only if its ETag still matches
	// ent.ETag. Returns ErrConcurrency when the token is stale and ErrNotFound
	// when the entity no longer exists.
	Update(ctx context.Context, ent Entity) (Entity, error)

	// Scan streams entities matching the filter (all entities when filter is
	// nil) to fn. Scanning stops early if fn or the context returns an error.
	Scan(ctx context.Context, filter *Filter, fn func(Entity) error) error

	// Count returns the total number of stored entities.
	Count(ctx context.Context) (int64, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}

// Filter is a predicate over entities: field-equality leaves combined with
// AND/OR. PartitionKey and RowKey match the key columns; any other field name
// matches a raw property, compared as text.
type Filter struct {
	field string
	value string
	op    filterOp
	subs  []*Filter
}

type filterOp int

const (
	opEq filterOp = iota
	opAnd
	opOr
)

// Eq matches entities whose named field equals value.
func Eq(field, value string) *Filter {
	return &Filter{field: field, value: value, op: opEq}
}

// And matches entities satisfying every sub-filter.
func And(subs ...*Filter) *Filter {
	return &Filter{op: opAnd, subs: subs}
}

// Or matches entities satisfying at least one sub-filter.
func Or(subs ...*Filter) *Filter {
	return &Filter{op: opOr, subs: subs}
}

// Match reports whether the entity satisfies the filter.
func (f *Filter) Match(ent Entity) bool {
	if f == nil {
		return true
	}
	switch f.op {
	case opAnd:
		for _, sub := range f.subs {
			if !sub.Match(ent) {
				return false
			}
		}
		return true
	case opOr:
		for _, sub := range f.subs {
			if sub.Match(ent) {
				return true
			}
		}
		return false
	}

	switch {
	case strings.EqualFold(f.field, "PartitionKey"):
		return ent.PartitionKey == f.value
	case strings.EqualFold(f.field, "RowKey"):
		return ent.RowKey == f.value
	}
	raw, ok := ent.Property(f.field)
	if !ok {
		return false
	}
	s, ok := raw.(string)
	if !ok {
		return false
	}
	return s == f.value
}
