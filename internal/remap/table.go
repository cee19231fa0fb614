// Package remap resolves temporary entity ids to stable ones.
//
// A Table lives for exactly one apply (or one local transact) and is then
// discarded. Nothing is shared across transactions or sync passes, so a
// tempid named "a" in two transactions denotes two unrelated entities.
package remap

import (
	"maps"
	"sort"

	"github.com/google/uuid"

	"github.com/roach88/factsync/internal/ir"
	"github.com/roach88/factsync/internal/txlog"
)

// Table maps tempids to stable ids for one transaction.
type Table struct {
	alloc Allocator
	ids   map[string]uuid.UUID
}

// NewTable creates a table for transaction txID. The reserved tempid "tx"
// is pre-bound to txID.
func NewTable(txID uuid.UUID, alloc Allocator) *Table {
	return &Table{
		alloc: alloc,
		ids:   map[string]uuid.UUID{ir.TxTempID: txID},
	}
}

// Resolve returns the stable id for ref. A tempid seen for the first time
// is bound to a newly allocated id; later sightings reuse it.
func (t *Table) Resolve(ref ir.EntityRef) (uuid.UUID, error) {
	if !ref.IsTemp() {
		return ref.ID, nil
	}
	if id, ok := t.ids[ref.TempID]; ok {
		return id, nil
	}
	id := t.alloc.AllocateStableID()
	if id == uuid.Nil {
		return uuid.Nil, txlog.NewTxIncorrectlyMapped(ref.TempID, 0)
	}
	t.ids[ref.TempID] = id
	return id, nil
}

// Bind records an explicit mapping. Binding a tempid already mapped to a
// different id fails with TxIncorrectlyMapped.
func (t *Table) Bind(tempID string, id uuid.UUID) error {
	if id == uuid.Nil {
		return txlog.NewTxIncorrectlyMapped(tempID, 0)
	}
	if existing, ok := t.ids[tempID]; ok && existing != id {
		return txlog.NewTxIncorrectlyMapped(tempID, 2)
	}
	t.ids[tempID] = id
	return nil
}

// ResolvePart resolves the entity and reference of a part into a datom.
func (t *Table) ResolvePart(p ir.TxPart) (ir.Datom, error) {
	e, err := t.Resolve(p.E)
	if err != nil {
		return ir.Datom{}, err
	}
	d := ir.Datom{E: e, A: p.A, V: p.V, Added: p.Added}
	if p.Ref != nil {
		r, err := t.Resolve(*p.Ref)
		if err != nil {
			return ir.Datom{}, err
		}
		d.Ref = &r
	}
	return d, nil
}

// Stabilize rewrites a part so that every reference is stable.
func (t *Table) Stabilize(p ir.TxPart) (ir.TxPart, error) {
	d, err := t.ResolvePart(p)
	if err != nil {
		return ir.TxPart{}, err
	}
	out := ir.TxPart{E: ir.Stable(d.E), A: d.A, V: d.V, Added: d.Added}
	if d.Ref != nil {
		r := ir.Stable(*d.Ref)
		out.Ref = &r
	}
	return out, nil
}

// Len returns the number of bound tempids, including "tx".
func (t *Table) Len() int {
	return len(t.ids)
}

// Lookup returns the id bound to tempID, if any.
func (t *Table) Lookup(tempID string) (uuid.UUID, bool) {
	id, ok := t.ids[tempID]
	return id, ok
}

// Mappings returns a copy of the table.
func (t *Table) Mappings() map[string]uuid.UUID {
	return maps.Clone(t.ids)
}

// TempIDs returns the bound tempids in sorted order.
func (t *Table) TempIDs() []string {
	out := make([]string, 0, len(t.ids))
	for k := range t.ids {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
