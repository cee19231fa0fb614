package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/factsync/internal/ir"
)

// marshalValue converts a fact value to canonical JSON TEXT for storage.
// Uses RFC 8785 canonical JSON so equal values compare equal in SQL.
func marshalValue(v ir.Value) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal value: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// unmarshalValue parses canonical JSON TEXT back into a Value.
// Large integers survive because ir.UnmarshalValue decodes via json.Number.
func unmarshalValue(data sql.NullString) (ir.Value, error) {
	if !data.Valid {
		return nil, nil
	}
	v, err := ir.UnmarshalValue([]byte(data.String))
	if err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	return v, nil
}

func nullUUID(id uuid.UUID) sql.NullString {
	if id == uuid.Nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func parseNullUUID(s sql.NullString) (uuid.UUID, error) {
	if !s.Valid {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(s.String)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse uuid %q: %w", s.String, err)
	}
	return id, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// datomRow is the storage form of one part.
type datomRow struct {
	e       sql.NullString
	eIsTx   bool
	a       string
	v       sql.NullString
	ref     sql.NullString
	refIsTx bool
	added   bool
}

// rowFromPart encodes a part whose only temporary reference may be "tx".
func rowFromPart(p ir.TxPart) (datomRow, error) {
	row := datomRow{a: p.A, added: p.Added}

	switch {
	case p.E.IsTemp() && p.E.TempID == ir.TxTempID:
		row.eIsTx = true
	case p.E.IsTemp():
		return datomRow{}, fmt.Errorf("unresolved tempid %q", p.E.TempID)
	default:
		row.e = nullUUID(p.E.ID)
	}

	if p.Ref != nil {
		switch {
		case p.Ref.IsTemp() && p.Ref.TempID == ir.TxTempID:
			row.refIsTx = true
		case p.Ref.IsTemp():
			return datomRow{}, fmt.Errorf("unresolved tempid %q", p.Ref.TempID)
		default:
			row.ref = nullUUID(p.Ref.ID)
		}
	}

	v, err := marshalValue(p.V)
	if err != nil {
		return datomRow{}, err
	}
	row.v = v
	return row, nil
}

// part decodes a row into a wire part; "tx" references stay symbolic.
func (r datomRow) part() (ir.TxPart, error) {
	p := ir.TxPart{A: r.a, Added: r.added}

	if r.eIsTx {
		p.E = ir.TxRef()
	} else {
		id, err := parseNullUUID(r.e)
		if err != nil {
			return ir.TxPart{}, err
		}
		p.E = ir.Stable(id)
	}

	switch {
	case r.refIsTx:
		ref := ir.TxRef()
		p.Ref = &ref
	case r.ref.Valid:
		id, err := parseNullUUID(r.ref)
		if err != nil {
			return ir.TxPart{}, err
		}
		ref := ir.Stable(id)
		p.Ref = &ref
	}

	v, err := unmarshalValue(r.v)
	if err != nil {
		return ir.TxPart{}, err
	}
	p.V = v
	return p, nil
}

// datom decodes a row into a resolved datom, substituting txID for "tx".
func (r datomRow) datom(txID uuid.UUID) (ir.Datom, error) {
	p, err := r.part()
	if err != nil {
		return ir.Datom{}, err
	}
	d := ir.Datom{E: p.E.ID, A: p.A, V: p.V, Added: p.Added}
	if r.eIsTx {
		d.E = txID
	}
	if p.Ref != nil {
		ref := p.Ref.ID
		if r.refIsTx {
			ref = txID
		}
		d.Ref = &ref
	}
	return d, nil
}
