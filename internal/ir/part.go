package ir

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// EmptyHead is the head of a log that holds no transactions yet, and the
// parent of the first transaction in every chain.
var EmptyHead = uuid.Nil

const (
	// AttrTxInstant is the metadata attribute carrying a transaction's
	// wall-clock instant, in microseconds since the Unix epoch.
	AttrTxInstant = ":db/txInstant"

	// TxTempID names the enclosing transaction. It always resolves to the
	// transaction's own UUID.
	TxTempID = "tx"
)

// EntityRef names an entity either by its stable identifier or by a
// temporary identifier scoped to one transaction.
//
// JSON form: a stable reference is its canonical UUID string; a temporary
// reference is {"tempid": "<name>"}.
type EntityRef struct {
	ID     uuid.UUID
	TempID string
}

// Stable returns a reference to an entity with a known stable identifier.
func Stable(id uuid.UUID) EntityRef {
	return EntityRef{ID: id}
}

// Temp returns a reference to a temporary identifier.
func Temp(name string) EntityRef {
	return EntityRef{TempID: name}
}

// TxRef refers to the enclosing transaction.
func TxRef() EntityRef {
	return Temp(TxTempID)
}

// IsTemp reports whether the reference still needs resolving.
func (r EntityRef) IsTemp() bool {
	return r.TempID != ""
}

func (r EntityRef) String() string {
	if r.IsTemp() {
		return "tempid:" + r.TempID
	}
	return r.ID.String()
}

func (r EntityRef) canonical() Value {
	if r.IsTemp() {
		return Object{"tempid": String(r.TempID)}
	}
	return String(r.ID.String())
}

// MarshalJSON implements json.Marshaler.
func (r EntityRef) MarshalJSON() ([]byte, error) {
	if r.IsTemp() {
		return json.Marshal(map[string]string{"tempid": r.TempID})
	}
	return json.Marshal(r.ID.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *EntityRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var t struct {
			TempID string `json:"tempid"`
		}
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		if t.TempID == "" {
			return errors.New("entity ref: empty tempid")
		}
		*r = Temp(t.TempID)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("entity ref: %w", err)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("entity ref %q: %w", s, err)
	}
	*r = Stable(id)
	return nil
}

// TxPart is one fact of a transaction as it travels on the wire: one chunk.
// Exactly one of V (a scalar or structured value) and Ref (a reference to
// another entity) is set. Parts are immutable once built.
type TxPart struct {
	E     EntityRef
	A     string
	V     Value
	Ref   *EntityRef
	Added bool
}

type txPartJSON struct {
	E     EntityRef       `json:"e"`
	A     string          `json:"a"`
	V     json.RawMessage `json:"v,omitempty"`
	Ref   *EntityRef      `json:"ref,omitempty"`
	Added bool            `json:"added"`
}

// MarshalJSON emits the canonical form, so that any two encodings of the
// same part are byte-identical.
func (p TxPart) MarshalJSON() ([]byte, error) {
	return p.Canonical()
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *TxPart) UnmarshalJSON(data []byte) error {
	var raw txPartJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	part := TxPart{E: raw.E, A: raw.A, Ref: raw.Ref, Added: raw.Added}
	if len(raw.V) > 0 {
		v, err := decodeValue(raw.V)
		if err != nil {
			return fmt.Errorf("tx part %s %s: %w", raw.E, raw.A, err)
		}
		part.V = v
	}
	*p = part
	return nil
}

// Canonical returns the RFC 8785 form of the part. These bytes are the
// chunk payload and the input to ChunkID.
func (p TxPart) Canonical() ([]byte, error) {
	obj := Object{
		"e":     p.E.canonical(),
		"a":     String(p.A),
		"added": Bool(p.Added),
	}
	if p.Ref != nil {
		obj["ref"] = p.Ref.canonical()
	}
	if p.V != nil {
		obj["v"] = p.V
	}
	b, err := MarshalCanonical(obj)
	if err != nil {
		return nil, fmt.Errorf("canonical tx part %s %s: %w", p.E, p.A, err)
	}
	return b, nil
}

// Validate checks the structural rules of a part.
func (p TxPart) Validate() error {
	if p.A == "" {
		return errors.New("tx part: empty attribute")
	}
	if p.V == nil && p.Ref == nil {
		return fmt.Errorf("tx part %s %s: neither value nor ref set", p.E, p.A)
	}
	if p.V != nil && p.Ref != nil {
		return fmt.Errorf("tx part %s %s: both value and ref set", p.E, p.A)
	}
	if _, isNull := p.V.(Null); isNull {
		return fmt.Errorf("tx part %s %s: null value", p.E, p.A)
	}
	if !p.E.IsTemp() && p.E.ID == uuid.Nil {
		return fmt.Errorf("tx part %s: nil entity id", p.A)
	}
	return nil
}

// IsMetadata reports whether the part is the transaction-instant fact.
func (p TxPart) IsMetadata() bool {
	return p.A == AttrTxInstant
}

// InstantPart builds the metadata part for a transaction instant.
func InstantPart(micros int64) TxPart {
	return TxPart{E: TxRef(), A: AttrTxInstant, V: Int(micros), Added: true}
}

// Datom is a fact whose references have all been resolved to stable
// identifiers. It is what the local store persists.
type Datom struct {
	E     uuid.UUID
	A     string
	V     Value
	Ref   *uuid.UUID
	Added bool
}

// Tx is a fully hydrated transaction: its UUID and its ordered parts.
type Tx struct {
	UUID  uuid.UUID
	Parts []TxPart
}

// TxHeader is the wire form of a transaction record. Seq is assigned by the
// remote on acceptance and is zero on the way in.
type TxHeader struct {
	ID     uuid.UUID   `json:"id"`
	Parent uuid.UUID   `json:"parent"`
	Chunks []uuid.UUID `json:"chunks"`
	Seq    int64       `json:"seq"`
}

// SameContent reports whether two headers describe the same transaction,
// ignoring the server-assigned seq.
func (h TxHeader) SameContent(o TxHeader) bool {
	if h.ID != o.ID || h.Parent != o.Parent || len(h.Chunks) != len(o.Chunks) {
		return false
	}
	for i := range h.Chunks {
		if h.Chunks[i] != o.Chunks[i] {
			return false
		}
	}
	return true
}
