package store

import (
	"github.com/google/uuid"

	"github.com/roach88/factsync/internal/ir"
)

// Transaction origins.
const (
	OriginLocal  = "local"
	OriginRemote = "remote"
)

// LocalTx is a transaction committed on this replica. UUID is uuid.Nil
// until the transaction is assigned one at push time. Parts are stable
// except for references to "tx".
type LocalTx struct {
	Seq     int64
	UUID    uuid.UUID
	Instant int64
	Parts   []ir.TxPart
}

// ApplyRequest is one pulled transaction, fully resolved.
type ApplyRequest struct {
	TxID    uuid.UUID
	Instant int64
	Datoms  []ir.Datom
}

// ApplyReport confirms what Apply committed.
type ApplyReport struct {
	TxID   uuid.UUID
	Seq    int64
	Datoms int

	// Existing is true when the transaction was already present and
	// nothing was written.
	Existing bool
}

// TxInfo summarizes one stored transaction.
type TxInfo struct {
	Seq     int64     `json:"seq"`
	UUID    uuid.UUID `json:"uuid"`
	Instant int64     `json:"instant"`
	Origin  string    `json:"origin"`
	Pushed  bool      `json:"pushed"`
	Datoms  int       `json:"datoms"`
}
