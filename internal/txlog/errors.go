package txlog

import (
	"errors"
	"fmt"
)

// Error is the single error type surfaced by logs and the synchronizer.
//
// Every failure of a log or sync operation is an *Error with a Kind, so
// callers can branch on errors.As without knowing which backend failed.
// Causes are kept in Err and reachable through errors.Is/As.
type Error struct {
	// Kind identifies the error category.
	Kind Kind

	// Message is a human-readable description.
	Message string

	// Status is the observed HTTP status line, when one was received.
	Status string

	// StatusCode is the observed HTTP status code, when one was received.
	StatusCode int

	// Body is the observed response body, truncated, for diagnostics.
	Body string

	// Mappings is the number of stable ids a temporary id resolved to
	// (TxIncorrectlyMapped only).
	Mappings int

	// Err is the underlying cause, if any.
	Err error
}

// Kind categorizes sync-layer errors.
type Kind string

const (
	// KindNetwork: the request could not be sent or the response not read.
	KindNetwork Kind = "NETWORK"

	// KindBadRemoteResponse: unexpected HTTP status or unusable body.
	KindBadRemoteResponse Kind = "BAD_REMOTE_RESPONSE"

	// KindBadRemoteState: the log's data is inconsistent with the protocol
	// invariants, or refers to something the log does not know.
	KindBadRemoteState Kind = "BAD_REMOTE_STATE"

	// KindDuplicateMetadata: a singular fact or write-once record was
	// given twice with different content.
	KindDuplicateMetadata Kind = "DUPLICATE_METADATA"

	// KindTxProcessorUnfinished: the local apply step did not confirm
	// completion.
	KindTxProcessorUnfinished Kind = "TX_PROCESSOR_UNFINISHED"

	// KindTxIncorrectlyMapped: a temporary id did not resolve to exactly
	// one stable id.
	KindTxIncorrectlyMapped Kind = "TX_INCORRECTLY_MAPPED"

	// KindSerialization: malformed JSON on either side of the wire.
	KindSerialization Kind = "SERIALIZATION"

	// KindNotYetImplemented marks protocol extensions that do not exist yet.
	KindNotYetImplemented Kind = "NOT_YET_IMPLEMENTED"

	// KindStore wraps a failure of the local store.
	KindStore Kind = "STORE"

	// KindUnexpectedState: an internal invariant of this process broke.
	KindUnexpectedState Kind = "UNEXPECTED_STATE"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Status != "" {
		msg = fmt.Sprintf("%s (status=%q)", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain, or "" if
// there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
// Uses errors.As to handle wrapped errors.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsBadRemoteState returns true if err is a BadRemoteState error.
func IsBadRemoteState(err error) bool {
	return IsKind(err, KindBadRemoteState)
}

// IsNotYetImplemented returns true if err is a NotYetImplemented error.
func IsNotYetImplemented(err error) bool {
	return IsKind(err, KindNotYetImplemented)
}

// NewNetworkError wraps a transport failure.
func NewNetworkError(op string, err error) *Error {
	return &Error{Kind: KindNetwork, Message: op, Err: err}
}

// NewBadRemoteResponse reports an unexpected status or body.
func NewBadRemoteResponse(op, status string, code int, body string) *Error {
	const maxBody = 512
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	return &Error{
		Kind:       KindBadRemoteResponse,
		Message:    op,
		Status:     status,
		StatusCode: code,
		Body:       body,
	}
}

// NewBadRemoteState reports inconsistent or unknown remote data.
func NewBadRemoteState(format string, args ...any) *Error {
	return &Error{Kind: KindBadRemoteState, Message: fmt.Sprintf(format, args...)}
}

// NewDuplicateMetadata reports a duplicated singular fact or a conflicting
// write-once record.
func NewDuplicateMetadata(format string, args ...any) *Error {
	return &Error{Kind: KindDuplicateMetadata, Message: fmt.Sprintf(format, args...)}
}

// NewTxProcessorUnfinished reports an apply that did not confirm completion.
func NewTxProcessorUnfinished(format string, args ...any) *Error {
	return &Error{Kind: KindTxProcessorUnfinished, Message: fmt.Sprintf(format, args...)}
}

// NewTxIncorrectlyMapped reports a temporary id that resolved to n stable
// ids instead of exactly one.
func NewTxIncorrectlyMapped(tempID string, n int) *Error {
	return &Error{
		Kind:     KindTxIncorrectlyMapped,
		Message:  fmt.Sprintf("tempid %q resolved to %d stable ids", tempID, n),
		Mappings: n,
	}
}

// NewSerializationError wraps a JSON encode or decode failure.
func NewSerializationError(op string, err error) *Error {
	return &Error{Kind: KindSerialization, Message: op, Err: err}
}

// NewNotYetImplemented marks an unimplemented operation.
func NewNotYetImplemented(what string) *Error {
	return &Error{Kind: KindNotYetImplemented, Message: what}
}

// NewStoreError wraps a local store failure.
func NewStoreError(op string, err error) *Error {
	return &Error{Kind: KindStore, Message: op, Err: err}
}

// NewUnexpectedState reports a broken internal invariant.
func NewUnexpectedState(format string, args ...any) *Error {
	return &Error{Kind: KindUnexpectedState, Message: fmt.Sprintf(format, args...)}
}
