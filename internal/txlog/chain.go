package txlog

import (
	"context"
	"slices"

	"github.com/google/uuid"

	"github.com/roach88/factsync/internal/ir"
)

// LookupFunc fetches one header. A missing header is (zero, false, nil);
// a non-nil error aborts the walk.
type LookupFunc func(id uuid.UUID) (ir.TxHeader, bool, error)

// WalkChain returns the headers strictly after from on the chain ending at
// head, in ascending causal order. Only head-reachable transactions are
// listed, so headers stored without a following head update stay invisible.
//
// Fails with BadRemoteState when from is unknown, when head names a
// transaction that does not exist, or when from is not an ancestor of head.
func WalkChain(head, from uuid.UUID, lookup LookupFunc) ([]ir.TxHeader, error) {
	if from != ir.EmptyHead {
		_, ok, err := lookup(from)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, NewBadRemoteState("unknown transaction %s", from)
		}
	}

	var chain []ir.TxHeader
	seen := make(map[uuid.UUID]bool)
	for cur := head; cur != from; {
		if cur == ir.EmptyHead {
			return nil, NewBadRemoteState("transaction %s is not an ancestor of head %s", from, head)
		}
		if seen[cur] {
			return nil, NewBadRemoteState("parent cycle at transaction %s", cur)
		}
		seen[cur] = true

		h, ok, err := lookup(cur)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, NewBadRemoteState("head chain references unknown transaction %s", cur)
		}
		chain = append(chain, h)
		cur = h.Parent
	}
	slices.Reverse(chain)

	if err := VerifyChain(from, chain); err != nil {
		return nil, err
	}
	return chain, nil
}

// VerifyChain checks causal order: the first header's parent is from, each
// later header's parent is its predecessor, and seq strictly increases.
func VerifyChain(from uuid.UUID, headers []ir.TxHeader) error {
	prev := from
	for i, h := range headers {
		if h.Parent != prev {
			return NewBadRemoteState("transaction %s has parent %s, expected %s", h.ID, h.Parent, prev)
		}
		if i > 0 && h.Seq <= headers[i-1].Seq {
			return NewBadRemoteState("transaction %s has seq %d after seq %d", h.ID, h.Seq, headers[i-1].Seq)
		}
		prev = h.ID
	}
	return nil
}

// Hydrate fetches every chunk of every header, in order, and returns the
// fully materialized transactions. The first failed fetch aborts.
func Hydrate(ctx context.Context, headers []ir.TxHeader, fetch func(context.Context, uuid.UUID) (ir.TxPart, error)) ([]ir.Tx, error) {
	txs := make([]ir.Tx, 0, len(headers))
	for _, h := range headers {
		parts := make([]ir.TxPart, 0, len(h.Chunks))
		for _, c := range h.Chunks {
			if err := ctx.Err(); err != nil {
				return nil, NewNetworkError("hydrate "+h.ID.String(), err)
			}
			p, err := fetch(ctx, c)
			if err != nil {
				return nil, err
			}
			parts = append(parts, p)
		}
		txs = append(txs, ir.Tx{UUID: h.ID, Parts: parts})
	}
	return txs, nil
}
