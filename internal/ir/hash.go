package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for digests. The version suffix allows a future
// algorithm change without silently colliding with old digests.
const (
	DomainHeader = "factsync/header/v1"
	DomainChain  = "factsync/chain/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func headerObject(h TxHeader) Object {
	chunks := make(Array, len(h.Chunks))
	for i, c := range h.Chunks {
		chunks[i] = String(c.String())
	}
	return Object{
		"id":     String(h.ID.String()),
		"parent": String(h.Parent.String()),
		"chunks": chunks,
	}
}

// HeaderDigest fingerprints a transaction header. Seq is excluded: two
// replicas that hold the same transaction agree on its digest even when
// their remotes numbered it differently.
func HeaderDigest(h TxHeader) (string, error) {
	canonical, err := MarshalCanonical(headerObject(h))
	if err != nil {
		return "", fmt.Errorf("header digest: %w", err)
	}
	return hashWithDomain(DomainHeader, canonical), nil
}

// ChainDigest fingerprints an ordered run of headers. Two logs with equal
// chain digests hold the same transactions in the same order.
func ChainDigest(headers []TxHeader) (string, error) {
	arr := make(Array, len(headers))
	for i, h := range headers {
		arr[i] = headerObject(h)
	}
	canonical, err := MarshalCanonical(arr)
	if err != nil {
		return "", fmt.Errorf("chain digest: %w", err)
	}
	return hashWithDomain(DomainChain, canonical), nil
}
