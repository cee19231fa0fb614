// Package ir defines the wire model shared by every log backend: fact
// values, transaction parts (chunks), transaction headers, and the content
// addressing rules that make chunk writes idempotent.
//
// This package imports nothing internal. Key constraints:
//   - No float values anywhere; every part has a canonical JSON form
//   - Chunk UUIDs are UUIDv5 over RFC 8785 canonical JSON of the part
//   - All JSON tags use snake_case
//   - The empty head is uuid.Nil
package ir
