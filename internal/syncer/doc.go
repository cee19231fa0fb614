// Package syncer reconciles a local fact store with a transaction log.
//
// A pass runs four phases in order and stops at the first error:
//
//  1. Pull: list every remote transaction after the local head.
//  2. Apply: resolve each one through a fresh remap table and commit it
//     locally, advancing the local head after each commit.
//  3. Collect: read the local transactions not yet pushed.
//  4. Push: upload chunks, then the header, then move the remote head,
//     one transaction at a time.
//
// A failed Apply never reaches Push. After any failure the local head
// names the last transaction fully applied and the remote head names the
// last transaction fully pushed, so the next pass resumes from there.
//
// Concurrent pushers on one namespace are not coordinated: SetHead has no
// compare-and-swap. A pass that finds the remote head moved since its pull
// reports BadRemoteState instead of merging.
package syncer
