// Package harness runs end-to-end sync scenarios against a real remote log.
//
// Each scenario gets a fresh in-memory log database served over HTTP, and
// one in-memory local store per replica. Replicas talk to the log through
// the HTTP client and the synchronizer, exactly as the CLI does; the
// harness only records what they do.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	list_limit: 2                  # optional server page size
//	replicas: [alice, bob]
//	steps:
//	  - transact: alice
//	    parts:
//	      - {e: {tempid: alice}, a: ":person/name", v: Alice, added: true}
//	  - sync: alice
//	    expect: {pulled: 0, pushed: 1, chunks: 2}
//	  - sync: bob
//	    mode: push                 # or pull; omit for a full pass
//	    expect: {error: BAD_REMOTE_STATE}
//	  - seed:                      # written straight into the log
//	      id: "5eed0000-0000-4000-8000-000000000001"
//	      parts: [...]
//	assertions:
//	  - type: converged
//	  - type: remote_chain
//	    count: 2
//
// Parts use the wire syntax. A step without an expect clause must succeed.
//
// # Assertion Types
//
//   - converged: replicas hold the remote head, nothing pending, same datoms
//   - remote_chain: the remote chain holds exactly count transactions
//   - datoms: a replica holds exactly count datoms
//   - pending: a replica has exactly count unpushed transactions
//   - fact: a replica holds entity attribute value
//
// # Deterministic Testing
//
// Replica i (1-based, in the order listed) allocates entity ids
// 000000Ex-0000-4000-8000-NNNNNNNNNNNN with x = i, transaction ids
// 0000000i-0000-4000-8000-NNNNNNNNNNNN, and reads instants from its own
// testutil.DeterministicClock. Traces, chunk addresses and chain digests
// are therefore byte-identical across runs, which is what golden files
// (testdata/golden) compare.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/two_replicas_converge.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
