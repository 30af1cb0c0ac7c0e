// Package value defines the deterministic payload values exchanged by lockstep
// endpoints: action arguments, session metadata and simulation state.
//
// Only strings, integers, booleans, arrays, objects and null exist. Floats are
// rejected at every boundary because two replicas that round a float
// differently stop being replicas.
//
// Two encodings are provided:
//   - Marshal / Parse: plain JSON for the wire, object keys sorted.
//   - MarshalCanonical: RFC 8785 canonical JSON (UTF-16 key order, NFC strings,
//     no HTML escaping) used for state digests.
package value
