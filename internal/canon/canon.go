// Package canon centralizes the canonical-JSON wire contract this module
// relies on for hashing and deterministic serialization: keys sorted
// lexicographically at every level. encoding/json already sorts the keys of
// any map[string]interface{} (and of nested maps of the same shape) when
// marshaling, so every component represents its on-disk and hashed values as
// map[string]interface{} rather than structs, and canonical form falls out of
// the standard marshaler rather than requiring a bespoke encoder.
package canon

import "encoding/json"

// Marshal returns the compact canonical encoding of v: sorted keys at every
// level, no surrounding whitespace. This is the form hashed for audit records
// and idempotency fingerprints.
func Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// MarshalIndent returns the canonical encoding of v with two-space
// indentation, sorted keys at every level — the on-disk form of resilient
// store envelopes.
func MarshalIndent(v interface{}) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

// Without returns a shallow copy of m with the named top-level keys removed.
// Used to derive an audit record's canonical form, which excludes hash/hmac
// at the top level only — nested fields of the same name are untouched
// because this only operates one level deep.
func Without(m map[string]interface{}, keys ...string) map[string]interface{} {
	drop := make(map[string]bool, len(keys))
	for _, k := range keys {
		drop[k] = true
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if drop[k] {
			continue
		}
		out[k] = v
	}
	return out
}
