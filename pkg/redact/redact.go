// Package redact scrubs secret-shaped substrings and sensitive header keys
// from values before they are persisted or logged. It is applied uniformly
// ahead of every durable write and log line in this module; no other package
// writes raw caller-supplied strings to disk or to the logger.
package redact

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
)

// Rule is a single named redaction rule: a compiled matcher and the fixed
// replacement token substituted for every match.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Token   string
}

// headerNames redact to [REDACTED:header] regardless of content, independent
// of the regex rule list below. Matching is case-insensitive.
var headerNames = map[string]struct{}{
	"authorization":       {},
	"cookie":              {},
	"set-cookie":          {},
	"x-api-key":           {},
	"x-github-token":      {},
	"x-auth-token":        {},
	"proxy-authorization": {},
}

// builtinPatterns are ordered most-specific first, generic last: provider
// token shapes and key headers before the catch-all key=/token= assignment
// pattern, so a more specific token is never masked by the generic rule
// matching a substring of it.
var builtinPatterns = []Rule{
	{Name: "aws-access-key", Pattern: regexp.MustCompile(`\b((?:AKIA|ABIA|ACCA|ASIA)[0-9A-Z]{16})\b`)},
	{Name: "private-key", Pattern: regexp.MustCompile(`-----BEGIN [A-Z ]+ PRIVATE KEY-----[\s\S]*?-----END [A-Z ]+ PRIVATE KEY-----`)},
	{Name: "github-token", Pattern: regexp.MustCompile(`gh[pousr]_[A-Za-z0-9_]{36,255}`)},
	{Name: "slack-token", Pattern: regexp.MustCompile(`xox[baprs]-[0-9a-zA-Z-]{10,72}`)},
	{Name: "opaque-token", Pattern: regexp.MustCompile(`\b(?:sk|pk|tok|tk)[-_][A-Za-z0-9]{32,}\b`)},
	{Name: "bearer", Pattern: regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]{8,}`)},
	{Name: "url-credential", Pattern: regexp.MustCompile(`(?i)\b(?:key|token|secret|password|pass|apikey)=[^&\s"']+`)},
}

// Redactor holds an ordered, immutable rule set and redacts strings, arbitrary
// tree-shaped values, and errors against it. A Redactor is safe for
// concurrent use; all fields are read-only after New.
type Redactor struct {
	rules []Rule
}

// maxDepth bounds RedactAny's tree walk per the depth-limit contract.
const maxDepth = 10

// New compiles the built-in rule set followed by any caller-supplied rules.
// User rules apply after built-ins, so a built-in match always wins over a
// user pattern matching the same substring.
func New(extra ...Rule) (*Redactor, error) {
	rules := make([]Rule, 0, len(builtinPatterns)+len(extra))
	for _, r := range builtinPatterns {
		r.Token = fmt.Sprintf("[REDACTED:%s]", r.Name)
		rules = append(rules, r)
	}
	for _, r := range extra {
		if r.Pattern == nil {
			return nil, fmt.Errorf("redact: rule %q has nil pattern", r.Name)
		}
		if r.Token == "" {
			r.Token = fmt.Sprintf("[REDACTED:%s]", r.Name)
		}
		rules = append(rules, r)
	}
	return &Redactor{rules: rules}, nil
}

// Redact replaces every match of the ordered rule set in s with its rule's
// token. Idempotent: Redact(Redact(s)) == Redact(s). Tokens are of the form
// [REDACTED:name], which none of the built-in or reasonable user patterns
// re-match, so a second pass is a no-op.
func (r *Redactor) Redact(s string) string {
	out := s
	for _, rule := range r.rules {
		out = rule.Pattern.ReplaceAllString(out, rule.Token)
	}
	return out
}

// RedactAny walks an arbitrary tree-shaped value (map, ordered sequence,
// primitive, error-like) up to maxDepth, detecting cycles and marking them
// [CIRCULAR]; at the depth bound it emits [DEPTH_LIMIT_EXCEEDED]. Supported
// container shapes are map[string]interface{} and []interface{}, the two
// forms produced by encoding/json and by typical caller-assembled payloads.
func (r *Redactor) RedactAny(v interface{}) interface{} {
	return r.walk(v, 0, map[uintptr]bool{})
}

func (r *Redactor) walk(v interface{}, depth int, seen map[uintptr]bool) interface{} {
	if depth > maxDepth {
		return "[DEPTH_LIMIT_EXCEEDED]"
	}

	switch t := v.(type) {
	case string:
		return r.Redact(t)
	case *redactedError:
		return r.RedactError(t)
	case error:
		return r.RedactError(t)
	case map[string]interface{}:
		ptr := reflect.ValueOf(t).Pointer()
		if ptr != 0 {
			if seen[ptr] {
				return "[CIRCULAR]"
			}
			seen = markSeen(seen, ptr)
		}
		out := make(map[string]interface{}, len(t))
		for _, k := range SortedKeys(t) {
			if isHeaderName(k) {
				out[k] = "[REDACTED:header]"
				continue
			}
			out[k] = r.walk(t[k], depth+1, seen)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = r.walk(val, depth+1, seen)
		}
		return out
	default:
		return v
	}
}

func markSeen(seen map[uintptr]bool, ptr uintptr) map[uintptr]bool {
	next := make(map[uintptr]bool, len(seen)+1)
	for k, v := range seen {
		next[k] = v
	}
	next[ptr] = true
	return next
}

// isHeaderName reports whether name is a sensitive header key, matched
// case-insensitively, independent of its value's shape or content.
func isHeaderName(name string) bool {
	_, ok := headerNames[strings.ToLower(name)]
	return ok
}

// RedactError redacts an error's message and recurses into its cause chain
// (via errors.Unwrap), preserving the error's position in that chain while
// replacing its concrete type with an equivalent linked error kind — the
// host-neutral analog of redacting a `cause` chain explicitly rather than
// relying on exception internals.
func (r *Redactor) RedactError(err error) error {
	if err == nil {
		return nil
	}
	return &redactedError{
		msg:   r.Redact(err.Error()),
		cause: r.unwrapRedacted(err),
	}
}

func (r *Redactor) unwrapRedacted(err error) error {
	type unwrapper interface{ Unwrap() error }
	u, ok := err.(unwrapper)
	if !ok {
		return nil
	}
	inner := u.Unwrap()
	if inner == nil {
		return nil
	}
	return r.RedactError(inner)
}

// redactedError is the explicit linked error kind this module uses in place
// of an exception's native cause chain: an error carrying an optional inner
// error of the same kind, produced only by RedactError.
type redactedError struct {
	msg   string
	cause error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.cause }

// SortedKeys returns a map's keys in lexicographic order. Exported for
// packages that need the same key-ordering discipline for canonical JSON
// (audit records, resilient-store envelopes, idempotency keys) without
// re-deriving the sort themselves.
func SortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
