// Package capurn implements cap-URN matching: parse, accepts(instance),
// conforms_to(pattern), specificity, and read-only in/out spec accessors.
// The grammar is flat tag=value pairs (a bare key reads as key=*) with a
// mandatory "cap:" prefix and mandatory "in"/"out" direction tags.
package capurn

import (
	"fmt"
	"sort"
	"strings"
)

const prefix = "cap:"

// Special tag values:
//   - K=v : must have key K with exact value v
//   - K=* : must have key K with any value (presence required)
//   - K=! : must NOT have key K (absence required)
//   - K=? : no constraint on key K
//   - (missing) : same as K=? - no constraint
const (
	wildcardAny     = "*"
	wildcardAbsent  = "!"
	wildcardNoConstraint = "?"
)

// mediaAny is the bare media URN with no tags. As an in/out spec it is a
// wildcard: it accepts any media URN and adds nothing to specificity.
const mediaAny = "media:"

// URN is a parsed cap URN: a required in/out direction pair plus an
// unordered bag of additional tags.
type URN struct {
	in   string
	out  string
	tags map[string]string
	raw  string
}

// Parse parses a cap URN string of the form
// `cap:in=<spec>;out=<spec>;k1=v1;k2=v2`. The "cap:" prefix is mandatory;
// "in" and "out" tags are mandatory. A tag written without "=" (a bare
// key) is read as K=*. Tag order in the input is irrelevant;
// String() always re-renders tags (excluding in/out) in sorted order.
func Parse(s string) (*URN, error) {
	if !strings.HasPrefix(s, prefix) {
		return nil, fmt.Errorf("capurn: missing %q prefix: %q", prefix, s)
	}
	body := strings.TrimPrefix(s, prefix)
	body = strings.TrimSuffix(body, ";")

	tags := make(map[string]string)
	if body != "" {
		for _, part := range strings.Split(body, ";") {
			if part == "" {
				continue
			}
			kv := strings.SplitN(part, "=", 2)
			if len(kv) == 1 {
				// A bare key is a marker tag, read as K=*.
				kv = append(kv, wildcardAny)
			}
			key := strings.ToLower(strings.TrimSpace(kv[0]))
			if key == "" {
				return nil, fmt.Errorf("capurn: empty tag key in %q", s)
			}
			if _, dup := tags[key]; dup {
				return nil, fmt.Errorf("capurn: duplicate tag %q in %q", key, s)
			}
			tags[key] = strings.TrimSpace(kv[1])
		}
	}

	in, ok := tags["in"]
	if !ok || in == "" {
		return nil, fmt.Errorf("capurn: missing required 'in' tag in %q", s)
	}
	out, ok := tags["out"]
	if !ok || out == "" {
		return nil, fmt.Errorf("capurn: missing required 'out' tag in %q", s)
	}
	delete(tags, "in")
	delete(tags, "out")

	return &URN{in: in, out: out, tags: tags, raw: s}, nil
}

// MustParse is Parse but panics on error; useful for package-level constants.
func MustParse(s string) *URN {
	u, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

// InSpec returns the input direction spec.
func (u *URN) InSpec() string { return u.in }

// OutSpec returns the output direction spec.
func (u *URN) OutSpec() string { return u.out }

// String renders the canonical form: in/out first, remaining tags sorted.
func (u *URN) String() string {
	var b strings.Builder
	b.WriteString(prefix)
	fmt.Fprintf(&b, "in=%s;out=%s", u.in, u.out)

	keys := make([]string, 0, len(u.tags))
	for k := range u.tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, ";%s=%s", k, u.tags[k])
	}
	return b.String()
}

// tagMatches applies the wildcard grammar for one tag: does instanceVal
// (absent = "", present = false) satisfy patternVal under patternHasKey?
func tagMatches(patternVal string, patternHasKey bool, instanceVal string, instanceHasKey bool) bool {
	if !patternHasKey || patternVal == wildcardNoConstraint {
		return true
	}
	switch patternVal {
	case wildcardAbsent:
		return !instanceHasKey
	case wildcardAny:
		return instanceHasKey
	default:
		return instanceHasKey && instanceVal == patternVal
	}
}

// Accepts reports whether u, read as a pattern, accepts instance. Direction
// tags (in/out) use the same wildcard grammar as any other tag: a pattern's
// "*"/"?" accepts anything, a literal value must match exactly. In
// addition, a pattern direction of bare "media:" accepts any instance
// direction.
func (u *URN) Accepts(instance *URN) bool {
	if instance == nil {
		return false
	}
	if u.in != mediaAny && !tagMatches(u.in, true, instance.in, true) {
		return false
	}
	if u.out != mediaAny && !tagMatches(u.out, true, instance.out, true) {
		return false
	}
	for k, v := range u.tags {
		iv, ok := instance.tags[k]
		if !tagMatches(v, true, iv, ok) {
			return false
		}
	}
	return true
}

// ConformsTo is the inverse of Accepts: does u, as an instance, satisfy
// pattern?
func (u *URN) ConformsTo(pattern *URN) bool {
	if pattern == nil {
		return false
	}
	return pattern.Accepts(u)
}

// Specificity counts non-wildcard tags; higher is more specific. in/out
// count as tags too. The wildcard forms "*", "?" and "!" score nothing,
// and neither does a bare "media:" direction.
func (u *URN) Specificity() int {
	isWildcard := func(v string) bool {
		return v == wildcardAny || v == wildcardNoConstraint || v == wildcardAbsent
	}
	score := 0
	if !isWildcard(u.in) && u.in != mediaAny {
		score++
	}
	if !isWildcard(u.out) && u.out != mediaAny {
		score++
	}
	for _, v := range u.tags {
		if !isWildcard(v) {
			score++
		}
	}
	return score
}

// Equivalent reports whether two URNs accept each other in both directions
// (used by fabric's preferred_cap matching).
func (u *URN) Equivalent(other *URN) bool {
	if other == nil {
		return false
	}
	return u.Accepts(other) && other.Accepts(u)
}
