package model

import "strings"

// CapabilitySet is the set of capabilities held by a caller. Keys look like
// "workflow:approval:notes:private"; a key ending in ":*" covers a namespace
// and "*" covers everything.
type CapabilitySet map[string]bool

// Has returns true if the set contains the exact capability or a wildcard
// that matches it.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// matchWildcard reports whether pattern covers cap. "workflow:approval" does
// not cover "workflow:approval:notes"; "workflow:approval:*" does.
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	prefix := pattern[:len(pattern)-1]
	return strings.HasPrefix(cap, prefix)
}
