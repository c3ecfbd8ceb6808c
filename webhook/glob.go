package webhook

import "strings"

// GlobMatch reports whether path satisfies pattern, where pattern is a
// slash-separated list of segments: "*" matches exactly one path segment,
// "**" matches zero or more segments, and any other segment must match
// literally once "%2A"/"%2a" escapes are decoded back to "*". Subscriptions
// register patterns like "/orders/**" and every Append on a matching path
// fires that webhook.
func GlobMatch(pattern, path string) bool {
	return matchSegments(segments(pattern), segments(path))
}

// segments splits a stream path into its non-empty components, ignoring
// leading/trailing slashes. An empty path (root) has zero segments.
func segments(p string) []string {
	trimmed := strings.Trim(p, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// literalEquals compares a pattern segment against a path segment,
// decoding the %2A/%2a escape a client uses to send a literal asterisk
// that would otherwise be read as the "*" wildcard.
func literalEquals(patternSeg, pathSeg string) bool {
	decoded := strings.NewReplacer("%2A", "*", "%2a", "*").Replace(patternSeg)
	return decoded == pathSeg
}

// matchSegments walks pattern and path together. "**" is the only segment
// that can consume a variable number of path segments, so it is the only
// point where this recurses on more than one candidate split.
func matchSegments(pattern, path []string) bool {
	for len(pattern) > 0 {
		head := pattern[0]

		if head == "**" {
			rest := pattern[1:]
			for consumed := 0; consumed <= len(path); consumed++ {
				if matchSegments(rest, path[consumed:]) {
					return true
				}
			}
			return false
		}

		if len(path) == 0 {
			break
		}

		if head != "*" && !literalEquals(head, path[0]) {
			return false
		}

		pattern = pattern[1:]
		path = path[1:]
	}

	// Any pattern left unconsumed must be a run of "**", which is allowed
	// to match nothing; anything else means path ran out too early.
	for len(pattern) > 0 {
		if pattern[0] != "**" {
			return false
		}
		pattern = pattern[1:]
	}
	return len(path) == 0
}
