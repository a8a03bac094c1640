// Package topics holds the MQTT topic helpers shared by the transport
// dispatcher and the topic resolver.
package topics

import "strings"

const (
	wildcardSingle = "+"
	wildcardMulti  = "#"
)

// Normalize canonicalizes a topic for cache keys and matching.
func Normalize(topic string) string {
	return strings.ToLower(strings.TrimSpace(strings.Trim(topic, "/")))
}

// Match reports whether a concrete topic matches a subscription
// pattern. '+' matches exactly one segment, '#' matches all remaining
// segments. A '#' with no remaining topic segments still matches the
// parent level, per the MQTT spec.
func Match(pattern, topic string) bool {
	patternParts := strings.Split(pattern, "/")
	topicParts := strings.Split(topic, "/")

	for i, p := range patternParts {
		if p == wildcardMulti {
			return true
		}
		if i >= len(topicParts) {
			return false
		}
		if p != wildcardSingle && p != topicParts[i] {
			return false
		}
	}
	return len(topicParts) == len(patternParts)
}

// HasWildcard reports whether the pattern contains any MQTT wildcard.
func HasWildcard(pattern string) bool {
	return strings.Contains(pattern, wildcardSingle) || strings.Contains(pattern, wildcardMulti)
}

// Segments splits a topic into its levels.
func Segments(topic string) []string {
	return strings.Split(topic, "/")
}
