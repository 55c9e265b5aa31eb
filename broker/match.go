package broker

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// FilterToGlob translates an MQTT topic filter into a doublestar glob:
// `+` matches exactly one level, `#` matches any remaining levels.
// Glob metacharacters inside literal segments are escaped so device ids
// never act as wildcards.
func FilterToGlob(filter string) string {
	segs := strings.Split(filter, "/")
	for i, seg := range segs {
		switch seg {
		case "+":
			segs[i] = "*"
		case "#":
			segs[i] = "**"
		default:
			segs[i] = escapeSegment(seg)
		}
	}
	return strings.Join(segs, "/")
}

// MatchFilter reports whether an MQTT topic filter matches a concrete topic.
// Per the MQTT wildcard rules, `a/#` also matches the parent `a`.
func MatchFilter(filter, topic string) bool {
	if filter == topic || filter == "#" {
		return true
	}
	if parent, ok := strings.CutSuffix(filter, "/#"); ok && parent == topic {
		return true
	}
	ok, err := doublestar.Match(FilterToGlob(filter), topic)
	return err == nil && ok
}

func escapeSegment(seg string) string {
	if !strings.ContainsAny(seg, `*?[]{}\`) {
		return seg
	}
	var b strings.Builder
	for _, r := range seg {
		switch r {
		case '*', '?', '[', ']', '{', '}', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
