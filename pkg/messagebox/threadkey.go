package messagebox

import (
	"strconv"
	"strings"
)

// rootThreadKey builds the thread key for a top-level message: "<created>|".
func rootThreadKey(created int64) string {
	return strconv.FormatInt(created, 10) + "|"
}

// childThreadKey builds the thread key for a reply, given its parent's
// thread key and the reply's created timestamp:
// "<parentThreadKey-without-trailing-pipe>#<created>|" (spec §4.2).
func childThreadKey(parentThreadKey string, created int64) string {
	withoutPipe := strings.TrimSuffix(parentThreadKey, "|")
	return withoutPipe + "#" + strconv.FormatInt(created, 10) + "|"
}

// level returns the nesting depth of a thread key: the count of '#'
// separators (spec §3 — "level = count('#') in threadKey").
func level(threadKey string) int {
	return strings.Count(threadKey, "#")
}

// replyToFromThreadKey extracts the immediate parent's created timestamp
// from a thread key — the second-to-last timestamp in the hierarchy — or
// returns (0, false) for a root message.
func replyToFromThreadKey(threadKey string) (int64, bool) {
	trimmed := strings.TrimSuffix(threadKey, "|")
	parts := strings.Split(trimmed, "#")
	if len(parts) < 2 {
		return 0, false
	}
	parent := parts[len(parts)-2]
	ts, err := strconv.ParseInt(parent, 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

// rootCreatedFromThreadKey returns the created timestamp of the thread's
// root message: the first "#"-separated segment of threadKey.
func rootCreatedFromThreadKey(threadKey string) (int64, bool) {
	trimmed := strings.TrimSuffix(threadKey, "|")
	parts := strings.SplitN(trimmed, "#", 2)
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}
