package imagegen

import "regexp"

var sessionIDPattern = regexp.MustCompile(`^(session-\d+)`)

// NormalizeSessionID reduces a session identifier to its canonical
// timestamped form so "session-1700000000000-abc" and
// "session-1700000000000" match the same artifacts. Identifiers that do
// not carry the timestamp form are returned unchanged.
func NormalizeSessionID(id string) string {
	if match := sessionIDPattern.FindString(id); match != "" {
		return match
	}
	return id
}
