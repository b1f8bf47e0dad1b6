package protocol

import "regexp"

var (
	eventIDRe = regexp.MustCompile(`^[a-z0-9-]{3,32}$`)
	sidRe     = regexp.MustCompile(`^[A-Za-z0-9]{10}$`)
)

// ValidEventID reports whether id matches the event grammar
// (lowercase alphanumeric plus hyphen, 3-32 chars). The same grammar
// applies to pcids.
func ValidEventID(id string) bool { return eventIDRe.MatchString(id) }

// ValidPCID reports whether id matches the pcid grammar.
func ValidPCID(id string) bool { return eventIDRe.MatchString(id) }

// ValidSID reports whether sid is exactly 10 alphanumeric characters.
func ValidSID(sid string) bool { return sidRe.MatchString(sid) }
