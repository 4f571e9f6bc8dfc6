package protocol

import (
	"regexp"
	"strings"
)

var (
	// Printable ASCII plus newline and tab survive sanitization.
	unprintableRe = regexp.MustCompile(`[^\x20-\x7E\n\t]`)

	mudNameRe  = regexp.MustCompile(`^[A-Za-z0-9_-]{3,32}$`)
	userNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

	whitespaceRe = regexp.MustCompile(`\s+`)
	illegalRe    = regexp.MustCompile(`[^A-Za-z0-9_-]`)
)

// SanitizeMessage strips non-printable bytes, truncates to max and trims
// surrounding whitespace. Empty input stays empty.
func SanitizeMessage(s string, max int) string {
	if s == "" {
		return s
	}
	s = unprintableRe.ReplaceAllString(s, "")
	if len(s) > max {
		s = s[:max]
	}
	return strings.TrimSpace(s)
}

// ValidMudName reports whether name is a legal MUD name.
func ValidMudName(name string) bool {
	return mudNameRe.MatchString(name)
}

// ValidUserName reports whether name is a legal user name.
func ValidUserName(name string) bool {
	return userNameRe.MatchString(name)
}

// ValidChannelName reports whether name is a legal channel name. Channels
// share the user name alphabet.
func ValidChannelName(name string) bool {
	return userNameRe.MatchString(name)
}

// NormalizeMudName maps a display name onto the legal MUD alphabet:
// whitespace runs become single dashes, anything else illegal is dropped.
// The result still needs ValidMudName; normalization cannot rescue names
// that are too short or too long.
func NormalizeMudName(name string) string {
	name = strings.TrimSpace(name)
	name = whitespaceRe.ReplaceAllString(name, "-")
	name = illegalRe.ReplaceAllString(name, "")
	if len(name) > 32 {
		name = name[:32]
	}
	return name
}
