// Package normalize maps raw provider calendar payloads into the canonical
// event form. Normalizers are pure: no I/O, same input same output. Each
// provider gets its own RawEvent implementation; there is no runtime branching
// on payload shape.
package normalize

import (
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

const (
	// DescriptionCap bounds stored description bytes. Longer text is cut and
	// marked so consumers can tell truncation from short input.
	DescriptionCap   = 8 * 1024
	truncationMarker = "… [truncated]"
	maxAttendees     = 200

	// DebriefPropertyKey tags system-generated debrief events inside the
	// provider's extended-property namespace. Tagged events get the longer
	// retention window.
	DebriefPropertyKey = "calsync.debrief"

	eventRetention   = 180 * 24 * time.Hour
	debriefRetention = 365 * 24 * time.Hour
)

// truncateDescription enforces DescriptionCap, appending the marker when text
// was cut. The cut lands on a rune boundary.
func truncateDescription(s string) string {
	if len(s) <= DescriptionCap {
		return s
	}
	cut := DescriptionCap - len(truncationMarker)
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// displayName falls back to the local part of the email when the provider
// supplied no display name.
func displayName(name, email string) string {
	if name != "" {
		return name
	}
	if at := strings.IndexByte(email, '@'); at > 0 {
		return email[:at]
	}
	return email
}

// canonicalRule normalizes an RRULE string through rrule-go so equivalent
// rules compare equal. An unparseable rule is carried verbatim; recurrence
// detection never depends on rule text, so this is cosmetic.
func canonicalRule(rule string) string {
	if rule == "" {
		return ""
	}
	trimmed := strings.TrimPrefix(rule, "RRULE:")
	r, err := rrule.StrToRRule(trimmed)
	if err != nil {
		return rule
	}
	return r.String()
}

// retentionExpiry computes the physical TTL: 180 days past the event's end,
// 365 for tagged debrief events.
func retentionExpiry(end time.Time, debrief bool) time.Time {
	if debrief {
		return end.Add(debriefRetention)
	}
	return end.Add(eventRetention)
}

// midnightUTC synthesizes the instant for an all-day date.
func midnightUTC(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
