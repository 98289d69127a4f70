package security

import "strings"

// disposableDomains are rejected by the demo gate so the per-email quota
// cannot be reset with throwaway inboxes. The demo gate reports these as
// invalid_email_domain; the client-side format check never consults this
// list (server authority).
var disposableDomains = map[string]struct{}{
	"mailinator.com":    {},
	"guerrillamail.com": {},
	"10minutemail.com":  {},
	"tempmail.com":      {},
	"throwawaymail.com": {},
	"yopmail.com":       {},
}

// ValidateEmailFormat applies an RFC-light shape check: exactly one '@',
// at least one '.' somewhere after it, and no whitespace. Full RFC 5322
// validation buys nothing here; delivery is never attempted.
func ValidateEmailFormat(email string) bool {
	if email == "" || strings.ContainsAny(email, " \t\n\r") {
		return false
	}
	at := strings.Index(email, "@")
	if at <= 0 || at != strings.LastIndex(email, "@") || at == len(email)-1 {
		return false
	}
	return strings.Contains(email[at+1:], ".")
}

// ValidateEmailDomain reports whether the email's domain is acceptable for
// the demo quota. Assumes the format check already passed.
func ValidateEmailDomain(email string) bool {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(email[at+1:])
	_, blocked := disposableDomains[domain]
	return !blocked
}
