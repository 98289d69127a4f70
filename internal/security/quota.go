package security

// DemoQueryLimit is the per-email cap on anonymous demo questions. The
// server-side counter is the source of truth; these helpers only interpret
// a usage figure that came from the server.
const DemoQueryLimit = 3

// HasRemainingQueries reports whether an email with the given usage count
// may ask another demo question.
func HasRemainingQueries(used int) bool {
	return used < DemoQueryLimit
}

// CalculateRemaining returns how many demo questions remain, never negative.
func CalculateRemaining(used int) int {
	if used >= DemoQueryLimit {
		return 0
	}
	return DemoQueryLimit - used
}
