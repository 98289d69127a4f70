// Package security validates untrusted chat input before it reaches the
// upstream model: question shape, prompt-injection heuristics, email format
// and the demo quota arithmetic.
//
// The injection filter is a first line of defense against common patterns.
// No filter is perfect; sophisticated attacks may bypass substring matching,
// so the system prompt and output handling are hardened independently.
package security

import (
	"strings"
	"unicode/utf8"
)

// MaxQuestionLength is the hard cap on a single question, in characters.
const MaxQuestionLength = 500

// Validation messages returned to the user verbatim.
const (
	msgQuestionRequired = "Question is required"
	msgQuestionTooLong  = "Question must be 500 characters or less"
	msgQuestionBlocked  = "Question contains content that is not allowed"
)

// injectionDenylist holds lower-case substrings associated with prompt
// injection and jailbreak attempts. Matching is substring-based and
// case-insensitive: a trigger embedded in an otherwise ordinary sentence
// still rejects the question.
var injectionDenylist = []string{
	"ignore your",
	"ignore all",
	"ignore previous",
	"disregard your",
	"forget your",
	"system prompt",
	"reveal your",
	"what are your instructions",
	"pretend you",
	"act as",
	"you are now",
	"jailbreak",
	"dan mode",
	"developer mode",
	"bypass",
	"override",
}

// QuestionResult reports whether a candidate question is acceptable.
type QuestionResult struct {
	Valid bool
	// Error is a user-facing message, empty when Valid.
	Error string
}

// ValidateQuestion classifies a candidate user question.
//
// Order matters: the length check runs before the injection check, so an
// over-long question that also contains a denylisted phrase reports the
// length error.
func ValidateQuestion(text string) QuestionResult {
	if strings.TrimSpace(text) == "" {
		return QuestionResult{Error: msgQuestionRequired}
	}
	if utf8.RuneCountInString(text) > MaxQuestionLength {
		return QuestionResult{Error: msgQuestionTooLong}
	}
	if CheckInjection(text) {
		return QuestionResult{Error: msgQuestionBlocked}
	}
	return QuestionResult{Valid: true}
}

// CheckInjection reports whether text contains any denylisted phrase.
// Case-insensitive; embedded occurrences match.
func CheckInjection(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range injectionDenylist {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
