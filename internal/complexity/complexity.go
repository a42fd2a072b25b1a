// Package complexity classifies a user utterance into a coarse effort level.
// The level decides how much stored context is worth injecting into the next
// request; it never gates what the model is allowed to do.
package complexity

import "strings"

// Level is the classifier verdict.
type Level string

const (
	Simple   Level = "simple"
	Moderate Level = "moderate"
	Complex  Level = "complex"
)

// ackPhrases match whole utterances (after trimming trailing punctuation)
// that are greetings, acknowledgements, or bare yes/no answers.
var ackPhrases = []string{
	"hi", "hello", "hey", "good morning", "good evening",
	"thanks", "thank you", "thanks a lot", "thank you so much",
	"ok", "okay", "yes", "no", "yep", "nope", "sure", "got it",
	"sounds good", "sounds good to me", "looks good", "looks good to me",
	"lgtm", "great", "cool", "perfect", "nice",
}

// complexKeywords flag requests about architecture, scale, security, or
// infrastructure. Substring match against the lowercased utterance.
var complexKeywords = []string{
	"architecture", "architect", "redesign", "refactor",
	"migration", "migrate", "distributed", "scalability", "scale to",
	"high availability", "load balancing", "sharding", "replication",
	"security", "vulnerability", "authentication", "authorization",
	"encryption", "threat model",
	"infrastructure", "kubernetes", "terraform", "deployment pipeline",
	"ci/cd", "observability", "benchmark", "performance profile",
	"concurrency", "race condition", "deadlock",
}

// Classify maps an utterance and the current conversation length to a Level.
// It is pure: the same inputs always produce the same verdict.
func Classify(utterance string, historyLength int) Level {
	text := strings.ToLower(strings.TrimSpace(utterance))
	words := len(strings.Fields(text))

	if words <= 3 || isAck(text) || strings.HasPrefix(text, "/") {
		return Simple
	}
	if hasComplexKeyword(text) || words > 50 || historyLength > 30 {
		return Complex
	}
	return Moderate
}

func isAck(text string) bool {
	trimmed := strings.TrimRight(text, "!.?, ")
	for _, phrase := range ackPhrases {
		if trimmed == phrase {
			return true
		}
	}
	return false
}

func hasComplexKeyword(text string) bool {
	for _, keyword := range complexKeywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}
