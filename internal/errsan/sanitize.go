package errsan

import (
	"regexp"
	"strings"
	"time"
)

// Result is the output of Sanitize: everything safe to hand to a caller or
// place on the wire in the error envelope described in spec.md §6.
type Result struct {
	Code        string    `json:"code"`
	Category    Category  `json:"category"`
	Message     string    `json:"-"` // sanitised technical message; operators only
	UserMessage string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	RequestID   string    `json:"requestId,omitempty"`
}

// technicalTermPattern flags a redacted message as still too technical to
// show a user verbatim, per spec.md §4.2 step 5.
var technicalTermPattern = regexp.MustCompile(`(?i)\b(stack|trace|exception|pointer|heap|buffer|overflow)\b`)

const validationPassthroughMaxLen = 200

// Sanitize classifies and redacts an arbitrary error-bearing value and
// assigns the user-facing message, per spec.md §4.2 steps 1-5.
func Sanitize(errLike any, requestID string) Result {
	return sanitize(errLike, requestID)
}

// SanitizeForLogging returns the same user-facing Result plus the fuller
// redacted-but-not-replaced-by-canned-text message, for operator-facing
// logs (spec.md §4.2: "sanitizeForLogging variant returns both the
// user-facing record and the redacted-but-fuller message for sink-side
// logs").
func SanitizeForLogging(errLike any, requestID string) (Result, string) {
	res := sanitize(errLike, requestID)
	raw := Extract(errLike)
	fuller := Redact(raw)
	return res, fuller
}

func sanitize(errLike any, requestID string) Result {
	raw := Extract(errLike)
	category := Classify(raw)
	code := RefineCode(category, raw)
	redacted := Redact(raw)

	userMsg := UserMessageForCode(code)
	if category == CategoryValidation && validationPassthrough(redacted) {
		userMsg = redacted
	}

	return Result{
		Code:        code,
		Category:    category,
		Message:     redacted,
		UserMessage: userMsg,
		Timestamp:   time.Now().UTC(),
		RequestID:   requestID,
	}
}

// validationPassthrough implements spec.md §4.2 step 5's condition for
// letting a validation message through verbatim instead of the canned
// table entry: short, no remaining sensitive patterns, no technical terms.
func validationPassthrough(redacted string) bool {
	if len(redacted) == 0 || len(redacted) > validationPassthroughMaxLen {
		return false
	}
	if ContainsSensitive(redacted) {
		return false
	}
	if technicalTermPattern.MatchString(redacted) {
		return false
	}
	return true
}

// IsUnknownErrorCode reports whether a Result's code is the synthesised
// "UNKNOWN_ERROR" placeholder, useful for callers asserting
// the null/undefined/empty invariant in spec.md §8.
func IsUnknownErrorCode(code string) bool {
	return code == "UNKNOWN_ERROR"
}

// NormalizeWhitespace is exported for callers composing their own log
// lines from a Result's technical Message alongside other context.
func NormalizeWhitespace(s string) string {
	return strings.TrimSpace(whitespaceCollapse.ReplaceAllString(s, " "))
}
