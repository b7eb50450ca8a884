package parse

import (
	"fmt"
	"strings"

	edlib "github.com/hbollon/go-edlib"
)

// Error is a structured parse failure for one segment of a name. Errors
// are returned alongside the specifications that did parse; a bad segment
// never poisons its siblings.
type Error struct {
	// Segment is the raw text of the failing segment.
	Segment string
	// Message is the user-facing description, written into errors.txt.
	Message string
	// Suggestion optionally names the closest valid token when the
	// failure was a near-miss (unknown extension).
	Suggestion string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s (did you mean %q?)", e.Message, e.Suggestion)
	}
	return e.Message
}

func newError(segment, format string, args ...interface{}) *Error {
	return &Error{Segment: segment, Message: fmt.Sprintf(format, args...)}
}

// suggest returns the candidate closest to token within two edits, or "".
// Swapping two adjacent letters counts as one edit.
func suggest(token string, candidates []string) string {
	token = strings.ToLower(token)
	best := ""
	bestDist := 3
	for _, c := range candidates {
		d := edlib.OSADamerauLevenshteinDistance(token, c)
		if d > 0 && d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}
