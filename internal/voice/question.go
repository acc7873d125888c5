package voice

import (
	"strings"
	"unicode"
)

// QuestionDetector reports whether an assistant reply asks the user something.
// It decides driving-mode auto re-listen.
type QuestionDetector func(text string) bool

// DefaultQuestionDetector treats a reply as a question when it ends with a question
// mark (ASCII, full-width, or closing a Spanish ¿...? clause), or has a question mark
// followed by more text.
func DefaultQuestionDetector(text string) bool {
	t := strings.TrimRightFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || r == '"' || r == '\'' || r == ')' || r == '»' || r == '”'
	})
	if t == "" {
		return false
	}
	if strings.HasSuffix(t, "?") || strings.HasSuffix(t, "？") {
		return true
	}
	runes := []rune(t)
	for i, r := range runes {
		if (r == '?' || r == '？') && i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
			return true
		}
	}
	return false
}
