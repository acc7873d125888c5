package voice

import (
	"fmt"
	"strings"
)

// Instructions builds the system prompt for interactive turns. Replies are read
// aloud, so the rules favour short spoken sentences.
func Instructions(language string, driving bool) string {
	var sb strings.Builder
	sb.WriteString(`You are a voice assistant. Everything you reply is read aloud.

Rules:
- Answer in one to three short sentences. No lists, markdown, links or code.
- Use tools when they help. Tool results are not shown to the user; say what matters.
- Work that takes a while runs in the background and is announced later. Say you are on it and stop.
- When you need something from the user, end your reply with a question.
`)
	if driving {
		sb.WriteString("- The user is driving. Keep it brief and never ask them to look at the screen.\n")
	}
	if language != "" && !strings.HasPrefix(language, "en") {
		fmt.Fprintf(&sb, "\nReply in the language with code %q.\n", language)
	}
	return sb.String()
}
