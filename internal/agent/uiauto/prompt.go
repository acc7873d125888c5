package uiauto

import (
	"fmt"
	"strings"
)

// MaxRefreshesWithoutProgress bounds consecutive refreshes that show no progress
// before the agent must go home and retry.
const MaxRefreshesWithoutProgress = 3

// Instructions builds the system prompt. It holds rules only; the screen and the
// goal arrive as messages.
func Instructions(hint, language string) string {
	var sb strings.Builder
	sb.WriteString(`You operate a phone on the user's behalf by reading its accessibility tree and acting on it.

Each screen lists elements as: id role "label" [flags] @(x,y).

Rules:
- Use only ids from the most recent screen. After every ui_refresh all earlier ids are invalid; never reuse them.
- Actions do not show their effect. Call ui_refresh after acting to see the new screen.
- Prefer node actions over gestures. Use gesture only when no element fits.
`)
	fmt.Fprintf(&sb, "- If %d refreshes in a row show no progress, press home, then retry from the start once.\n", MaxRefreshesWithoutProgress)
	sb.WriteString(`- Never stop silently. When the goal is done, call finish with status "success". When it cannot be done, call finish with status "failed" and the reason.
- The finish message is read aloud: one or two plain sentences, no ids, coordinates or technical terms.
- If you learned something that would make this task faster next time, put it in finish.hint without ids or personal data.
- Do not ask the user questions. Nobody is watching this run.
`)
	if language != "" && !strings.HasPrefix(language, "en") {
		fmt.Fprintf(&sb, "\nWrite the finish message in the language with code %q.\n", language)
	}
	if hint = strings.TrimSpace(hint); hint != "" {
		sb.WriteString("\nNotes from earlier runs on this app:\n")
		sb.WriteString(hint)
		sb.WriteString("\n")
	}
	return sb.String()
}

// initialMessage carries the goal and the first screen.
func initialMessage(goal string, snap *Snapshot) string {
	return fmt.Sprintf("Goal: %s\n\nCurrent screen:\n%s", strings.TrimSpace(goal), snap.Render())
}
