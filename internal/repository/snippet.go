package repository

const snippetRunes = 240

// snippet trims text to a display preview on a rune boundary.
func snippet(text string) string {
	runes := []rune(text)
	if len(runes) <= snippetRunes {
		return text
	}
	return string(runes[:snippetRunes]) + "…"
}
