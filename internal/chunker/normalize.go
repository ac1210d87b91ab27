package chunker

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const paragraphBreak = "\n\n"

var blankLines = regexp.MustCompile(`\n\s*\n`)

// Normalize applies NFC, strips control and format characters, collapses
// runs of whitespace to one space and blank-line runs to a paragraph break.
func Normalize(text string) string {
	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.Map(func(r rune) rune {
		switch {
		case r == '\n':
			return r
		case r == '\r':
			return '\n'
		case unicode.IsSpace(r):
			return ' '
		case unicode.IsControl(r), unicode.Is(unicode.Cf, r), r == unicode.ReplacementChar:
			return -1
		}
		return r
	}, text)

	var paras []string
	for _, block := range blankLines.Split(text, -1) {
		if p := strings.Join(strings.Fields(block), " "); p != "" {
			paras = append(paras, p)
		}
	}
	return strings.Join(paras, paragraphBreak)
}
