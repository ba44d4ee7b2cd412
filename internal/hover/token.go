package hover

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/lexers"
)

// Token is the hover target under the pointer: its text and the rune
// column range it occupies on the line.
type Token struct {
	Text     string
	StartCol int
	EndCol   int // exclusive
}

// TokenAt finds the token covering the given rune column of a line,
// lexing with the language inferred from filename. Whitespace, operators
// and punctuation are not hover targets. Returns ok=false when nothing
// hoverable sits at the position.
func TokenAt(line string, col int, filename string) (Token, bool) {
	if col < 0 || col >= utf8.RuneCountInString(line) {
		return Token{}, false
	}
	lexer := lexers.Match(filename)
	if lexer == nil {
		return fallbackTokenAt(line, col)
	}
	lexer = chroma.Coalesce(lexer)
	it, err := lexer.Tokenise(nil, line)
	if err != nil {
		return fallbackTokenAt(line, col)
	}

	pos := 0
	for tok := it(); tok != chroma.EOF; tok = it() {
		width := utf8.RuneCountInString(tok.Value)
		if col < pos+width {
			if !hoverable(tok) {
				return Token{}, false
			}
			return Token{Text: tok.Value, StartCol: pos, EndCol: pos + width}, true
		}
		pos += width
	}
	return Token{}, false
}

// hoverable filters token types that carry no meaning to hover on.
func hoverable(tok chroma.Token) bool {
	if strings.TrimSpace(tok.Value) == "" {
		return false
	}
	switch {
	case tok.Type.InCategory(chroma.Comment):
		return false
	case tok.Type.InSubCategory(chroma.Operator), tok.Type.InSubCategory(chroma.Punctuation):
		return false
	case tok.Type == chroma.Punctuation || tok.Type == chroma.Operator:
		return false
	}
	return true
}

// fallbackTokenAt extracts an identifier-shaped token when no lexer is
// available for the file.
func fallbackTokenAt(line string, col int) (Token, bool) {
	runes := []rune(line)
	if col >= len(runes) || !identRune(runes[col]) {
		return Token{}, false
	}
	start := col
	for start > 0 && identRune(runes[start-1]) {
		start--
	}
	end := col
	for end < len(runes) && identRune(runes[end]) {
		end++
	}
	return Token{Text: string(runes[start:end]), StartCol: start, EndCol: end}, true
}

func identRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
