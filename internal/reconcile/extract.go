package reconcile

import (
	"strings"
	"unicode/utf8"
)

const maxFragmentLength = 1000

// Fragment is a bracketed piece of text found in a document. Line is 1-based; Offset is the
// 0-based rune column of the opening bracket.
type Fragment struct {
	Line   int    `json:"line"`
	Offset int    `json:"offset"`
	Text   string `json:"text"`
}

// Extract returns every task fragment of text in document order. Escaped brackets, markdown link
// labels, wiki links and checkbox markers are not fragments, and a fragment never spans lines.
func Extract(text string) []Fragment {
	var fragments []Fragment
	for index, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		fragments = append(fragments, extractLine(index+1, []rune(line))...)
	}
	return fragments
}

func extractLine(lineNumber int, runes []rune) []Fragment {
	var fragments []Fragment
	for cursor := 0; cursor < len(runes); cursor++ {
		if runes[cursor] != '[' || escaped(runes, cursor) {
			continue
		}
		if cursor+1 < len(runes) && runes[cursor+1] == '[' {
			cursor = skipWikiLink(runes, cursor)
			continue
		}
		end := closingBracket(runes, cursor+1)
		if end < 0 {
			break
		}
		if runes[end] == '[' {
			cursor = end - 1
			continue
		}
		open := cursor
		cursor = end
		if end+1 < len(runes) && runes[end+1] == '(' {
			continue
		}
		body := strings.TrimSpace(string(runes[open+1 : end]))
		if body == "" || isCheckbox(body) || utf8.RuneCountInString(body) > maxFragmentLength {
			continue
		}
		fragments = append(fragments, Fragment{Line: lineNumber, Offset: open, Text: body})
	}
	return fragments
}

// closingBracket returns the index of the unescaped ']' closing a fragment, the index of a nested
// unescaped '[' that restarts the scan, or -1.
func closingBracket(runes []rune, from int) int {
	for index := from; index < len(runes); index++ {
		switch runes[index] {
		case ']', '[':
			if !escaped(runes, index) {
				return index
			}
		}
	}
	return -1
}

// skipWikiLink returns the index of the closing "]]" of the wiki link opened at start. An unclosed
// "[[" returns start so scanning resumes at the next rune.
func skipWikiLink(runes []rune, start int) int {
	for index := start + 2; index+1 < len(runes); index++ {
		if runes[index] == ']' && runes[index+1] == ']' {
			return index + 1
		}
	}
	return start
}

// escaped reports whether the rune at index is preceded by an odd number of backslashes.
func escaped(runes []rune, index int) bool {
	count := 0
	for cursor := index - 1; cursor >= 0 && runes[cursor] == '\\'; cursor-- {
		count++
	}
	return count%2 == 1
}

func isCheckbox(body string) bool {
	return body == "x" || body == "X"
}
