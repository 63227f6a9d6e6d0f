package adapter

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Split breaks text into chunks of at most limit runes. Chunks end on
// sentence boundaries where possible; a sentence longer than limit is split
// between words, and a word longer than limit between runes. Whitespace at
// split points is dropped.
func Split(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var out []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for _, s := range sentences(text) {
		for _, piece := range fit(s, limit) {
			if utf8.RuneCountInString(strings.TrimSpace(cur.String()+piece)) > limit {
				flush()
			}
			cur.WriteString(piece)
		}
	}
	flush()
	return out
}

// Thread splits text like Split and, when more than one chunk results,
// prefixes each with an "i/n" marker. Every chunk including its marker stays
// within limit.
func Thread(text string, limit int) []string {
	chunks := Split(text, limit)
	if len(chunks) <= 1 {
		return chunks
	}

	// The marker width depends on the chunk count, which depends on the
	// width left for text. Widen until the count fits.
	n := len(chunks)
	for {
		budget := limit - markerLen(n)
		if budget < 1 {
			budget = 1
		}
		chunks = Split(text, budget)
		if markerLen(len(chunks)) <= markerLen(n) {
			break
		}
		n = len(chunks)
	}

	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = fmt.Sprintf("%d/%d\n\n%s", i+1, len(chunks), c)
	}
	return out
}

func markerLen(n int) int {
	return 2*len(strconv.Itoa(n)) + len("/\n\n")
}

func isTerminator(r rune) bool { return r == '.' || r == '!' || r == '?' }

// sentences cuts text after each run of terminators followed by whitespace.
// Each piece keeps its leading whitespace, so the pieces concatenate back to
// text.
func sentences(text string) []string {
	rs := []rune(text)
	var out []string
	start := 0
	for i := 0; i < len(rs); i++ {
		if !isTerminator(rs[i]) {
			continue
		}
		j := i
		for j+1 < len(rs) && isTerminator(rs[j+1]) {
			j++
		}
		if j+1 == len(rs) || unicode.IsSpace(rs[j+1]) {
			out = append(out, string(rs[start:j+1]))
			start = j + 1
		}
		i = j
	}
	if start < len(rs) {
		out = append(out, string(rs[start:]))
	}
	return out
}

// fit returns s unchanged when it fits, otherwise its words each prefixed by
// a space, with words longer than limit cut into limit-rune parts.
func fit(s string, limit int) []string {
	if utf8.RuneCountInString(strings.TrimSpace(s)) <= limit {
		return []string{s}
	}
	var out []string
	for _, w := range strings.Fields(s) {
		rs := []rune(w)
		if len(rs) <= limit {
			out = append(out, " "+w)
			continue
		}
		for i := 0; i < len(rs); i += limit {
			end := min(i+limit, len(rs))
			part := string(rs[i:end])
			if i == 0 {
				part = " " + part
			}
			out = append(out, part)
		}
	}
	return out
}
