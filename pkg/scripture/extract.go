// Package scripture finds and normalizes Bible references in free-form text.
package scripture

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Reference is a single citation. Zero Verse/EndVerse mean absent.
type Reference struct {
	Book     string `json:"book"`
	Chapter  int    `json:"chapter"`
	Verse    int    `json:"verse,omitempty"`
	EndVerse int    `json:"endVerse,omitempty"`
}

// String renders "Book Chapter[:Verse[-EndVerse]]".
func (r Reference) String() string {
	s := fmt.Sprintf("%s %d", r.Book, r.Chapter)
	if r.Verse > 0 {
		s += ":" + strconv.Itoa(r.Verse)
		if r.EndVerse > 0 {
			s += "-" + strconv.Itoa(r.EndVerse)
		}
	}
	return s
}

var (
	referencePattern = regexp.MustCompile(`(?i)\b(` + bookPattern() + `)\.?\s*(\d{1,3})(?:\s*:\s*(\d{1,3})[a-c]?(?:\s*[-–—]\s*(\d{1,3})[a-c]?)?)?\b`)

	tagPattern = regexp.MustCompile(`<[^>]*>`)

	entities = strings.NewReplacer(
		"&nbsp;", " ",
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
	)
)

// StripMarkup removes tags, decodes the common entities and collapses
// whitespace. Decoding can surface new tags or entities ("&amp;lt;"), so the
// pass repeats until the text is stable; the result is therefore a fixed
// point and StripMarkup(StripMarkup(x)) == StripMarkup(x).
func StripMarkup(text string) string {
	for {
		next := tagPattern.ReplaceAllString(text, " ")
		next = entities.Replace(next)
		next = strings.Join(strings.Fields(next), " ")
		if next == text {
			return next
		}
		text = next
	}
}

// Extract returns structured references in order of first appearance,
// de-duplicated by their case-insensitive rendered form.
func Extract(text string) []Reference {
	plain := StripMarkup(text)
	matches := referencePattern.FindAllStringSubmatch(plain, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	refs := make([]Reference, 0, len(matches))
	for _, m := range matches {
		ref := Reference{
			Book:    resolveBook(m[1]),
			Chapter: atoi(m[2]),
		}
		if m[3] != "" {
			ref.Verse = atoi(m[3])
			if m[4] != "" {
				ref.EndVerse = atoi(m[4])
			}
		}
		key := strings.ToLower(ref.String())
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		refs = append(refs, ref)
	}
	return refs
}

// ExtractReferences returns canonical reference strings found in text.
func ExtractReferences(text string) []string {
	refs := Extract(text)
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		out = append(out, ref.String())
	}
	return out
}

// Parse reads a single citation such as "Jn 3:16" or "1 Cor 13".
func Parse(citation string) (Reference, bool) {
	refs := Extract(citation)
	if len(refs) == 0 {
		return Reference{}, false
	}
	return refs[0], true
}

// resolveBook maps a captured token to its canonical name. The pattern only
// admits aliases from the table, so the verbatim branch is not reached today.
func resolveBook(token string) string {
	if name, ok := Normalize(token); ok {
		return name
	}
	return strings.Join(strings.Fields(token), " ")
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
