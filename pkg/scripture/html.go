package scripture

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// HTMLText walks a full HTML document and returns its visible text with
// whitespace collapsed. Script and style elements are skipped. Use it for
// uploaded documents; StripMarkup is enough for short rich-text fragments.
func HTMLText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		switch node.Type {
		case html.TextNode:
			buf.WriteString(node.Data)
			buf.WriteString(" ")
		case html.ElementNode:
			if node.Data == "script" || node.Data == "style" {
				return
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return strings.Join(strings.Fields(buf.String()), " "), nil
}
