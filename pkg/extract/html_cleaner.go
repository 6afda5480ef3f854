package extract

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// cleanHTML renders answer nodes as compact semantic HTML. Presentation
// wrappers are unwrapped, interactive chrome and scripts are dropped, and only
// attributes that carry meaning in the answer are kept. maxLength <= 0 means
// no limit. The second return value reports truncation.
func cleanHTML(nodes []*html.Node, maxLength int) (string, bool) {
	c := &cleaner{maxLength: maxLength}
	for _, n := range nodes {
		if c.cleanNode(n, 0) {
			c.truncated = true
			break
		}
	}
	return strings.TrimSpace(c.builder.String()), c.truncated
}

type cleaner struct {
	builder   strings.Builder
	length    int
	maxLength int
	truncated bool
	pre       int
}

func (c *cleaner) full() bool {
	return c.maxLength > 0 && c.length >= c.maxLength
}

// cleanNode writes n and its subtree. It returns true once the output is full.
func (c *cleaner) cleanNode(n *html.Node, depth int) bool {
	if c.full() {
		return true
	}

	switch n.Type {
	case html.CommentNode, html.DoctypeNode:
		return false
	case html.TextNode:
		return c.processTextNode(n)
	case html.ElementNode:
		tagName := strings.ToLower(n.Data)
		if isSkippedElement(tagName) {
			return false
		}
		if !isKeptElement(tagName) {
			// Unwrap: keep the content, drop the wrapper
			return c.processChildren(n, depth)
		}
		return c.processElementNode(n, tagName, depth)
	}
	return c.processChildren(n, depth)
}

// processTextNode writes escaped text, collapsing whitespace outside <pre>.
func (c *cleaner) processTextNode(n *html.Node) bool {
	text := n.Data
	if c.pre == 0 {
		text = collapseSpace(text)
		if strings.TrimSpace(text) == "" {
			return false
		}
	}

	if c.maxLength > 0 && c.length+len(text) > c.maxLength {
		remaining := c.maxLength - c.length
		text = truncateUTF8(text, remaining) + "..."
		c.builder.WriteString(html.EscapeString(text))
		c.length = c.maxLength
		return true
	}

	c.builder.WriteString(html.EscapeString(text))
	c.length += len(text)
	return false
}

func (c *cleaner) processElementNode(n *html.Node, tagName string, depth int) bool {
	block := isBlockElement(tagName) && c.pre == 0

	if block {
		c.builder.WriteString("\n")
		c.builder.WriteString(strings.Repeat("  ", depth))
	}

	c.builder.WriteString("<")
	c.builder.WriteString(tagName)
	for _, attr := range n.Attr {
		if shouldPreserveAttribute(tagName, attr.Key, attr.Val) {
			fmt.Fprintf(&c.builder, ` %s="%s"`, strings.ToLower(attr.Key), html.EscapeString(attr.Val))
		}
	}
	c.builder.WriteString(">")
	c.length += len(tagName) + 2

	if isVoidElement(tagName) {
		return false
	}

	if tagName == "pre" {
		c.pre++
	}
	truncated := c.processChildren(n, depth+1)
	if tagName == "pre" {
		c.pre--
	}

	if block {
		c.builder.WriteString("\n")
		c.builder.WriteString(strings.Repeat("  ", depth))
	}
	c.builder.WriteString("</")
	c.builder.WriteString(tagName)
	c.builder.WriteString(">")
	c.length += len(tagName) + 3

	return truncated
}

func (c *cleaner) processChildren(n *html.Node, depth int) bool {
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if c.cleanNode(child, depth) {
			return true
		}
	}
	return false
}

var skippedElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"iframe":   true,
	"embed":    true,
	"object":   true,
	"svg":      true,
	"button":   true, // copy/feedback controls
	"input":    true,
	"textarea": true,
	"select":   true,
}

// isSkippedElement returns true for elements removed along with their content.
func isSkippedElement(tagName string) bool {
	return skippedElements[tagName]
}

var keptElements = map[string]bool{
	"p": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"ul": true, "ol": true, "li": true, "dl": true, "dt": true, "dd": true,
	"blockquote": true, "pre": true, "code": true, "hr": true, "br": true,
	"table": true, "thead": true, "tbody": true, "tr": true, "th": true, "td": true,
	"a": true, "img": true, "strong": true, "b": true, "em": true, "i": true,
	"sup": true, "sub": true, "del": true, "s": true,
}

// isKeptElement returns true for elements written to the cleaned output.
// Anything else is unwrapped.
func isKeptElement(tagName string) bool {
	return keptElements[tagName]
}

var blockElements = map[string]bool{
	"p": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"ul": true, "ol": true, "li": true, "dl": true, "dt": true, "dd": true,
	"blockquote": true, "pre": true, "table": true, "thead": true, "tbody": true,
	"tr": true, "th": true, "td": true,
}

// isBlockElement returns true for elements laid out on their own line.
func isBlockElement(tagName string) bool {
	return blockElements[tagName]
}

var voidElements = map[string]bool{
	"br":  true,
	"hr":  true,
	"img": true,
	"wbr": true,
}

// isVoidElement returns true for self-closing elements
func isVoidElement(tagName string) bool {
	return voidElements[tagName]
}

// shouldPreserveAttribute returns true for attributes that carry meaning in
// an answer: link targets, image sources, table spans, list starts and code
// languages. Classes, ids and data-* attributes are presentation noise.
func shouldPreserveAttribute(tagName, attrName, attrVal string) bool {
	attrName = strings.ToLower(attrName)
	switch tagName {
	case "a":
		return attrName == "href" || attrName == "title"
	case "img":
		return attrName == "src" || attrName == "alt"
	case "td", "th":
		return attrName == "colspan" || attrName == "rowspan"
	case "ol":
		return attrName == "start"
	case "code":
		return attrName == "class" && strings.HasPrefix(attrVal, "language-")
	}
	return false
}

// collapseSpace replaces whitespace runs with a single space, keeping one
// leading or trailing space when the input had one.
func collapseSpace(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		if s == "" {
			return ""
		}
		return " "
	}
	out := strings.Join(fields, " ")
	if isSpace(s[0]) {
		out = " " + out
	}
	if isSpace(s[len(s)-1]) {
		out += " "
	}
	return out
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r' || b == '\f'
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
