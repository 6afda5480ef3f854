package extract

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// renderText renders nodes as plain text. Paragraph-level blocks are
// separated by a blank line, list items get "- " or "N. " markers and table
// cells are joined with " | ". Whitespace inside <pre> is kept as-is.
func renderText(nodes []*html.Node) string {
	r := &textRenderer{}
	for _, n := range nodes {
		r.node(n)
	}
	return tidyLines(r.b.String())
}

type listState struct {
	ordered bool
	next    int
}

type textRenderer struct {
	b        strings.Builder
	started  bool
	newlines int
	space    bool
	pre      int
	lists    []listState
}

var paragraphElements = map[string]bool{
	"p": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"pre": true, "blockquote": true, "table": true, "hr": true, "figure": true,
}

var lineElements = map[string]bool{
	"div": true, "section": true, "article": true, "header": true, "footer": true,
	"li": true, "tr": true, "dt": true, "dd": true, "dl": true, "thead": true, "tbody": true,
}

func (r *textRenderer) breakLines(n int) {
	if !r.started {
		return
	}
	if n > r.newlines {
		r.newlines = n
	}
	r.space = false
}

func (r *textRenderer) write(s string) {
	if s == "" {
		return
	}
	if r.started {
		if r.newlines > 0 {
			r.b.WriteString(strings.Repeat("\n", r.newlines))
		} else if r.space && !strings.HasSuffix(r.b.String(), " ") {
			r.b.WriteByte(' ')
		}
	}
	r.newlines = 0
	r.space = false
	r.started = true
	r.b.WriteString(s)
}

func (r *textRenderer) text(s string) {
	if r.pre > 0 {
		r.write(s)
		return
	}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		if s != "" {
			r.space = true
		}
		return
	}
	if isSpace(s[0]) {
		r.space = true
	}
	r.write(strings.Join(fields, " "))
	if isSpace(s[len(s)-1]) {
		r.space = true
	}
}

func (r *textRenderer) node(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		r.text(n.Data)
		return
	case html.CommentNode, html.DoctypeNode:
		return
	case html.ElementNode:
	default:
		r.children(n)
		return
	}

	tag := strings.ToLower(n.Data)
	if isSkippedElement(tag) {
		return
	}

	switch tag {
	case "br":
		r.breakLines(1)
		return
	case "hr":
		r.breakLines(2)
		return
	case "ul", "ol":
		level := 2
		if len(r.lists) > 0 {
			level = 1
		}
		start := 1
		if v, err := strconv.Atoi(attr(n, "start")); err == nil {
			start = v
		}
		r.breakLines(level)
		r.lists = append(r.lists, listState{ordered: tag == "ol", next: start})
		r.children(n)
		r.lists = r.lists[:len(r.lists)-1]
		r.breakLines(level)
		return
	case "li":
		r.breakLines(1)
		if len(r.lists) > 0 {
			top := &r.lists[len(r.lists)-1]
			if top.ordered {
				r.write(strconv.Itoa(top.next) + ". ")
				top.next++
			} else {
				r.write("- ")
			}
		}
		r.children(n)
		r.breakLines(1)
		return
	case "td", "th":
		if prevElementIsCell(n) {
			r.space = true
			r.write("|")
			r.space = true
		}
		r.children(n)
		return
	case "pre":
		r.breakLines(2)
		r.pre++
		r.children(n)
		r.pre--
		r.breakLines(2)
		return
	}

	switch {
	case paragraphElements[tag]:
		r.breakLines(2)
		r.children(n)
		r.breakLines(2)
	case lineElements[tag]:
		r.breakLines(1)
		r.children(n)
		r.breakLines(1)
	default:
		r.children(n)
	}
}

func (r *textRenderer) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		r.node(c)
	}
}

func prevElementIsCell(n *html.Node) bool {
	for p := n.PrevSibling; p != nil; p = p.PrevSibling {
		if p.Type == html.ElementNode {
			return p.Data == "td" || p.Data == "th"
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

// tidyLines strips trailing spaces from every line and squeezes blank runs.
func tidyLines(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	out := strings.Join(lines, "\n")
	out = blankRuns.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}
