// Package extract turns a captured chat page snapshot into a structured
// answer. Page interaction is limited to the scripts a Strategy generates;
// everything else in this package is a pure function of the snapshot.
package extract

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/entrhq/geoprobe/pkg/types"
)

var (
	// ErrAnchorMissing indicates the snapshot lacks the assistant message or
	// its content region.
	ErrAnchorMissing = errors.New("answer anchor not found")

	// ErrEmptyAnswer indicates the content region holds no text.
	ErrEmptyAnswer = errors.New("answer is empty")
)

// DefaultMaxHTMLLength caps the cleaned HTML answer.
const DefaultMaxHTMLLength = 200000

// Extraction is the structured content of one answer.
type Extraction struct {
	Answer    string
	Citations []types.Citation
	Links     []types.LinkRef
	Products  []types.Product
	Truncated bool
}

// Extractor parses snapshots using one strategy.
type Extractor struct {
	strategy      Strategy
	baseURL       *url.URL
	maxHTMLLength int
}

// Option customizes an Extractor.
type Option func(*Extractor)

// WithBaseURL resolves relative hrefs against base.
func WithBaseURL(base string) Option {
	return func(e *Extractor) {
		if u, err := url.Parse(base); err == nil && u.IsAbs() {
			e.baseURL = u
		}
	}
}

// WithMaxHTMLLength caps the html answer format. n <= 0 disables the cap.
func WithMaxHTMLLength(n int) Option {
	return func(e *Extractor) {
		e.maxHTMLLength = n
	}
}

// NewExtractor creates an extractor for strategy.
func NewExtractor(strategy Strategy, opts ...Option) *Extractor {
	e := &Extractor{
		strategy:      strategy,
		maxHTMLLength: DefaultMaxHTMLLength,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Strategy returns the extractor's strategy.
func (e *Extractor) Strategy() Strategy {
	return e.strategy
}

// Extract parses snap into an Extraction with the answer rendered in format.
// Entity lists are never nil and keep page order, duplicates included.
func (e *Extractor) Extract(snap Snapshot, format types.AnswerFormat) (*Extraction, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("unsupported answer format %q", format)
	}
	if !snap.Found || strings.TrimSpace(snap.HTML) == "" {
		return nil, fmt.Errorf("%w: no assistant message in snapshot", ErrAnchorMissing)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(snap.HTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}

	sel := e.strategy.Selectors
	message := doc.Find(sel.Message).Last()
	if message.Length() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAnchorMissing, sel.Message)
	}
	content := message.Find(sel.Content).First()
	if content.Length() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAnchorMissing, sel.Content)
	}

	out := &Extraction{
		Citations: e.citations(doc.Selection),
		Products:  e.products(doc.Selection),
	}
	out.Links = e.links(content, doc.Selection)

	// Render from a copy with citation pills and product cards removed so
	// the answer reads as prose.
	body := content.Clone()
	if sel.Citation != "" {
		body.Find(sel.Citation).Remove()
	}
	if sel.ProductCard != "" {
		body.Find(sel.ProductCard).Remove()
	}

	text := renderText(body.Nodes)
	if text == "" {
		return nil, ErrEmptyAnswer
	}

	switch format {
	case types.AnswerFormatText:
		out.Answer = text
	case types.AnswerFormatHTML:
		out.Answer, out.Truncated = cleanHTML(body.Nodes, e.maxHTMLLength)
	case types.AnswerFormatRaw:
		out.Answer = snap.HTML
	}
	return out, nil
}

func (e *Extractor) citations(root *goquery.Selection) []types.Citation {
	citations := []types.Citation{}
	if e.strategy.Selectors.Citation == "" {
		return citations
	}
	root.Find(e.strategy.Selectors.Citation).Each(func(_ int, s *goquery.Selection) {
		href := e.resolve(s.AttrOr("href", ""))
		if href == "" {
			return
		}
		citations = append(citations, types.Citation{
			Title: citationTitle(s),
			URL:   href,
		})
	})
	return citations
}

func citationTitle(s *goquery.Selection) string {
	for _, key := range []string{"title", "aria-label"} {
		if v := collapse(s.AttrOr(key, "")); v != "" {
			return v
		}
	}
	return collapse(s.Text())
}

func (e *Extractor) products(root *goquery.Selection) []types.Product {
	products := []types.Product{}
	sel := e.strategy.Selectors
	if sel.ProductCard == "" {
		return products
	}
	root.Find(sel.ProductCard).Each(func(_ int, card *goquery.Selection) {
		var title string
		if sel.ProductTitle != "" {
			title = collapse(card.Find(sel.ProductTitle).First().Text())
		}
		if title == "" {
			title = collapse(card.AttrOr("aria-label", ""))
		}

		var href string
		if goquery.NodeName(card) == "a" {
			href = card.AttrOr("href", "")
		} else {
			href = card.Find("a[href]").First().AttrOr("href", "")
		}

		if title == "" && href == "" {
			return
		}
		products = append(products, types.Product{
			Title: title,
			URL:   e.resolve(href),
		})
	})
	return products
}

// links collects anchors inside the answer content that are neither
// citations nor part of a product card.
func (e *Extractor) links(content, root *goquery.Selection) []types.LinkRef {
	links := []types.LinkRef{}
	sel := e.strategy.Selectors

	excluded := make(map[*html.Node]bool)
	if sel.Citation != "" {
		for _, n := range root.Find(sel.Citation).Nodes {
			excluded[n] = true
		}
	}

	content.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		if excluded[a.Get(0)] {
			return
		}
		if sel.ProductCard != "" && a.Closest(sel.ProductCard).Length() > 0 {
			return
		}
		raw := strings.TrimSpace(a.AttrOr("href", ""))
		if raw == "" || strings.HasPrefix(raw, "#") || strings.HasPrefix(strings.ToLower(raw), "javascript:") {
			return
		}
		links = append(links, types.LinkRef{
			Text: collapse(a.Text()),
			URL:  e.resolve(raw),
		})
	})
	return links
}

func (e *Extractor) resolve(href string) string {
	href = strings.TrimSpace(href)
	if href == "" || e.baseURL == nil {
		return href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	return e.baseURL.ResolveReference(u).String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
