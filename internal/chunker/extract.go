package chunker

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ExtractedPage is the readable content of an HTML page.
type ExtractedPage struct {
	Title string
	Text  string
}

const (
	nonContentSelectors = "script, style, noscript, template, svg, nav, header, footer, aside, form"
	blockSelectors      = "p, div, section, article, h1, h2, h3, h4, h5, h6, li, pre, blockquote, table, tr, dd, dt"
)

// ExtractText parses markup and returns its visible text with block
// elements separated by paragraph breaks. <article> is preferred over
// <body> when present.
func ExtractText(html string) (*ExtractedPage, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	page := &ExtractedPage{Title: pageTitle(doc)}

	root := doc.Find("article").First()
	if root.Length() == 0 {
		root = doc.Find("body").First()
	}
	if root.Length() == 0 {
		root = doc.Selection
	}

	root.Find(nonContentSelectors).Remove()
	root.Find("br").ReplaceWithHtml("\n")
	root.Find(blockSelectors).AppendHtml("\n\n")

	page.Text = Normalize(root.Text())
	return page, nil
}

func pageTitle(doc *goquery.Document) string {
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	if og, ok := doc.Find("meta[property='og:title']").Attr("content"); ok {
		return strings.TrimSpace(og)
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}
