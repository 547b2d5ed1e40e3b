package enrich

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// TOCEntry is one heading in document order.
type TOCEntry struct {
	Title string `json:"title"`
	Level int    `json:"level"`
	// ID is the anchor written onto the heading element, so clients can
	// deep-link into the rendered HTML.
	ID string `json:"id"`
}

// ExtractLinks returns every absolute http(s) href in document order,
// de-duplicated on first occurrence.
func ExtractLinks(htmlStr string) []string {
	doc, err := html.Parse(strings.NewReader(htmlStr))
	if err != nil {
		return nil
	}
	var (
		links []string
		seen  = map[string]bool{}
	)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			for _, a := range n.Attr {
				if a.Key != "href" {
					continue
				}
				href := strings.TrimSpace(a.Val)
				if (strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://")) && !seen[href] {
					seen[href] = true
					links = append(links, href)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}

// ExtractTOC collects h1-h6 headings, writes a stable anchor id onto each,
// and returns the entries plus the annotated HTML. Headings already carrying
// an id keep it.
func ExtractTOC(htmlStr string) ([]TOCEntry, string, error) {
	doc, err := html.Parse(strings.NewReader(htmlStr))
	if err != nil {
		return nil, "", fmt.Errorf("parse html: %w", err)
	}
	var (
		toc  []TOCEntry
		used = map[string]int{}
	)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				title := strings.TrimSpace(textContent(n))
				if title == "" {
					break
				}
				id := existingID(n)
				if id == "" {
					id = uniqueSlug(title, used)
					n.Attr = append(n.Attr, html.Attribute{Key: "id", Val: id})
				}
				toc = append(toc, TOCEntry{
					Title: title,
					Level: int(n.Data[1] - '0'),
					ID:    id,
				})
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, "", fmt.Errorf("render html: %w", err)
	}
	return toc, buf.String(), nil
}

// RewriteImageRefs replaces inline image src values with their uploaded
// URLs. Images not present in urls are left untouched.
func RewriteImageRefs(htmlStr string, urls map[string]string) (string, error) {
	if len(urls) == 0 {
		return htmlStr, nil
	}
	doc, err := html.Parse(strings.NewReader(htmlStr))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Img {
			for i, a := range n.Attr {
				if a.Key != "src" {
					continue
				}
				if u, ok := urls[a.Val]; ok {
					n.Attr[i].Val = u
				} else if u, ok := urls[strings.TrimPrefix(a.Val, "./")]; ok {
					n.Attr[i].Val = u
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return buf.String(), nil
}

// sanitizer is shared; bluemonday policies are safe for concurrent use.
var sanitizer = func() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	// Keep the TOC anchors and the rewritten image references.
	p.AllowAttrs("id").OnElements("h1", "h2", "h3", "h4", "h5", "h6")
	p.AllowImages()
	p.AllowTables()
	return p
}()

// Sanitize strips scripts, event handlers, and unsafe markup from
// backend-produced HTML before it is stored or sent to a client.
func Sanitize(htmlStr string) string {
	return sanitizer.Sanitize(htmlStr)
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func existingID(n *html.Node) string {
	for _, a := range n.Attr {
		if a.Key == "id" {
			return a.Val
		}
	}
	return ""
}

// uniqueSlug turns a heading into a url-safe anchor, suffixing duplicates.
func uniqueSlug(title string, used map[string]int) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteByte('-')
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		slug = "section"
	}
	used[slug]++
	if n := used[slug]; n > 1 {
		return fmt.Sprintf("%s-%d", slug, n)
	}
	return slug
}
