package crawler

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// link is one candidate subpage discovered on the home page.
type link struct {
	URL  string
	Kind string // about, contact, team, legal
}

// subpage keywords, checked against both href and anchor text. Order sets
// crawl priority: contact and about pages carry the most signal for both
// classification and email extraction.
var subpageKinds = []struct {
	kind     string
	keywords []string
}{
	{"contact", []string{"contact", "kontakt", "contacts", "contact-us", "contactus"}},
	{"about", []string{"about", "about-us", "aboutus", "company", "ueber-uns", "uber-uns"}},
	{"team", []string{"team", "people", "staff", "founders"}},
	{"legal", []string{"impressum", "imprint", "privacy", "legal", "terms"}},
}

func parsePage(body []byte) (*html.Node, error) {
	return html.Parse(bytes.NewReader(body))
}

func extractTitle(doc *html.Node) string {
	var title string
	walk(doc, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "title" {
			title = strings.TrimSpace(textContent(n))
			return false
		}
		return true
	})
	return title
}

func extractDescription(doc *html.Node) string {
	var desc string
	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.Data != "meta" {
			return true
		}
		name := strings.ToLower(attr(n, "name"))
		prop := strings.ToLower(attr(n, "property"))
		if name == "description" || prop == "og:description" {
			if desc == "" {
				desc = strings.TrimSpace(attr(n, "content"))
			}
			return false
		}
		return true
	})
	return desc
}

// extractFooter returns the text of the page footer: a <footer> element, or
// failing that any element whose id or class mentions "footer". Footers
// carry contact and imprint details the classifier relies on.
func extractFooter(doc *html.Node) string {
	var footer *html.Node
	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		if n.Data == "footer" {
			footer = n
			return false
		}
		if footer == nil {
			marker := strings.ToLower(attr(n, "id") + " " + attr(n, "class"))
			if strings.Contains(marker, "footer") {
				footer = n
			}
		}
		return true
	})
	if footer == nil {
		return ""
	}
	return collapseSpace(textContent(footer))
}

// extractLinks returns same-host subpage candidates in priority order,
// deduplicated by resolved URL.
func extractLinks(doc *html.Node, base *url.URL) []link {
	seen := make(map[string]bool)
	var found []link

	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.Data != "a" {
			return true
		}
		href := strings.TrimSpace(attr(n, "href"))
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "tel:") || strings.HasPrefix(href, "javascript:") {
			return true
		}
		resolved, err := base.Parse(href)
		if err != nil || resolved.Host != base.Host {
			return true
		}
		resolved.Fragment = ""
		target := resolved.String()
		if seen[target] {
			return true
		}

		kind := classifyLink(strings.ToLower(resolved.Path), strings.ToLower(textContent(n)))
		if kind == "" {
			return true
		}
		seen[target] = true
		found = append(found, link{URL: target, Kind: kind})
		return true
	})

	// Stable sort by kind priority, preserving discovery order within a kind.
	var ordered []link
	for _, sk := range subpageKinds {
		for _, l := range found {
			if l.Kind == sk.kind {
				ordered = append(ordered, l)
			}
		}
	}
	return ordered
}

func classifyLink(path, text string) string {
	for _, sk := range subpageKinds {
		for _, kw := range sk.keywords {
			if strings.Contains(path, kw) || strings.Contains(text, kw) {
				return sk.kind
			}
		}
	}
	return ""
}

func walk(n *html.Node, visit func(*html.Node) bool) bool {
	if !visit(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, visit) {
			return false
		}
	}
	return true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteString(" ")
		}
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return b.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
