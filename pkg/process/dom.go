package process

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// DOMScanner parses the document with goquery. Rewriting re-renders the whole document,
// so formatting is normalized by the HTML serializer. Links carry no byte offsets.
type DOMScanner struct{}

// NewDOMScanner creates a DOMScanner
func NewDOMScanner() *DOMScanner {
	return &DOMScanner{}
}

// Scan implements LinkScanner
func (s *DOMScanner) Scan(doc []byte) ([]Link, error) {
	_, links, err := s.walk(doc, nil)
	return links, err
}

// Rewrite implements LinkScanner
func (s *DOMScanner) Rewrite(doc []byte, replace func(Link) (string, bool)) ([]byte, []Link, error) {
	d, links, err := s.walk(doc, replace)
	if err != nil {
		return nil, nil, err
	}
	out, err := d.Html()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: rendering HTML: %w", utils.ErrParsing, err)
	}
	return []byte(out), links, nil
}

func (s *DOMScanner) walk(doc []byte, replace func(Link) (string, bool)) (*goquery.Document, []Link, error) {
	d, err := goquery.NewDocumentFromReader(bytes.NewReader(doc))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parsing HTML: %w", utils.ErrParsing, err)
	}

	var links []Link
	d.Find("*").Each(func(_ int, sel *goquery.Selection) {
		tag := goquery.NodeName(sel)

		if tag == "style" {
			css, found := rewriteCSS(sel.Text(), "style", "", replace)
			links = append(links, found...)
			if replace != nil && len(found) > 0 {
				setRawText(sel, css)
			}
			return
		}

		if style, ok := sel.Attr("style"); ok {
			css, found := rewriteCSS(style, tag, "style", replace)
			links = append(links, found...)
			if replace != nil && len(found) > 0 {
				sel.SetAttr("style", css)
			}
		}

		for _, rule := range domRules(tag) {
			if tag == "param" && rule.attr == "value" {
				name, _ := sel.Attr("name")
				if !paramURLNames[strings.ToLower(name)] {
					continue
				}
			}
			raw, ok := sel.Attr(rule.attr)
			if !ok {
				continue
			}
			value := strings.TrimSpace(raw)
			if discardable(value) {
				continue
			}
			l := Link{
				Value:    value,
				Tag:      tag,
				Attr:     rule.attr,
				Embedded: rule.embedded,
				Base:     tag == "base",
				Context:  ContextAttribute,
				Start:    -1,
				End:      -1,
			}
			links = append(links, l)

			if replace == nil {
				continue
			}
			if l.Base {
				sel.SetAttr(rule.attr, ".")
			} else if repl, ok := replace(l); ok {
				sel.SetAttr(rule.attr, repl)
			}
		}
	})
	return d, links, nil
}

func domRules(tag string) []attrRule {
	rules := linkAttributes[tag]
	for _, r := range rules {
		if r.attr == "background" {
			return rules
		}
	}
	return append(rules[:len(rules):len(rules)], attrRule{"background", true})
}

// rewriteCSS finds url()/@import references in decoded CSS text and, when replace is
// set, returns the text with replacements applied
func rewriteCSS(css, tag, attr string, replace func(Link) (string, bool)) (string, []Link) {
	raw := []byte(css)
	var links []Link
	for _, ref := range cssReferences(raw) {
		value := strings.TrimSpace(string(raw[ref[0]:ref[1]]))
		if discardable(value) {
			continue
		}
		links = append(links, Link{
			Value:    value,
			Tag:      tag,
			Attr:     attr,
			Embedded: true,
			Context:  ContextStyleBlock, // Serializer escapes attributes itself
			Start:    ref[0],
			End:      ref[1],
		})
	}
	if replace == nil || len(links) == 0 {
		return css, clearOffsets(links)
	}
	rewritten := string(ApplyRewrites(raw, links, replace))
	return rewritten, clearOffsets(links)
}

func clearOffsets(links []Link) []Link {
	for i := range links {
		links[i].Start, links[i].End = -1, -1
	}
	return links
}

// setRawText replaces the children of raw-text elements like <style> without escaping
func setRawText(sel *goquery.Selection, text string) {
	for _, n := range sel.Nodes {
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			n.RemoveChild(c)
			c = next
		}
		n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	}
}
