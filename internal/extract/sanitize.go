package extract

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// allowedTags survive sanitization. Anything else is unwrapped so its
// children are kept; droppedTags are removed with their children.
var allowedTags = map[string]bool{
	"p": true, "h1": true, "h2": true, "h3": true, "h4": true,
	"h5": true, "h6": true, "ul": true, "ol": true, "li": true,
	"strong": true, "b": true, "em": true, "i": true,
	"br": true, "hr": true, "blockquote": true,
	"div": true, "span": true, "a": true, "img": true,
	"table": true, "thead": true, "tbody": true, "tfoot": true,
	"tr": true, "td": true, "th": true, "caption": true,
}

var droppedTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "iframe": true,
	"form": true, "input": true, "button": true, "select": true,
	"textarea": true, "embed": true, "object": true, "svg": true,
	"canvas": true, "video": true, "audio": true, "link": true,
	"meta": true, "template": true,
}

// allowedAttrs maps tag to the attributes it may keep.
var allowedAttrs = map[string]map[string]bool{
	"a":   {"href": true},
	"img": {"src": true, "alt": true},
}

var voidTags = map[string]bool{"br": true, "hr": true, "img": true}

// junkText matches text made only of digits, punctuation and symbols.
var junkText = regexp.MustCompile(`^[\d\s\p{P}\p{S}]+$`)

// boilerplatePhrases flag share/login chrome that survives structural
// stripping as bare text.
var boilerplatePhrases = []string{
	"share this", "share on", "sign in", "log in", "sign up",
	"subscribe now", "follow us", "related articles",
	"分享", "登录", "注册", "关注", "点赞", "收藏",
}

// sanitize rewrites the candidate's subtree to the allow-list and
// renders its inner HTML. The rewrite is pure tree manipulation, so the
// same input always renders to the same bytes.
func sanitize(candidate *goquery.Selection, base *url.URL) (string, error) {
	if candidate.Length() == 0 {
		return "", nil
	}
	root := candidate.Nodes[0]

	sanitizeChildren(root, base)
	pruneEmpty(root)
	collapseBreaks(root)

	var sb strings.Builder
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&sb, c); err != nil {
			return "", fmt.Errorf("render node: %w", err)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

func sanitizeChildren(n *html.Node, base *url.URL) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		switch c.Type {
		case html.ElementNode:
			tag := strings.ToLower(c.Data)
			switch {
			case droppedTags[tag]:
				n.RemoveChild(c)
			case !allowedTags[tag]:
				unwrap(n, c, base)
			default:
				filterAttrs(c, tag, base)
				sanitizeChildren(c, base)
			}
		case html.CommentNode, html.DoctypeNode:
			n.RemoveChild(c)
		case html.TextNode:
			if isBoilerplate(c.Data) {
				n.RemoveChild(c)
			}
		}
		c = next
	}
}

// unwrap replaces c with its own children, preserving order, then
// sanitizes the promoted nodes in a later sibling pass. The children are
// re-walked because they now hang off the parent.
func unwrap(parent, c *html.Node, base *url.URL) {
	var children []*html.Node
	for gc := c.FirstChild; gc != nil; gc = gc.NextSibling {
		children = append(children, gc)
	}
	for _, gc := range children {
		c.RemoveChild(gc)
		parent.InsertBefore(gc, c)
	}
	parent.RemoveChild(c)
	for _, gc := range children {
		resanitizePromoted(parent, gc, base)
	}
}

func resanitizePromoted(parent, c *html.Node, base *url.URL) {
	switch c.Type {
	case html.ElementNode:
		tag := strings.ToLower(c.Data)
		switch {
		case droppedTags[tag]:
			parent.RemoveChild(c)
		case !allowedTags[tag]:
			unwrap(parent, c, base)
		default:
			filterAttrs(c, tag, base)
			sanitizeChildren(c, base)
		}
	case html.CommentNode, html.DoctypeNode:
		parent.RemoveChild(c)
	case html.TextNode:
		if isBoilerplate(c.Data) {
			parent.RemoveChild(c)
		}
	}
}

func filterAttrs(n *html.Node, tag string, base *url.URL) {
	allowed := allowedAttrs[tag]
	kept := n.Attr[:0]
	for _, a := range n.Attr {
		key := strings.ToLower(a.Key)
		if allowed == nil || !allowed[key] {
			continue
		}
		if base != nil && (key == "href" || key == "src") {
			a.Val = absolutize(base, a.Val)
		}
		kept = append(kept, a)
	}
	n.Attr = kept
}

func absolutize(base *url.URL, ref string) string {
	parsed, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return base.ResolveReference(parsed).String()
}

// pruneEmpty removes, bottom-up, elements that carry no text and no
// void descendants.
func pruneEmpty(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		pruneEmpty(c)
		if c.Type == html.ElementNode && isEmptyElement(c) {
			n.RemoveChild(c)
		}
		c = next
	}
}

func isEmptyElement(n *html.Node) bool {
	if voidTags[strings.ToLower(n.Data)] {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			if strings.TrimSpace(c.Data) != "" {
				return false
			}
		case html.ElementNode:
			// Children were already pruned; any survivor has content.
			return false
		}
	}
	return true
}

// collapseBreaks caps runs of consecutive <br> at two.
func collapseBreaks(n *html.Node) {
	run := 0
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		switch {
		case c.Type == html.ElementNode && c.DataAtom == atom.Br:
			run++
			if run > 2 {
				n.RemoveChild(c)
			}
		case c.Type == html.TextNode && strings.TrimSpace(c.Data) == "":
			// Whitespace between breaks does not reset the run.
		default:
			run = 0
			if c.Type == html.ElementNode {
				collapseBreaks(c)
			}
		}
		c = next
	}
}

func isBoilerplate(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	if junkText.MatchString(t) {
		return true
	}
	lower := strings.ToLower(t)
	for _, phrase := range boilerplatePhrases {
		if strings.Contains(lower, phrase) && len([]rune(t)) < 40 {
			return true
		}
	}
	return false
}
