// Package extract reduces arbitrary page HTML to its sanitized main
// content via layered heuristics.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// Extraction is the distilled result for one page. Images and Links
// hold the absolutized URLs surviving sanitization, in document order.
type Extraction struct {
	Content string // sanitized HTML fragment
	Title   string
	Text    string // plain text of Content
	Images  []string
	Links   []string
}

// noiseSelectors are removed outright before any candidate is
// considered. They never contain main content.
var noiseSelectors = []string{
	"nav", "header", "footer", "aside",
	".nav", ".navbar", ".menu", ".breadcrumb",
	".comments", ".comment", ".related", ".recommend",
	".pagination", ".pager", ".footer", ".header",
}

// noiseMarkers match class/id substrings of chrome and ad regions.
var noiseMarkers = []string{
	"ad-", "-ad", "_ad", "advert", "banner", "sidebar",
	"social", "share", "sponsor", "promo", "popup", "modal",
}

// semanticSelectors are tried in order; the first significant match
// wins.
var semanticSelectors = []string{
	"article",
	"main",
	"[role=main]",
	".post-content",
	".article-content",
	".entry-content",
	".article-body",
	"#content",
	".content",
}

// scoreCandidates are the block-level elements considered in the
// scoring stage.
var scoreCandidates = []string{"article", "section", "div", "td"}

const minCandidateScore = 50

// Extractor applies the extraction pipeline with a configurable
// significance bound.
type Extractor struct {
	minTextLen int
}

// New builds an Extractor. minTextLen is the significance bound in
// runes; zero selects the default of 100.
func New(minTextLen int) *Extractor {
	if minTextLen <= 0 {
		minTextLen = 100
	}
	return &Extractor{minTextLen: minTextLen}
}

// Extract picks the main-content region of htmlBody and returns it
// sanitized. Extraction always completes structurally for parseable
// HTML; quality judgments are the caller's to make from Text length.
func (e *Extractor) Extract(htmlBody []byte, pageURL string) (Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(htmlBody))
	if err != nil {
		return Extraction{}, fmt.Errorf("parse html: %w", err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())

	stripNoise(doc)

	candidate := e.semanticCandidate(doc)
	if candidate == nil {
		candidate = e.scoredCandidate(doc)
	}
	if candidate == nil {
		candidate = doc.Find("body").First()
		if candidate.Length() == 0 {
			candidate = doc.Selection
		}
	}

	base, _ := url.Parse(pageURL)
	content, err := sanitize(candidate, base)
	if err != nil {
		return Extraction{}, fmt.Errorf("sanitize content: %w", err)
	}

	clean, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return Extraction{}, fmt.Errorf("reparse content: %w", err)
	}
	return Extraction{
		Content: content,
		Title:   title,
		Text:    collapseSpace(clean.Text()),
		Images:  attrValues(clean.Find("img"), "src"),
		Links:   attrValues(clean.Find("a"), "href"),
	}, nil
}

func attrValues(sel *goquery.Selection, attr string) []string {
	var out []string
	sel.Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr(attr); ok && v != "" {
			out = append(out, v)
		}
	})
	return out
}

func stripNoise(doc *goquery.Document) {
	for _, sel := range noiseSelectors {
		doc.Find(sel).Remove()
	}
	doc.Find("[class], [id]").Each(func(_ int, s *goquery.Selection) {
		marker := strings.ToLower(s.AttrOr("class", "") + " " + s.AttrOr("id", ""))
		for _, m := range noiseMarkers {
			if strings.Contains(marker, m) {
				s.Remove()
				return
			}
		}
	})
}

func (e *Extractor) semanticCandidate(doc *goquery.Document) *goquery.Selection {
	for _, sel := range semanticSelectors {
		var found *goquery.Selection
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if e.significant(s) {
				found = s
				return false
			}
			return true
		})
		if found != nil {
			return found
		}
	}
	return nil
}

// significant is the minimum-content gate between pipeline stages.
func (e *Extractor) significant(s *goquery.Selection) bool {
	if utf8.RuneCountInString(collapseSpace(s.Text())) <= e.minTextLen {
		return false
	}
	return s.Find("p, blockquote, pre, li").Length() > 0
}

// scoredCandidate ranks every block-level container and keeps the best
// one, provided it clears the minimum score.
func (e *Extractor) scoredCandidate(doc *goquery.Document) *goquery.Selection {
	var (
		best      *goquery.Selection
		bestScore float64
	)
	doc.Find(strings.Join(scoreCandidates, ", ")).Each(func(_ int, s *goquery.Selection) {
		score := scoreBlock(s)
		if score > bestScore {
			bestScore = score
			best = s
		}
	})
	if bestScore > minCandidateScore {
		return best
	}
	return nil
}

func scoreBlock(s *goquery.Selection) float64 {
	text := collapseSpace(s.Text())
	paragraphs := s.Find("p").Length()
	images := s.Find("img").Length()
	headings := s.Find("h1, h2, h3, h4, h5, h6").Length()
	links := s.Find("a").Length()

	var nonLatin int
	for _, r := range text {
		if r >= 0x2E80 {
			nonLatin++
		}
	}

	score := float64(utf8.RuneCountInString(text)) +
		20*float64(paragraphs) +
		10*float64(images) +
		15*float64(headings) +
		2*float64(nonLatin)

	// Link-dense blocks are navigation, not prose.
	if links > 0 && (paragraphs == 0 || float64(links)/float64(paragraphs) > 0.5) {
		score /= 2
	}
	return score
}

func collapseSpace(s string) string {
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}
