// Package detector decides when a detail page must be rendered headless.
package detector

import (
	"bytes"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/autopublisher/internal/fetcher"
)

// Heuristic promotes detail pages that are empty, script heavy, built by a
// client-side framework, or that ask the reader to enable JavaScript.
type Heuristic struct {
	BodyLengthThreshold int
	// MinTextBytes is the least visible text, in non-space characters, a page
	// must carry outside script, style and noscript. Zero disables the check.
	MinTextBytes int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold, minText int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold, MinTextBytes: minText}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

var noscriptMarkers = []string{
	"enable javascript",
	"javascript is required",
	"javascript is disabled",
}

// ShouldPromote decides whether a headless fetch is required.
func (h *Heuristic) ShouldPromote(page fetcher.Page) bool {
	if page.StatusCode != 200 {
		return false
	}
	body := page.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	lower := strings.ToLower(string(body))
	for _, marker := range noscriptMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return h.MinTextBytes > 0 && visibleTextLen(body) < h.MinTextBytes
}

// visibleTextLen counts the non-space characters a reader would see.
// Unparseable documents count as empty.
func visibleTextLen(body []byte) int {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return 0
	}
	doc.Find("script,style,noscript").Remove()
	n := 0
	for _, r := range doc.Text() {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Treat the rest of the document as part of the malformed script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			// Script tag never closes; count the rest.
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		return false
	}
	return scriptCoverage*100/total >= 25
}
