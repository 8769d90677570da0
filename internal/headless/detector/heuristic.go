// Package detector decides when a plain HTTP fetch of a signup page needs a
// rendered, headless retrieval instead.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

const defaultFormSelector = "form, input, select, textarea"

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
	FormSelector        string
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold, FormSelector: defaultFormSelector}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// ShouldPromote reports whether page looks like a client-rendered shell whose
// form only appears after JavaScript runs. Static pages that simply have no
// form are left alone.
func (h *Heuristic) ShouldPromote(page discovery.Page) bool {
	if page.Headless || page.StatusCode != http.StatusOK {
		return false
	}
	body := page.Body
	if len(body) == 0 {
		return true
	}
	if !h.missingForm(body) {
		return false
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return len(body) < h.BodyLengthThreshold && scriptDensityHigh(body)
}

func (h *Heuristic) missingForm(body []byte) bool {
	selector := h.FormSelector
	if selector == "" {
		selector = defaultFormSelector
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return true
	}
	return doc.Find(selector).Length() == 0
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
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		nextSearch := total
		if relativeEnd != -1 {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	return scriptCoverage > 0 && scriptCoverage*100/total >= 25
}
