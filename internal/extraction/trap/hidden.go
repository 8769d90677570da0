package trap

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

const controlSelector = "input, select, textarea"

// Hiding techniques reported by HiddenReasons.
const (
	ReasonTypeHidden     = "type-hidden"
	ReasonHiddenAttr     = "hidden-attribute"
	ReasonDisplayNone    = "display-none"
	ReasonVisibility     = "visibility-hidden"
	ReasonOpacity        = "opacity-zero"
	ReasonOffscreen      = "offscreen"
	ReasonZeroSize       = "zero-size"
	ReasonAriaHidden     = "aria-hidden"
	ReasonNegativeTabIdx = "negative-tabindex"
)

var offscreenPattern = regexp.MustCompile(`(?:left|top|text-indent)\s*:\s*-\s*(\d+)`)

// HiddenInputs flags discovered fields that map to form controls the page
// hides from human visitors.
type HiddenInputs struct {
	// OffscreenPx is the negative offset beyond which an element counts as
	// positioned off-screen.
	OffscreenPx int
}

// NewHiddenInputs builds the detector with default thresholds.
func NewHiddenInputs() HiddenInputs {
	return HiddenInputs{OffscreenPx: 500}
}

// Name implements Detector.
func (HiddenInputs) Name() string { return HiddenInput }

// Detect implements Detector.
func (h HiddenInputs) Detect(in Input) []Finding {
	if strings.TrimSpace(in.HTML) == "" || len(in.Fields) == 0 {
		return nil
	}
	hidden := h.HiddenControls(in.HTML)
	if len(hidden) == 0 {
		return nil
	}
	var out []Finding
	for _, field := range in.Fields {
		if _, ok := hidden[field.Key()]; ok {
			out = append(out, Finding{Detector: HiddenInput, Field: field.Name})
		}
	}
	return out
}

// HiddenControls maps the normalized name and id of every hidden form control
// in markup to the techniques used to hide it.
func (h HiddenInputs) HiddenControls(markup string) map[string][]string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil
	}
	out := make(map[string][]string)
	doc.Find(controlSelector).Each(func(_ int, sel *goquery.Selection) {
		reasons := h.HiddenReasons(sel)
		if len(reasons) == 0 {
			return
		}
		for _, attr := range []string{"name", "id"} {
			if v, ok := sel.Attr(attr); ok {
				if key := discovery.NormalizeFieldName(v); key != "" {
					out[key] = reasons
				}
			}
		}
	})
	return out
}

// HiddenReasons lists why sel is invisible to a human, checking the element
// and its ancestors.
func (h HiddenInputs) HiddenReasons(sel *goquery.Selection) []string {
	var reasons []string
	add := func(reason string) {
		for _, r := range reasons {
			if r == reason {
				return
			}
		}
		reasons = append(reasons, reason)
	}

	if t, _ := sel.Attr("type"); strings.EqualFold(strings.TrimSpace(t), "hidden") {
		add(ReasonTypeHidden)
	}
	if v, _ := sel.Attr("tabindex"); strings.TrimSpace(v) != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n < 0 {
			add(ReasonNegativeTabIdx)
		}
	}

	for node := sel; node.Length() > 0; node = node.Parent() {
		if goquery.NodeName(node) == "#document" {
			break
		}
		if _, ok := node.Attr("hidden"); ok {
			add(ReasonHiddenAttr)
		}
		if v, _ := node.Attr("aria-hidden"); strings.EqualFold(strings.TrimSpace(v), "true") {
			add(ReasonAriaHidden)
		}
		style, _ := node.Attr("style")
		for _, r := range h.styleReasons(style) {
			add(r)
		}
	}
	return reasons
}

func (h HiddenInputs) styleReasons(style string) []string {
	if style == "" {
		return nil
	}
	compact := strings.ToLower(strings.Join(strings.Fields(style), ""))
	var out []string
	if strings.Contains(compact, "display:none") {
		out = append(out, ReasonDisplayNone)
	}
	if strings.Contains(compact, "visibility:hidden") {
		out = append(out, ReasonVisibility)
	}
	if strings.Contains(compact, "opacity:0;") || strings.HasSuffix(compact, "opacity:0") ||
		strings.Contains(compact, "opacity:0.0;") || strings.HasSuffix(compact, "opacity:0.0") {
		out = append(out, ReasonOpacity)
	}
	if (strings.Contains(compact, "width:0") && strings.Contains(compact, "height:0")) ||
		strings.Contains(compact, "clip:rect(0,0,0,0)") || strings.Contains(compact, "clip:rect(0000)") {
		out = append(out, ReasonZeroSize)
	}
	limit := h.OffscreenPx
	if limit <= 0 {
		limit = 500
	}
	for _, m := range offscreenPattern.FindAllStringSubmatch(strings.ToLower(style), -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= limit {
			out = append(out, ReasonOffscreen)
			break
		}
	}
	return out
}
