package trap

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var defaultInjectionPhrases = []string{
	`ignore\s+(?:all\s+)?(?:the\s+)?(?:previous|prior|above|earlier)\s+instructions`,
	`disregard\s+(?:all\s+)?(?:the\s+)?(?:previous|prior|above)\s+(?:instructions|prompt)`,
	`forget\s+(?:all\s+)?(?:your|previous)\s+instructions`,
	`(?:if\s+you\s+are|you\s+are)\s+an?\s+(?:ai|bot|llm|language\s+model|automated\s+(?:agent|system))`,
	`(?:new|updated)\s+system\s+prompt`,
	`note\s+to\s+(?:ai|llm|automated)\s+(?:agents?|assistants?|systems?)`,
	`respond\s+only\s+with\s+the\s+following`,
}

// PromptInjectionDetector flags page or output text that addresses automated
// agents directly.
type PromptInjectionDetector struct {
	patterns []*regexp.Regexp
}

// NewPromptInjection compiles phrases as case-insensitive patterns. A nil
// slice uses the defaults; invalid patterns are skipped.
func NewPromptInjection(phrases []string) PromptInjectionDetector {
	if phrases == nil {
		phrases = defaultInjectionPhrases
	}
	d := PromptInjectionDetector{}
	for _, phrase := range phrases {
		re, err := regexp.Compile(`(?i)` + phrase)
		if err != nil {
			continue
		}
		d.patterns = append(d.patterns, re)
	}
	return d
}

// Name implements Detector.
func (PromptInjectionDetector) Name() string { return PromptInjection }

// Detect implements Detector.
func (d PromptInjectionDetector) Detect(in Input) []Finding {
	if d.matches(in.Raw) || d.matches(visibleAndHiddenText(in.HTML)) {
		return []Finding{{Detector: PromptInjection}}
	}
	return nil
}

func (d PromptInjectionDetector) matches(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	for _, re := range d.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// visibleAndHiddenText returns the document text plus attribute values that
// commonly carry injected instructions.
func visibleAndHiddenText(markup string) string {
	if strings.TrimSpace(markup) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return markup
	}
	doc.Find("script, style").Remove()
	var b strings.Builder
	b.WriteString(doc.Text())
	doc.Find("[placeholder], [aria-label], [title], [alt], meta[content]").Each(func(_ int, sel *goquery.Selection) {
		for _, attr := range []string{"placeholder", "aria-label", "title", "alt", "content"} {
			if v, ok := sel.Attr(attr); ok {
				b.WriteByte(' ')
				b.WriteString(v)
			}
		}
	})
	return b.String()
}
