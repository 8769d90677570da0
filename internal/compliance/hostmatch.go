package compliance

import "strings"

// hostPatterns stores exact hosts and suffix wildcards derived from configuration.
type hostPatterns struct {
	exact    map[string]struct{}
	suffixes []string
}

func newHostPatterns(patterns []string) *hostPatterns {
	matcher := &hostPatterns{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			matcher.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			matcher.addSuffix(strings.TrimPrefix(value, "."))
		default:
			matcher.exact[value] = struct{}{}
		}
	}
	if len(matcher.exact) == 0 && len(matcher.suffixes) == 0 {
		return nil
	}
	return matcher
}

func (m *hostPatterns) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range m.suffixes {
		if existing == suffix {
			return
		}
	}
	m.suffixes = append(m.suffixes, suffix)
}

// Match reports whether host equals an exact entry or sits under a suffix.
// A nil matcher matches nothing.
func (m *hostPatterns) Match(host string) bool {
	if m == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, ok := m.exact[host]; ok {
		return true
	}
	for _, suffix := range m.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
