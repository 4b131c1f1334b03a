package domain

import (
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// PageOrdinal extracts the first run of digits from a page label such as
// "Page 9" or "p. 12". ok is false when the label holds no number.
func PageOrdinal(label string) (n int, ok bool) {
	start := strings.IndexFunc(label, unicode.IsDigit)
	if start < 0 {
		return 0, false
	}
	end := start
	for end < len(label) && label[end] >= '0' && label[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(label[start:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

// NormalizePage canonicalizes a page label to "Page <n>" so that "page 9",
// "Page 9" and "p. 9" compare equal. Labels without a number are trimmed.
func NormalizePage(label string) string {
	if n, ok := PageOrdinal(label); ok {
		return "Page " + strconv.Itoa(n)
	}
	return strings.TrimSpace(label)
}

// SortPages deduplicates page labels and orders them numerically. Labels
// without a number sort after numbered ones, lexicographically.
func SortPages(pages []string) []string {
	seen := make(map[string]struct{}, len(pages))
	out := make([]string, 0, len(pages))
	for _, p := range pages {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ni, oki := PageOrdinal(out[i])
		nj, okj := PageOrdinal(out[j])
		switch {
		case oki && okj:
			if ni != nj {
				return ni < nj
			}
			return out[i] < out[j]
		case oki != okj:
			return oki
		default:
			return out[i] < out[j]
		}
	})
	return out
}

// CitationsFrom groups provenance pairs by policy, preserving the order in
// which policies first appear.
func CitationsFrom(pairs []Provenance) []Citation {
	var order []string
	pages := make(map[string][]string)
	for _, p := range pairs {
		if _, ok := pages[p.PolicyName]; !ok {
			order = append(order, p.PolicyName)
		}
		pages[p.PolicyName] = append(pages[p.PolicyName], p.Page)
	}
	out := make([]Citation, 0, len(order))
	for _, name := range order {
		out = append(out, Citation{PolicyName: name, PageNumbers: SortPages(pages[name])})
	}
	return out
}
