package synth

import (
	"regexp"
	"strings"

	"github.com/WessleyAI/policyqa/engine/domain"
)

// citationRe matches [<policy name>, Page <n>]. The page word is optional and
// case-insensitive; a "p." abbreviation is accepted.
var citationRe = regexp.MustCompile(`\[\s*([^\[\],]+?)\s*,\s*(?i:(?:page|p\.?)\s*)?(\d+)\s*\]`)

// trailerRe finds a trailing citations section such as "**Citations:**".
var trailerRe = regexp.MustCompile(`(?im)^\s*(?:\*\*|#+\s*)?(?:citations|sources|references)\s*:?\s*(?:\*\*)?\s*:?\s*$`)

// Tag renders the citation tag for one policy page.
func Tag(policy, page string) string {
	return "[" + policy + ", " + page + "]"
}

// ParseCitations extracts every citation tag in text, in order of
// appearance. Pages are normalized to "Page <n>".
func ParseCitations(text string) []domain.Provenance {
	matches := citationRe.FindAllStringSubmatch(text, -1)
	out := make([]domain.Provenance, 0, len(matches))
	for _, m := range matches {
		out = append(out, domain.Provenance{
			PolicyName: strings.TrimSpace(m[1]),
			Page:       domain.NormalizePage(m[2]),
		})
	}
	return out
}

// StripTrailer removes a trailing citations section the model may append
// after its answer. Text before the heading is kept; an answer that is
// nothing but a trailer is returned unchanged.
func StripTrailer(text string) string {
	text = strings.TrimSpace(text)
	locs := trailerRe.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return text
	}
	if head := strings.TrimSpace(text[:locs[len(locs)-1][0]]); head != "" {
		return head
	}
	return text
}

// Validate keeps the citations backed by a chunk in ranked and returns the
// rest as rejected.
func Validate(cited []domain.Provenance, ranked []domain.SearchResult) (kept, rejected []domain.Provenance) {
	backed := make(map[domain.Provenance]struct{}, len(ranked))
	for _, r := range ranked {
		p := r.Chunk.Provenance()
		p.Page = domain.NormalizePage(p.Page)
		backed[p] = struct{}{}
	}
	for _, c := range cited {
		if _, ok := backed[c]; ok {
			kept = append(kept, c)
		} else {
			rejected = append(rejected, c)
		}
	}
	return kept, rejected
}
