package synth

import (
	"fmt"
	"strings"

	"github.com/WessleyAI/policyqa/engine/domain"
)

// DefaultSystemPrompt is sent as the system turn of every generation call.
const DefaultSystemPrompt = `You are an insurance policy assistant.
Answer the user's question using ONLY the numbered search results you are given.
Cite every statement with a tag of the form [<policy name>, Page <n>], copying the
policy name and page exactly as they appear in the result header.
If the search results do not answer the question, say that the policy documents
do not cover it and do not cite anything.`

// BuildPrompt renders the context block followed by the question. Each result
// is headed by the same [policy, page] tag the model must cite.
func BuildPrompt(query string, ranked []domain.SearchResult) string {
	var b strings.Builder
	b.WriteString("Search results:\n\n")
	for i, r := range ranked {
		fmt.Fprintf(&b, "Result %d %s", i+1, Tag(r.Chunk.SourceDocument, domain.NormalizePage(r.Chunk.PageNumber)))
		if r.RerankScore != nil {
			fmt.Fprintf(&b, " (relevance %.3f)", *r.RerankScore)
		}
		b.WriteString(":\n")
		b.WriteString(strings.TrimSpace(r.Chunk.Text))
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Question: %s\n\n", query)
	b.WriteString("Write a complete answer first. Place a citation tag after each sentence it supports.\n")
	return b.String()
}
