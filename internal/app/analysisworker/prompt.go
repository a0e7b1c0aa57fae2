package analysisworker

import (
	"strings"

	"github.com/fairyhunter13/codegraph-pipeline/internal/domain"
)

// buildSystemPrompt states the JSON-only output contract, per spec §6: two
// top-level arrays, pois and relationships, and nothing else.
func buildSystemPrompt() string {
	return strings.TrimSpace(`You are a static code analyzer. Return ONLY valid JSON matching this schema and nothing else — no prose, no markdown fences.
{
  "pois": [
    {"filePath": string, "type": "File"|"Class"|"Function"|"Method"|"Variable"|"Import"|"Export"|"Database"|"Table"|"View", "name": string, "startLine": number, "endLine": number, "isExported": boolean}
  ],
  "relationships": [
    {"source": string, "target": string, "type": "CALLS"|"IMPORTS"|"INHERITS_FROM"|"IMPLEMENTS"|"USES"|"EXPORTS"|"HAS_METHOD", "explanation": string, "probability": number}
  ]
}
"source" and "target" are POI names from the "pois" array above. "probability" is your confidence the relationship holds, between 0.0 and 1.0.`)
}

// buildUserPrompt composes the batch's file blocks using the template
// fixed by spec §4.4 step 1.
func buildUserPrompt(files []domain.FileBlock) string {
	b := &strings.Builder{}
	for _, f := range files {
		b.WriteString("--- FILE START ---\n")
		b.WriteString("Path: ")
		b.WriteString(f.Path)
		b.WriteString("\n")
		b.WriteString(f.Content)
		b.WriteString("\n--- FILE END ---\n")
	}
	return b.String()
}
