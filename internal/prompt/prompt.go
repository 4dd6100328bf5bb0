// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prompt assembles the instructions and evidence sent to the
// generation model.
//
// Evidence chunks are wrapped in numbered <source> tags so the model can cite
// them as [N]; the citation extractor downstream keys on the same numbering.
package prompt

import (
	"fmt"
	"strings"
)

// Source is one evidence chunk offered to the model.
type Source struct {
	// Index is the 1-based citation number.
	Index int
	// Label describes the source kind ("regulation", "manual", "case").
	Label string
	// Text is the chunk content.
	Text string
}

// systemPreamble frames the assistant's role and evidence discipline.
// The model must answer only from the numbered sources; when none support the
// question it must say so rather than improvise.
const systemPreamble = `You are a benefits-claims assistant helping veterans understand their eligibility, claims process, and appeal options.

Rules:
- Answer ONLY from the numbered sources provided below. Do not use outside knowledge.
- Cite every factual statement with the source number in square brackets, e.g. [1].
- If the sources do not contain the answer, say so plainly and suggest the veteran contact an accredited representative.
- Never ask for or repeat Social Security numbers, file numbers, or other identifiers.
- Use plain language. Explain jargon the first time it appears.`

// noEvidenceNote is appended when retrieval produced nothing usable.
const noEvidenceNote = `No supporting sources were found for this question. State that you cannot answer from the available documents and suggest next steps.`

// =============================================================================
// CHAT PROMPT
// =============================================================================

// BuildSystem renders the system message for a question answered against the
// given sources.
func BuildSystem(sources []Source) string {
	var b strings.Builder
	b.WriteString(systemPreamble)
	b.WriteString("\n\n")

	if len(sources) == 0 {
		b.WriteString(noEvidenceNote)
		return b.String()
	}

	b.WriteString("Sources:\n")
	for _, s := range sources {
		fmt.Fprintf(&b, "<source id=\"%d\" type=\"%s\">\n%s\n</source>\n", s.Index, s.Label, s.Text)
	}
	return b.String()
}

// =============================================================================
// EVALUATION PROMPT
// =============================================================================

// evaluationPreamble frames the one-shot intake evaluation.
const evaluationPreamble = `You are evaluating a veteran's intake form against the provided sources to identify benefits they may be eligible for and evidence gaps in their claim.

Rules:
- Base every conclusion on the numbered sources; cite them as [N].
- List: likely eligible benefits, required evidence the form already shows, and missing evidence to gather.
- This is informational guidance, not a legal determination. Say so.`

// BuildEvaluation renders the system message for an intake evaluation.
// The redacted form summary travels as the user message, not here.
func BuildEvaluation(sources []Source) string {
	var b strings.Builder
	b.WriteString(evaluationPreamble)
	b.WriteString("\n\n")

	if len(sources) == 0 {
		b.WriteString(noEvidenceNote)
		return b.String()
	}

	b.WriteString("Sources:\n")
	for _, s := range sources {
		fmt.Fprintf(&b, "<source id=\"%d\" type=\"%s\">\n%s\n</source>\n", s.Index, s.Label, s.Text)
	}
	return b.String()
}
