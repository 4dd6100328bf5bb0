// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package classify provides field-level data classification and pattern-based
// text redaction for PII/PHI/PFI handling.
//
// Classification decides how a field value must be protected at rest
// (encryption level, audit granularity). Redaction protects the logging path:
// it is applied to anything that can reach a log sink, and never to data
// destined for the cipher. The two are different protections for different
// destinations.
package classify

import (
	"regexp"
	"strings"
)

// =============================================================================
// SENSITIVITY TAGS
// =============================================================================

// Tag is the sensitivity classification of a data field.
// Higher values are more sensitive; when a field matches multiple rules the
// most sensitive tag wins.
type Tag int

const (
	// TagPublic marks non-sensitive data (e.g. source-type labels).
	TagPublic Tag = iota
	// TagPersonalIdentifier marks personally identifiable information
	// (name, email, DOB, SSN, file numbers).
	TagPersonalIdentifier
	// TagHealthOrFinancial marks protected health or financial information
	// (diagnoses, treatments, bank accounts).
	TagHealthOrFinancial
	// TagCredential marks authentication material (passwords, tokens, keys).
	TagCredential
)

// String returns the tag name used in audit events.
func (t Tag) String() string {
	switch t {
	case TagPublic:
		return "public"
	case TagPersonalIdentifier:
		return "pii"
	case TagHealthOrFinancial:
		return "phi"
	case TagCredential:
		return "credential"
	default:
		return "pii"
	}
}

// =============================================================================
// CLASSIFICATION RULES
// =============================================================================

// Rule maps a field-name substring to a sensitivity tag.
// The rule table is ordered; the first match wins.
type Rule struct {
	FieldPattern string
	Tag          Tag
}

// rules is the static classification table. Credential rules come first so
// that a field like "api_key_email" is treated as a credential, then PHI/PFI,
// then PII. Unmatched fields default to TagPersonalIdentifier: fail safe,
// not fail open.
var rules = []Rule{
	{"password", TagCredential},
	{"api_key", TagCredential},
	{"token", TagCredential},
	{"secret", TagCredential},

	{"diagnosis", TagHealthOrFinancial},
	{"medical_record", TagHealthOrFinancial},
	{"treatment", TagHealthOrFinancial},
	{"medication", TagHealthOrFinancial},
	{"disability", TagHealthOrFinancial},
	{"bank_account", TagHealthOrFinancial},
	{"routing_number", TagHealthOrFinancial},
	{"direct_deposit", TagHealthOrFinancial},

	{"ssn", TagPersonalIdentifier},
	{"social_security", TagPersonalIdentifier},
	{"date_of_birth", TagPersonalIdentifier},
	{"dob", TagPersonalIdentifier},
	{"phone", TagPersonalIdentifier},
	{"address", TagPersonalIdentifier},
	{"email", TagPersonalIdentifier},
	{"full_name", TagPersonalIdentifier},
	{"first_name", TagPersonalIdentifier},
	{"last_name", TagPersonalIdentifier},
	{"va_file_number", TagPersonalIdentifier},
	{"claim_number", TagPersonalIdentifier},

	{"source_type", TagPublic},
	{"source_id", TagPublic},
	{"chunk_index", TagPublic},
}

// Classify returns the sensitivity tag for a field name.
// It is a total function: it never fails, and unknown fields classify as
// TagPersonalIdentifier so new fields cannot silently bypass protection.
func Classify(fieldName string) Tag {
	name := strings.ToLower(strings.TrimSpace(fieldName))
	for _, r := range rules {
		if strings.Contains(name, r.FieldPattern) {
			return r.Tag
		}
	}
	return TagPersonalIdentifier
}

// =============================================================================
// REDACTION
// =============================================================================

// Redactor replaces sensitive content in a string.
type Redactor interface {
	// Redact replaces sensitive data in the input string.
	Redact(input string) string
	// Name returns the name of this redactor.
	Name() string
}

// PatternRedactor redacts text matching a regex pattern.
type PatternRedactor struct {
	name    string
	pattern *regexp.Regexp
	replace string
}

// NewPatternRedactor creates a new pattern-based redactor.
func NewPatternRedactor(name string, pattern *regexp.Regexp, replace string) *PatternRedactor {
	return &PatternRedactor{name: name, pattern: pattern, replace: replace}
}

// Redact replaces matches with the replacement placeholder.
func (r *PatternRedactor) Redact(input string) string {
	return r.pattern.ReplaceAllString(input, r.replace)
}

// Name returns the redactor name.
func (r *PatternRedactor) Name() string {
	return r.name
}

// contentPatterns defines the fixed set of content shapes that must never
// reach a log sink. Each category has its own placeholder so redacted output
// stays explainable. Order matters: the SSN dashed form must run before the
// bare nine-digit form, and the VA file number before both, so that a file
// number is not half-consumed by the digit-run pattern.
//
// Placeholders contain no digits and no '@', so no placeholder matches any
// input pattern; Redact is therefore idempotent.
var contentPatterns = []struct {
	name    string
	pattern *regexp.Regexp
	replace string
}{
	{"VAFileNumber", regexp.MustCompile(`\bC-?\d{7,9}\b`), "[FILE-REDACTED]"},
	{"SSNDashed", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[SSN-REDACTED]"},
	{"SSNBare", regexp.MustCompile(`\b\d{9}\b`), "[SSN-REDACTED]"},
	{"DOB", regexp.MustCompile(`\b(0[1-9]|1[0-2])[/\-](0[1-9]|[12]\d|3[01])[/\-](19|20)\d{2}\b`), "[DOB-REDACTED]"},
	{"Email", regexp.MustCompile(`\b[\w.+-]+@[\w-]+\.[\w.-]+\b`), "[EMAIL-REDACTED]"},
	{"Phone", regexp.MustCompile(`\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`), "[PHONE-REDACTED]"},
}

// DefaultRedactors returns the built-in content redactors, in match order.
func DefaultRedactors() []Redactor {
	redactors := make([]Redactor, 0, len(contentPatterns))
	for _, cp := range contentPatterns {
		redactors = append(redactors, NewPatternRedactor(cp.name, cp.pattern, cp.replace))
	}
	return redactors
}

// Redact replaces every sensitive content match with its category placeholder.
// Idempotent: Redact(Redact(x)) == Redact(x), because no placeholder matches
// any content pattern. Mandatory on the write path of anything that can reach
// a log sink or the knowledge corpus.
func Redact(input string) string {
	result := input
	for _, cp := range contentPatterns {
		result = cp.pattern.ReplaceAllString(result, cp.replace)
	}
	return result
}
