package fhir

import (
	"net/url"
	"strings"
)

// SearchPrefix represents a FHIR search prefix for ordered values.
type SearchPrefix string

const (
	PrefixEq SearchPrefix = "eq"
	PrefixNe SearchPrefix = "ne"
	PrefixGt SearchPrefix = "gt"
	PrefixLt SearchPrefix = "lt"
	PrefixGe SearchPrefix = "ge"
	PrefixLe SearchPrefix = "le"
	PrefixSa SearchPrefix = "sa" // starts after
	PrefixEb SearchPrefix = "eb" // ends before
	PrefixAp SearchPrefix = "ap" // approximately
)

// IsValidPrefix reports whether p is one of the FHIR comparison prefixes.
func IsValidPrefix(p string) bool {
	switch SearchPrefix(p) {
	case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe, PrefixSa, PrefixEb, PrefixAp:
		return true
	}
	return false
}

// SearchModifier represents a FHIR search modifier.
type SearchModifier string

const (
	ModifierExact    SearchModifier = "exact"
	ModifierContains SearchModifier = "contains"
	ModifierText     SearchModifier = "text"
	ModifierNot      SearchModifier = "not"
	ModifierAbove    SearchModifier = "above"
	ModifierBelow    SearchModifier = "below"
	ModifierMissing  SearchModifier = "missing"
)

// ParsedSearch holds a parsed search parameter value with its prefix.
type ParsedSearch struct {
	Prefix SearchPrefix
	Value  string
}

// ParseSearchValue extracts the prefix from a FHIR search value.
// Examples: "gt2023-01-01" -> (gt, "2023-01-01"), "100" -> (eq, "100")
func ParseSearchValue(raw string) ParsedSearch {
	if len(raw) >= 2 && IsValidPrefix(strings.ToLower(raw[:2])) {
		return ParsedSearch{Prefix: SearchPrefix(strings.ToLower(raw[:2])), Value: raw[2:]}
	}
	return ParsedSearch{Prefix: PrefixEq, Value: raw}
}

// ParseParamModifier splits a parameter name from its modifier.
// Examples: "name:exact" -> ("name", "exact"), "code" -> ("code", "")
func ParseParamModifier(paramName string) (string, SearchModifier) {
	parts := strings.SplitN(paramName, ":", 2)
	if len(parts) == 2 {
		return parts[0], SearchModifier(parts[1])
	}
	return parts[0], ""
}

// ---------------------------------------------------------------------------
// Value escaping
// ---------------------------------------------------------------------------

// EscapeValue backslash-escapes the characters that carry meaning inside a
// FHIR search value: "," (OR), "|" (system/code), "$" (composite) and "\".
func EscapeValue(s string) string {
	if !strings.ContainsAny(s, `,|$\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ',', '|', '$', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// UnescapeValue reverses EscapeValue.
func UnescapeValue(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// SplitEscaped splits s around every sep that is not preceded by an escaping
// backslash. The parts keep their escapes.
func SplitEscaped(s string, sep byte) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case sep:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// EncodeComponent percent-encodes s the way browsers encode a URI component:
// everything but ALPHA / DIGIT / "-_.!~*'()" is escaped.
func EncodeComponent(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s) * 3 / 2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreservedComponent(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&15])
	}
	return b.String()
}

// DecodeComponent reverses EncodeComponent.
func DecodeComponent(s string) (string, error) {
	return url.PathUnescape(s)
}

func isUnreservedComponent(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}

// EncodeSearchValue escapes and then percent-encodes a literal search value.
func EncodeSearchValue(s string) string {
	return EncodeComponent(EscapeValue(s))
}

// EncodeToken encodes a system|code token. The separator stays a literal
// "|" before percent-encoding; system and code are escaped individually.
func EncodeToken(system, code string) string {
	if system == "" {
		return EncodeSearchValue(code)
	}
	return EncodeComponent(EscapeValue(system) + "|" + EscapeValue(code))
}
