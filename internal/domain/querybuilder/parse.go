package querybuilder

import (
	"fmt"
	"strings"

	"github.com/cohort/cohort/internal/platform/fhir"
)

// Occurrence is one decoded "name=value" pair of a compiled fragment.
type Occurrence struct {
	Param    string
	Modifier string
	Prefix   string
	Value    string
	Unit     string
	System   string
	Code     string

	// ValueSystem is the system of a coded (concept) value.
	ValueSystem string
}

// ParseFragment reverses Compile: it decodes every occurrence of fragment
// using the same operator table, so prefixes, values and units come back
// exactly as they were before escaping.
func (b *Builder) ParseFragment(resourceType, fragment string) ([]Occurrence, error) {
	var out []Occurrence
	for _, occ := range strings.Split(strings.TrimPrefix(fragment, "&"), "&") {
		if occ == "" {
			continue
		}
		name, raw, ok := strings.Cut(occ, "=")
		if !ok {
			return nil, fmt.Errorf("parse fragment: %q has no value", occ)
		}
		decoded, err := fhir.DecodeComponent(raw)
		if err != nil {
			return nil, fmt.Errorf("parse fragment: %w", err)
		}

		param, mod := fhir.ParseParamModifier(name)
		o := Occurrence{Param: param, Modifier: string(mod)}

		switch {
		case strings.HasPrefix(param, "combo-code-value-"):
			parts := fhir.SplitEscaped(decoded, '$')
			if len(parts) != 2 {
				return nil, fmt.Errorf("parse fragment: composite %q needs one '$'", decoded)
			}
			o.System, o.Code = splitToken(parts[0])
			parseValuePart(&o, strings.TrimPrefix(param, "combo-code-value-"), parts[1])
		case strings.HasPrefix(param, "value-"):
			parseValuePart(&o, strings.TrimPrefix(param, "value-"), decoded)
		default:
			kind, _ := b.reg.kindOf(resourceType, param)
			if kind == KindDate {
				o.Prefix, decoded = splitPrefix(decoded)
			}
			o.Value = fhir.UnescapeValue(decoded)
			if alts := fhir.SplitEscaped(decoded, ','); len(alts) == 1 {
				o.System, o.Code = splitToken(decoded)
			}
		}
		out = append(out, o)
	}
	return out, nil
}

func splitPrefix(v string) (string, string) {
	if len(v) > 2 && fhir.IsValidPrefix(v[:2]) {
		return v[:2], v[2:]
	}
	return "", v
}

func splitToken(escaped string) (system, code string) {
	parts := fhir.SplitEscaped(escaped, '|')
	if len(parts) == 2 {
		return fhir.UnescapeValue(parts[0]), fhir.UnescapeValue(parts[1])
	}
	return "", fhir.UnescapeValue(escaped)
}

func parseValuePart(o *Occurrence, suffix, part string) {
	switch suffix {
	case "quantity":
		o.Prefix, part = splitPrefix(part)
		fields := fhir.SplitEscaped(part, '|')
		o.Value = fhir.UnescapeValue(fields[0])
		if len(fields) == 3 {
			o.Unit = fhir.UnescapeValue(fields[2])
		}
	case "concept":
		o.Value = fhir.UnescapeValue(part)
		if alts := fhir.SplitEscaped(part, ','); len(alts) == 1 {
			o.ValueSystem, o.Value = splitToken(part)
		}
	default:
		o.Value = fhir.UnescapeValue(part)
	}
}
