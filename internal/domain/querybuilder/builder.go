// Package querybuilder compiles criteria into FHIR search query fragments.
package querybuilder

import (
	"fmt"
	"strings"

	"github.com/cohort/cohort/internal/domain/criteria"
	"github.com/cohort/cohort/internal/platform/fhir"
)

// UnsupportedParameterError is returned for a field that has no parameter
// definition on the resource type.
type UnsupportedParameterError struct {
	ResourceType string
	Field        string
}

func (e *UnsupportedParameterError) Error() string {
	return fmt.Sprintf("unsupported search parameter %q for %s", e.Field, e.ResourceType)
}

// Builder compiles criteria using a parameter registry.
type Builder struct {
	reg  *Registry
	base string
}

// New returns a Builder over reg. baseURL is used to build canonical
// EvidenceVariable references.
func New(reg *Registry, baseURL string) *Builder {
	if reg == nil {
		reg = DefaultRegistry()
	}
	return &Builder{reg: reg, base: strings.TrimSuffix(baseURL, "/")}
}

// Registry returns the parameter registry.
func (b *Builder) Registry() *Registry { return b.reg }

// SearchType returns the resource type that is actually searched for a leaf
// of resourceType. EvidenceVariable membership is recorded on Observation.
func SearchType(resourceType string) string {
	if resourceType == "EvidenceVariable" {
		return "Observation"
	}
	return resourceType
}

// Compile turns one criterion into a query fragment of zero or more
// "&name=value" occurrences. An empty selection yields "".
func (b *Builder) Compile(resourceType string, c criteria.Criterion) (string, error) {
	def, ok := b.reg.Lookup(resourceType, c.Field)
	if !ok {
		return "", &UnsupportedParameterError{ResourceType: resourceType, Field: c.Field}
	}
	if c.IsEmpty() {
		return "", nil
	}

	switch def.Kind {
	case KindDate:
		return compileDate(def.Name, c)
	case KindBoolean:
		return compileBoolean(resourceType, def.Name, c)
	case KindToken:
		return compileCodes(def.Name, c)
	case KindReference:
		return compileCodes(def.Name+".code", c)
	case KindCodeText:
		return compileCodeText(def.Name, c)
	case KindObservationValue:
		return compileObservationValue(def.Name, c)
	case KindCodeValue:
		return compileCodeValue(def.Name, c)
	case KindEvidenceVariable:
		return b.compileEvidenceVariable(def.Name, c)
	default:
		return compileDefault(def.Name, c)
	}
}

// CompileAll compiles and concatenates all rules of a leaf.
func (b *Builder) CompileAll(resourceType string, rules []criteria.Criterion) (string, error) {
	var sb strings.Builder
	for _, r := range rules {
		frag, err := b.Compile(resourceType, r)
		if err != nil {
			return "", err
		}
		sb.WriteString(frag)
	}
	return sb.String(), nil
}

// HasFragment returns the leaf rewritten as a reverse-chained filter on
// Patient. Only single-criterion leaves whose criterion compiles to one
// plain, unmodified occurrence qualify; Patient and ResearchStudy leaves
// never do.
func (b *Builder) HasFragment(resourceType string, rules []criteria.Criterion) (string, bool) {
	if len(rules) != 1 || resourceType == "Patient" || resourceType == "ResearchStudy" {
		return "", false
	}
	frag, err := b.Compile(resourceType, rules[0])
	if err != nil || frag == "" {
		return "", false
	}
	return fhir.ReverseChain(SearchType(resourceType), frag)
}

// HasEligible reports whether HasFragment would succeed.
func (b *Builder) HasEligible(resourceType string, rules []criteria.Criterion) bool {
	_, ok := b.HasFragment(resourceType, rules)
	return ok
}

func occurrence(name, encodedValue string) string {
	return "&" + name + "=" + encodedValue
}

func compileDate(name string, c criteria.Criterion) (string, error) {
	d, err := c.DateRange()
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if d.From != "" {
		sb.WriteString(occurrence(name, string(fhir.PrefixGe)+fhir.EncodeSearchValue(d.From)))
	}
	if d.To != "" {
		sb.WriteString(occurrence(name, string(fhir.PrefixLe)+fhir.EncodeSearchValue(d.To)))
	}
	return sb.String(), nil
}

func compileBoolean(resourceType, name string, c criteria.Criterion) (string, error) {
	v, err := c.Bool()
	if err != nil {
		return "", err
	}
	// an unset active flag counts as active
	if resourceType == "Patient" && name == criteria.FieldActive && v {
		return occurrence(name+":"+string(fhir.ModifierNot), "false"), nil
	}
	return occurrence(name, fmt.Sprintf("%t", v)), nil
}

func encodeCodes(codes []criteria.Coding) string {
	parts := make([]string, len(codes))
	for i, c := range codes {
		parts[i] = fhir.EncodeToken(c.System, c.Code)
	}
	return strings.Join(parts, ",")
}

func compileCodes(name string, c criteria.Criterion) (string, error) {
	codes, err := c.Codes()
	if err != nil {
		return "", err
	}
	if len(codes) == 0 {
		return "", nil
	}
	return occurrence(name, encodeCodes(codes)), nil
}

func compileCodeText(name string, c criteria.Criterion) (string, error) {
	sel, err := c.CodeSelection()
	if err != nil {
		return "", err
	}
	if len(sel.Coding) > 0 {
		return occurrence(name, encodeCodes(sel.Coding)), nil
	}
	items := make([]string, 0, len(sel.Items))
	for _, it := range sel.Items {
		if it != "" {
			items = append(items, fhir.EncodeSearchValue(it))
		}
	}
	if len(items) == 0 {
		return "", nil
	}
	return occurrence("code:"+string(fhir.ModifierText), strings.Join(items, ",")), nil
}

func datatypeSuffix(datatype string) (string, error) {
	switch strings.ToLower(datatype) {
	case "quantity", "":
		return "quantity", nil
	case "codeableconcept", "concept":
		return "concept", nil
	case "string":
		return "string", nil
	}
	return "", fmt.Errorf("unsupported observation value datatype %q", datatype)
}

func modifierSuffix(m string) string {
	m = strings.TrimPrefix(m, ":")
	if m == "" {
		return ""
	}
	return ":" + m
}

// valuePart renders the unencoded, escaped value of an observation value:
// "{prefix}{value}[||unit]" for quantities, system|code lists for concepts
// and the literal for strings.
func valuePart(suffix string, v *criteria.ObservationValue, unit string) (string, bool) {
	switch suffix {
	case "concept":
		codes := v.Codings()
		if len(codes) == 0 {
			if lit, ok := v.Literal(); ok {
				return fhir.EscapeValue(lit), true
			}
			return "", false
		}
		parts := make([]string, len(codes))
		for i, c := range codes {
			if c.System == "" {
				parts[i] = fhir.EscapeValue(c.Code)
			} else {
				parts[i] = fhir.EscapeValue(c.System) + "|" + fhir.EscapeValue(c.Code)
			}
		}
		return strings.Join(parts, ","), true
	case "string":
		lit, ok := v.Literal()
		if !ok {
			return "", false
		}
		return fhir.EscapeValue(lit), true
	}

	lit, ok := v.Literal()
	if !ok {
		return "", false
	}
	out := v.TestValuePrefix + fhir.EscapeValue(lit)
	if unit != "" {
		out += "||" + fhir.EscapeValue(unit)
	}
	return out, true
}

// encodeList percent-encodes each comma-separated alternative of an escaped
// value, keeping the separating commas literal.
func encodeList(escaped string) string {
	parts := fhir.SplitEscaped(escaped, ',')
	for i, p := range parts {
		parts[i] = fhir.EncodeComponent(p)
	}
	return strings.Join(parts, ",")
}

func compileObservationValue(name string, c criteria.Criterion) (string, error) {
	v, err := c.ObservationValue()
	if err != nil {
		return "", err
	}
	suffix, err := datatypeSuffix(v.EffectiveDatatype())
	if err != nil {
		return "", err
	}
	param := name + "-" + suffix + modifierSuffix(v.TestValueModifier)

	var sb strings.Builder
	if part, ok := valuePart(suffix, &v, v.TestValueUnit); ok {
		sb.WriteString(occurrence(param, encodeList(part)))
	}
	if r := v.Range; r != nil {
		unit := r.TestValueUnit
		if unit == "" {
			unit = v.TestValueUnit
		}
		if part, ok := valuePart(suffix, r, unit); ok {
			sb.WriteString(occurrence(param, encodeList(part)))
		}
	}
	return sb.String(), nil
}

func compileCodeValue(name string, c criteria.Criterion) (string, error) {
	cv, err := c.CodeValue()
	if err != nil {
		return "", err
	}
	suffix, err := datatypeSuffix(cv.Datatype)
	if err != nil {
		return "", err
	}
	param := name + "-" + suffix

	code := fhir.EscapeValue(cv.Coding.Code)
	if cv.Coding.System != "" {
		code = fhir.EscapeValue(cv.Coding.System) + "|" + code
	}

	var sb strings.Builder
	if part, ok := valuePart(suffix, &cv.Value, cv.Value.TestValueUnit); ok {
		sb.WriteString(occurrence(param, fhir.EncodeComponent(code+"$"+part)))
	}
	if r := cv.Value.Range; r != nil {
		unit := r.TestValueUnit
		if unit == "" {
			unit = cv.Value.TestValueUnit
		}
		if part, ok := valuePart(suffix, r, unit); ok {
			sb.WriteString(occurrence(param, fhir.EncodeComponent(code+"$"+part)))
		}
	}
	return sb.String(), nil
}

func (b *Builder) compileEvidenceVariable(name string, c criteria.Criterion) (string, error) {
	lists, err := c.CodeLists()
	if err != nil {
		return "", err
	}
	var refs []string
	for _, list := range lists {
		for _, code := range list {
			if code == "" {
				continue
			}
			refs = append(refs, fhir.EncodeSearchValue(b.base+"/EvidenceVariable/"+code))
		}
	}
	if len(refs) == 0 {
		return "", nil
	}
	return occurrence(name, strings.Join(refs, ",")), nil
}

func compileDefault(name string, c criteria.Criterion) (string, error) {
	if raw := strings.TrimSpace(string(c.Value)); strings.HasPrefix(raw, "[") || strings.HasPrefix(raw, "{") {
		return compileCodes(name, c)
	}
	s, err := c.Scalar()
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", nil
	}
	return occurrence(name, fhir.EncodeSearchValue(s)), nil
}
