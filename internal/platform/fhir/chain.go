package fhir

import (
	"strings"
)

// HasParam represents a parsed _has search parameter.
// Example: "_has:Observation:subject:code=1234" -> TargetType="Observation", TargetParam="subject", SearchParam="code", Value="1234"
type HasParam struct {
	TargetType  string // The resource type that has a reference to the current resource
	TargetParam string // The reference search parameter on the target resource
	SearchParam string // The search parameter to filter on the target resource
	Value       string // The value to match
}

// Name renders the parameter name, e.g. "_has:Observation:subject:code".
func (h HasParam) Name() string {
	return "_has:" + h.TargetType + ":" + h.TargetParam + ":" + h.SearchParam
}

// String renders the full "name=value" query occurrence. Value is expected to
// be encoded already.
func (h HasParam) String() string {
	return h.Name() + "=" + h.Value
}

// ParseHasParam parses a _has search parameter name.
// Format: "_has:ResourceType:referenceParam:searchParam"
func ParseHasParam(paramName string) (*HasParam, bool) {
	if !strings.HasPrefix(paramName, "_has:") {
		return nil, false
	}

	rest := strings.TrimPrefix(paramName, "_has:")
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 {
		return nil, false
	}
	for _, p := range parts {
		if p == "" {
			return nil, false
		}
	}

	return &HasParam{
		TargetType:  parts[0],
		TargetParam: parts[1],
		SearchParam: parts[2],
	}, true
}

// ReverseChain rewrites a single "&param=value" fragment compiled for
// resourceType into a _has occurrence evaluated against Patient. ok is false
// when the fragment is not a single plain occurrence.
func ReverseChain(resourceType, fragment string) (string, bool) {
	occ := strings.TrimPrefix(fragment, "&")
	if occ == fragment || occ == "" || strings.Contains(occ, "&") {
		return "", false
	}
	eq := strings.IndexByte(occ, '=')
	if eq <= 0 {
		return "", false
	}
	name := occ[:eq]
	if strings.ContainsAny(name, ":.") {
		return "", false
	}
	has := HasParam{
		TargetType:  resourceType,
		TargetParam: PatientReferenceParam(resourceType),
		SearchParam: name,
		Value:       occ[eq+1:],
	}
	return "&" + has.String(), true
}
