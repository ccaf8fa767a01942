// Package criteria models the AND/OR criteria tree a cohort search is built
// from. Interior nodes are *Criteria; leaves are *ResourceTypeCriteria scoped
// to one FHIR resource type.
package criteria

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Condition combines the rules of a node.
type Condition string

const (
	And Condition = "AND"
	Or  Condition = "OR"
)

// UnmarshalJSON accepts any letter case; an empty condition means AND.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("condition: %w", err)
	}
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "AND":
		*c = And
	case "OR":
		*c = Or
	default:
		return fmt.Errorf("condition: unknown value %q", s)
	}
	return nil
}

// Node is either *Criteria or *ResourceTypeCriteria.
type Node interface {
	Cond() Condition
	// Estimate returns the memoized branch cost, if computed.
	Estimate() (float64, bool)
	SetEstimate(cost float64)
	isNode()
}

// memo holds the lazily computed resource count of a node. Costs that are
// not finite are kept out of the serialized total.
type memo struct {
	Total *int `json:"total,omitempty"`
	cost  float64
	known bool
}

func (m *memo) Estimate() (float64, bool) { return m.cost, m.known }

func (m *memo) SetEstimate(cost float64) {
	m.cost, m.known = cost, true
	m.Total = nil
	if cost >= 0 && cost < float64(int(^uint(0)>>1)) {
		n := int(cost)
		m.Total = &n
	}
}

// Criterion is one rule on one element of a resource.
type Criterion struct {
	Field           string          `json:"field"`
	Value           json.RawMessage `json:"value,omitempty"`
	AuxiliaryCoding []Coding        `json:"auxiliaryCoding,omitempty"`
}

// ResourceTypeCriteria is a leaf: rules on a single resource type.
type ResourceTypeCriteria struct {
	Condition    Condition   `json:"condition"`
	ResourceType string      `json:"resourceType"`
	Rules        []Criterion `json:"rules"`
	memo
}

func (r *ResourceTypeCriteria) Cond() Condition { return r.Condition }
func (*ResourceTypeCriteria) isNode()           {}

// Criteria is an interior node.
type Criteria struct {
	Condition Condition `json:"condition"`
	Rules     []Node    `json:"rules"`
	memo
}

func (c *Criteria) Cond() Condition { return c.Condition }
func (*Criteria) isNode()           {}

// UnmarshalJSON decodes child nodes, choosing the leaf variant for objects
// that carry a resourceType.
func (c *Criteria) UnmarshalJSON(data []byte) error {
	var raw struct {
		Condition Condition         `json:"condition"`
		Rules     []json.RawMessage `json:"rules"`
		Total     *int              `json:"total"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Condition = raw.Condition
	if c.Condition == "" {
		c.Condition = And
	}
	c.Total = raw.Total
	c.Rules = make([]Node, 0, len(raw.Rules))
	for i, r := range raw.Rules {
		n, err := Decode(r)
		if err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
		c.Rules = append(c.Rules, n)
	}
	return nil
}

// Decode parses a criteria tree. A null or empty document yields an empty
// AND node.
func Decode(data []byte) (Node, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return &Criteria{Condition: And}, nil
	}

	var probe struct {
		ResourceType *string `json:"resourceType"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode criteria: %w", err)
	}

	if probe.ResourceType != nil {
		var leaf ResourceTypeCriteria
		if err := json.Unmarshal(data, &leaf); err != nil {
			return nil, fmt.Errorf("decode %s criteria: %w", *probe.ResourceType, err)
		}
		if leaf.ResourceType == "" {
			return nil, fmt.Errorf("decode criteria: empty resourceType")
		}
		if leaf.Condition == "" {
			leaf.Condition = And
		}
		return &leaf, nil
	}

	var node Criteria
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("decode criteria: %w", err)
	}
	return &node, nil
}

// Leaves returns the leaves of n in depth-first order.
func Leaves(n Node) []*ResourceTypeCriteria {
	switch v := n.(type) {
	case *ResourceTypeCriteria:
		return []*ResourceTypeCriteria{v}
	case *Criteria:
		var out []*ResourceTypeCriteria
		for _, child := range v.Rules {
			out = append(out, Leaves(child)...)
		}
		return out
	}
	return nil
}

// String renders n compactly for logs, e.g. "AND(Patient[2], OR(Observation[1], Encounter[1]))".
func String(n Node) string {
	switch v := n.(type) {
	case *ResourceTypeCriteria:
		return fmt.Sprintf("%s[%d]", v.ResourceType, len(v.Rules))
	case *Criteria:
		parts := make([]string, len(v.Rules))
		for i, child := range v.Rules {
			parts[i] = String(child)
		}
		return string(v.Condition) + "(" + strings.Join(parts, ", ") + ")"
	}
	return "<nil>"
}
