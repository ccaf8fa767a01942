package criteria

import (
	"encoding/json"
)

// Normalize returns a pruned copy of n ready for planning; n itself is not
// modified. It returns nil when no constraint is left.
//
//   - empty criteria, leaves and subtrees are dropped
//   - a leaf with condition OR and several rules becomes an OR of
//     single-rule leaves
//   - an Observation leaf with one single-code "code text" and one
//     unmodified "observation value" rule gets both merged into a
//     "code value" rule
//   - OR siblings that are code-only Observation leaves are merged into one
//     leaf with the concatenated codes
//   - nested nodes with the same condition are flattened and single-child
//     interior nodes are replaced by their child
func Normalize(n Node) Node {
	switch v := n.(type) {
	case *ResourceTypeCriteria:
		return normalizeLeaf(v)
	case *Criteria:
		return normalizeNode(v)
	}
	return nil
}

func normalizeLeaf(l *ResourceTypeCriteria) Node {
	rules := make([]Criterion, 0, len(l.Rules))
	for _, r := range l.Rules {
		if !r.IsEmpty() {
			rules = append(rules, r)
		}
	}
	if len(rules) == 0 {
		return nil
	}

	if l.Condition == Or && len(rules) > 1 {
		split := &Criteria{Condition: Or}
		for _, r := range rules {
			split.Rules = append(split.Rules, &ResourceTypeCriteria{
				Condition:    And,
				ResourceType: l.ResourceType,
				Rules:        []Criterion{r},
			})
		}
		split.Rules = mergeCodeOnlyObservations(split.Rules)
		if len(split.Rules) == 1 {
			return split.Rules[0]
		}
		return split
	}

	if l.ResourceType == "Observation" {
		rules = mergeCodeValue(rules)
	}
	return &ResourceTypeCriteria{Condition: And, ResourceType: l.ResourceType, Rules: rules}
}

func normalizeNode(c *Criteria) Node {
	children := make([]Node, 0, len(c.Rules))
	for _, child := range c.Rules {
		n := Normalize(child)
		if n == nil {
			continue
		}
		if inner, ok := n.(*Criteria); ok && inner.Condition == c.Condition {
			children = append(children, inner.Rules...)
			continue
		}
		children = append(children, n)
	}

	if c.Condition == Or {
		children = mergeCodeOnlyObservations(children)
	}

	switch len(children) {
	case 0:
		return nil
	case 1:
		return children[0]
	}
	return &Criteria{Condition: c.Condition, Rules: children}
}

// mergeCodeValue folds an Observation code selection and value into one
// criterion when exactly one code (and, for coded values, exactly one value
// code) is selected.
func mergeCodeValue(rules []Criterion) []Criterion {
	codeIdx, valueIdx := -1, -1
	for i, r := range rules {
		switch r.Field {
		case FieldCodeText:
			if codeIdx >= 0 {
				return rules
			}
			codeIdx = i
		case FieldObservationValue:
			if valueIdx >= 0 {
				return rules
			}
			valueIdx = i
		}
	}
	if codeIdx < 0 || valueIdx < 0 {
		return rules
	}

	sel, err := rules[codeIdx].CodeSelection()
	if err != nil || len(sel.Coding) != 1 {
		return rules
	}
	val, err := rules[valueIdx].ObservationValue()
	if err != nil || !val.HasValue() || val.TestValueModifier != "" {
		return rules
	}
	if _, scalar := val.Literal(); !scalar && len(val.Codings()) != 1 {
		return rules
	}

	datatype := sel.Datatype
	if datatype == "" {
		datatype = val.EffectiveDatatype()
	}
	raw, err := json.Marshal(CodeValue{Coding: sel.Coding[0], Datatype: datatype, Value: val})
	if err != nil {
		return rules
	}

	out := make([]Criterion, 0, len(rules)-1)
	for i, r := range rules {
		switch i {
		case codeIdx:
			out = append(out, Criterion{Field: FieldCodeValue, Value: raw, AuxiliaryCoding: r.AuxiliaryCoding})
		case valueIdx:
		default:
			out = append(out, r)
		}
	}
	return out
}

func isCodeOnlyObservation(n Node) (*ResourceTypeCriteria, CodeSelection, bool) {
	leaf, ok := n.(*ResourceTypeCriteria)
	if !ok || leaf.ResourceType != "Observation" || len(leaf.Rules) != 1 || leaf.Rules[0].Field != FieldCodeText {
		return nil, CodeSelection{}, false
	}
	sel, err := leaf.Rules[0].CodeSelection()
	if err != nil || len(sel.Coding) == 0 {
		// text-only selections compile to code:text and stay separate
		return nil, CodeSelection{}, false
	}
	return leaf, sel, true
}

// mergeCodeOnlyObservations merges OR siblings that only select Observation
// codings into the first of them. Nodes are fresh copies, so the first leaf
// is updated in place. Free-text items of a coded selection never reach the
// query, so they are not carried over.
func mergeCodeOnlyObservations(children []Node) []Node {
	var first *ResourceTypeCriteria
	var merged CodeSelection
	seen := make(map[Coding]bool)
	count := 0

	out := make([]Node, 0, len(children))
	for _, child := range children {
		leaf, sel, ok := isCodeOnlyObservation(child)
		if !ok {
			out = append(out, child)
			continue
		}
		count++
		if first == nil {
			first = leaf
			merged.Datatype = sel.Datatype
			out = append(out, leaf)
		}
		for _, c := range sel.Coding {
			key := Coding{System: c.System, Code: c.Code}
			if !seen[key] {
				seen[key] = true
				merged.Coding = append(merged.Coding, c)
			}
		}
	}

	if count < 2 {
		return children
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return children
	}
	first.Rules = []Criterion{{Field: FieldCodeText, Value: raw, AuxiliaryCoding: first.Rules[0].AuxiliaryCoding}}
	return out
}
