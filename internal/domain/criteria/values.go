package criteria

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/cohort/cohort/internal/platform/fhir"
)

type Coding = fhir.Coding

// Field names with dedicated value shapes.
const (
	FieldCodeText         = "code text"
	FieldObservationValue = "observation value"
	// FieldCodeValue is produced by Normalize when an Observation code and
	// value criterion are merged.
	FieldCodeValue = "code value"
	FieldActive    = "active"
)

// Observation value datatypes.
const (
	DatatypeQuantity        = "Quantity"
	DatatypeCodeableConcept = "CodeableConcept"
	DatatypeString          = "String"
)

// DateRange is the value of a date criterion. Either bound may be absent.
type DateRange struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// CodeSelection is the value of a "code text" criterion.
type CodeSelection struct {
	Coding   []Coding `json:"coding,omitempty"`
	Datatype string   `json:"datatype,omitempty"`
	Items    []string `json:"items,omitempty"`
}

// ObservationValue is the value of an "observation value" criterion.
// TestValue stays raw JSON so a literal 0 is kept verbatim; for
// CodeableConcept values it holds a coding array.
type ObservationValue struct {
	TestValuePrefix   string            `json:"testValuePrefix,omitempty"`
	TestValue         json.RawMessage   `json:"testValue,omitempty"`
	TestValueModifier string            `json:"testValueModifier,omitempty"`
	TestValueUnit     string            `json:"testValueUnit,omitempty"`
	Datatype          string            `json:"datatype,omitempty"`
	Range             *ObservationValue `json:"range,omitempty"`
}

// CodeValue is a merged Observation code + value criterion.
type CodeValue struct {
	Coding   Coding           `json:"coding"`
	Datatype string           `json:"datatype,omitempty"`
	Value    ObservationValue `json:"value"`
}

// Literal returns the scalar test value as text: numbers keep their JSON
// spelling, strings are unquoted. ok is false when no scalar is present.
func (v *ObservationValue) Literal() (string, bool) {
	raw := bytes.TrimSpace(v.TestValue)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || s == "" {
			return "", false
		}
		return s, true
	case '[', '{':
		return "", false
	}
	if _, err := strconv.ParseFloat(string(raw), 64); err != nil {
		return "", false
	}
	return string(raw), true
}

// Codings returns the test value when it is a coding (or code) array.
func (v *ObservationValue) Codings() []Coding {
	raw := bytes.TrimSpace(v.TestValue)
	if len(raw) == 0 || raw[0] != '[' {
		return nil
	}
	codes, _ := parseCodes(raw)
	return codes
}

// EffectiveDatatype returns Datatype, or infers it from the test value.
// Numbers sent as JSON strings, as form inputs often do, are quantities.
func (v *ObservationValue) EffectiveDatatype() string {
	if v.Datatype != "" {
		return v.Datatype
	}
	if len(v.Codings()) > 0 {
		return DatatypeCodeableConcept
	}
	raw := bytes.TrimSpace(v.TestValue)
	if len(raw) > 0 && raw[0] == '"' {
		if s, ok := v.Literal(); ok && isNumber(s) {
			return DatatypeQuantity
		}
		return DatatypeString
	}
	return DatatypeQuantity
}

func isNumber(s string) bool {
	f, err := strconv.ParseFloat(s, 64)
	return err == nil && !math.IsInf(f, 0) && !math.IsNaN(f)
}

// HasValue reports whether v carries a scalar or coded test value.
func (v *ObservationValue) HasValue() bool {
	if _, ok := v.Literal(); ok {
		return true
	}
	return len(v.Codings()) > 0
}

// DateRange decodes the criterion value as a date range.
func (c *Criterion) DateRange() (DateRange, error) {
	var d DateRange
	if err := json.Unmarshal(c.Value, &d); err != nil {
		return d, fmt.Errorf("%s: date range: %w", c.Field, err)
	}
	return d, nil
}

// Bool decodes the criterion value as a boolean. String values "true" and
// "false" are accepted.
func (c *Criterion) Bool() (bool, error) {
	var b bool
	if err := json.Unmarshal(c.Value, &b); err == nil {
		return b, nil
	}
	var s string
	if err := json.Unmarshal(c.Value, &s); err == nil {
		if b, err := strconv.ParseBool(s); err == nil {
			return b, nil
		}
	}
	return false, fmt.Errorf("%s: expected a boolean, got %s", c.Field, c.Value)
}

// Codes decodes a lookup value: an array of codes or codings, or an object
// with a "codes" array.
func (c *Criterion) Codes() ([]Coding, error) {
	codes, err := parseCodes(c.Value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.Field, err)
	}
	return codes, nil
}

// CodeSelection decodes a "code text" value.
func (c *Criterion) CodeSelection() (CodeSelection, error) {
	var s CodeSelection
	if err := json.Unmarshal(c.Value, &s); err != nil {
		return s, fmt.Errorf("%s: code selection: %w", c.Field, err)
	}
	return s, nil
}

// ObservationValue decodes an "observation value" value.
func (c *Criterion) ObservationValue() (ObservationValue, error) {
	var v ObservationValue
	if err := json.Unmarshal(c.Value, &v); err != nil {
		return v, fmt.Errorf("%s: observation value: %w", c.Field, err)
	}
	return v, nil
}

// CodeValue decodes a merged "code value" value.
func (c *Criterion) CodeValue() (CodeValue, error) {
	var v CodeValue
	if err := json.Unmarshal(c.Value, &v); err != nil {
		return v, fmt.Errorf("%s: code value: %w", c.Field, err)
	}
	return v, nil
}

// CodeLists decodes an EvidenceVariable value: nested arrays of codes.
func (c *Criterion) CodeLists() ([][]string, error) {
	var lists [][]string
	if err := json.Unmarshal(c.Value, &lists); err != nil {
		return nil, fmt.Errorf("%s: code lists: %w", c.Field, err)
	}
	return lists, nil
}

// Scalar returns a scalar value as text. Numbers keep their JSON spelling.
func (c *Criterion) Scalar() (string, error) {
	raw := bytes.TrimSpace(c.Value)
	if len(raw) == 0 {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%s: %w", c.Field, err)
		}
		return s, nil
	case '[', '{':
		return "", fmt.Errorf("%s: expected a scalar, got %s", c.Field, raw)
	}
	if bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	return string(raw), nil
}

func parseCodes(raw json.RawMessage) ([]Coding, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	if raw[0] == '{' {
		var wrapped struct {
			Codes json.RawMessage `json:"codes"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("code list: %w", err)
		}
		return parseCodes(wrapped.Codes)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("code list: %w", err)
	}
	out := make([]Coding, 0, len(items))
	for _, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) > 0 && item[0] == '"' {
			var code string
			if err := json.Unmarshal(item, &code); err != nil {
				return nil, fmt.Errorf("code list: %w", err)
			}
			if code != "" {
				out = append(out, Coding{Code: code})
			}
			continue
		}
		var coding Coding
		if err := json.Unmarshal(item, &coding); err != nil {
			return nil, fmt.Errorf("code list: %w", err)
		}
		if coding.Code != "" {
			out = append(out, coding)
		}
	}
	return out, nil
}

// IsEmpty reports whether the criterion constrains nothing and can be
// dropped from the tree.
func (c *Criterion) IsEmpty() bool {
	switch c.Field {
	case FieldCodeText:
		s, err := c.CodeSelection()
		return err == nil && len(s.Coding) == 0 && len(s.Items) == 0
	case FieldObservationValue:
		v, err := c.ObservationValue()
		if err != nil {
			return false
		}
		return !v.HasValue() && (v.Range == nil || !v.Range.HasValue())
	case FieldCodeValue:
		return false
	}
	return jsonEmpty(c.Value)
}

// jsonEmpty treats null, "", and arrays or objects holding only empty values
// as empty. false and 0 are values.
func jsonEmpty(raw json.RawMessage) bool {
	if len(bytes.TrimSpace(raw)) == 0 {
		return true
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	return valueEmpty(v)
}

func valueEmpty(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []interface{}:
		for _, e := range t {
			if !valueEmpty(e) {
				return false
			}
		}
		return true
	case map[string]interface{}:
		for _, e := range t {
			if !valueEmpty(e) {
				return false
			}
		}
		return true
	}
	return false
}
