package querybuilder

import (
	"sort"
	"sync"

	"github.com/cohort/cohort/internal/domain/criteria"
)

// Kind selects how a criterion value is compiled.
type Kind string

const (
	KindDate             Kind = "date"
	KindBoolean          Kind = "boolean"
	KindToken            Kind = "token"
	KindReference        Kind = "reference"
	KindCodeText         Kind = "code-text"
	KindObservationValue Kind = "observation-value"
	KindCodeValue        Kind = "code-value"
	KindEvidenceVariable Kind = "evidence-variable"
	KindString           Kind = "string"
)

// ParamDef maps a criterion field to a FHIR search parameter.
type ParamDef struct {
	Kind Kind
	Name string
}

// Registry holds the parameter definitions per resource type. It is safe for
// concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]map[string]ParamDef
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]map[string]ParamDef)}
}

// Register adds or replaces the definition of field on resourceType.
func (r *Registry) Register(resourceType, field string, def ParamDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.defs[resourceType]
	if m == nil {
		m = make(map[string]ParamDef)
		r.defs[resourceType] = m
	}
	m[field] = def
}

// Lookup returns the definition of field on resourceType.
func (r *Registry) Lookup(resourceType, field string) (ParamDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[resourceType][field]
	return def, ok
}

// kindOf finds the kind of a search parameter name on resourceType.
func (r *Registry) kindOf(resourceType, param string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, def := range r.defs[resourceType] {
		if def.Name == param {
			return def.Kind, true
		}
	}
	return "", false
}

// ResourceTypes lists the registered resource types in sorted order.
func (r *Registry) ResourceTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for rt := range r.defs {
		out = append(out, rt)
	}
	sort.Strings(out)
	return out
}

// DefaultRegistry returns the FHIR R4 parameters supported out of the box.
// Fields are registered both under their element name and their search
// parameter name where the two differ.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	add := func(rt string, kind Kind, name string, aliases ...string) {
		r.Register(rt, name, ParamDef{Kind: kind, Name: name})
		for _, a := range aliases {
			r.Register(rt, a, ParamDef{Kind: kind, Name: name})
		}
	}

	for _, rt := range []string{
		"Patient", "Observation", "Encounter", "Condition", "Procedure",
		"MedicationRequest", "MedicationStatement", "DiagnosticReport",
		"Immunization", "AllergyIntolerance", "ResearchStudy", "ResearchSubject",
	} {
		add(rt, KindToken, "_id", "id")
	}

	add("Patient", KindToken, "gender")
	add("Patient", KindDate, "birthdate", "birthDate")
	add("Patient", KindBoolean, "active")
	add("Patient", KindBoolean, "deceased")
	add("Patient", KindToken, "identifier")
	add("Patient", KindString, "name")
	add("Patient", KindString, "family")
	add("Patient", KindString, "given")
	add("Patient", KindString, "address-state")
	add("Patient", KindString, "address-postalcode")
	add("Patient", KindReference, "general-practitioner", "generalPractitioner")

	add("Observation", KindCodeText, "combo-code", criteria.FieldCodeText)
	add("Observation", KindObservationValue, "value", criteria.FieldObservationValue)
	add("Observation", KindCodeValue, "combo-code-value", criteria.FieldCodeValue)
	add("Observation", KindToken, "code")
	add("Observation", KindToken, "category")
	add("Observation", KindToken, "status")
	add("Observation", KindDate, "date", "effectiveDateTime")

	add("Encounter", KindDate, "date", "period")
	add("Encounter", KindToken, "class")
	add("Encounter", KindToken, "type")
	add("Encounter", KindToken, "status")
	add("Encounter", KindToken, "reason-code", "reasonCode")
	add("Encounter", KindReference, "service-provider", "serviceProvider")

	add("Condition", KindToken, "code")
	add("Condition", KindToken, "category")
	add("Condition", KindToken, "clinical-status", "clinicalStatus")
	add("Condition", KindToken, "verification-status", "verificationStatus")
	add("Condition", KindDate, "onset-date", "onsetDateTime")
	add("Condition", KindDate, "recorded-date", "recordedDate")

	add("Procedure", KindToken, "code")
	add("Procedure", KindToken, "status")
	add("Procedure", KindDate, "date", "performedDateTime")

	add("MedicationRequest", KindToken, "code")
	add("MedicationRequest", KindToken, "status")
	add("MedicationRequest", KindToken, "intent")
	add("MedicationRequest", KindDate, "authoredon", "authoredOn")
	add("MedicationRequest", KindReference, "medication", "medicationReference")

	add("MedicationStatement", KindToken, "code")
	add("MedicationStatement", KindToken, "status")
	add("MedicationStatement", KindDate, "effective", "effectiveDateTime")
	add("MedicationStatement", KindReference, "medication", "medicationReference")

	add("DiagnosticReport", KindToken, "code")
	add("DiagnosticReport", KindToken, "category")
	add("DiagnosticReport", KindToken, "status")
	add("DiagnosticReport", KindDate, "date", "effectiveDateTime")

	add("Immunization", KindToken, "vaccine-code", "vaccineCode")
	add("Immunization", KindToken, "status")
	add("Immunization", KindDate, "date", "occurrenceDateTime")

	add("AllergyIntolerance", KindToken, "code")
	add("AllergyIntolerance", KindToken, "clinical-status", "clinicalStatus")
	add("AllergyIntolerance", KindToken, "criticality")
	add("AllergyIntolerance", KindDate, "onset", "onsetDateTime")

	add("ResearchStudy", KindToken, "identifier")
	add("ResearchStudy", KindToken, "status")
	add("ResearchStudy", KindToken, "category")
	add("ResearchStudy", KindToken, "focus")
	add("ResearchStudy", KindToken, "keyword")
	add("ResearchStudy", KindString, "title")
	add("ResearchStudy", KindDate, "date", "period")

	add("ResearchSubject", KindReference, "study")
	add("ResearchSubject", KindToken, "status")

	add("EvidenceVariable", KindEvidenceVariable, "evidencevariable", "evidence variable", "code")

	return r
}
