package fhir

import (
	"encoding/json"
	"strings"
	"time"
)

// Resource is the base FHIR resource representation.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Meta         *Meta  `json:"meta,omitempty"`
}

type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	Profile     []string  `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

// patientRefHolder captures every element through which a resource may point
// at its patient.
type patientRefHolder struct {
	Resource
	Subject    *Reference `json:"subject,omitempty"`
	Patient    *Reference `json:"patient,omitempty"`
	Individual *Reference `json:"individual,omitempty"`
}

// PatientReferenceParam returns the search parameter that links resources of
// the given type to a Patient.
func PatientReferenceParam(resourceType string) string {
	switch resourceType {
	case "AllergyIntolerance", "Immunization", "Coverage":
		return "patient"
	case "ResearchSubject":
		return "individual"
	default:
		return "subject"
	}
}

// PatientID derives the id of the patient a resource belongs to. Patient
// resources yield their own id; others yield the id from their patient
// reference element. ok is false when the resource does not reference a
// Patient.
func PatientID(raw json.RawMessage) (id string, ok bool) {
	var h patientRefHolder
	if err := json.Unmarshal(raw, &h); err != nil {
		return "", false
	}
	if h.ResourceType == "Patient" {
		return h.ID, h.ID != ""
	}

	var ref *Reference
	switch PatientReferenceParam(h.ResourceType) {
	case "patient":
		ref = h.Patient
	case "individual":
		ref = h.Individual
	default:
		ref = h.Subject
	}
	if ref == nil {
		return "", false
	}
	return ReferenceID(ref.Reference, "Patient")
}

// ReferenceID extracts the logical id from a literal reference of the given
// type. Relative ("Patient/1"), absolute ("http://x/fhir/Patient/1") and
// versioned ("Patient/1/_history/2") forms are accepted.
func ReferenceID(reference, resourceType string) (string, bool) {
	if i := strings.Index(reference, "/_history/"); i >= 0 {
		reference = reference[:i]
	}
	parts := strings.Split(reference, "/")
	if len(parts) < 2 {
		return "", false
	}
	typ, id := parts[len(parts)-2], parts[len(parts)-1]
	if typ != resourceType || id == "" {
		return "", false
	}
	return id, true
}

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}
