package fhir

import (
	"encoding/json"
	"strings"
)

// OperationOutcome severity levels per FHIR R4.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes per FHIR R4.
const (
	IssueTypeInvalid      = "invalid"
	IssueTypeNotFound     = "not-found"
	IssueTypeProcessing   = "processing"
	IssueTypeSecurity     = "security"
	IssueTypeLogin        = "login"
	IssueTypeThrottled    = "throttled"
	IssueTypeNotSupported = "not-supported"
	IssueTypeException    = "exception"
	IssueTypeTimeout      = "timeout"
	IssueTypeTooCostly    = "too-costly"
)

// ParseOperationOutcome decodes body as an OperationOutcome. ok is false when
// the body is not an OperationOutcome resource.
func ParseOperationOutcome(body []byte) (*OperationOutcome, bool) {
	if len(body) == 0 {
		return nil, false
	}
	var oo OperationOutcome
	if err := json.Unmarshal(body, &oo); err != nil {
		return nil, false
	}
	if oo.ResourceType != "OperationOutcome" {
		return nil, false
	}
	return &oo, true
}

// HasErrors returns true if the outcome contains any error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// Summary joins the diagnostics (or details text) of all issues into one line.
func (o *OperationOutcome) Summary() string {
	msgs := make([]string, 0, len(o.Issue))
	for _, issue := range o.Issue {
		switch {
		case issue.Diagnostics != "":
			msgs = append(msgs, issue.Diagnostics)
		case issue.Details != nil && issue.Details.Text != "":
			msgs = append(msgs, issue.Details.Text)
		case issue.Code != "":
			msgs = append(msgs, issue.Code)
		}
	}
	return strings.Join(msgs, "; ")
}
