package fhir

import "fmt"

// InvalidOutcome creates a 400-style OperationOutcome for a request the
// server could not interpret.
func InvalidOutcome(message string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, message)
}

// NotSupportedOutcome reports a search parameter that has no mapping for the
// given resource type.
func NotSupportedOutcome(resourceType, param string) *OperationOutcome {
	return NewOperationOutcome(
		IssueSeverityError,
		IssueTypeNotSupported,
		fmt.Sprintf("search parameter %q is not supported for %s", param, resourceType),
	)
}

// ExceptionOutcome wraps an unexpected upstream failure.
func ExceptionOutcome(err error) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityFatal, IssueTypeException, err.Error())
}
