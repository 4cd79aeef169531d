package app

import "fmt"

// DomainError carries the failure taxonomy to the HTTP layer: VALIDATION,
// CONFLICT, REJECTED, NOT_FOUND, INELIGIBLE, UPSTREAM_FAILURE, plus the
// verifier-specific codes.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(422, "VALIDATION", message, nil)
}

func conflictError(message string) *DomainError {
	return domainError(409, "CONFLICT", message, nil)
}

func rejectedError(message string) *DomainError {
	return domainError(400, "REJECTED", message, nil)
}

func notFoundError(message string) *DomainError {
	return domainError(404, "NOT_FOUND", message, nil)
}

func ineligibleError(message string) *DomainError {
	return domainError(422, "INELIGIBLE", message, nil)
}

func upstreamError(message string, err error) *DomainError {
	detail := message
	if err != nil {
		detail = fmt.Sprintf("%s: %v", message, err)
	}
	return domainError(502, "UPSTREAM_FAILURE", detail, nil)
}
