package app

import "fmt"

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

func validationError(message string) *DomainError {
	return &DomainError{Status: 422, Code: "VALIDATION_ERROR", Message: message}
}
