package approval

import "fmt"

// DomainError is a caller-correctable failure with a stable code the
// boundary layer maps to a transport status.
type DomainError struct {
	Status  int
	Code    string
	Message string
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

var (
	ErrUserNotFound      = &DomainError{Status: 404, Code: "USER_NOT_FOUND", Message: "User not found"}
	ErrFileNotAccessible = &DomainError{Status: 404, Code: "FILE_NOT_ACCESSIBLE", Message: "File not found or not accessible by you"}
	ErrRuleNotFound      = &DomainError{Status: 404, Code: "RULE_NOT_FOUND", Message: "Rule does not exist"}
	ErrNotAuthorized     = &DomainError{Status: 403, Code: "NOT_AUTHORIZED", Message: "You are not authorized to request with this rule"}
	ErrAlreadyInWorkflow = &DomainError{Status: 409, Code: "ALREADY_IN_WORKFLOW", Message: "Approval has already been requested or processed for this file with this rule"}
)
