package app

import "fmt"

// Error codes returned in the {code, error, details} body.
const (
	CodeAlreadyActive       = "ALREADY_ACTIVE"
	CodeLockConflict        = "LOCK_CONFLICT"
	CodeNotOwner            = "NOT_OWNER"
	CodeUnresolvedConflict  = "UNRESOLVED_CONFLICT"
	CodeNoChainConfigured   = "NO_CHAIN_CONFIGURED"
	CodeNotEligibleApprover = "NOT_ELIGIBLE_APPROVER"
	CodeWrongState          = "WRONG_STATE"
	CodeStaleRequest        = "STALE_CHANGE_REQUEST"
	CodeIncompleteMerge     = "INCOMPLETE_MERGE"
	CodeValidation          = "VALIDATION_ERROR"
	CodeNotFound            = "NOT_FOUND"
)

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
