package models

import (
	dErrors "github.com/buttermb/delviery-sub009/pkg/domain-errors"
)

// CheckType names one regulatory or business requirement.
type CheckType string

const (
	CheckAgeVerification CheckType = "age_verification"
	CheckIDOnFile        CheckType = "id_on_file"
	CheckLicensedZone    CheckType = "licensed_zone"
	CheckTimeRestriction CheckType = "time_restriction"
	CheckQuantityLimit   CheckType = "quantity_limit"
	CheckCustomerStatus  CheckType = "customer_status"
)

// AllCheckTypes lists every check type in canonical display order.
var AllCheckTypes = []CheckType{
	CheckAgeVerification,
	CheckIDOnFile,
	CheckLicensedZone,
	CheckTimeRestriction,
	CheckQuantityLimit,
	CheckCustomerStatus,
}

// IsValid reports whether t is a known check type.
func (t CheckType) IsValid() bool {
	return t.Rank() >= 0
}

// Rank is the position of t in AllCheckTypes, or -1 when unknown.
func (t CheckType) Rank() int {
	for i, known := range AllCheckTypes {
		if known == t {
			return i
		}
	}
	return -1
}

func (t CheckType) String() string { return string(t) }

// ParseCheckType validates an external check type name.
func ParseCheckType(s string) (CheckType, error) {
	t := CheckType(s)
	if !t.IsValid() {
		return "", dErrors.New(dErrors.CodeValidation, "unknown check type: "+s)
	}
	return t, nil
}

// Status is the lifecycle state of a check.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPassed   Status = "passed"
	StatusFailed   Status = "failed"
	StatusSkipped  Status = "skipped"
	StatusOverride Status = "override"
)

// CanTransitionTo encodes the check state machine:
// pending -> passed | failed | skipped, failed -> override. Nothing else.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusPassed || next == StatusFailed || next == StatusSkipped
	case StatusFailed:
		return next == StatusOverride
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusPassed || s == StatusSkipped || s == StatusOverride
}

// IsResolved reports whether the status satisfies a blocking check.
func (s Status) IsResolved() bool {
	return s == StatusPassed || s == StatusOverride
}

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusPassed, StatusFailed, StatusSkipped, StatusOverride:
		return true
	}
	return false
}

// ParseManualStatus validates the outcome a human may record.
func ParseManualStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPassed, StatusFailed:
		return Status(s), nil
	}
	return "", dErrors.New(dErrors.CodeValidation, "status must be passed or failed")
}

// VerificationMethod records how a check left pending.
type VerificationMethod string

const (
	VerificationSystem VerificationMethod = "system"
	VerificationManual VerificationMethod = "manual"
)
