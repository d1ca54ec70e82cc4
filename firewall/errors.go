package firewall

import (
	"fmt"
)

// ValidationError indicates a rule input that can never be persisted, such
// as an overrides-department flag on a department-scoped rule. It is always
// raised before any row is written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "firewall: validation failed: " + e.Reason
	}
	return fmt.Sprintf("firewall: validation failed on %s: %s", e.Field, e.Reason)
}

// NotFoundError indicates that the machine, department, rule set or rule a
// caller addressed does not exist. It is raised before any side effect.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("firewall: %s %s not found", e.Kind, e.ID)
}

// DepartmentHasMachinesError guards department deletion: a department with
// machines still attached cannot be removed. No mutation has occurred when
// this error is returned.
type DepartmentHasMachinesError struct {
	DepartmentID string
	Count        int
}

func (e *DepartmentHasMachinesError) Error() string {
	return fmt.Sprintf("firewall: department %s still has %d machine(s) attached and cannot be deleted", e.DepartmentID, e.Count)
}
