package firewall

import (
	"sort"

	"emperror.dev/errors"
	cache "github.com/patrickmn/go-cache"
	"gorm.io/gorm"

	"github.com/Infinibay/backend-sub001/internal/models"
)

// EffectiveRules is the merged policy applied to one machine: the raw
// department and machine rule lists plus the conflict-resolved union.
type EffectiveRules struct {
	DepartmentRules []models.FilterRule `json:"department_rules"`
	VMRules         []models.FilterRule `json:"vm_rules"`
	EffectiveRules  []models.FilterRule `json:"effective_rules"`
}

// GetEffectiveRules resolves the policy for a machine by merging its own
// rules with its department's. The machine must exist; either rule set may
// be absent and contributes an empty list.
//
// Merge semantics: the union is ordered by rule priority, and at equal
// priority machine rules strictly precede department rules. A machine rule
// with OverridesDept set additionally suppresses every department rule that
// matches it on (protocol, direction, dstPortStart, dstPortEnd) — action is
// deliberately not part of the match so that, for example, a machine-level
// accept can supersede a department-level drop for the same service.
// Suppressed department rules are removed from EffectiveRules but still
// reported in DepartmentRules so callers can display what was overridden.
func (s *Service) GetEffectiveRules(vmID string) (*EffectiveRules, error) {
	if cached, ok := s.resolved.Get(vmID); ok {
		return cached.(*EffectiveRules), nil
	}

	var machine models.Machine
	if err := s.db.First(&machine, "id = ?", vmID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Kind: "machine", ID: vmID}
		}
		return nil, errors.Wrap(err, "firewall: failed to fetch machine")
	}

	vmRules, err := s.rulesForEntity(models.ScopeVM, vmID)
	if err != nil {
		return nil, err
	}
	var deptRules []models.FilterRule
	if machine.DepartmentID != nil {
		deptRules, err = s.rulesForEntity(models.ScopeDepartment, *machine.DepartmentID)
		if err != nil {
			return nil, err
		}
	}

	result := &EffectiveRules{
		DepartmentRules: deptRules,
		VMRules:         vmRules,
		EffectiveRules:  mergeRules(deptRules, vmRules),
	}
	s.resolved.Set(vmID, result, cache.DefaultExpiration)
	return result, nil
}

func (s *Service) rulesForEntity(scope models.RuleSetScope, entityID string) ([]models.FilterRule, error) {
	rs, err := findRuleSet(s.db, scope, entityID)
	if err != nil {
		return nil, err
	}
	if rs == nil {
		return []models.FilterRule{}, nil
	}
	var rules []models.FilterRule
	if err := s.db.Where("rule_set_id = ?", rs.ID).
		Order("priority ASC, id ASC").
		Find(&rules).Error; err != nil {
		return nil, errors.Wrap(err, "firewall: failed to fetch rules")
	}
	return rules, nil
}

// mergeRules builds the effective list: suppressed department rules drop
// out, everything else is ordered by priority with machine rules winning
// priority ties.
func mergeRules(deptRules, vmRules []models.FilterRule) []models.FilterRule {
	merged := make([]models.FilterRule, 0, len(deptRules)+len(vmRules))
	for _, dr := range deptRules {
		if overridden(dr, vmRules) {
			continue
		}
		merged = append(merged, dr)
	}
	merged = append(merged, vmRules...)

	// Machine rules entered the slice after department rules, so a stable
	// sort alone would put them last at equal priority; rank makes the
	// machine-wins tie-break explicit.
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Priority != merged[j].Priority {
			return merged[i].Priority < merged[j].Priority
		}
		return scopeRank(merged[i], vmRules) < scopeRank(merged[j], vmRules)
	})
	return merged
}

func scopeRank(r models.FilterRule, vmRules []models.FilterRule) int {
	for i := range vmRules {
		if vmRules[i].ID == r.ID && vmRules[i].RuleSetID == r.RuleSetID {
			return 0
		}
	}
	return 1
}

// overridden reports whether a department rule is suppressed by any
// machine rule carrying the OverridesDept flag. The match predicate is
// exact equality of protocol, direction and destination port range.
func overridden(dept models.FilterRule, vmRules []models.FilterRule) bool {
	for _, vr := range vmRules {
		if !vr.OverridesDept {
			continue
		}
		if vr.Protocol == dept.Protocol &&
			vr.Direction == dept.Direction &&
			intPtrEqual(vr.DstPortStart, dept.DstPortStart) &&
			intPtrEqual(vr.DstPortEnd, dept.DstPortEnd) {
			return true
		}
	}
	return false
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// invalidateResolutions drops every cached resolution. Rule mutations can
// affect an unknown set of machines (a department edit touches all of its
// members), so the whole cache goes rather than tracking reverse edges.
func (s *Service) invalidateResolutions() {
	s.resolved.Flush()
}
