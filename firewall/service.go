// Package firewall implements the network policy core of the node daemon:
// the two-tier (department, machine) rule hierarchy, its resolution into an
// effective per-machine policy, synthesis of libvirt nwfilter documents,
// synchronization of those documents against the hypervisor, and the ordered
// teardown of firewall state when machines or departments are deleted.
//
// The relational store is authoritative. Hypervisor state is derived from it
// and re-converged by subsequent flushes; the two are never mutated inside a
// single transaction and callers must not assume atomicity across them.
package firewall

import (
	"time"

	"emperror.dev/errors"
	cache "github.com/patrickmn/go-cache"
	"gorm.io/gorm"

	"github.com/Infinibay/backend-sub001/hypervisor"
	"github.com/Infinibay/backend-sub001/internal/models"
)

// Service exposes every firewall operation of the control plane. It is safe
// for concurrent use; flushes for the same filter name are serialized
// internally.
type Service struct {
	db *gorm.DB
	hv hypervisor.Client

	locks *filterLocks

	// resolved caches effective-rule resolutions per machine id. Entries are
	// dropped whenever a rule mutation touches either the machine's own rule
	// set or its department's.
	resolved *cache.Cache
}

// NewService wires the firewall core to its two collaborators: the relational
// store and the hypervisor client.
func NewService(db *gorm.DB, hv hypervisor.Client) *Service {
	return &Service{
		db:       db,
		hv:       hv,
		locks:    newFilterLocks(),
		resolved: cache.New(30*time.Second, time.Minute),
	}
}

// RuleInput is the caller-supplied shape of a firewall rule.
type RuleInput struct {
	Action    models.RuleAction    `json:"action"`
	Direction models.RuleDirection `json:"direction"`
	Priority  int                  `json:"priority"`
	Protocol  string               `json:"protocol"`

	SrcPortStart *int `json:"src_port_start"`
	SrcPortEnd   *int `json:"src_port_end"`
	DstPortStart *int `json:"dst_port_start"`
	DstPortEnd   *int `json:"dst_port_end"`

	SrcIPAddr string `json:"src_ip_addr"`
	SrcIPMask string `json:"src_ip_mask"`
	DstIPAddr string `json:"dst_ip_addr"`
	DstIPMask string `json:"dst_ip_mask"`

	SrcMacAddr string `json:"src_mac_addr"`

	IcmpType *int `json:"icmp_type"`
	IcmpCode *int `json:"icmp_code"`

	ConnectionState string `json:"connection_state"`
	OverridesDept   bool   `json:"overrides_dept"`
	Comment         string `json:"comment"`
}

// CreateRule validates the input and inserts a new rule for the given
// entity, creating the entity's rule set lazily if this is its first rule.
// Validation happens before any row is written; in particular
// OverridesDept is only legal for vm-scoped rules.
func (s *Service) CreateRule(scope models.RuleSetScope, entityID string, input RuleInput) (*models.FilterRule, error) {
	if !scope.Valid() {
		return nil, &ValidationError{Field: "scope", Reason: "must be vm or department"}
	}
	if err := s.ensureEntityExists(scope, entityID); err != nil {
		return nil, err
	}
	if err := validateRuleInput(scope, input); err != nil {
		return nil, err
	}

	var rule *models.FilterRule
	err := s.db.Transaction(func(tx *gorm.DB) error {
		rs, err := ensureRuleSet(tx, scope, entityID)
		if err != nil {
			return err
		}
		rule = inputToRule(rs.ID, input)
		if err := tx.Create(rule).Error; err != nil {
			return errors.Wrap(err, "firewall: failed to insert rule")
		}
		return touchRuleSet(tx, rs.ID)
	})
	if err != nil {
		return nil, err
	}
	s.invalidateResolutions()
	return rule, nil
}

// UpdateRule replaces the mutable fields of an existing rule after running
// the same validation as CreateRule against the owning rule set's scope.
func (s *Service) UpdateRule(ruleID uint, input RuleInput) (*models.FilterRule, error) {
	var rule models.FilterRule
	if err := s.db.First(&rule, ruleID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Kind: "rule", ID: itoa(ruleID)}
		}
		return nil, errors.Wrap(err, "firewall: failed to fetch rule")
	}
	var rs models.RuleSet
	if err := s.db.First(&rs, rule.RuleSetID).Error; err != nil {
		return nil, errors.Wrap(err, "firewall: failed to fetch owning rule set")
	}
	if err := validateRuleInput(rs.Scope, input); err != nil {
		return nil, err
	}

	updated := inputToRule(rule.RuleSetID, input)
	updated.ID = rule.ID
	updated.CreatedAt = rule.CreatedAt
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(updated).Error; err != nil {
			return errors.Wrap(err, "firewall: failed to update rule")
		}
		return touchRuleSet(tx, rule.RuleSetID)
	})
	if err != nil {
		return nil, err
	}
	s.invalidateResolutions()
	return updated, nil
}

// DeleteRule removes a single rule. The owning rule set stays behind even
// when its last rule is deleted; it is only destroyed with its entity.
func (s *Service) DeleteRule(ruleID uint) error {
	var rule models.FilterRule
	if err := s.db.First(&rule, ruleID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &NotFoundError{Kind: "rule", ID: itoa(ruleID)}
		}
		return errors.Wrap(err, "firewall: failed to fetch rule")
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.FilterRule{}, rule.ID).Error; err != nil {
			return errors.Wrap(err, "firewall: failed to delete rule")
		}
		return touchRuleSet(tx, rule.RuleSetID)
	})
	if err != nil {
		return err
	}
	s.invalidateResolutions()
	return nil
}

// GetRules returns the rules of an entity's rule set ordered by priority. A
// missing rule set is not an error, the entity simply has no rules yet.
func (s *Service) GetRules(scope models.RuleSetScope, entityID string) ([]models.FilterRule, error) {
	if err := s.ensureEntityExists(scope, entityID); err != nil {
		return nil, err
	}
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

// RuleSetFor returns the entity's rule set, or nil if the entity has never
// had a rule.
func (s *Service) RuleSetFor(scope models.RuleSetScope, entityID string) (*models.RuleSet, error) {
	return findRuleSet(s.db, scope, entityID)
}

func (s *Service) ensureEntityExists(scope models.RuleSetScope, entityID string) error {
	var (
		count int64
		err   error
	)
	switch scope {
	case models.ScopeVM:
		err = s.db.Model(&models.Machine{}).Where("id = ?", entityID).Count(&count).Error
		if err == nil && count == 0 {
			return &NotFoundError{Kind: "machine", ID: entityID}
		}
	case models.ScopeDepartment:
		err = s.db.Model(&models.Department{}).Where("id = ?", entityID).Count(&count).Error
		if err == nil && count == 0 {
			return &NotFoundError{Kind: "department", ID: entityID}
		}
	}
	if err != nil {
		return errors.Wrap(err, "firewall: failed to look up entity")
	}
	return nil
}

// ensureRuleSet returns the entity's rule set, creating it with its derived
// filter name if this is the first rule the entity receives.
func ensureRuleSet(tx *gorm.DB, scope models.RuleSetScope, entityID string) (*models.RuleSet, error) {
	rs, err := findRuleSet(tx, scope, entityID)
	if err != nil {
		return nil, err
	}
	if rs != nil {
		return rs, nil
	}
	rs = &models.RuleSet{
		Scope:        scope,
		EntityID:     entityID,
		InternalName: FilterName(scope, entityID),
		IsActive:     true,
	}
	if err := tx.Create(rs).Error; err != nil {
		return nil, errors.Wrap(err, "firewall: failed to create rule set")
	}
	return rs, nil
}

func findRuleSet(tx *gorm.DB, scope models.RuleSetScope, entityID string) (*models.RuleSet, error) {
	var rs models.RuleSet
	err := tx.Where("scope = ? AND entity_id = ?", scope, entityID).First(&rs).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "firewall: failed to fetch rule set")
	}
	return &rs, nil
}

func touchRuleSet(tx *gorm.DB, ruleSetID uint) error {
	if err := tx.Model(&models.RuleSet{}).Where("id = ?", ruleSetID).
		Update("updated_at", time.Now()).Error; err != nil {
		return errors.Wrap(err, "firewall: failed to touch rule set")
	}
	return nil
}

func inputToRule(ruleSetID uint, in RuleInput) *models.FilterRule {
	protocol := in.Protocol
	if protocol == "" {
		protocol = "all"
	}
	priority := in.Priority
	if priority == 0 {
		priority = 500
	}
	return &models.FilterRule{
		RuleSetID:       ruleSetID,
		Action:          in.Action,
		Direction:       in.Direction,
		Priority:        priority,
		Protocol:        protocol,
		SrcPortStart:    in.SrcPortStart,
		SrcPortEnd:      in.SrcPortEnd,
		DstPortStart:    in.DstPortStart,
		DstPortEnd:      in.DstPortEnd,
		SrcIPAddr:       in.SrcIPAddr,
		SrcIPMask:       in.SrcIPMask,
		DstIPAddr:       in.DstIPAddr,
		DstIPMask:       in.DstIPMask,
		SrcMacAddr:      in.SrcMacAddr,
		IcmpType:        in.IcmpType,
		IcmpCode:        in.IcmpCode,
		ConnectionState: in.ConnectionState,
		OverridesDept:   in.OverridesDept,
		Comment:         in.Comment,
	}
}
