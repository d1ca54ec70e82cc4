package models

import (
	"time"
)

// RuleSetScope identifies which kind of entity owns a rule set. A rule set
// belongs either to a single machine or to a whole department; the two scopes
// share the same shape and differ only in which guard rules apply.
type RuleSetScope string

const (
	ScopeVM         RuleSetScope = "vm"
	ScopeDepartment RuleSetScope = "department"
)

// Valid returns true if the scope is one of the two supported kinds.
func (s RuleSetScope) Valid() bool {
	return s == ScopeVM || s == ScopeDepartment
}

// RuleAction is what the hypervisor does with a matching packet.
type RuleAction string

const (
	ActionAccept RuleAction = "accept"
	ActionDrop   RuleAction = "drop"
	ActionReject RuleAction = "reject"
)

// RuleDirection is the traffic direction a rule applies to, from the
// perspective of the guest interface.
type RuleDirection string

const (
	DirectionIn    RuleDirection = "in"
	DirectionOut   RuleDirection = "out"
	DirectionInOut RuleDirection = "inout"
)

// RuleSet is the named collection of firewall rules owned by exactly one
// machine or department. At most one rule set exists per (scope, entity);
// it is created lazily when the entity receives its first rule and destroyed
// only as part of the entity's own deletion.
type RuleSet struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Scope    RuleSetScope `gorm:"not null;uniqueIndex:idx_rule_sets_scope_entity" json:"scope"`
	EntityID string       `gorm:"not null;uniqueIndex:idx_rule_sets_scope_entity" json:"entity_id"`

	// InternalName is the hypervisor nwfilter object name. It is derived once
	// from (scope, entity id) and never changes for the lifetime of the
	// entity; existing hypervisor objects reference it by this exact string.
	InternalName string `gorm:"uniqueIndex;not null" json:"internal_name"`

	// Priority of this filter relative to filters that reference it or that
	// it references.
	Priority int  `gorm:"default:500;not null" json:"priority"`
	IsActive bool `gorm:"default:true;not null" json:"is_active"`

	// HypervisorObjectID is the UUID libvirt assigned to the nwfilter object,
	// recorded on the first successful definition. Nil until then.
	HypervisorObjectID *string    `json:"hypervisor_object_id"`
	LastSyncedAt       *time.Time `json:"last_synced_at"`

	Rules      []FilterRule      `gorm:"foreignKey:RuleSetID;constraint:OnDelete:CASCADE" json:"rules,omitempty"`
	References []FilterReference `gorm:"foreignKey:RuleSetID;constraint:OnDelete:CASCADE" json:"references,omitempty"`
}

func (RuleSet) TableName() string {
	return "rule_sets"
}

// FilterRule is a single firewall statement inside a rule set.
type FilterRule struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	RuleSetID uint `gorm:"index;not null" json:"rule_set_id"`

	Action    RuleAction    `gorm:"not null" json:"action"`
	Direction RuleDirection `gorm:"not null" json:"direction"`

	// Priority determines evaluation order within the filter; lower numbers
	// evaluate first.
	Priority int `gorm:"default:500;not null" json:"priority"`

	// Protocol selects the nwfilter rule sub-element: tcp, udp, icmp, mac
	// or all.
	Protocol string `gorm:"default:all;not null" json:"protocol"`

	SrcPortStart *int `json:"src_port_start"`
	SrcPortEnd   *int `json:"src_port_end"`
	DstPortStart *int `json:"dst_port_start"`
	DstPortEnd   *int `json:"dst_port_end"`

	SrcIPAddr string `json:"src_ip_addr"`
	SrcIPMask string `json:"src_ip_mask"`
	DstIPAddr string `json:"dst_ip_addr"`
	DstIPMask string `json:"dst_ip_mask"`

	SrcMacAddr string `json:"src_mac_addr"`

	// ICMP type/code, only meaningful for protocol "icmp".
	IcmpType *int `json:"icmp_type"`
	IcmpCode *int `json:"icmp_code"`

	// ConnectionState is an optional comma separated state predicate
	// (NEW,ESTABLISHED,...). Two rules differing only in state are still
	// considered duplicates by deduplication.
	ConnectionState string `json:"connection_state"`

	// OverridesDept marks a machine rule that supersedes matching department
	// rules. Only legal on rules owned by a vm-scoped rule set.
	OverridesDept bool `gorm:"default:false;not null" json:"overrides_dept"`

	Comment string `json:"comment"`
}

func (FilterRule) TableName() string {
	return "filter_rules"
}

// FilterReference is a priority-ordered inclusion edge from one nwfilter
// document to another. It is how a machine filter chains to its department
// filter without duplicating rules.
type FilterReference struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	RuleSetID    uint   `gorm:"index;not null" json:"rule_set_id"`
	TargetFilter string `gorm:"not null" json:"target_filter"`
	Priority     int    `gorm:"default:500;not null" json:"priority"`
}

func (FilterReference) TableName() string {
	return "filter_references"
}
