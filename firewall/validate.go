package firewall

import (
	"strconv"

	"github.com/asaskevich/govalidator"

	"github.com/Infinibay/backend-sub001/internal/models"
)

// knownProtocols are the nwfilter rule sub-elements the synthesizer can
// render. Anything else is rejected at validation time rather than failing
// later inside a flush.
var knownProtocols = map[string]bool{
	"tcp":  true,
	"udp":  true,
	"icmp": true,
	"mac":  true,
	"all":  true,
}

func validateRuleInput(scope models.RuleSetScope, in RuleInput) error {
	switch in.Action {
	case models.ActionAccept, models.ActionDrop, models.ActionReject:
	default:
		return &ValidationError{Field: "action", Reason: "must be accept, drop or reject"}
	}
	switch in.Direction {
	case models.DirectionIn, models.DirectionOut, models.DirectionInOut:
	default:
		return &ValidationError{Field: "direction", Reason: "must be in, out or inout"}
	}
	protocol := in.Protocol
	if protocol == "" {
		protocol = "all"
	}
	if !knownProtocols[protocol] {
		return &ValidationError{Field: "protocol", Reason: "unsupported protocol " + protocol}
	}
	if in.Priority < 0 || in.Priority > 1000 {
		return &ValidationError{Field: "priority", Reason: "must be between 0 and 1000"}
	}

	// Port ranges only make sense for the port-carrying protocols.
	hasPorts := in.SrcPortStart != nil || in.SrcPortEnd != nil || in.DstPortStart != nil || in.DstPortEnd != nil
	if hasPorts && protocol != "tcp" && protocol != "udp" {
		return &ValidationError{Field: "protocol", Reason: "port ranges require tcp or udp"}
	}
	if err := validatePortRange("src_port", in.SrcPortStart, in.SrcPortEnd); err != nil {
		return err
	}
	if err := validatePortRange("dst_port", in.DstPortStart, in.DstPortEnd); err != nil {
		return err
	}

	if (in.IcmpType != nil || in.IcmpCode != nil) && protocol != "icmp" {
		return &ValidationError{Field: "protocol", Reason: "icmp type/code require the icmp protocol"}
	}
	if in.SrcMacAddr != "" {
		if protocol != "mac" {
			return &ValidationError{Field: "src_mac_addr", Reason: "mac matching requires the mac protocol"}
		}
		if !govalidator.IsMAC(in.SrcMacAddr) {
			return &ValidationError{Field: "src_mac_addr", Reason: "not a valid MAC address"}
		}
	}

	for field, v := range map[string]string{
		"src_ip_addr": in.SrcIPAddr,
		"src_ip_mask": in.SrcIPMask,
		"dst_ip_addr": in.DstIPAddr,
		"dst_ip_mask": in.DstIPMask,
	} {
		if v != "" && !govalidator.IsIP(v) {
			return &ValidationError{Field: field, Reason: "not a valid IP address"}
		}
	}

	// OverridesDept expresses a machine's intent to supersede a department
	// rule; it is meaningless, and therefore illegal, on department rules.
	if in.OverridesDept && scope != models.ScopeVM {
		return &ValidationError{Field: "overrides_dept", Reason: "only valid on machine-scoped rules"}
	}
	return nil
}

func validatePortRange(field string, start, end *int) error {
	if start == nil && end == nil {
		return nil
	}
	if start == nil {
		return &ValidationError{Field: field, Reason: "range end given without a start"}
	}
	if *start < 1 || *start > 65535 {
		return &ValidationError{Field: field, Reason: "port must be between 1 and 65535"}
	}
	if end != nil {
		if *end < 1 || *end > 65535 {
			return &ValidationError{Field: field, Reason: "port must be between 1 and 65535"}
		}
		if *end < *start {
			return &ValidationError{Field: field, Reason: "range end precedes its start"}
		}
	}
	return nil
}

func itoa(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}
