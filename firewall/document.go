package firewall

import (
	"sort"
	"strconv"

	"github.com/beevik/etree"

	"github.com/Infinibay/backend-sub001/internal/models"
)

// BuildFilterXML renders a rule set, its rules and its outgoing filter
// references into the libvirt nwfilter document that Flush defines on the
// hypervisor. The transform is pure: it performs no I/O and touches no
// state. A rule whose protocol/field combination cannot be expressed fails
// the whole synthesis; data is never silently dropped.
func BuildFilterXML(rs models.RuleSet, rules []models.FilterRule, refs []models.FilterReference) (string, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	filter := doc.CreateElement("filter")
	filter.CreateAttr("name", rs.InternalName)
	filter.CreateAttr("chain", "root")
	filter.CreateAttr("priority", strconv.Itoa(rs.Priority))

	// Keeping the recorded UUID in the document makes a redefine replace the
	// existing object instead of colliding with it.
	if rs.HypervisorObjectID != nil && *rs.HypervisorObjectID != "" {
		filter.CreateElement("uuid").SetText(*rs.HypervisorObjectID)
	}

	ordered := make([]models.FilterReference, len(refs))
	copy(ordered, refs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })
	for _, ref := range ordered {
		if ref.TargetFilter == "" {
			return "", &ValidationError{Field: "filter_reference", Reason: "reference without a target filter name"}
		}
		fr := filter.CreateElement("filterref")
		fr.CreateAttr("filter", ref.TargetFilter)
	}

	sortedRules := make([]models.FilterRule, len(rules))
	copy(sortedRules, rules)
	sort.SliceStable(sortedRules, func(i, j int) bool {
		if sortedRules[i].Priority != sortedRules[j].Priority {
			return sortedRules[i].Priority < sortedRules[j].Priority
		}
		return sortedRules[i].ID < sortedRules[j].ID
	})
	for _, r := range sortedRules {
		if err := appendRule(filter, r); err != nil {
			return "", err
		}
	}

	doc.Indent(2)
	return doc.WriteToString()
}

func appendRule(filter *etree.Element, r models.FilterRule) error {
	switch r.Action {
	case models.ActionAccept, models.ActionDrop, models.ActionReject:
	default:
		return &ValidationError{Field: "action", Reason: "rule " + itoa(r.ID) + " has unknown action " + string(r.Action)}
	}
	switch r.Direction {
	case models.DirectionIn, models.DirectionOut, models.DirectionInOut:
	default:
		return &ValidationError{Field: "direction", Reason: "rule " + itoa(r.ID) + " has unknown direction " + string(r.Direction)}
	}

	el := filter.CreateElement("rule")
	el.CreateAttr("action", string(r.Action))
	el.CreateAttr("direction", string(r.Direction))
	el.CreateAttr("priority", strconv.Itoa(r.Priority))

	switch r.Protocol {
	case "tcp", "udp":
		proto := el.CreateElement(r.Protocol)
		appendAddresses(proto, r)
		appendPortRange(proto, "srcportstart", "srcportend", r.SrcPortStart, r.SrcPortEnd)
		appendPortRange(proto, "dstportstart", "dstportend", r.DstPortStart, r.DstPortEnd)
		if r.ConnectionState != "" {
			proto.CreateAttr("state", r.ConnectionState)
		}
	case "icmp":
		if hasPorts(r) {
			return &ValidationError{Field: "protocol", Reason: "rule " + itoa(r.ID) + " carries port ranges on icmp"}
		}
		proto := el.CreateElement("icmp")
		appendAddresses(proto, r)
		if r.IcmpType != nil {
			proto.CreateAttr("type", strconv.Itoa(*r.IcmpType))
		}
		if r.IcmpCode != nil {
			proto.CreateAttr("code", strconv.Itoa(*r.IcmpCode))
		}
		if r.ConnectionState != "" {
			proto.CreateAttr("state", r.ConnectionState)
		}
	case "mac":
		if hasPorts(r) || r.SrcIPAddr != "" || r.DstIPAddr != "" {
			return &ValidationError{Field: "protocol", Reason: "rule " + itoa(r.ID) + " carries ip/port matches on mac"}
		}
		proto := el.CreateElement("mac")
		if r.SrcMacAddr != "" {
			proto.CreateAttr("srcmacaddr", r.SrcMacAddr)
		}
	case "all":
		if hasPorts(r) {
			return &ValidationError{Field: "protocol", Reason: "rule " + itoa(r.ID) + " carries port ranges on all"}
		}
		proto := el.CreateElement("all")
		appendAddresses(proto, r)
		if r.ConnectionState != "" {
			proto.CreateAttr("state", r.ConnectionState)
		}
	default:
		return &ValidationError{Field: "protocol", Reason: "rule " + itoa(r.ID) + " has unsupported protocol " + r.Protocol}
	}
	return nil
}

func appendAddresses(el *etree.Element, r models.FilterRule) {
	if r.SrcIPAddr != "" {
		el.CreateAttr("srcipaddr", r.SrcIPAddr)
	}
	if r.SrcIPMask != "" {
		el.CreateAttr("srcipmask", r.SrcIPMask)
	}
	if r.DstIPAddr != "" {
		el.CreateAttr("dstipaddr", r.DstIPAddr)
	}
	if r.DstIPMask != "" {
		el.CreateAttr("dstipmask", r.DstIPMask)
	}
}

func appendPortRange(el *etree.Element, startAttr, endAttr string, start, end *int) {
	if start != nil {
		el.CreateAttr(startAttr, strconv.Itoa(*start))
	}
	if end != nil {
		el.CreateAttr(endAttr, strconv.Itoa(*end))
	}
}

func hasPorts(r models.FilterRule) bool {
	return r.SrcPortStart != nil || r.SrcPortEnd != nil || r.DstPortStart != nil || r.DstPortEnd != nil
}
