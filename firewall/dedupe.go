package firewall

import (
	"emperror.dev/errors"
	json "github.com/goccy/go-json"
	"gorm.io/gorm"

	"github.com/Infinibay/backend-sub001/internal/models"
)

// semanticKey is the identity under which two rules count as duplicates.
// ConnectionState is deliberately absent: two rules differing only in their
// state predicate are still the same statement and collapse to one row.
type semanticKey struct {
	Action       models.RuleAction    `json:"action"`
	Direction    models.RuleDirection `json:"direction"`
	Protocol     string               `json:"protocol"`
	SrcPortStart *int                 `json:"sps"`
	SrcPortEnd   *int                 `json:"spe"`
	DstPortStart *int                 `json:"dps"`
	DstPortEnd   *int                 `json:"dpe"`
	SrcIPAddr    string               `json:"sip"`
	DstIPAddr    string               `json:"dip"`
	Comment      string               `json:"comment"`
}

func ruleKey(r models.FilterRule) (string, error) {
	b, err := json.Marshal(semanticKey{
		Action:       r.Action,
		Direction:    r.Direction,
		Protocol:     r.Protocol,
		SrcPortStart: r.SrcPortStart,
		SrcPortEnd:   r.SrcPortEnd,
		DstPortStart: r.DstPortStart,
		DstPortEnd:   r.DstPortEnd,
		SrcIPAddr:    r.SrcIPAddr,
		DstIPAddr:    r.DstIPAddr,
		Comment:      r.Comment,
	})
	if err != nil {
		return "", errors.Wrap(err, "firewall: failed to build rule key")
	}
	return string(b), nil
}

// Deduplicate collapses semantically identical rules within one rule set to
// a single canonical row each and returns how many rows were removed. Within
// a duplicate group the newest rule (max CreatedAt, rule id as tie-break)
// survives. The rule set's UpdatedAt is only touched when at least one row
// was actually deleted.
func (s *Service) Deduplicate(ruleSetID uint) (int, error) {
	var rs models.RuleSet
	if err := s.db.First(&rs, ruleSetID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, &NotFoundError{Kind: "rule set", ID: itoa(ruleSetID)}
		}
		return 0, errors.Wrap(err, "firewall: failed to fetch rule set")
	}

	var rules []models.FilterRule
	if err := s.db.Where("rule_set_id = ?", ruleSetID).Find(&rules).Error; err != nil {
		return 0, errors.Wrap(err, "firewall: failed to fetch rules")
	}

	groups := make(map[string][]models.FilterRule)
	for _, r := range rules {
		key, err := ruleKey(r)
		if err != nil {
			return 0, err
		}
		groups[key] = append(groups[key], r)
	}

	var doomed []uint
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		keep := group[0]
		for _, r := range group[1:] {
			if r.CreatedAt.After(keep.CreatedAt) || (r.CreatedAt.Equal(keep.CreatedAt) && r.ID > keep.ID) {
				keep = r
			}
		}
		for _, r := range group {
			if r.ID != keep.ID {
				doomed = append(doomed, r.ID)
			}
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.FilterRule{}, doomed).Error; err != nil {
			return errors.Wrap(err, "firewall: failed to delete duplicate rules")
		}
		return touchRuleSet(tx, ruleSetID)
	})
	if err != nil {
		return 0, err
	}
	s.invalidateResolutions()
	return len(doomed), nil
}
