package firewall

import (
	"context"

	"emperror.dev/errors"
	"github.com/apex/log"
	"gorm.io/gorm"

	"github.com/Infinibay/backend-sub001/hypervisor"
	"github.com/Infinibay/backend-sub001/internal/models"
)

// CleanupVM removes a machine and every firewall resource coupled to it.
//
// The hypervisor side (nwfilter undefine, domain destroy/undefine) is
// strictly best-effort: lookup and undefine failures are logged and never
// abort the sequence, so a machine row can always be removed even when the
// hypervisor is unreachable. The relational side is authoritative and runs
// inside one transaction in a fixed order: configuration, application
// links, rules, rule set, machine row. Only a relational failure propagates
// to the caller, and a retry of the same call after such a failure is safe:
// rows deleted by an earlier attempt simply no longer match.
func (s *Service) CleanupVM(ctx context.Context, vmID string) error {
	l := log.WithField("machine", vmID)

	var machine models.Machine
	if err := s.db.First(&machine, "id = ?", vmID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &NotFoundError{Kind: "machine", ID: vmID}
		}
		return errors.Wrap(err, "firewall: failed to load machine for cleanup")
	}

	filterName := FilterName(models.ScopeVM, vmID)
	release := s.locks.acquire(filterName)
	defer release()

	s.teardownHypervisor(ctx, l, filterName, machine.DomainName)

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("machine_id = ?", vmID).Delete(&models.MachineConfiguration{}).Error; err != nil {
			return errors.Wrap(err, "firewall: failed to delete machine configuration")
		}
		if err := tx.Where("machine_id = ?", vmID).Delete(&models.MachineApplication{}).Error; err != nil {
			return errors.Wrap(err, "firewall: failed to delete machine applications")
		}
		if err := deleteRuleSet(tx, models.ScopeVM, vmID); err != nil {
			return err
		}
		if err := tx.Delete(&models.Machine{}, "id = ?", vmID).Error; err != nil {
			return errors.Wrap(err, "firewall: failed to delete machine")
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.invalidateResolutions()
	l.Info("machine and firewall state removed")
	return nil
}

// CleanupDepartment removes a department and its firewall resources. A
// department that still has machines attached is never touched; the guard
// fires before any mutation, relational or hypervisor-side.
func (s *Service) CleanupDepartment(ctx context.Context, departmentID string) error {
	l := log.WithField("department", departmentID)

	var dept models.Department
	if err := s.db.First(&dept, "id = ?", departmentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &NotFoundError{Kind: "department", ID: departmentID}
		}
		return errors.Wrap(err, "firewall: failed to load department for cleanup")
	}

	var attached int64
	if err := s.db.Model(&models.Machine{}).Where("department_id = ?", departmentID).Count(&attached).Error; err != nil {
		return errors.Wrap(err, "firewall: failed to count department machines")
	}
	if attached > 0 {
		return &DepartmentHasMachinesError{DepartmentID: departmentID, Count: int(attached)}
	}

	filterName := FilterName(models.ScopeDepartment, departmentID)
	release := s.locks.acquire(filterName)
	defer release()

	s.undefineFilterBestEffort(ctx, l, filterName)

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := deleteRuleSet(tx, models.ScopeDepartment, departmentID); err != nil {
			return err
		}
		if err := tx.Delete(&models.Department{}, "id = ?", departmentID).Error; err != nil {
			return errors.Wrap(err, "firewall: failed to delete department")
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.invalidateResolutions()
	l.Info("department and firewall state removed")
	return nil
}

// deleteRuleSet removes an entity's rules, references and rule set inside
// the caller's transaction. Rules die before their rule set; an entity that
// never had a rule set is a no-op.
func deleteRuleSet(tx *gorm.DB, scope models.RuleSetScope, entityID string) error {
	rs, err := findRuleSet(tx, scope, entityID)
	if err != nil {
		return err
	}
	if rs == nil {
		return nil
	}
	if err := tx.Where("rule_set_id = ?", rs.ID).Delete(&models.FilterRule{}).Error; err != nil {
		return errors.Wrap(err, "firewall: failed to delete rules")
	}
	if err := tx.Where("rule_set_id = ?", rs.ID).Delete(&models.FilterReference{}).Error; err != nil {
		return errors.Wrap(err, "firewall: failed to delete filter references")
	}
	if err := tx.Delete(&models.RuleSet{}, rs.ID).Error; err != nil {
		return errors.Wrap(err, "firewall: failed to delete rule set")
	}
	return nil
}

// teardownHypervisor undefines the machine's filter and stops/undefines its
// domain. Every step is best-effort; a dead hypervisor only costs log lines.
func (s *Service) teardownHypervisor(ctx context.Context, l *log.Entry, filterName, domainName string) {
	conn, err := s.hv.Open(ctx)
	if err != nil {
		l.WithError(err).Warn("hypervisor unreachable during cleanup, skipping hypervisor teardown")
		return
	}
	defer conn.Close()

	s.undefineFilterOn(ctx, conn, l, filterName)

	if domainName == "" {
		return
	}
	if _, err := conn.LookupDomain(ctx, domainName); err != nil {
		if !hypervisor.IsNotFound(err) {
			l.WithError(err).Warn("domain lookup failed during cleanup")
		}
		return
	}
	if err := conn.DestroyDomain(ctx, domainName); err != nil {
		l.WithError(err).Warn("could not stop domain during cleanup")
	}
	if err := conn.UndefineDomain(ctx, domainName); err != nil {
		l.WithError(err).Warn("could not undefine domain during cleanup")
	}
}

func (s *Service) undefineFilterBestEffort(ctx context.Context, l *log.Entry, filterName string) {
	conn, err := s.hv.Open(ctx)
	if err != nil {
		l.WithError(err).Warn("hypervisor unreachable during cleanup, skipping filter removal")
		return
	}
	defer conn.Close()
	s.undefineFilterOn(ctx, conn, l, filterName)
}

func (s *Service) undefineFilterOn(ctx context.Context, conn hypervisor.Connection, l *log.Entry, filterName string) {
	if _, err := conn.LookupFilter(ctx, filterName); err != nil {
		if !hypervisor.IsNotFound(err) {
			l.WithError(err).WithField("filter", filterName).Warn("filter lookup failed during cleanup")
		}
		return
	}
	if err := conn.UndefineFilter(ctx, filterName); err != nil {
		l.WithError(err).WithField("filter", filterName).Warn("could not undefine filter during cleanup")
	}
}
