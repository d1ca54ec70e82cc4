package firewall

import (
	"context"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"gorm.io/gorm"

	"github.com/Infinibay/backend-sub001/hypervisor"
	"github.com/Infinibay/backend-sub001/internal/models"
)

// filterLocks serializes flushes per filter name. Two rapid edits to the
// same rule set must not race their defines on the hypervisor, or an older
// document can overwrite a newer one; libvirt itself gives no such
// guarantee.
type filterLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newFilterLocks() *filterLocks {
	return &filterLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *filterLocks) acquire(name string) func() {
	l.mu.Lock()
	m, ok := l.locks[name]
	if !ok {
		m = &sync.Mutex{}
		l.locks[name] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Flush pushes a rule set's nwfilter document to the hypervisor and records
// the sync status on success. It reports success or failure as a boolean and
// never returns an error: every hypervisor-side failure (refused socket,
// timeout, rejected document) is logged and re-converged by a later flush,
// the relational state stays authoritative throughout.
//
// With redefine false an already-defined filter short-circuits to true
// without any hypervisor write, making the call idempotent. With redefine
// true an existing object is removed first, best-effort: a filter that is
// still in use by a running domain keeps its binding and is simply
// redefined over.
func (s *Service) Flush(ctx context.Context, ruleSetID uint, redefine bool) bool {
	l := log.WithFields(log.Fields{
		"rule_set": ruleSetID,
		"redefine": redefine,
	})

	var rs models.RuleSet
	err := s.db.Preload("Rules").Preload("References").First(&rs, ruleSetID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			l.Warn("flush requested for unknown rule set")
		} else {
			l.WithError(err).Error("failed to load rule set for flush")
		}
		return false
	}
	l = l.WithField("filter", rs.InternalName)

	// Serialize with any concurrent flush of the same filter name. Taken
	// before the connection is opened so the loser of the race observes the
	// winner's hypervisor writes.
	release := s.locks.acquire(rs.InternalName)
	defer release()

	conn, err := s.hv.Open(ctx)
	if err != nil {
		l.WithError(err).Warn("could not open hypervisor connection, filter not synced")
		return false
	}
	defer conn.Close()

	existing, err := conn.LookupFilter(ctx, rs.InternalName)
	if err != nil && !hypervisor.IsNotFound(err) {
		l.WithError(err).Warn("hypervisor filter lookup failed, filter not synced")
		return false
	}

	if existing != nil {
		if !redefine {
			l.Debug("filter already defined, nothing to do")
			return true
		}
		if err := conn.UndefineFilter(ctx, rs.InternalName); err != nil {
			if hypervisor.IsInUse(err) {
				// A bound filter cannot be undefined while domains use it;
				// defining over it below still replaces the document.
				l.Debug("filter is in use, redefining in place")
			} else {
				l.WithError(err).Warn("could not undefine existing filter, attempting redefinition anyway")
			}
		}
	}

	xml, err := BuildFilterXML(rs, rs.Rules, rs.References)
	if err != nil {
		l.WithError(err).Error("filter document synthesis failed")
		return false
	}

	defined, err := conn.DefineFilter(ctx, xml)
	if err != nil {
		l.WithError(err).Warn("hypervisor rejected filter definition")
		return false
	}

	now := time.Now()
	updates := map[string]interface{}{
		"last_synced_at":       &now,
		"hypervisor_object_id": &defined.UUID,
	}
	if err := s.db.Model(&models.RuleSet{}).Where("id = ?", rs.ID).Updates(updates).Error; err != nil {
		// The filter is live on the hypervisor; only the bookkeeping failed.
		// The next flush repairs it.
		l.WithError(err).Error("filter defined but sync status could not be persisted")
		return false
	}

	l.WithField("uuid", defined.UUID).Info("filter synced to hypervisor")
	return true
}
