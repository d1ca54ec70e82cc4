package firewall

import (
	"context"
	"testing"

	"github.com/Infinibay/backend-sub001/internal/models"
)

func TestReconcileAllRedefinesEveryActiveFilter(t *testing.T) {
	svc, client, db := newTestService(t)

	m1 := seedMachine(t, db, "rec-1", nil)
	m2 := seedMachine(t, db, "rec-2", nil)
	for _, m := range []*models.Machine{m1, m2} {
		if _, err := svc.CreateRule(models.ScopeVM, m.ID, tcpRule(models.ActionAccept, models.DirectionIn, 22)); err != nil {
			t.Fatal(err)
		}
	}

	r := NewReconciler(svc, 0, 2)
	r.ReconcileAll(context.Background())

	for _, m := range []*models.Machine{m1, m2} {
		name := FilterName(models.ScopeVM, m.ID)
		if _, ok := client.conn.filters[name]; !ok {
			t.Errorf("filter %s not defined by reconciliation", name)
		}
	}
}

func TestReconcileAllSkipsInactiveRuleSets(t *testing.T) {
	svc, client, db := newTestService(t)

	m := seedMachine(t, db, "rec-inactive", nil)
	if _, err := svc.CreateRule(models.ScopeVM, m.ID, tcpRule(models.ActionAccept, models.DirectionIn, 22)); err != nil {
		t.Fatal(err)
	}
	if err := db.Model(&models.RuleSet{}).Where("entity_id = ?", m.ID).Update("is_active", false).Error; err != nil {
		t.Fatal(err)
	}

	NewReconciler(svc, 0, 1).ReconcileAll(context.Background())

	if len(client.conn.filters) != 0 {
		t.Fatalf("inactive rule sets must not be pushed, defined: %v", client.conn.filters)
	}
}
