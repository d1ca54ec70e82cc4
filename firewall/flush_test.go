package firewall

import (
	"context"
	"strings"
	"testing"
	"time"

	"emperror.dev/errors"

	"github.com/Infinibay/backend-sub001/hypervisor"
	"github.com/Infinibay/backend-sub001/internal/models"
)

func seedFlushableRuleSet(t *testing.T, svc *Service) *models.RuleSet {
	t.Helper()
	m := seedMachine(t, svc.db, "flush-"+t.Name(), nil)
	if _, err := svc.CreateRule(models.ScopeVM, m.ID, tcpRule(models.ActionAccept, models.DirectionIn, 443)); err != nil {
		t.Fatalf("failed to seed rule: %v", err)
	}
	rs, err := svc.RuleSetFor(models.ScopeVM, m.ID)
	if err != nil || rs == nil {
		t.Fatalf("failed to fetch rule set: %v", err)
	}
	return rs
}

func countCalls(calls []string, prefix string) int {
	n := 0
	for _, c := range calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func TestFlushUnknownRuleSet(t *testing.T) {
	svc, client, _ := newTestService(t)
	if svc.Flush(context.Background(), 4242, false) {
		t.Fatal("expected false for an unknown rule set")
	}
	if client.opens != 0 {
		t.Fatal("no hypervisor connection should be opened for an unknown rule set")
	}
}

func TestFlushConnectionFailure(t *testing.T) {
	svc, client, _ := newTestService(t)
	rs := seedFlushableRuleSet(t, svc)

	client.openErr = errors.New("connection refused")
	if svc.Flush(context.Background(), rs.ID, false) {
		t.Fatal("expected false when the hypervisor is unreachable")
	}
}

func TestFlushDefinesAndPersistsSyncState(t *testing.T) {
	svc, client, db := newTestService(t)
	rs := seedFlushableRuleSet(t, svc)

	if !svc.Flush(context.Background(), rs.ID, false) {
		t.Fatal("expected flush to succeed")
	}
	if got := countCalls(client.conn.calls, "define-filter"); got != 1 {
		t.Fatalf("define calls = %d, want 1", got)
	}

	var after models.RuleSet
	if err := db.First(&after, rs.ID).Error; err != nil {
		t.Fatal(err)
	}
	if after.LastSyncedAt == nil {
		t.Error("LastSyncedAt not persisted after successful definition")
	}
	if after.HypervisorObjectID == nil || *after.HypervisorObjectID == "" {
		t.Error("HypervisorObjectID not persisted after successful definition")
	}
}

func TestFlushIdempotentWhenObjectExists(t *testing.T) {
	svc, client, _ := newTestService(t)
	rs := seedFlushableRuleSet(t, svc)

	client.conn.filters[rs.InternalName] = &hypervisor.Filter{Name: rs.InternalName, UUID: "existing"}

	if !svc.Flush(context.Background(), rs.ID, false) {
		t.Fatal("expected true when the object already exists")
	}
	// Short-circuit: no define and no undefine may reach the hypervisor.
	if got := countCalls(client.conn.calls, "define-filter"); got != 0 {
		t.Fatalf("define calls = %d, want 0", got)
	}
	if got := countCalls(client.conn.calls, "undefine-filter"); got != 0 {
		t.Fatalf("undefine calls = %d, want 0", got)
	}
}

func TestFlushRedefineReplacesExistingObject(t *testing.T) {
	svc, client, _ := newTestService(t)
	rs := seedFlushableRuleSet(t, svc)

	client.conn.filters[rs.InternalName] = &hypervisor.Filter{Name: rs.InternalName, UUID: "old"}

	if !svc.Flush(context.Background(), rs.ID, true) {
		t.Fatal("expected redefine to succeed")
	}
	if got := countCalls(client.conn.calls, "undefine-filter"); got != 1 {
		t.Fatalf("undefine calls = %d, want 1", got)
	}
	if got := countCalls(client.conn.calls, "define-filter"); got != 1 {
		t.Fatalf("define calls = %d, want 1", got)
	}
}

func TestFlushRedefineSwallowsInUseError(t *testing.T) {
	svc, client, _ := newTestService(t)
	rs := seedFlushableRuleSet(t, svc)

	client.conn.filters[rs.InternalName] = &hypervisor.Filter{Name: rs.InternalName, UUID: "old"}
	client.conn.inUse[rs.InternalName] = true

	// The filter is bound to a running domain and cannot be undefined; the
	// redefinition must still go through.
	if !svc.Flush(context.Background(), rs.ID, true) {
		t.Fatal("expected redefine to succeed despite the in-use filter")
	}
	if got := countCalls(client.conn.calls, "define-filter"); got != 1 {
		t.Fatalf("define calls = %d, want 1", got)
	}
}

func TestFlushSynthesisFailureReturnsFalse(t *testing.T) {
	svc, client, db := newTestService(t)
	rs := seedFlushableRuleSet(t, svc)

	// Bypass validation and plant a structurally invalid rule.
	bad := &models.FilterRule{
		RuleSetID: rs.ID,
		Action:    models.ActionAccept,
		Direction: models.DirectionIn,
		Protocol:  "sctp",
	}
	if err := db.Create(bad).Error; err != nil {
		t.Fatal(err)
	}

	if svc.Flush(context.Background(), rs.ID, false) {
		t.Fatal("expected false when synthesis fails")
	}
	if got := countCalls(client.conn.calls, "define-filter"); got != 0 {
		t.Fatalf("an invalid document must never be defined, got %d define calls", got)
	}
}

func TestFilterLocksSerializeSameName(t *testing.T) {
	locks := newFilterLocks()

	release := locks.acquire("ibay-vm-00000000")
	acquired := make(chan struct{})
	go func() {
		r := locks.acquire("ibay-vm-00000000")
		close(acquired)
		r()
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while the lock was held")
	default:
	}

	release()
	<-acquired
}
