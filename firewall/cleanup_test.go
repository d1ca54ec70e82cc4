package firewall

import (
	"context"
	"errors"
	"strings"
	"testing"

	emperrors "emperror.dev/errors"
	"gorm.io/gorm"

	"github.com/Infinibay/backend-sub001/hypervisor"
	"github.com/Infinibay/backend-sub001/internal/models"
)

// recordDeletes registers a gorm callback collecting the table name of
// every delete statement, in execution order.
func recordDeletes(t *testing.T, db *gorm.DB) *[]string {
	t.Helper()
	var order []string
	err := db.Callback().Delete().After("gorm:delete").Register("test:record_deletes", func(tx *gorm.DB) {
		order = append(order, tx.Statement.Table)
	})
	if err != nil {
		t.Fatalf("failed to register callback: %v", err)
	}
	return &order
}

func lastIndex(order []string, table string) int {
	idx := -1
	for i, t := range order {
		if t == table {
			idx = i
		}
	}
	return idx
}

func TestCleanupVMRemovesEverythingInOrder(t *testing.T) {
	svc, client, db := newTestService(t)
	m := seedMachine(t, db, "doomed", nil)
	if err := db.Create(&models.MachineConfiguration{MachineID: m.ID, CPUCores: 2}).Error; err != nil {
		t.Fatal(err)
	}
	if err := db.Create(&models.MachineApplication{MachineID: m.ID, ApplicationID: "app-1"}).Error; err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreateRule(models.ScopeVM, m.ID, tcpRule(models.ActionAccept, models.DirectionIn, 80)); err != nil {
		t.Fatal(err)
	}

	filterName := FilterName(models.ScopeVM, m.ID)
	client.conn.filters[filterName] = &hypervisor.Filter{Name: filterName, UUID: "f"}
	client.conn.domains[m.DomainName] = &hypervisor.Domain{Name: m.DomainName, Active: true}

	order := recordDeletes(t, db)
	if err := svc.CleanupVM(context.Background(), m.ID); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}

	// Hypervisor side: the filter goes before the domain is touched.
	calls := client.conn.calls
	if countCalls(calls, "undefine-filter:"+filterName) != 1 {
		t.Errorf("expected the machine filter to be undefined, calls: %v", calls)
	}
	if countCalls(calls, "destroy-domain:"+m.DomainName) != 1 || countCalls(calls, "undefine-domain:"+m.DomainName) != 1 {
		t.Errorf("expected the domain to be destroyed and undefined, calls: %v", calls)
	}

	// Relational side: rules before the rule set, rule set before the
	// machine row.
	rules := lastIndex(*order, "filter_rules")
	ruleSets := lastIndex(*order, "rule_sets")
	machines := lastIndex(*order, "machines")
	if rules == -1 || ruleSets == -1 || machines == -1 {
		t.Fatalf("missing deletes in %v", *order)
	}
	if !(rules < ruleSets && ruleSets < machines) {
		t.Fatalf("delete order violated: %v", *order)
	}

	for table, model := range map[string]interface{}{
		"machines":               &models.Machine{},
		"machine_configurations": &models.MachineConfiguration{},
		"machine_applications":   &models.MachineApplication{},
		"rule_sets":              &models.RuleSet{},
		"filter_rules":           &models.FilterRule{},
	} {
		var count int64
		db.Model(model).Count(&count)
		if count != 0 {
			t.Errorf("%s not emptied, %d rows remain", table, count)
		}
	}
}

func TestCleanupVMSurvivesHypervisorFailure(t *testing.T) {
	svc, client, db := newTestService(t)
	m := seedMachine(t, db, "orphan", nil)
	if _, err := svc.CreateRule(models.ScopeVM, m.ID, tcpRule(models.ActionAccept, models.DirectionIn, 80)); err != nil {
		t.Fatal(err)
	}

	client.openErr = emperrors.New("connection failed")
	if err := svc.CleanupVM(context.Background(), m.ID); err != nil {
		t.Fatalf("cleanup must tolerate an unreachable hypervisor: %v", err)
	}

	var count int64
	db.Model(&models.Machine{}).Where("id = ?", m.ID).Count(&count)
	if count != 0 {
		t.Fatal("machine row must be deleted even when the hypervisor is down")
	}
}

func TestCleanupVMSurvivesFilterLookupError(t *testing.T) {
	svc, client, db := newTestService(t)
	m := seedMachine(t, db, "lookup-fail", nil)

	client.conn.lookupFilterErr = emperrors.New("internal hypervisor error")
	if err := svc.CleanupVM(context.Background(), m.ID); err != nil {
		t.Fatalf("cleanup must tolerate a failing filter lookup: %v", err)
	}

	var count int64
	db.Model(&models.Machine{}).Where("id = ?", m.ID).Count(&count)
	if count != 0 {
		t.Fatal("machine row must be deleted even when the filter lookup fails")
	}
}

func TestCleanupVMUnknownMachine(t *testing.T) {
	svc, _, _ := newTestService(t)
	err := svc.CleanupVM(context.Background(), "missing")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestCleanupDepartmentGuardedByAttachedMachines(t *testing.T) {
	svc, client, db := newTestService(t)
	dept := seedDepartment(t, db, "guarded")
	seedMachine(t, db, "g-1", &dept.ID)
	seedMachine(t, db, "g-2", &dept.ID)

	order := recordDeletes(t, db)
	err := svc.CleanupDepartment(context.Background(), dept.ID)

	var guard *DepartmentHasMachinesError
	if !errors.As(err, &guard) {
		t.Fatalf("expected DepartmentHasMachinesError, got %v", err)
	}
	if guard.Count != 2 {
		t.Errorf("guard count = %d, want 2", guard.Count)
	}
	if !strings.Contains(err.Error(), "2") || !strings.Contains(err.Error(), dept.ID) {
		t.Errorf("guard message should name the count and department: %q", err.Error())
	}

	// No mutation of any kind happened.
	if len(*order) != 0 {
		t.Fatalf("deletes reached the store despite the guard: %v", *order)
	}
	if client.opens != 0 {
		t.Fatal("hypervisor touched despite the guard")
	}
	var count int64
	db.Model(&models.Department{}).Count(&count)
	if count != 1 {
		t.Fatal("department row must remain")
	}
}

func TestCleanupDepartmentRemovesFilterAndRows(t *testing.T) {
	svc, client, db := newTestService(t)
	dept := seedDepartment(t, db, "empty")
	if _, err := svc.CreateRule(models.ScopeDepartment, dept.ID, tcpRule(models.ActionDrop, models.DirectionIn, 23)); err != nil {
		t.Fatal(err)
	}

	filterName := FilterName(models.ScopeDepartment, dept.ID)
	client.conn.filters[filterName] = &hypervisor.Filter{Name: filterName, UUID: "f"}

	order := recordDeletes(t, db)
	if err := svc.CleanupDepartment(context.Background(), dept.ID); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}

	if countCalls(client.conn.calls, "undefine-filter:"+filterName) != 1 {
		t.Errorf("expected the department filter to be undefined, calls: %v", client.conn.calls)
	}

	rules := lastIndex(*order, "filter_rules")
	ruleSets := lastIndex(*order, "rule_sets")
	departments := lastIndex(*order, "departments")
	if !(rules < ruleSets && ruleSets < departments) {
		t.Fatalf("delete order violated: %v", *order)
	}

	var count int64
	db.Model(&models.Department{}).Count(&count)
	if count != 0 {
		t.Fatal("department row must be gone")
	}
}

func TestCleanupDepartmentRetryAfterPartialFailureIsSafe(t *testing.T) {
	svc, client, db := newTestService(t)
	dept := seedDepartment(t, db, "retry")
	if _, err := svc.CreateRule(models.ScopeDepartment, dept.ID, tcpRule(models.ActionDrop, models.DirectionIn, 23)); err != nil {
		t.Fatal(err)
	}
	client.openErr = emperrors.New("connection failed")

	// First call removes everything relationally despite the hypervisor
	// being down; a second call reports NotFound and nothing else.
	if err := svc.CleanupDepartment(context.Background(), dept.ID); err != nil {
		t.Fatalf("first cleanup failed: %v", err)
	}
	err := svc.CleanupDepartment(context.Background(), dept.ID)
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError on retry, got %v", err)
	}
}
