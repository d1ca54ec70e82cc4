package firewall

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Infinibay/backend-sub001/hypervisor"
	"github.com/Infinibay/backend-sub001/internal/database"
	"github.com/Infinibay/backend-sub001/internal/models"
)

func init() {
	log.SetHandler(discard.New())
}

// fakeConn is an in-memory hypervisor connection that records every call in
// order so tests can assert on the exact protocol a code path performed.
type fakeConn struct {
	mu      sync.Mutex
	filters map[string]*hypervisor.Filter
	domains map[string]*hypervisor.Domain

	inUse map[string]bool

	lookupFilterErr error
	defineErr       error
	undefineErr     error

	calls []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		filters: make(map[string]*hypervisor.Filter),
		domains: make(map[string]*hypervisor.Domain),
		inUse:   make(map[string]bool),
	}
}

func (c *fakeConn) record(call string) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

func (c *fakeConn) LookupFilter(_ context.Context, name string) (*hypervisor.Filter, error) {
	c.record("lookup-filter:" + name)
	if c.lookupFilterErr != nil {
		return nil, c.lookupFilterErr
	}
	f, ok := c.filters[name]
	if !ok {
		return nil, errors.Wrap(hypervisor.ErrNotFound, "no nwfilter with matching name")
	}
	return f, nil
}

func (c *fakeConn) DefineFilter(_ context.Context, xml string) (*hypervisor.Filter, error) {
	c.record("define-filter")
	if c.defineErr != nil {
		return nil, c.defineErr
	}
	name := filterNameFromXML(xml)
	f := &hypervisor.Filter{Name: name, UUID: uuid.NewString()}
	c.filters[name] = f
	return f, nil
}

func (c *fakeConn) UndefineFilter(_ context.Context, name string) error {
	c.record("undefine-filter:" + name)
	if c.undefineErr != nil {
		return c.undefineErr
	}
	if c.inUse[name] {
		return errors.Wrap(hypervisor.ErrInUse, "nwfilter is in use")
	}
	if _, ok := c.filters[name]; !ok {
		return errors.Wrap(hypervisor.ErrNotFound, "no nwfilter with matching name")
	}
	delete(c.filters, name)
	return nil
}

func (c *fakeConn) LookupDomain(_ context.Context, name string) (*hypervisor.Domain, error) {
	c.record("lookup-domain:" + name)
	d, ok := c.domains[name]
	if !ok {
		return nil, errors.Wrap(hypervisor.ErrNotFound, "no domain with matching name")
	}
	return d, nil
}

func (c *fakeConn) DestroyDomain(_ context.Context, name string) error {
	c.record("destroy-domain:" + name)
	if d, ok := c.domains[name]; ok {
		d.Active = false
	}
	return nil
}

func (c *fakeConn) UndefineDomain(_ context.Context, name string) error {
	c.record("undefine-domain:" + name)
	delete(c.domains, name)
	return nil
}

func (c *fakeConn) Close() error {
	c.record("close")
	return nil
}

// filterNameFromXML pulls the name attribute out of a synthesized document
// without a full parse; the synthesizer always emits it first.
func filterNameFromXML(xml string) string {
	const marker = `name="`
	i := strings.Index(xml, marker)
	if i < 0 {
		return "unknown"
	}
	rest := xml[i+len(marker):]
	j := strings.Index(rest, `"`)
	if j < 0 {
		return "unknown"
	}
	return rest[:j]
}

type fakeClient struct {
	conn    *fakeConn
	openErr error
	opens   int
}

func (c *fakeClient) Open(_ context.Context) (hypervisor.Connection, error) {
	c.opens++
	if c.openErr != nil {
		return nil, c.openErr
	}
	return c.conn, nil
}

func newTestService(t *testing.T) (*Service, *fakeClient, *gorm.DB) {
	t.Helper()
	db, err := database.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	client := &fakeClient{conn: newFakeConn()}
	return NewService(db, client), client, db
}

func seedDepartment(t *testing.T, db *gorm.DB, name string) *models.Department {
	t.Helper()
	d := &models.Department{ID: uuid.NewString(), Name: name}
	if err := db.Create(d).Error; err != nil {
		t.Fatalf("failed to seed department: %v", err)
	}
	return d
}

func seedMachine(t *testing.T, db *gorm.DB, name string, departmentID *string) *models.Machine {
	t.Helper()
	m := &models.Machine{
		ID:           uuid.NewString(),
		Name:         name,
		DepartmentID: departmentID,
		DomainName:   "ibay-" + name,
	}
	if err := db.Create(m).Error; err != nil {
		t.Fatalf("failed to seed machine: %v", err)
	}
	return m
}

func intPtr(v int) *int { return &v }

func tcpRule(action models.RuleAction, direction models.RuleDirection, dstPort int) RuleInput {
	return RuleInput{
		Action:       action,
		Direction:    direction,
		Protocol:     "tcp",
		DstPortStart: intPtr(dstPort),
		DstPortEnd:   intPtr(dstPort),
	}
}
