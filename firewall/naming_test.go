package firewall

import (
	"regexp"
	"testing"

	"github.com/Infinibay/backend-sub001/internal/models"
)

var namePattern = regexp.MustCompile(`^ibay-(vm|department)-[a-f0-9]{8}$`)

func TestFilterNameDeterministic(t *testing.T) {
	ids := []string{
		"6a1dc5a2-51d0-4c3a-9b4a-111111111111",
		"short",
		"",
		"UPPER-case-ID-with-Chars_!@#",
	}
	for _, id := range ids {
		for _, scope := range []models.RuleSetScope{models.ScopeVM, models.ScopeDepartment} {
			a := FilterName(scope, id)
			b := FilterName(scope, id)
			if a != b {
				t.Errorf("FilterName(%q, %q) not deterministic: %q vs %q", scope, id, a, b)
			}
			if !namePattern.MatchString(a) {
				t.Errorf("FilterName(%q, %q) = %q does not match the compatibility pattern", scope, id, a)
			}
		}
	}
}

func TestFilterNameScopesDiffer(t *testing.T) {
	id := "6a1dc5a2-51d0-4c3a-9b4a-111111111111"
	vm := FilterName(models.ScopeVM, id)
	dept := FilterName(models.ScopeDepartment, id)
	if vm == dept {
		t.Fatalf("expected scope-distinct names, both were %q", vm)
	}
	// Same hash suffix, different prefix: the suffix derives from the id only.
	if vm[len(vm)-8:] != dept[len(dept)-8:] {
		t.Errorf("expected identical suffixes, got %q and %q", vm, dept)
	}
}

func TestFilterNameDistinctIDs(t *testing.T) {
	a := FilterName(models.ScopeVM, "machine-a")
	b := FilterName(models.ScopeVM, "machine-b")
	if a == b {
		t.Fatalf("distinct ids mapped to the same filter name %q", a)
	}
}
